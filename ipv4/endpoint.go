package ipv4

import (
	"errors"
	"net/netip"

	"github.com/nilgrid/netstack"
	"github.com/nilgrid/netstack/ipv4/icmpv4"
	"github.com/nilgrid/netstack/managed"
)

// ProtoHandler is implemented by the transport layer registered for a given
// [lneto.IPProto] (TCP, UDP). Demux receives the validated IPv4 frame so it
// can read pseudo-header fields for checksum verification; Encapsulate
// writes the next outgoing payload (if any) into dst and reports the
// destination address to stamp on the IP header.
type ProtoHandler interface {
	Demux(ifrm Frame, now lneto.Instant) error
	Encapsulate(dst []byte, now lneto.Instant) (n int, dstAddr [4]byte, err error)
}

// Route is a single routing table entry: packets to an address matching
// Prefix are forwarded via Gateway (the zero address means the destination
// is on-link and needs no gateway hop).
//
// Route carries no source-address hint: this Endpoint only ever binds one
// configured address ([Endpoint.LocalAddr]), so source selection has
// nothing to choose between. A multi-address endpoint would need a hint
// field here to pick a source per route.
type Route struct {
	Prefix  netip.Prefix
	Gateway [4]byte
}

// EndpointConfig configures an [Endpoint].
type EndpointConfig struct {
	LocalIP netip.Prefix
	// RoutesCapacity is not read by NewEndpoint: the routing table holds at
	// most len(routeStorage) entries.
	RoutesCapacity int
	TTL            uint8
}

// Endpoint implements the IPv4 layer (C6): header validation and checksum
// verification on receive, protocol demux to TCP/UDP/ICMP, routing table
// lookup and source address selection on send, and ICMP echo replies (the
// only payload C6 answers itself, per the spec's Non-goals excluding a
// general ICMP application surface). An echo request's identifier, sequence
// number and up to 64 bytes of its data are copied out of the inbound
// buffer on Demux; the reply is written into the buffer given to the next
// Encapsulate call, so the inbound buffer is not reused for it.
type Endpoint struct {
	localIP netip.Prefix
	ttl     uint8
	id      uint16

	routes managed.Partial[Route]

	tcp ProtoHandler
	udp ProtoHandler

	pendingEcho pendingEcho
}

func NewEndpoint(cfg EndpointConfig, routeStorage []Route) (*Endpoint, error) {
	if !cfg.LocalIP.Addr().Is4() {
		return nil, errors.New("ipv4: endpoint requires an IPv4 address")
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 64
	}
	return &Endpoint{
		localIP: cfg.LocalIP,
		ttl:     ttl,
		routes:  managed.NewPartial(managed.Borrowed(routeStorage)),
	}, nil
}

// RegisterTCP wires the TCP endpoint as the handler for [lneto.IPProtoTCP].
func (e *Endpoint) RegisterTCP(h ProtoHandler) { e.tcp = h }

// RegisterUDP wires the UDP handler as the handler for [lneto.IPProtoUDP].
func (e *Endpoint) RegisterUDP(h ProtoHandler) { e.udp = h }

// AddRoute appends a routing table entry. Returns false if the table is
// full.
func (e *Endpoint) AddRoute(r Route) bool { return e.routes.Push(r) }

// LocalAddr returns the endpoint's primary configured address.
func (e *Endpoint) LocalAddr() [4]byte { return e.localIP.Addr().As4() }

// route finds the longest-prefix-match route for dst, returning its gateway
// (the zero address if on-link) and true, or false if no route matches.
func (e *Endpoint) route(dst [4]byte) (gateway [4]byte, ok bool) {
	dstAddr := netip.AddrFrom4(dst)
	bestBits := -1
	var best Route
	n := e.routes.Len()
	for i := 0; i < n; i++ {
		r := *e.routes.GetPtr(i)
		if r.Prefix.Contains(dstAddr) && r.Prefix.Bits() > bestBits {
			bestBits = r.Prefix.Bits()
			best = r
		}
	}
	if bestBits < 0 {
		return [4]byte{}, false
	}
	return best.Gateway, true
}

// NextHop returns the IPv4 address whose hardware address the link layer
// must resolve to reach dst: either dst itself (on-link) or the matching
// route's gateway.
func (e *Endpoint) NextHop(dst [4]byte) ([4]byte, error) {
	if e.localIP.Contains(netip.AddrFrom4(dst)) {
		return dst, nil
	}
	gw, ok := e.route(dst)
	if !ok {
		return dst, lneto.ErrUnreachable
	}
	if gw == ([4]byte{}) {
		return dst, nil
	}
	return gw, nil
}

// Demux decodes an inbound IPv4 datagram at ipFrame[frameOffset:], verifies
// its header checksum and dispatches its payload by protocol: ICMP echo
// requests are recorded and answered by the next Encapsulate call, TCP/UDP
// datagrams are handed to their registered ProtoHandler, which verifies the
// pseudo-header checksum itself.
func (e *Endpoint) Demux(ipFrame []byte, frameOffset int, now lneto.Instant) error {
	ifrm, err := NewFrame(ipFrame[frameOffset:])
	if err != nil {
		return err
	}
	var vld lneto.Validator
	ifrm.ValidateExceptCRC(&vld)
	if vld.HasError() {
		return vld.Err()
	}
	dst := ifrm.DestinationAddr()
	if *dst != e.LocalAddr() {
		return nil // Not for us; forwarding is out of scope.
	}
	if ifrm.CRC() != ifrm.CalculateHeaderCRC() {
		return errors.New("ipv4: header checksum mismatch")
	}

	switch ifrm.Protocol() {
	case lneto.IPProtoICMP:
		return e.demuxICMP(ifrm, now)
	case lneto.IPProtoTCP:
		if e.tcp == nil {
			return nil
		}
		return e.tcp.Demux(ifrm, now)
	case lneto.IPProtoUDP:
		if e.udp == nil {
			return nil
		}
		return e.udp.Demux(ifrm, now)
	}
	return nil // Unsupported protocol, drop.
}

// pendingEcho holds a copy of an ICMP echo request awaiting its reply
// on the next call to Encapsulate.
type pendingEcho struct {
	armed   bool
	srcAddr [4]byte
	id      uint16
	seq     uint16
	data    [64]byte
	dataLen int
}

func (e *Endpoint) demuxICMP(ifrm Frame, now lneto.Instant) error {
	cfrm, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil {
		return err
	}
	var crc lneto.CRC791
	cfrm.CRCWrite(&crc)
	if crc.Sum16() != cfrm.CRC() {
		return errors.New("ipv4: ICMP checksum mismatch")
	}
	if cfrm.Type() != icmpv4.TypeEcho {
		return nil // Only echo request/reply handled inside the core.
	}
	echo := icmpv4.FrameEcho{Frame: cfrm}
	data := echo.Data()
	if len(data) > len(e.pendingEcho.data) {
		data = data[:len(e.pendingEcho.data)]
	}
	e.pendingEcho = pendingEcho{
		armed:   true,
		srcAddr: *ifrm.SourceAddr(),
		id:      echo.Identifier(),
		seq:     echo.SequenceNumber(),
	}
	e.pendingEcho.dataLen = copy(e.pendingEcho.data[:], data)
	return nil
}

// Encapsulate writes the next outgoing IPv4 datagram into carrierData at
// offsetToFrame. A pending ICMP echo reply takes priority over TCP/UDP
// traffic, matching the receive side's "answer pings inline" behavior.
func (e *Endpoint) Encapsulate(carrierData []byte, offsetToFrame int, now lneto.Instant) (n int, nextHop [4]byte, err error) {
	ifrm, err := NewFrame(carrierData[offsetToFrame:])
	if err != nil {
		return 0, nextHop, err
	}
	const ihl = 5
	const headerLen = ihl * 4
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, ihl)
	ifrm.SetTTL(e.ttl)
	ifrm.SetID(e.id)
	e.id++
	*ifrm.SourceAddr() = e.LocalAddr()

	if e.pendingEcho.armed {
		n, err := e.encapsulateEchoReply(carrierData[offsetToFrame+headerLen:])
		if err != nil {
			return 0, nextHop, err
		}
		dst := e.pendingEcho.srcAddr
		e.pendingEcho.armed = false
		return e.finalizeOutgoing(ifrm, headerLen, n, lneto.IPProtoICMP, dst)
	}

	if e.tcp != nil {
		n, dst, err := e.tcp.Encapsulate(carrierData[offsetToFrame+headerLen:], now)
		if err != nil {
			return 0, nextHop, err
		}
		if n > 0 {
			return e.finalizeOutgoing(ifrm, headerLen, n, lneto.IPProtoTCP, dst)
		}
	}
	if e.udp != nil {
		n, dst, err := e.udp.Encapsulate(carrierData[offsetToFrame+headerLen:], now)
		if err != nil {
			return 0, nextHop, err
		}
		if n > 0 {
			return e.finalizeOutgoing(ifrm, headerLen, n, lneto.IPProtoUDP, dst)
		}
	}
	return 0, nextHop, nil
}

func (e *Endpoint) encapsulateEchoReply(buf []byte) (int, error) {
	n := 8 + e.pendingEcho.dataLen
	if len(buf) < n {
		return 0, lneto.ErrBadSize
	}
	cfrm, err := icmpv4.NewFrame(buf[:n])
	if err != nil {
		return 0, err
	}
	echo := icmpv4.FrameEcho{Frame: cfrm}
	echo.SetType(icmpv4.TypeEchoReply)
	echo.SetCode(0)
	echo.SetIdentifier(e.pendingEcho.id)
	echo.SetSequenceNumber(e.pendingEcho.seq)
	copy(echo.Data(), e.pendingEcho.data[:e.pendingEcho.dataLen])
	var crc lneto.CRC791
	echo.CRCWrite(&crc)
	echo.SetCRC(crc.Sum16())
	return n, nil
}

func (e *Endpoint) finalizeOutgoing(ifrm Frame, headerLen, payloadLen int, proto lneto.IPProto, dst [4]byte) (int, [4]byte, error) {
	const dontFrag = 0x4000
	totalLen := headerLen + payloadLen
	ifrm.SetTotalLength(uint16(totalLen))
	ifrm.SetFlags(dontFrag)
	ifrm.SetProtocol(proto)
	*ifrm.DestinationAddr() = dst
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	e.stampL4Checksum(ifrm, proto)

	nextHop, err := e.NextHop(dst)
	if err != nil {
		return 0, nextHop, err
	}
	return totalLen, nextHop, nil
}

// stampL4Checksum fills in the transport-layer checksum field now that the
// pseudo-header fields (addresses, protocol, length) are final. TCP and UDP
// checksums depend on IP header fields their own packages cannot see, so
// this is done here rather than in tcp/udp themselves, avoiding a package
// cycle (tcp and udp both depend on ipv4 for [ProtoHandler] and [Frame]).
func (e *Endpoint) stampL4Checksum(ifrm Frame, proto lneto.IPProto) {
	payload := ifrm.Payload()
	switch proto {
	case lneto.IPProtoTCP:
		const tcpChecksumOff = 16
		if len(payload) < tcpChecksumOff+2 {
			return
		}
		payload[tcpChecksumOff], payload[tcpChecksumOff+1] = 0, 0
		var crc lneto.CRC791
		ifrm.CRCWriteTCPPseudo(&crc)
		crc.Write(payload)
		sum := crc.Sum16()
		payload[tcpChecksumOff] = byte(sum >> 8)
		payload[tcpChecksumOff+1] = byte(sum)
	case lneto.IPProtoUDP:
		const udpChecksumOff = 6
		if len(payload) < udpChecksumOff+2 {
			return
		}
		payload[udpChecksumOff], payload[udpChecksumOff+1] = 0, 0
		var crc lneto.CRC791
		ifrm.CRCWriteUDPPseudo(&crc)
		crc.AddUint16(uint16(len(payload)))
		crc.Write(payload)
		sum := crc.Sum16()
		payload[udpChecksumOff] = byte(sum >> 8)
		payload[udpChecksumOff+1] = byte(sum)
	}
}
