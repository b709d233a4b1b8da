package udp

import (
	"errors"

	"github.com/nilgrid/netstack"
	"github.com/nilgrid/netstack/ipv4"
	"github.com/nilgrid/netstack/managed"
)

var (
	errNoFreeBindings = errors.New("udp: no free port binding")
	errDatagramTooBig = errors.New("udp: datagram exceeds binding buffer")
)

// binding is a single bound UDP port: a fixed-size one-datagram mailbox in
// each direction. A real application socket would queue several datagrams
// deep; this endpoint keeps one pending in each direction per port, which is
// enough to exercise request/reply protocols (DNS, NTP, DHCP) without a
// dynamically sized queue.
type binding struct {
	port uint16

	rxArmed  bool
	rxAddr   [4]byte
	rxPort   uint16
	rxData   [maxDatagram]byte
	rxLen    int

	txArmed bool
	txAddr  [4]byte
	txPort  uint16
	txData  [maxDatagram]byte
	txLen   int
}

// maxDatagram bounds the payload size a binding's mailbox can hold.
const maxDatagram = 512

// HandlerConfig configures a [Handler].
type HandlerConfig struct {
	// MaxBindings bounds the number of simultaneously bound local ports.
	MaxBindings int
}

// Handler implements the UDP layer: a fixed-capacity table of bound local
// ports, each with a one-datagram-deep inbound and outbound mailbox. It
// satisfies [ipv4.ProtoHandler].
type Handler struct {
	bindings []binding
	byPort   *managed.Map[uint16, int]
}

// NewHandler allocates a Handler with room for cfg.MaxBindings ports.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.MaxBindings <= 0 {
		return nil, errors.New("udp: invalid Handler capacity config")
	}
	h := &Handler{
		bindings: make([]binding, cfg.MaxBindings),
	}
	h.byPort = managed.NewMap(make([]uint16, cfg.MaxBindings), make([]int, cfg.MaxBindings), func(a, b uint16) bool { return a < b })
	return h, nil
}

// Bind reserves localPort, returning [errNoFreeBindings] if the table is
// full, or a "port already bound" error if localPort is already bound.
func (h *Handler) Bind(localPort uint16) error {
	entry := h.byPort.Entry(localPort)
	if entry.Occupied() {
		return errors.New("udp: port already bound")
	}
	idx := -1
	for i := range h.bindings {
		if h.bindings[i].port == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errNoFreeBindings
	}
	h.bindings[idx] = binding{port: localPort}
	if _, ok := entry.Insert(idx); !ok {
		return errNoFreeBindings
	}
	return nil
}

// Unbind releases localPort.
func (h *Handler) Unbind(localPort uint16) {
	idx, ok := h.byPort.Get(localPort)
	if !ok {
		return
	}
	h.bindings[*idx] = binding{}
	h.byPort.Entry(localPort).Remove()
}

// Recv pops the next datagram received on localPort, if any.
func (h *Handler) Recv(localPort uint16, buf []byte) (n int, srcAddr [4]byte, srcPort uint16, ok bool) {
	idx, found := h.byPort.Get(localPort)
	if !found {
		return 0, srcAddr, 0, false
	}
	b := &h.bindings[*idx]
	if !b.rxArmed {
		return 0, srcAddr, 0, false
	}
	n = copy(buf, b.rxData[:b.rxLen])
	srcAddr, srcPort = b.rxAddr, b.rxPort
	b.rxArmed = false
	return n, srcAddr, srcPort, true
}

// Send queues data to be sent from localPort to dstAddr:dstPort on the next
// Encapsulate call. Returns false if a send is already pending on this
// binding (callers should retry after it drains) or data exceeds the
// binding's mailbox.
func (h *Handler) Send(localPort uint16, dstAddr [4]byte, dstPort uint16, data []byte) (bool, error) {
	idx, found := h.byPort.Get(localPort)
	if !found {
		return false, errors.New("udp: port not bound")
	}
	if len(data) > maxDatagram {
		return false, errDatagramTooBig
	}
	b := &h.bindings[*idx]
	if b.txArmed {
		return false, nil
	}
	b.txAddr, b.txPort = dstAddr, dstPort
	b.txLen = copy(b.txData[:], data)
	b.txArmed = true
	return true, nil
}

// Demux implements [ipv4.ProtoHandler].
func (h *Handler) Demux(ifrm ipv4.Frame, now lneto.Instant) error {
	payload := ifrm.Payload()
	ufrm, err := NewFrame(payload)
	if err != nil {
		return err
	}
	var vld lneto.Validator
	ufrm.ValidateSize(&vld)
	if vld.HasError() {
		return vld.Err()
	}
	dstPort := ufrm.DestinationPort()
	idx, ok := h.byPort.Get(dstPort)
	if !ok {
		return nil // Port unreachable; ICMP destination-unreachable generation is out of scope.
	}
	if ufrm.CRC() != 0 {
		var crc lneto.CRC791
		ifrm.CRCWriteUDPPseudo(&crc)
		crc.AddUint16(ufrm.Length())
		crc.Write(payload[:6]) // Checksum field (bytes 6:8) is summed as zero.
		crc.Write(payload[8:])
		if crc.Sum16() != ufrm.CRC() {
			return errors.New("udp: checksum mismatch")
		}
	}
	b := &h.bindings[*idx]
	udpPayload := ufrm.Payload()
	b.rxArmed = true
	b.rxAddr = *ifrm.SourceAddr()
	b.rxPort = ufrm.SourcePort()
	b.rxLen = copy(b.rxData[:], udpPayload)
	return nil
}

// Encapsulate implements [ipv4.ProtoHandler]: the first bound port with a
// pending outbound datagram is written and drained.
func (h *Handler) Encapsulate(dst []byte, now lneto.Instant) (int, [4]byte, error) {
	ports := h.byPort.Keys()
	idxs := h.byPort.Values()
	for i := range ports {
		b := &h.bindings[idxs[i]]
		if !b.txArmed {
			continue
		}
		n := sizeHeader + b.txLen
		if len(dst) < n {
			return 0, [4]byte{}, lneto.ErrBadSize
		}
		ufrm, err := NewFrame(dst[:n])
		if err != nil {
			return 0, [4]byte{}, err
		}
		ufrm.ClearHeader()
		ufrm.SetSourcePort(b.port)
		ufrm.SetDestinationPort(b.txPort)
		ufrm.SetLength(uint16(n))
		copy(ufrm.Payload(), b.txData[:b.txLen])
		dstAddr := b.txAddr
		b.txArmed = false
		return n, dstAddr, nil
	}
	return 0, [4]byte{}, nil
}
