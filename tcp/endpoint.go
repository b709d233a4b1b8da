package tcp

import (
	"crypto/rand"
	"errors"
	"io"

	"github.com/nilgrid/netstack"
	"github.com/nilgrid/netstack/ipv4"
	"github.com/nilgrid/netstack/managed"
)

var errNoFreeConnections = errors.New("tcp: connection table full")

// FourTuple identifies a connection by remote endpoint and local port. The
// local address is implied (the endpoint only ever binds the stack's single
// configured address), so it is not stored here.
type FourTuple struct {
	RemoteAddr [4]byte
	RemotePort uint16
	LocalPort  uint16
}

func lessTuple(a, b FourTuple) bool {
	switch {
	case a.LocalPort != b.LocalPort:
		return a.LocalPort < b.LocalPort
	case a.RemotePort != b.RemotePort:
		return a.RemotePort < b.RemotePort
	}
	for i := range a.RemoteAddr {
		if a.RemoteAddr[i] != b.RemoteAddr[i] {
			return a.RemoteAddr[i] < b.RemoteAddr[i]
		}
	}
	return false
}

func lessPort(a, b uint16) bool { return a < b }

// EndpointConfig configures an [Endpoint].
type EndpointConfig struct {
	// MaxConnections bounds the number of simultaneously open (including
	// half-open and listening) connections the endpoint can track.
	MaxConnections int
	// ListenBacklog bounds how many distinct local ports may be in a
	// listening state at once.
	ListenBacklog int
	TxBufferSize  int
	RxBufferSize  int
	// MaxQueuedSegments bounds the retransmission queue depth per
	// connection.
	MaxQueuedSegments int
	AckTimeoutMS      uint32
	RTOMs             uint32
	RestartTimeoutMS  uint32
}

// Endpoint implements the TCP layer (C7): a fixed-capacity connection table
// keyed by four-tuple, a set of listening local ports, ISN generation, and
// the lookup policy (exact tuple, then listening port, else RST) described
// for inbound segment demultiplexing.
type Endpoint struct {
	conns       *managed.SlotMap[Conn]
	byTuple     *managed.Map[FourTuple, managed.Key]
	listeners   *managed.Map[uint16, managed.Key]
	isn         *ISNGenerator
	localAddr   [4]byte
	txSize      int
	rxSize      int
	maxSegs     int
	ackTO       lneto.Duration
	rto         lneto.Duration
	restartTO   lneto.Duration
	nextEphPort uint16
	rst         pendingRST
}

// pendingRST holds a single outgoing RST awaiting an Encapsulate call, for
// segments addressed to a tuple with no matching connection or listener
// (RFC 9293 §3.10.7.1). Only one is remembered at a time; a second drop
// before the first drains simply overwrites it, which is an acceptable
// lossy-best-effort response to what is, by definition, traffic this
// endpoint was not expecting.
type pendingRST struct {
	armed   bool
	dstAddr [4]byte
	dstPort uint16
	srcPort uint16
	seq     Value
	ack     Value
	flags   Flags
}

// queueRST arms the pending reset in response to seg arriving on a tuple
// with no live connection or listener, following the table in spec.md
// §4.5 step 3: if the offending segment carried no RST of its own, reply
// with seq=SEG.ACK and flags RST when it carried an ACK, and otherwise with
// seq=0, ack=SEG.SEQ+SEG.LEN and flags RST+ACK.
func (e *Endpoint) queueRST(srcAddr [4]byte, srcPort, dstPort uint16, tfrm Frame, payloadLen int) {
	_, flags := tfrm.OffsetAndFlags()
	if flags.HasAny(FlagRST) {
		return // Never answer a RST with a RST.
	}
	r := pendingRST{
		armed:   true,
		dstAddr: srcAddr,
		dstPort: srcPort,
		srcPort: dstPort,
	}
	if flags.HasAny(FlagACK) {
		r.seq = tfrm.Ack()
		r.flags = FlagRST
	} else {
		segLen := payloadLen
		if flags.HasAny(FlagSYN) {
			segLen++
		}
		if flags.HasAny(FlagFIN) {
			segLen++
		}
		r.seq = 0
		r.ack = tfrm.Seq() + Value(segLen)
		r.flags = FlagRST | FlagACK
	}
	e.rst = r
}

// NewEndpoint allocates the connection table and byte buffers sized per cfg.
// localAddr is the stack's bound IPv4 address, used both to answer
// [ipv4.ProtoHandler.Encapsulate] and to seed ISN generation.
func NewEndpoint(cfg EndpointConfig, localAddr [4]byte) (*Endpoint, error) {
	if cfg.MaxConnections <= 0 || cfg.ListenBacklog <= 0 {
		return nil, errors.New("tcp: invalid endpoint capacity config")
	}
	isn, err := NewISNGenerator(rand.Reader)
	if err != nil {
		return nil, err
	}
	ackMS, rtoMS, restartMS := lneto.DefaultTCPTimeouts()
	if cfg.AckTimeoutMS != 0 {
		ackMS = cfg.AckTimeoutMS
	}
	if cfg.RTOMs != 0 {
		rtoMS = cfg.RTOMs
	}
	if cfg.RestartTimeoutMS != 0 {
		restartMS = cfg.RestartTimeoutMS
	}
	ackTO, rto, restartTO := msToDuration(ackMS), msToDuration(rtoMS), msToDuration(restartMS)
	txSize, rxSize := cfg.TxBufferSize, cfg.RxBufferSize
	if txSize < minBufferSize {
		txSize = 2048
	}
	if rxSize < minBufferSize {
		rxSize = 2048
	}
	maxSegs := cfg.MaxQueuedSegments
	if maxSegs <= 0 {
		maxSegs = 8
	}
	e := &Endpoint{
		conns:       managed.NewSlotMap[Conn](cfg.MaxConnections),
		byTuple:     managed.NewMap(make([]FourTuple, cfg.MaxConnections), make([]managed.Key, cfg.MaxConnections), lessTuple),
		listeners:   managed.NewMap(make([]uint16, cfg.ListenBacklog), make([]managed.Key, cfg.ListenBacklog), lessPort),
		isn:         isn,
		localAddr:   localAddr,
		txSize:      txSize,
		rxSize:      rxSize,
		maxSegs:     maxSegs,
		ackTO:       ackTO,
		rto:         rto,
		restartTO:   restartTO,
		nextEphPort: 49152,
	}
	return e, nil
}

func msToDuration(ms uint32) lneto.Duration { return lneto.Duration(ms) * lneto.Duration(1e6) }

// newConn reserves a connection slot, wiring its buffers and timeouts. The
// capacity arrays for byTuple/listeners are sized by NewEndpoint and never
// grow; managed.NewMap panics on mismatched key/value lengths, which cannot
// happen here since both are built from the same cfg field.
func (e *Endpoint) newConn() (managed.Key, *Conn, error) {
	key, conn, ok := e.conns.Reserve()
	if !ok {
		return managed.Key{}, nil, errNoFreeConnections
	}
	conn.tcb.SetTimeouts(e.ackTO, e.rto, e.restartTO)
	err := conn.SetBuffers(make([]byte, e.txSize), make([]byte, e.rxSize), e.maxSegs)
	if err != nil {
		e.conns.Remove(key)
		return managed.Key{}, nil, err
	}
	return key, conn, nil
}

// Listen opens localPort for inbound connections. Returns
// [lneto.ErrExhausted] if the listener backlog is full or a connection slot
// cannot be reserved for the passive socket awaiting its first SYN.
func (e *Endpoint) Listen(localPort uint16) error {
	if localPort == 0 {
		return lneto.ErrZeroSource
	}
	entry := e.listeners.Entry(localPort)
	if entry.Occupied() {
		return nil
	}
	key, conn, err := e.newConn()
	if err == errNoFreeConnections {
		return lneto.ErrExhausted
	}
	if err != nil {
		return err
	}
	iss := e.isn.ISN(e.localAddr, [4]byte{}, localPort, 0)
	if err := conn.OpenListen(localPort, iss); err != nil {
		e.conns.Remove(key)
		return err
	}
	if _, ok := entry.Insert(key); !ok {
		e.conns.Remove(key)
		return lneto.ErrExhausted
	}
	return nil
}

// Dial actively opens a connection to remoteAddr:remotePort, allocating an
// ephemeral local port.
func (e *Endpoint) Dial(remoteAddr [4]byte, remotePort uint16) (*Conn, error) {
	localPort, err := e.allocEphemeralPort()
	if err != nil {
		return nil, err
	}
	key, conn, err := e.newConn()
	if err != nil {
		return nil, err
	}
	iss := e.isn.ISN(e.localAddr, remoteAddr, localPort, remotePort)
	if err := conn.OpenActive(localPort, remotePort, remoteAddr, iss); err != nil {
		e.conns.Remove(key)
		return nil, err
	}
	tuple := conn.tuple()
	if _, ok := e.byTuple.Entry(tuple).Insert(key); !ok {
		e.conns.Remove(key)
		return nil, errNoFreeConnections
	}
	return conn, nil
}

// allocEphemeralPort returns a local port in the dynamic/private range
// (RFC 6335 ports 49152-65535) not currently used by any tracked tuple.
func (e *Endpoint) allocEphemeralPort() (uint16, error) {
	const first, last = 49152, 65535
	start := e.nextEphPort
	if start < first || start > last {
		start = first
	}
	port := start
	for {
		if !e.portInUse(port) {
			e.nextEphPort = port + 1
			if e.nextEphPort < first {
				e.nextEphPort = first
			}
			return port, nil
		}
		if port == last {
			port = first
		} else {
			port++
		}
		if port == start {
			return 0, lneto.ErrExhausted
		}
	}
}

func (e *Endpoint) portInUse(port uint16) bool {
	for _, tuple := range e.byTuple.Keys() {
		if tuple.LocalPort == port {
			return true
		}
	}
	return false
}

// Remove evicts a connection from the table entirely, freeing its slot.
// Call after a connection has reached the closed/time-wait terminal state
// and its final segments have been flushed.
func (e *Endpoint) Remove(conn *Conn) {
	tuple := conn.tuple()
	e.byTuple.Entry(tuple).Remove()
	if conn.remotePort == 0 {
		e.listeners.Entry(conn.localPort).Remove()
	}
	for _, k := range e.keysFor(conn) {
		e.conns.Remove(k)
	}
}

// keysFor finds the SlotMap key(s) whose slot pointer is conn. The table
// only ever tracks one key per Conn; this walks the live set once to find
// it without the Conn needing to remember its own key.
func (e *Endpoint) keysFor(conn *Conn) []managed.Key {
	var found []managed.Key
	for _, k := range e.byTuple.Values() {
		if c, ok := e.conns.Get(k); ok && c == conn {
			found = append(found, k)
			return found
		}
	}
	for _, k := range e.listeners.Values() {
		if c, ok := e.conns.Get(k); ok && c == conn {
			found = append(found, k)
			return found
		}
	}
	return found
}

// Demux implements [ipv4.ProtoHandler]. Lookup follows the policy from
// RFC 9293 §3.10.7.1: an exact four-tuple match wins; failing that, a
// listening socket on the destination port admits the inbound SYN;
// failing that, a RST is queued for the next Encapsulate call (unless the
// offending segment was itself a RST, which is never answered).
func (e *Endpoint) Demux(ifrm ipv4.Frame, now lneto.Instant) error {
	payload := ifrm.Payload()
	tfrm, err := NewFrame(payload)
	if err != nil {
		return err
	}
	var vld lneto.Validator
	tfrm.ValidateSize(&vld)
	if vld.HasError() {
		return vld.Err()
	}
	var crc lneto.CRC791
	ifrm.CRCWriteTCPPseudo(&crc)
	crc.Write(payload[:16]) // Checksum field (bytes 16:18) is summed as zero.
	crc.Write(payload[18:])
	if crc.Sum16() != tfrm.CRC() {
		return errors.New("tcp: checksum mismatch")
	}
	srcAddr := *ifrm.SourceAddr()
	srcPort := tfrm.SourcePort()
	dstPort := tfrm.DestinationPort()

	plen := len(tfrm.Payload())
	tuple := FourTuple{RemoteAddr: srcAddr, RemotePort: srcPort, LocalPort: dstPort}
	if key, ok := e.byTuple.Get(tuple); ok {
		conn, ok := e.conns.Get(*key)
		if !ok {
			e.byTuple.Entry(tuple).Remove()
			e.queueRST(srcAddr, srcPort, dstPort, tfrm, plen)
			return lneto.ErrPacketDrop
		}
		return conn.Demux(payload, srcAddr, now)
	}

	key, ok := e.listeners.Get(dstPort)
	if !ok {
		e.queueRST(srcAddr, srcPort, dstPort, tfrm, plen)
		return lneto.ErrPacketDrop
	}
	_, flags := tfrm.OffsetAndFlags()
	if flags != FlagSYN {
		e.queueRST(srcAddr, srcPort, dstPort, tfrm, plen)
		return lneto.ErrPacketDrop
	}
	listenConn, ok := e.conns.Get(*key)
	if !ok {
		e.queueRST(srcAddr, srcPort, dstPort, tfrm, plen)
		return lneto.ErrPacketDrop
	}
	if listenConn.remotePort == 0 && listenConn.State() == StateListen {
		// First SYN on this listener: admit it in place, promoting the
		// listening Conn itself into the new connection. A production
		// server would fork a fresh Conn per pending handshake to keep
		// accepting further SYNs on the same port; this endpoint keeps one
		// in-flight handshake per Listen call, matching the spec's
		// single-accept-in-progress connection table sizing.
		//
		// The ISS set at Listen time used a placeholder remote of
		// 0.0.0.0:0, since the remote end wasn't known yet; recompute it
		// from the now-known full four-tuple before admitting the SYN so
		// that distinct connections accepted on the same listener don't
		// all start from the same sequence number.
		iss := e.isn.ISN(e.localAddr, srcAddr, dstPort, srcPort)
		listenConn.tcb.SetISS(iss)
		err := listenConn.Demux(payload, srcAddr, now)
		if err != nil {
			return err
		}
		newTuple := listenConn.tuple()
		if _, ok := e.byTuple.Entry(newTuple).Insert(*key); !ok {
			listenConn.Abort()
			return lneto.ErrPacketDrop
		}
		return nil
	}
	return lneto.ErrPacketDrop
}

// Encapsulate implements [ipv4.ProtoHandler]: a pending RST goes first;
// otherwise it polls every tracked connection in four-tuple order (local
// port, then remote port, then remote address) for a segment to send,
// returning the first one with data to write. A connection whose
// Encapsulate reports io.EOF, or that is Closed or in TimeWait with nothing
// left to send, is removed from the four-tuple table.
func (e *Endpoint) Encapsulate(dst []byte, now lneto.Instant) (int, [4]byte, error) {
	e.isn.Tick() // Advances once per Encapsulate call, the same cadence as PollTimers below.
	if e.rst.armed {
		n, err := e.encapsulateRST(dst)
		if err != nil {
			return 0, [4]byte{}, err
		}
		if n > 0 {
			dstAddr := e.rst.dstAddr
			e.rst.armed = false
			return n, dstAddr, nil
		}
	}
	keys := e.byTuple.Values()
	tuples := e.byTuple.Keys()
	for i := 0; i < len(keys); i++ {
		conn, ok := e.conns.Get(keys[i])
		if !ok {
			continue
		}
		conn.tcb.PollTimers(now)
		n, err := conn.Encapsulate(dst)
		if err == io.EOF || err == nil && conn.isTxOver() && n == 0 {
			e.retireIfDone(tuples[i], conn)
		}
		if n > 0 {
			return n, tuples[i].RemoteAddr, nil
		}
		if err != nil && err != io.EOF {
			return 0, [4]byte{}, err
		}
	}
	return 0, [4]byte{}, nil
}

func (e *Endpoint) encapsulateRST(dst []byte) (int, error) {
	tfrm, err := NewFrame(dst)
	if err != nil {
		return 0, err
	}
	r := e.rst
	tfrm.ClearHeader()
	tfrm.SetSourcePort(r.srcPort)
	tfrm.SetDestinationPort(r.dstPort)
	tfrm.SetSeq(r.seq)
	tfrm.SetAck(r.ack)
	tfrm.SetOffsetAndFlags(5, r.flags)
	tfrm.SetWindowSize(0)
	tfrm.SetUrgentPtr(0)
	return sizeHeaderTCP, nil
}

func (e *Endpoint) retireIfDone(tuple FourTuple, conn *Conn) {
	if !conn.State().IsClosed() {
		return
	}
	e.byTuple.Entry(tuple).Remove()
}

// NextDeadline returns the earliest timer deadline across all tracked
// connections (delayed ACK or retransmission timer), so the
// stack's poll loop knows how long it can sleep before TCP needs to run
// again even with no incoming traffic.
func (e *Endpoint) NextDeadline() lneto.Expiration {
	next := lneto.Never
	for _, k := range e.byTuple.Values() {
		conn, ok := e.conns.Get(k)
		if !ok {
			continue
		}
		next = lneto.Earliest(next, conn.tcb.NextDeadline())
	}
	return next
}
