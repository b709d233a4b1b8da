package tcp

import (
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/nilgrid/netstack"
	"github.com/nilgrid/netstack/internal"
)

var (
	errMismatchedSrcPort = errors.New("source port mismatch")
	errMismatchedDstPort = errors.New("destination port mismatch")
)

// Conn is a single TCP connection's data-plane state: the [ControlBlock]
// state machine plus the send/receive byte buffers layered on top of it. It
// does not know about IP addressing or checksums; those belong to the
// [Endpoint] and the IPv4 layer above it. It does not perform its own
// retransmission scheduling or keepalive timing either, beyond what
// [ControlBlock.PollTimers] reports; the [Endpoint] drives that from the
// stack's single poll loop.
type Conn struct {
	connID     uint64
	tcb        ControlBlock
	bufTx      txQueue
	bufRx      internal.Ring
	validator  lneto.Validator
	optcodec   OptionCodec
	localPort  uint16
	remotePort uint16
	remoteAddr [4]byte
	closing    bool
}

// SetLoggers attaches slog handlers for the connection's own trace messages
// and the underlying ControlBlock's.
func (c *Conn) SetLoggers(conn, scb *slog.Logger) {
	c.tcb.SetLogger(scb)
	_ = conn // Conn itself currently defers all logging to the ControlBlock.
}

// ConnectionID identifies this connection slot's current occupant generation;
// it is bumped every time the slot is reset for reuse so that stale
// references (e.g. held across a pool return) can recognize themselves as
// stale.
func (c *Conn) ConnectionID() uint64 { return c.connID }

func (c *Conn) State() State { return c.tcb.State() }

// SetBuffers installs the connection's send/receive byte buffers. Buffers
// must be set while the connection is closed; passing nil for either reuses
// the currently installed buffer.
func (c *Conn) SetBuffers(txbuf, rxbuf []byte, maxQueuedSegments int) error {
	if c.bufRx.Buf == nil && (len(rxbuf) < minBufferSize || len(txbuf) < minBufferSize) {
		return errors.New("tcp: short buffer")
	}
	if !c.tcb.State().IsClosed() {
		return errors.New("tcp: connection must be closed before setting buffers")
	}
	if rxbuf != nil {
		c.bufRx.Buf = rxbuf
	}
	c.tcb.SetRecvWindow(Size(c.bufRx.Size()))
	c.bufRx.Reset()
	return c.bufTx.ResetOrReuse(txbuf, maxQueuedSegments, 0)
}

func (c *Conn) LocalPort() uint16 { return c.localPort }

func (c *Conn) RemotePort() uint16 { return c.remotePort }

func (c *Conn) RemoteAddr() [4]byte { return c.remoteAddr }

func (c *Conn) tuple() FourTuple {
	return FourTuple{RemoteAddr: c.remoteAddr, RemotePort: c.remotePort, LocalPort: c.localPort}
}

// OpenActive prepares the connection to actively dial remoteAddr:remotePort,
// to be started by the first [Conn.Send] call.
func (c *Conn) OpenActive(localPort, remotePort uint16, remoteAddr [4]byte, iss Value) error {
	if remotePort == 0 {
		return lneto.ErrZeroDestination
	} else if c.bufRx.Size() < minBufferSize || c.bufTx.Size() < minBufferSize {
		return errBufferTooSmall
	} else if c.tcb.State() != StateClosed && c.tcb.State() != StateTimeWait {
		return errNeedClosedTCBToOpen
	}
	c.tcb.close()
	c.reset(localPort, remotePort, remoteAddr, iss)
	c.tcb.SetRecvWindow(Size(c.bufRx.Size()))
	return nil
}

// OpenListen prepares the connection to accept an inbound SYN addressed to
// localPort.
func (c *Conn) OpenListen(localPort uint16, iss Value) error {
	if localPort == 0 {
		return lneto.ErrZeroSource
	} else if c.bufRx.Size() < minBufferSize || c.bufTx.Size() < minBufferSize {
		return errBufferTooSmall
	}
	err := c.tcb.Open(iss, Size(c.bufRx.Size()))
	if err != nil {
		return err
	}
	c.reset(localPort, 0, [4]byte{}, iss)
	return nil
}

// Abort forcibly terminates the connection without going through the normal
// close handshake.
func (c *Conn) Abort() {
	c.tcb.debug("tcp.Conn.Abort")
	c.tcb.close()
	c.reset(0, 0, [4]byte{}, 0)
}

func (c *Conn) reset(localPort, remotePort uint16, remoteAddr [4]byte, iss Value) {
	*c = Conn{
		connID:     c.connID + 1,
		tcb:        c.tcb,
		bufTx:      c.bufTx,
		bufRx:      c.bufRx,
		localPort:  localPort,
		remotePort: remotePort,
		remoteAddr: remoteAddr,
		validator:  c.validator,
	}
	c.bufTx.ResetOrReuse(nil, 0, iss)
	c.bufRx.Reset()
}

// Demux admits an inbound TCP segment (the full TCP header plus payload, no
// pseudo-header) into the connection's state machine.
func (c *Conn) Demux(segment []byte, srcAddr [4]byte, now lneto.Instant) error {
	if c.isTxOver() {
		return net.ErrClosed
	}
	tfrm, err := NewFrame(segment)
	if err != nil {
		return err
	}
	tfrm.ValidateExceptCRC(&c.validator)
	if err := c.validator.Err(); err != nil {
		c.validator.Reset()
		return err
	}
	remotePort := tfrm.SourcePort()
	if c.remotePort != 0 && remotePort != c.remotePort {
		return errMismatchedSrcPort
	}
	if c.localPort != tfrm.DestinationPort() {
		return errMismatchedDstPort
	}
	payload := tfrm.Payload()
	if len(payload) > c.bufRx.Free() {
		return errors.New("tcp: rx buffer full")
	}
	seg := tfrm.Segment(len(payload))
	if c.tcb.IncomingIsKeepalive(seg) {
		return nil
	}
	err = c.tcb.Recv(seg, now)
	if err != nil {
		return err
	}
	if c.tcb.State() == StateClosed {
		return net.ErrClosed
	}
	if seg.DATALEN != 0 {
		if _, err := c.bufRx.Write(payload); err != nil {
			return err
		}
	}
	if seg.Flags.HasAny(FlagSYN) && c.remotePort == 0 {
		c.remotePort = remotePort
		c.remoteAddr = srcAddr
	}
	return nil
}

// Encapsulate writes the connection's next outgoing TCP segment (if any)
// into b, returning the number of bytes written.
func (c *Conn) Encapsulate(b []byte) (int, error) {
	if c.isTxOver() {
		return 0, net.ErrClosed
	}
	tfrm, err := NewFrame(b)
	if err != nil {
		return 0, err
	}
	buffered := c.bufTx.BufferedUnsent()
	if buffered == 0 && c.closing {
		c.closing = false
		err = c.tcb.Close()
		if err != nil {
			c.Abort()
			return 0, io.EOF
		}
	}
	const maxAdvertisedMSS = 1460 // 1500-byte Ethernet MTU minus 20-byte IPv4 and TCP headers.
	offset := uint8(5)
	var segment Segment
	if c.awaitingSynSend() {
		segment = ClientSynSegment(c.bufTx.iss, Size(c.bufRx.Size()))
		c.optcodec.PutOption16(b[sizeHeaderTCP:], OptMaxSegmentSize, uint16(min(len(b), maxAdvertisedMSS)))
		offset++
	} else {
		var ok bool
		available := min(buffered, len(b)-sizeHeaderTCP)
		segment, ok = c.tcb.PendingSegment(available)
		if !ok {
			return 0, nil
		}
		if available > 0 {
			n, err := c.bufTx.MakePacket(b[sizeHeaderTCP:sizeHeaderTCP+segment.DATALEN], segment.SEQ)
			if err != nil {
				return 0, err
			} else if n != int(segment.DATALEN) {
				panic("expected n == available")
			}
		} else if segment.Flags == synack {
			c.optcodec.PutOption16(b[sizeHeaderTCP:], OptMaxSegmentSize, uint16(min(len(b), maxAdvertisedMSS)))
			offset++
		}
	}
	prevState := c.tcb.State()
	err = c.tcb.Send(segment)
	if err != nil {
		return 0, err
	}
	tfrm.SetSourcePort(c.localPort)
	tfrm.SetDestinationPort(c.remotePort)
	tfrm.SetSegment(segment, offset)
	tfrm.SetUrgentPtr(0)
	datalen := int(offset)*4 + int(segment.DATALEN)
	if prevState == StateTimeWait && segment.Flags.HasAny(FlagACK) {
		c.reset(0, 0, [4]byte{}, 0)
	}
	return datalen, nil
}

func (c *Conn) FreeTx() int { return c.bufTx.Free() }

func (c *Conn) FreeRx() int { return c.bufRx.Free() }

// Write buffers application bytes to be sent on the next Encapsulate calls
// that have room for them.
func (c *Conn) Write(b []byte) (int, error) {
	if c.closing {
		return 0, errConnectionClosing
	} else if !c.State().isOpen() {
		return 0, net.ErrClosed
	}
	return c.bufTx.Write(b)
}

// Read returns bytes received from the remote peer.
func (c *Conn) Read(b []byte) (int, error) {
	if c.bufRx.Buffered() > 0 {
		return c.bufRx.Read(b)
	}
	state := c.State()
	if state.IsClosed() {
		return 0, net.ErrClosed
	}
	return 0, io.EOF
}

// Close begins a graceful shutdown: any buffered outbound data is flushed
// before the FIN is sent.
func (c *Conn) Close() error {
	if c.closing {
		return errConnectionClosing
	} else if c.State().IsClosed() {
		return net.ErrClosed
	}
	c.closing = true
	return nil
}

func (c *Conn) awaitingSynSend() bool {
	return c.remotePort != 0 && c.tcb.State() == StateClosed
}

func (c *Conn) isTxOver() bool {
	state := c.State()
	return state == StateClosed && !c.awaitingSynSend() ||
		state == StateTimeWait && !c.tcb.HasPending()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
