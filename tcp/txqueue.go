package tcp

import (
	"errors"
	"slices"

	"github.com/nilgrid/netstack/internal"
)

var errPacketQueueFull = errors.New("packet queue full")

// minBufferSize is the smallest usable send/receive buffer; a ring needs at
// least this much room to distinguish full from empty.
const minBufferSize = 2

// txQueue is a ring buffer of unsent application bytes with a retransmission
// queue layered on top: bytes written by the application sit in "unsent"
// until MakePacket folds them into a segment, at which point they move to
// "sent" until RecvACK retires them. No byte is ever copied more than once;
// retransmission re-reads the same ring span rather than keeping a second
// copy.
//
//	|   acked(free)  |          sent         |          unsent          |             free       |
//	0       freeEnd=first.off       last.end==unsent.off        freeStart=unsent.end         Size()
type txQueue struct {
	rawbuf    []byte
	slist     sentSegments
	unsentoff int
	unsentend int
	sentoff   int
	sentend   int
	iss       Value
}

// segSpan names one outstanding segment's span inside the ring, plus the
// sequence number of its first byte.
type segSpan struct {
	off, end int
	seq      Value
	size     Size
}

// Reset installs buf as the ring's backing storage and sizes the
// retransmission queue to hold up to maxQueuedPackets outstanding segments.
func (tx *txQueue) Reset(buf []byte, maxQueuedPackets int, iss Value) error {
	buf = buf[:len(buf):len(buf)]
	if maxQueuedPackets <= 0 {
		return errors.New("queued packets <=0")
	} else if len(buf) < minBufferSize || len(buf) < maxQueuedPackets {
		return errors.New("invalid buffer size")
	}
	*tx = txQueue{rawbuf: buf}
	tx.slist.Reset(maxQueuedPackets, iss)
	tx.iss = iss
	return nil
}

// ResetOrReuse is [txQueue.Reset] except a nil buf or zero maxQueuedPackets
// reuses the existing backing storage/queue capacity.
func (tx *txQueue) ResetOrReuse(buf []byte, maxQueuedPackets int, iss Value) error {
	if buf == nil {
		buf = tx.rawbuf
	}
	if maxQueuedPackets == 0 {
		maxQueuedPackets = cap(tx.slist.segs)
	}
	return tx.Reset(buf, maxQueuedPackets, iss)
}

func (tx *txQueue) Size() int { return len(tx.rawbuf) }

func (tx *txQueue) Free() int {
	r := tx.sentAndUnsentBuffer()
	return r.Free()
}

func (tx *txQueue) BufferedUnsent() int {
	r, _ := tx.unsentRing()
	return r.Buffered()
}

func (tx *txQueue) BufferedSent() int {
	r, _ := tx.sentRing()
	return r.Buffered()
}

// Write appends application bytes to the unsent region.
func (tx *txQueue) Write(b []byte) (int, error) {
	r, lim := tx.unsentRing()
	n, err := r.WriteLimited(b, lim)
	if err != nil {
		return 0, err
	}
	tx.unsentend = tx.addEnd(tx.unsentend, n)
	return n, err
}

// MakePacket copies up to len(b) unsent bytes into b as a new outgoing
// segment starting at currentSeq, folding that span from unsent into sent.
func (tx *txQueue) MakePacket(b []byte, currentSeq Value) (int, error) {
	if tx.slist.Free() == 0 {
		return 0, errPacketQueueFull
	}
	endSeq, ok := tx.endSeq()
	if ok && currentSeq.LessThan(endSeq) {
		return 0, errors.New("sequence number less than last sequence number")
	}
	r, _ := tx.unsentRing()
	oldSentOff := r.Off
	n, err := r.Read(b)
	if err != nil {
		return n, err
	}
	newUnsentOff := tx.addEnd(tx.unsentoff, n)
	seg := tx.slist.AddSegment(n, oldSentOff, tx.Size())
	if seg.off != oldSentOff || seg.end != addEnd(seg.off, n, tx.Size()) {
		panic("invalid generated segment")
	}
	tx.unsentoff = newUnsentOff
	tx.sentend = newUnsentOff
	if newUnsentOff == tx.unsentend {
		tx.unsentend = 0
	}
	return n, nil
}

// RecvACK retires sent segments fully covered by ack and trims a partially
// acknowledged one.
func (tx *txQueue) RecvACK(ack Value) error {
	err := tx.slist.RecvAck(ack, tx.Size())
	if err != nil {
		return err
	}
	oldest := tx.slist.Oldest()
	newest := tx.slist.Newest()
	if oldest == nil {
		tx.sentend = 0
	} else {
		tx.sentoff = oldest.off
		tx.sentend = newest.end
	}
	tx.consolidateBufs()
	return nil
}

func (tx *txQueue) sentAndUnsentBuffer() internal.Ring {
	end := tx.unsentend
	if end == 0 {
		end = tx.sentend
	}
	return internal.Ring{Buf: tx.rawbuf, Off: tx.sentoff, End: end}
}

func (tx *txQueue) unsentRing() (internal.Ring, int) {
	return tx.ring(tx.unsentoff, tx.unsentend), tx.sentoff
}

func (tx *txQueue) sentRing() (internal.Ring, int) {
	return tx.ring(tx.sentoff, tx.sentend), tx.unsentoff
}

func (tx *txQueue) ring(off, end int) internal.Ring {
	return internal.Ring{Buf: tx.rawbuf, Off: off, End: end}
}

func (tx *txQueue) addEnd(a, b int) int { return addEnd(a, b, len(tx.rawbuf)) }

func (tx *txQueue) consolidateBufs() {
	if tx.unsentend == 0 && tx.sentend == 0 {
		tx.sentoff = 0
		tx.unsentoff = 0
	}
}

func (tx *txQueue) endSeq() (Value, bool) {
	newest := tx.slist.Newest()
	if newest == nil {
		return 0, false
	}
	return newest.endSeq(), true
}

// sentSegments tracks the ordered set of sent-but-unacked segments.
type sentSegments struct {
	ssn  Value
	segs []segSpan
}

func (sl *sentSegments) Reset(queueSize int, iss Value) {
	sl.segs = slices.Grow(sl.segs[:0], queueSize)
	sl.ssn = iss
}

func (sl sentSegments) Newest() *segSpan {
	if len(sl.segs) == 0 {
		return nil
	}
	return &sl.segs[len(sl.segs)-1]
}

func (sl sentSegments) Oldest() *segSpan {
	if len(sl.segs) == 0 {
		return nil
	}
	return &sl.segs[0]
}

func (sl *sentSegments) EndSeq() Value {
	seq := sl.ssn
	if last := sl.Newest(); last != nil {
		seq = last.endSeq()
	}
	return seq
}

func (sl *sentSegments) Free() int { return cap(sl.segs) - len(sl.segs) }

func (sl *sentSegments) AddSegment(datalen, off, bufsize int) *segSpan {
	if sl.Free() == 0 {
		panic("segment queue full")
	}
	if last := sl.Newest(); last != nil && off != last.end {
		panic("new sent segment offset must match last sent segment end")
	}
	sl.segs = append(sl.segs, segSpan{
		off:  off,
		end:  addEnd(off, datalen, bufsize),
		seq:  sl.EndSeq(),
		size: Size(datalen),
	})
	return &sl.segs[len(sl.segs)-1]
}

func (sl *sentSegments) RecvAck(ack Value, bufsize int) error {
	newest := sl.Newest()
	if newest == nil {
		return errors.New("no segment to ack")
	} else if newest.endSeq().LessThan(ack) {
		return errors.New("ack of unsent segment")
	}
	for i := range sl.segs {
		seg := &sl.segs[i]
		endseq := seg.endSeq()
		if endseq.LessThanEq(ack) {
			sl.ssn = endseq
			seg.markRcvd()
		} else {
			break
		}
	}
	sl.removeRecvd()
	partial := sl.Oldest()
	if partial == nil {
		return nil
	}
	totalAcked := int32(ack - partial.seq)
	if totalAcked <= 0 {
		return nil
	}
	partial.off = addOff(partial.off, int(totalAcked), bufsize)
	partial.size -= Size(totalAcked)
	partial.seq += Value(totalAcked)
	return nil
}

func (sl *sentSegments) removeRecvd() {
	if o := sl.Oldest(); o == nil || !o.isRecvd() {
		return
	}
	off := 0
	for i := range sl.segs {
		if sl.segs[i].isRecvd() {
			continue
		}
		sl.segs[off] = sl.segs[i]
		off++
	}
	sl.segs = sl.segs[:off]
}

func (seg *segSpan) markRcvd() { *seg = segSpan{} }

func (seg *segSpan) isRecvd() bool { return seg.size == 0 && seg.off == 0 && seg.end == 0 }

func (seg *segSpan) endSeq() Value { return Add(seg.seq, seg.size) }

// addEnd adds a and b together and wraps the value around the ring's buffer
// size. Result is never 0 unless both arguments are 0.
func addEnd(a, b int, size int) int {
	result := a + b
	if result > size {
		result -= size
	}
	return result
}

func addOff(a, b int, size int) int {
	result := a + b
	if result >= size {
		result -= size
	}
	return result
}
