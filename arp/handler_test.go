package arp

import (
	"testing"
	"time"

	"github.com/nilgrid/netstack"
	"github.com/nilgrid/netstack/ethernet"
)

func newTestHandler(t *testing.T) *Handler {
	h, err := NewHandler(HandlerConfig{
		HardwareAddr:      [6]byte{0xaa, 0, 0, 0, 0, 0x01},
		ProtocolAddr:      [4]byte{10, 0, 0, 1},
		NeighborCacheSize: 2,
		MaxQueries:        2,
		MaxPendingReplies: 2,
		EntryTTL:          time.Minute,
		HardwareType:      1,
		ProtocolType:      ethernet.TypeIPv4,
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestHandlerReplyToRequest(t *testing.T) {
	h := newTestHandler(t)
	now := time.Now()

	var ethFrame [14 + sizeHeaderv4]byte
	req, err := NewFrame(ethFrame[14:])
	if err != nil {
		t.Fatal(err)
	}
	req.SetHardware(1, 6)
	req.SetProtocol(ethernet.TypeIPv4, 4)
	req.SetOperation(OpRequest)
	hwSender, protoSender := req.Sender()
	copy(hwSender, []byte{0xaa, 0, 0, 0, 0, 0x02})
	copy(protoSender, []byte{10, 0, 0, 2})
	_, protoTarget := req.Target()
	copy(protoTarget, []byte{10, 0, 0, 1})

	if err := h.Demux(ethFrame[:], 14, now); err != nil {
		t.Fatal(err)
	}

	var out [14 + sizeHeaderv4]byte
	n, err := h.Encapsulate(out[:], 14, now)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("expected a reply to be queued")
	}
	reply, err := NewFrame(out[14 : 14+n])
	if err != nil {
		t.Fatal(err)
	}
	if reply.Operation() != OpReply {
		t.Fatalf("want OpReply, got %s", reply.Operation())
	}
	_, replySenderProto := reply.Sender()
	if string(replySenderProto) != "\x0a\x00\x00\x01" {
		t.Fatalf("reply sender proto should be our address, got %v", replySenderProto)
	}
}

func TestHandlerLearnsFromReply(t *testing.T) {
	h := newTestHandler(t)
	now := time.Now()
	peer := [4]byte{10, 0, 0, 9}
	if err := h.QueueResolve(peer); err != nil {
		t.Fatal(err)
	}

	var out [14 + sizeHeaderv4]byte
	n, err := h.Encapsulate(out[:], 14, now)
	if err != nil || n == 0 {
		t.Fatalf("expected a request broadcast, got n=%d err=%v", n, err)
	}

	var ethFrame [14 + sizeHeaderv4]byte
	reply, _ := NewFrame(ethFrame[14:])
	reply.SetHardware(1, 6)
	reply.SetProtocol(ethernet.TypeIPv4, 4)
	reply.SetOperation(OpReply)
	hwSender, protoSender := reply.Sender()
	copy(hwSender, []byte{0xbb, 0, 0, 0, 0, 0x09})
	copy(protoSender, peer[:])

	if err := h.Demux(ethFrame[:], 14, now); err != nil {
		t.Fatal(err)
	}

	hw, ok := h.Resolve(peer, now)
	if !ok {
		t.Fatal("expected neighbor entry to be learned")
	}
	if hw != [6]byte{0xbb, 0, 0, 0, 0, 0x09} {
		t.Fatalf("unexpected resolved hw: %v", hw)
	}

	// A second Encapsulate call should have nothing left to send: the
	// query was satisfied by the reply.
	n, err = h.Encapsulate(out[:], 14, now)
	if err != nil || n != 0 {
		t.Fatalf("expected no further pending frame, got n=%d err=%v", n, err)
	}
}

func TestHandlerResolveExpires(t *testing.T) {
	h := newTestHandler(t)
	now := time.Now()
	peer := [4]byte{10, 0, 0, 9}
	h.cache.Entry(netAddr(peer)).Insert(neighborEntry{
		hw:      [6]byte{1, 2, 3, 4, 5, 6},
		expires: lneto.At(now.Add(-time.Second)),
	})
	if _, ok := h.Resolve(peer, now); ok {
		t.Fatal("expired entry must not resolve")
	}
}
