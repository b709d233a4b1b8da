package tcp

import (
	"testing"
	"time"

	"github.com/nilgrid/netstack"
	"github.com/nilgrid/netstack/ipv4"
)

func newTestEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	e, err := NewEndpoint(EndpointConfig{
		MaxConnections:    2,
		ListenBacklog:     2,
		TxBufferSize:      512,
		RxBufferSize:      512,
		MaxQueuedSegments: 4,
	}, [4]byte{10, 0, 0, 1})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// buildSegment writes a TCP segment wrapped in an IPv4 header into buf, with
// a correctly computed pseudo-header checksum, and returns the IPv4 view.
func buildSegment(t *testing.T, buf []byte, srcAddr, dstAddr [4]byte, srcPort, dstPort uint16, seq, ack Value, flags Flags, payload []byte) ipv4.Frame {
	t.Helper()
	ifrm, err := ipv4.NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	*ifrm.SourceAddr() = srcAddr
	*ifrm.DestinationAddr() = dstAddr
	ifrm.SetProtocol(lneto.IPProtoTCP)
	ifrm.SetTotalLength(uint16(20 + sizeHeaderTCP + len(payload)))

	tfrm, err := NewFrame(ifrm.Payload())
	if err != nil {
		t.Fatal(err)
	}
	tfrm.ClearHeader()
	tfrm.SetSourcePort(srcPort)
	tfrm.SetDestinationPort(dstPort)
	tfrm.SetSeq(seq)
	tfrm.SetAck(ack)
	tfrm.SetOffsetAndFlags(5, flags)
	tfrm.SetWindowSize(4096)
	copy(tfrm.Payload(), payload)

	var crc lneto.CRC791
	ifrm.CRCWriteTCPPseudo(&crc)
	crc.Write(tfrm.RawData())
	tfrm.SetCRC(crc.Sum16())
	return ifrm
}

func TestEndpointListenAndAccept(t *testing.T) {
	e := newTestEndpoint(t)
	now := time.Now()
	local := [4]byte{10, 0, 0, 1}
	remote := [4]byte{10, 0, 0, 2}
	const localPort, remotePort = 80, 40000
	const clientISN = Value(1000)

	if err := e.Listen(localPort); err != nil {
		t.Fatal(err)
	}

	var synBuf [64]byte
	syn := buildSegment(t, synBuf[:], remote, local, remotePort, localPort, clientISN, 0, FlagSYN, nil)
	if err := e.Demux(syn, now); err != nil {
		t.Fatalf("SYN demux: %v", err)
	}
	// ISS is fixed by Demux's accept branch, before Encapsulate's own
	// Tick() call advances the generator further.
	wantISN := e.isn.ISN(local, remote, localPort, remotePort)

	var out [64]byte
	n, dstAddr, err := e.Encapsulate(out[:], now)
	if err != nil {
		t.Fatalf("SYN-ACK encapsulate: %v", err)
	}
	if n == 0 {
		t.Fatal("expected a SYN-ACK to be queued")
	}
	if dstAddr != remote {
		t.Fatalf("want SYN-ACK to %v, got %v", remote, dstAddr)
	}
	reply, err := NewFrame(out[:n])
	if err != nil {
		t.Fatal(err)
	}
	_, flags := reply.OffsetAndFlags()
	if flags != synack {
		t.Fatalf("want SYN+ACK flags, got %v", flags)
	}
	if reply.Ack() != clientISN+1 {
		t.Fatalf("want ack %d, got %d", clientISN+1, reply.Ack())
	}
	serverISN := reply.Seq()
	if serverISN != wantISN {
		t.Fatalf("want SYN-ACK seq computed from the full tuple (%d), got %d", wantISN, serverISN)
	}

	tuple := FourTuple{RemoteAddr: remote, RemotePort: remotePort, LocalPort: localPort}
	key, ok := e.byTuple.Get(tuple)
	if !ok {
		t.Fatal("expected connection to be tracked by tuple after SYN")
	}
	conn, ok := e.conns.Get(*key)
	if !ok {
		t.Fatal("expected connection slot to exist")
	}
	if conn.State() != StateSynRcvd {
		t.Fatalf("want SynRcvd, got %v", conn.State())
	}

	var ackBuf [64]byte
	ack := buildSegment(t, ackBuf[:], remote, local, remotePort, localPort, clientISN+1, serverISN+1, FlagACK, nil)
	if err := e.Demux(ack, now); err != nil {
		t.Fatalf("ACK demux: %v", err)
	}
	if conn.State() != StateEstablished {
		t.Fatalf("want Established, got %v", conn.State())
	}
}

func TestEndpointRSTOnUnmatchedSegment(t *testing.T) {
	e := newTestEndpoint(t)
	now := time.Now()
	local := [4]byte{10, 0, 0, 1}
	remote := [4]byte{10, 0, 0, 2}
	const remotePort, unlistenedPort = 40000, 9999

	var buf [64]byte
	seg := buildSegment(t, buf[:], remote, local, remotePort, unlistenedPort, 555, 0, FlagACK, nil)
	if err := e.Demux(seg, now); err != lneto.ErrPacketDrop {
		t.Fatalf("want ErrPacketDrop, got %v", err)
	}

	var out [64]byte
	n, dstAddr, err := e.Encapsulate(out[:], now)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("expected a RST to be queued")
	}
	if dstAddr != remote {
		t.Fatalf("want RST to %v, got %v", remote, dstAddr)
	}
	rst, err := NewFrame(out[:n])
	if err != nil {
		t.Fatal(err)
	}
	_, flags := rst.OffsetAndFlags()
	if flags != FlagRST {
		t.Fatalf("want RST flag only (segment had ACK, no data), got %v", flags)
	}
	if rst.Seq() != 0 {
		t.Fatalf("want seq=ack of offending segment's ack field (0), got %d", rst.Seq())
	}
	if rst.SourcePort() != unlistenedPort || rst.DestinationPort() != remotePort {
		t.Fatalf("want RST from %d to %d, got from %d to %d", unlistenedPort, remotePort, rst.SourcePort(), rst.DestinationPort())
	}
}
