package ipv4

import (
	"net/netip"
	"testing"
	"time"

	"github.com/nilgrid/netstack"
	"github.com/nilgrid/netstack/ipv4/icmpv4"
)

func TestEndpointRouteLongestPrefixMatch(t *testing.T) {
	e, err := NewEndpoint(EndpointConfig{
		LocalIP:        netip.MustParsePrefix("192.168.1.1/24"),
		RoutesCapacity: 4,
	}, make([]Route, 4))
	if err != nil {
		t.Fatal(err)
	}

	defaultGW := [4]byte{192, 168, 1, 254}
	specificGW := [4]byte{10, 0, 0, 254}
	e.AddRoute(Route{Prefix: netip.MustParsePrefix("0.0.0.0/0"), Gateway: defaultGW})
	e.AddRoute(Route{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Gateway: specificGW})

	hop, err := e.NextHop([4]byte{10, 1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if hop != specificGW {
		t.Fatalf("want the more specific route's gateway %v, got %v", specificGW, hop)
	}

	hop, err = e.NextHop([4]byte{8, 8, 8, 8})
	if err != nil {
		t.Fatal(err)
	}
	if hop != defaultGW {
		t.Fatalf("want the default route's gateway %v, got %v", defaultGW, hop)
	}

	// On-link destination needs no gateway at all.
	hop, err = e.NextHop([4]byte{192, 168, 1, 200})
	if err != nil {
		t.Fatal(err)
	}
	if hop != ([4]byte{192, 168, 1, 200}) {
		t.Fatalf("want on-link destination resolved to itself, got %v", hop)
	}
}

func TestEndpointICMPEchoReply(t *testing.T) {
	local := netip.MustParsePrefix("192.168.1.1/24")
	e, err := NewEndpoint(EndpointConfig{LocalIP: local, RoutesCapacity: 1}, make([]Route, 1))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	remote := [4]byte{192, 168, 1, 50}
	const id, seq = 0xabcd, 7
	payload := []byte("ping-payload")

	var reqBuf [64]byte
	ifrm, err := NewFrame(reqBuf[:])
	if err != nil {
		t.Fatal(err)
	}
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(20 + 8 + len(payload)))
	ifrm.SetProtocol(lneto.IPProtoICMP)
	*ifrm.SourceAddr() = remote
	*ifrm.DestinationAddr() = local.Addr().As4()
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	cfrm, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil {
		t.Fatal(err)
	}
	echoReq := icmpv4.FrameEcho{Frame: cfrm}
	echoReq.SetType(icmpv4.TypeEcho)
	echoReq.SetCode(0)
	echoReq.SetIdentifier(id)
	echoReq.SetSequenceNumber(seq)
	copy(echoReq.Data(), payload)
	var crc lneto.CRC791
	echoReq.CRCWrite(&crc)
	echoReq.SetCRC(crc.Sum16())

	if err := e.Demux(reqBuf[:], 0, now); err != nil {
		t.Fatalf("demux echo request: %v", err)
	}

	var outBuf [64]byte
	n, nextHop, err := e.Encapsulate(outBuf[:], 0, now)
	if err != nil {
		t.Fatalf("encapsulate echo reply: %v", err)
	}
	if n == 0 {
		t.Fatal("expected an echo reply to be queued")
	}
	if nextHop != remote {
		t.Fatalf("want reply routed to %v, got %v", remote, nextHop)
	}

	reply, err := NewFrame(outBuf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if reply.Protocol() != lneto.IPProtoICMP {
		t.Fatalf("want ICMP protocol, got %v", reply.Protocol())
	}
	if *reply.DestinationAddr() != remote {
		t.Fatalf("want reply destined to %v, got %v", remote, *reply.DestinationAddr())
	}
	if reply.CRC() != reply.CalculateHeaderCRC() {
		t.Fatal("bad IPv4 header checksum on reply")
	}

	rcfrm, err := icmpv4.NewFrame(reply.Payload())
	if err != nil {
		t.Fatal(err)
	}
	if rcfrm.Type() != icmpv4.TypeEchoReply {
		t.Fatalf("want echo reply type, got %v", rcfrm.Type())
	}
	var rcrc lneto.CRC791
	rcfrm.CRCWrite(&rcrc)
	if rcrc.Sum16() != rcfrm.CRC() {
		t.Fatal("bad ICMP checksum on reply")
	}
	echoReply := icmpv4.FrameEcho{Frame: rcfrm}
	if echoReply.Identifier() != id || echoReply.SequenceNumber() != seq {
		t.Fatalf("want id=%#x seq=%d echoed back, got id=%#x seq=%d", id, seq, echoReply.Identifier(), echoReply.SequenceNumber())
	}
	if string(echoReply.Data()) != string(payload) {
		t.Fatalf("want payload %q echoed back, got %q", payload, echoReply.Data())
	}
}
