// Package stack wires the Ethernet, ARP, IPv4, TCP and UDP endpoints into a
// single poll-driven network stack sitting on top of a [lneto.Driver].
package stack

import (
	"errors"
	"net/netip"

	"github.com/nilgrid/netstack"
	"github.com/nilgrid/netstack/arp"
	"github.com/nilgrid/netstack/ethernet"
	"github.com/nilgrid/netstack/ipv4"
	"github.com/nilgrid/netstack/tcp"
	"github.com/nilgrid/netstack/udp"
)

// Stack owns every layer's storage (neighbor cache, routing table,
// connection table, port bindings) and drives them from a single poll loop:
// each call to [Stack.Poll] pulls whatever frames the driver has ready,
// demuxes them down through Ethernet/ARP/IPv4 to TCP or UDP, then lets each
// layer encapsulate its next outgoing frame in turn.
type Stack struct {
	eth *ethernet.Handler
	arp *arp.Handler
	ip  *ipv4.Endpoint
	tcp *tcp.Endpoint
	udp *udp.Handler

	mac [6]byte
}

// ipUpper adapts [ipv4.Endpoint] to [ethernet.UpperHandler]: the two
// disagree only on the extra frame-offset parameter of Demux and
// Encapsulate, which is always zero once Ethernet has already stripped or
// reserved its own header.
type ipUpper struct{ *ipv4.Endpoint }

func (u ipUpper) Demux(payload []byte, now lneto.Instant) error {
	return u.Endpoint.Demux(payload, 0, now)
}

func (u ipUpper) Encapsulate(dst []byte, now lneto.Instant) (int, [4]byte, error) {
	return u.Endpoint.Encapsulate(dst, 0, now)
}

// New builds a Stack from cfg, sizing every layer's fixed storage up front.
// No allocation happens on the packet path afterward.
func New(cfg lneto.Config) (*Stack, error) {
	if !cfg.LocalIP.Addr().Is4() {
		return nil, errors.New("stack: config requires an IPv4 LocalIP")
	}
	localAddr := cfg.LocalIP.Addr().As4()

	arpCacheSize := cfg.NeighborCacheCapacity
	if arpCacheSize <= 0 {
		arpCacheSize = 16
	}
	arpQueries := cfg.ARPMaxQueries
	if arpQueries <= 0 {
		arpQueries = 8
	}
	arpPending := cfg.ARPMaxPendingReplies
	if arpPending <= 0 {
		arpPending = 4
	}
	arpHandler, err := arp.NewHandler(arp.HandlerConfig{
		HardwareAddr:      cfg.LocalMAC,
		ProtocolAddr:      localAddr,
		NeighborCacheSize: arpCacheSize,
		MaxQueries:        arpQueries,
		MaxPendingReplies: arpPending,
		EntryTTL:          lneto.Duration(cfg.ARPEntryTTLMS) * lneto.Duration(1e6),
		HardwareType:      1, // Ethernet.
		ProtocolType:      ethernet.TypeIPv4,
	})
	if err != nil {
		return nil, err
	}

	routesCap := cfg.RoutesCapacity
	if routesCap <= 0 {
		routesCap = 4
	}
	ipEndpoint, err := ipv4.NewEndpoint(ipv4.EndpointConfig{
		LocalIP:        cfg.LocalIP,
		RoutesCapacity: routesCap,
		TTL:            cfg.IPTTL,
	}, make([]ipv4.Route, routesCap))
	if err != nil {
		return nil, err
	}
	if cfg.Gateway.IsValid() && cfg.Gateway.Addr().Is4() {
		ipEndpoint.AddRoute(ipv4.Route{
			Prefix:  netip.PrefixFrom(netip.IPv4Unspecified(), 0),
			Gateway: cfg.Gateway.Addr().As4(),
		})
	}

	tcpConns := cfg.TCPConnectionsCapacity
	if tcpConns <= 0 {
		tcpConns = 8
	}
	listenBacklog := cfg.TCPListenBacklog
	if listenBacklog <= 0 {
		listenBacklog = 4
	}
	tcpEndpoint, err := tcp.NewEndpoint(tcp.EndpointConfig{
		MaxConnections:    tcpConns,
		ListenBacklog:     listenBacklog,
		TxBufferSize:      cfg.TCPTxBufferSize,
		RxBufferSize:      cfg.TCPRxBufferSize,
		MaxQueuedSegments: cfg.TCPMaxQueuedSegments,
		AckTimeoutMS:      cfg.TCPAckTimeoutMS,
		RTOMs:             cfg.TCPRetransmissionTimeoutMS,
		RestartTimeoutMS:  cfg.TCPRestartTimeoutMS,
	}, localAddr)
	if err != nil {
		return nil, err
	}

	udpBindings := cfg.UDPMaxBindings
	if udpBindings <= 0 {
		udpBindings = 4
	}
	udpHandler, err := udp.NewHandler(udp.HandlerConfig{MaxBindings: udpBindings})
	if err != nil {
		return nil, err
	}

	ipEndpoint.RegisterTCP(tcpEndpoint)
	ipEndpoint.RegisterUDP(udpHandler)

	ethHandler, err := ethernet.NewHandler(ethernet.HandlerConfig{
		MAC:       cfg.LocalMAC,
		ARP:       arpHandler,
		Upper:     ipUpper{ipEndpoint},
		UpperType: ethernet.TypeIPv4,
	})
	if err != nil {
		return nil, err
	}

	return &Stack{
		eth: ethHandler,
		arp: arpHandler,
		ip:  ipEndpoint,
		tcp: tcpEndpoint,
		udp: udpHandler,
		mac: cfg.LocalMAC,
	}, nil
}

// TCP returns the stack's TCP connection table, for dialing and listening.
func (s *Stack) TCP() *tcp.Endpoint { return s.tcp }

// UDP returns the stack's UDP port-binding table.
func (s *Stack) UDP() *udp.Handler { return s.udp }

// ARP returns the neighbor cache, mainly useful for tests and diagnostics.
func (s *Stack) ARP() *arp.Handler { return s.arp }

// NextDeadline reports the earliest instant the stack has work to do on its
// own (a TCP timer firing) even with no incoming traffic, so a poll loop
// built on [lneto.Driver] knows how long it may sleep between calls to
// [Stack.Poll]. A non-armed result means no timer is currently pending.
func (s *Stack) NextDeadline() lneto.Expiration {
	return s.tcp.NextDeadline()
}

// Poll drains up to rxBudget buffers from drv and dispatches each through
// the layer stack, then offers the driver up to txBudget empty buffers to
// fill with the stack's next outgoing frames. It returns the number of
// frames received and sent.
func (s *Stack) Poll(drv lneto.Driver, now lneto.Instant, rxBudget, txBudget int) (received, sent int, err error) {
	received, err = drv.Rx(rxBudget, func(buf []byte) error {
		return s.eth.Demux(buf, 0, now)
	})
	if err != nil {
		return received, 0, err
	}
	sent, err = drv.Tx(txBudget, func(buf []byte) error {
		n, txErr := s.eth.Encapsulate(buf, 0, now)
		if txErr != nil {
			return txErr
		}
		if n == 0 {
			return errNoOutgoingFrame
		}
		return nil
	})
	if errors.Is(err, errNoOutgoingFrame) {
		err = nil
	}
	return received, sent, err
}

// errNoOutgoingFrame signals Poll's Tx callback had nothing to send this
// round; it never escapes Poll.
var errNoOutgoingFrame = errors.New("stack: no outgoing frame")
