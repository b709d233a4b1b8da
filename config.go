package lneto

import "net/netip"

// Config enumerates the configuration surface of the core stack. It is
// read once at endpoint construction; the stack persists no state beyond
// what is reachable from the wired endpoints (neighbor cache, routes,
// connection table).
type Config struct {
	LocalMAC [6]byte
	LocalIP  netip.Prefix
	Gateway  netip.Prefix

	NeighborCacheCapacity  int
	ARPMaxQueries          int
	ARPMaxPendingReplies   int
	ARPEntryTTLMS          uint32
	RoutesCapacity         int
	IPTTL                  uint8

	TCPConnectionsCapacity int
	TCPListenBacklog       int
	TCPTxBufferSize        int
	TCPRxBufferSize        int
	TCPMaxQueuedSegments   int

	TCPAckTimeoutMS            uint32
	TCPRetransmissionTimeoutMS uint32
	TCPRestartTimeoutMS        uint32

	UDPMaxBindings int
}

// DefaultTCPTimeouts returns the timeout defaults from the configuration
// surface: 500ms delayed-ACK, 3s retransmission, 30s restart.
func DefaultTCPTimeouts() (ackMS, rtoMS, restartMS uint32) {
	return 500, 3000, 30000
}
