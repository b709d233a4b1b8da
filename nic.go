package lneto

// Capabilities describes checksum offload support advertised by a driver.
// The layers in this module do not read these flags: the IPv4, ICMP, TCP
// and UDP checksums are always computed in software on send and checked in
// software on receive, and no buffer is marked as checksum-offloaded.
type Capabilities struct {
	TCPRxChecksum bool
	TCPTxChecksum bool
	IPRxChecksum  bool
	IPTxChecksum  bool
}

// RxHandler receives one borrowed buffer per call. The buffer is owned for
// the duration of the call only; handlers must not retain it afterward.
type RxHandler func(buf []byte) error

// TxHandler is given an empty buffer of driver-chosen capacity to fill and
// commit via whatever Send path the caller is driving.
type TxHandler func(buf []byte) error

// Driver is the NIC contract the core consumes. It is the only out-of-core
// collaborator on the packet path: a batched rx/tx API plus capability
// flags. Device enumeration, descriptor rings and interrupts are entirely
// the driver's concern.
type Driver interface {
	// Rx hands up to n buffers to handler, one call per buffer.
	Rx(n int, handler RxHandler) (handled int, err error)
	// Tx provides up to n empty buffers of NIC-chosen capacity to handler,
	// which calls Send on those it fills.
	Tx(n int, handler TxHandler) (sent int, err error)
	// Capabilities reports checksum offload support.
	Capabilities() Capabilities
}
