package ethernet

import (
	"errors"

	"github.com/nilgrid/netstack"
)

// ARPHandler is the ARP layer the Ethernet handler dispatches ARP frames to
// and resolves next-hop hardware addresses through. It is satisfied by
// *arp.Handler; it is an interface here because package arp itself imports
// ethernet.
type ARPHandler interface {
	Demux(ethFrame []byte, frameOffset int, now lneto.Instant) error
	Encapsulate(carrierData []byte, offsetToFrame int, now lneto.Instant) (int, error)
	Resolve(ip [4]byte, now lneto.Instant) (hw [6]byte, ok bool)
	QueueResolve(ip [4]byte) error
}

// UpperHandler is implemented by the protocol layer sitting above Ethernet
// (normally IPv4). Demux receives a decoded payload; Encapsulate writes the
// next outgoing packet (if any) and reports how many bytes it wrote along
// with the resolved next-hop IPv4 address so the Handler can ask ARP for its
// hardware address.
type UpperHandler interface {
	Demux(payload []byte, now lneto.Instant) error
	Encapsulate(dst []byte, now lneto.Instant) (n int, nextHop [4]byte, err error)
}

// HandlerConfig configures a [Handler].
type HandlerConfig struct {
	MAC      [6]byte
	ARP      ARPHandler
	Upper    UpperHandler
	UpperType Type
}

// Handler implements the Ethernet endpoint (C4): it validates and strips
// the Ethernet header on the receive path, dispatching ARP frames to the
// configured [ARPHandler] and everything else to Upper, and on the send
// path resolves the destination hardware address (broadcasting an ARP
// request and returning [lneto.ErrUnreachable] when it isn't cached yet)
// before handing the frame to the driver.
type Handler struct {
	mac   [6]byte
	arp   ARPHandler
	upper UpperHandler
	utype Type
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.ARP == nil || cfg.Upper == nil {
		return nil, errors.New("ethernet: ARP and Upper handlers required")
	}
	return &Handler{
		mac:   cfg.MAC,
		arp:   cfg.ARP,
		upper: cfg.Upper,
		utype: cfg.UpperType,
	}, nil
}

// Demux decodes an inbound Ethernet frame at ethFrame[frameOffset:] and
// dispatches its payload to ARP or Upper by EtherType. Frames not addressed
// to us (unicast, not broadcast) are silently dropped.
func (h *Handler) Demux(ethFrame []byte, frameOffset int, now lneto.Instant) error {
	efrm, err := NewFrame(ethFrame[frameOffset:])
	if err != nil {
		return err
	}
	var vld lneto.Validator
	efrm.ValidateSize(&vld)
	if vld.HasError() {
		return vld.Err()
	}
	dst := efrm.DestinationHardwareAddr()
	if !efrm.IsBroadcast() && *dst != h.mac {
		return nil // Not for us.
	}
	etype := efrm.EtherTypeOrSize()
	if etype.IsSize() {
		return nil // VLAN/length-field frames unsupported.
	}
	switch etype {
	case TypeARP:
		return h.arp.Demux(ethFrame, frameOffset+efrm.HeaderLength(), now)
	case h.utype:
		return h.upper.Demux(efrm.Payload(), now)
	default:
		return nil // Unsupported ethertype, drop.
	}
}

// Encapsulate writes the next outgoing Ethernet frame into carrierData at
// offsetToFrame. Pending ARP traffic (replies owed, or resolution requests)
// is drained before asking Upper for data, since Upper's send attempts may
// themselves be blocked on an unresolved neighbor.
func (h *Handler) Encapsulate(carrierData []byte, offsetToFrame int, now lneto.Instant) (int, error) {
	arpOffset := offsetToFrame + sizeHeaderNoVLAN
	if n, err := h.arp.Encapsulate(carrierData, arpOffset, now); n > 0 || err != nil {
		if n > 0 {
			efrm, _ := NewFrame(carrierData[offsetToFrame:])
			*efrm.SourceHardwareAddr() = h.mac
			efrm.SetEtherType(TypeARP)
			return sizeHeaderNoVLAN + n, nil
		}
		return 0, err
	}

	efrm, err := NewFrame(carrierData[offsetToFrame:])
	if err != nil {
		return 0, err
	}
	hl := efrm.HeaderLength()
	n, nextHop, err := h.upper.Encapsulate(carrierData[offsetToFrame+hl:], now)
	if n == 0 || err != nil {
		return 0, err
	}
	dstHW, ok := h.arp.Resolve(nextHop, now)
	if !ok {
		if qerr := h.arp.QueueResolve(nextHop); qerr != nil {
			return 0, qerr
		}
		return 0, lneto.ErrUnreachable
	}
	*efrm.DestinationHardwareAddr() = dstHW
	*efrm.SourceHardwareAddr() = h.mac
	efrm.SetEtherType(h.utype)
	return hl + n, nil
}
