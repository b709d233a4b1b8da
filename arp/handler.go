package arp

import (
	"errors"

	"github.com/nilgrid/netstack"
	"github.com/nilgrid/netstack/ethernet"
	"github.com/nilgrid/netstack/managed"
)

// neighborEntry is the mutable half of a neighbor cache entry; the IP
// address is carried as the managed.Map key.
type neighborEntry struct {
	hw      [6]byte
	expires lneto.Expiration
}

// HandlerConfig configures a [Handler]. Backing arrays are sized once at
// construction; the handler never allocates on the packet path afterward.
type HandlerConfig struct {
	HardwareAddr [6]byte
	ProtocolAddr [4]byte
	// NeighborCacheSize bounds the number of resolved (ip,mac) pairs kept
	// at once. When full, the least-recently-refreshed entry is evicted
	// to make room for a new one.
	NeighborCacheSize int
	// MaxQueries bounds the number of outstanding resolution requests
	// (IPs we've been asked to resolve but haven't sent a broadcast for
	// yet, or have sent one for and are awaiting a reply).
	MaxQueries int
	// MaxPendingReplies bounds buffered ARP requests awaiting an outgoing
	// reply slot.
	MaxPendingReplies int
	// EntryTTL is how long a neighbor entry is trusted before it must be
	// refreshed by a new reply. Zero means entries never expire.
	EntryTTL     lneto.Duration
	HardwareType uint16
	ProtocolType ethernet.Type
}

// Handler implements the ARP neighbor cache and request/reply protocol
// (C5): it answers requests for a configured local address by queuing a
// copy of the request and writing the reply into the buffer given to the
// next Encapsulate call, learns neighbor entries from
// replies, and fabricates request broadcasts when the IP layer asks to
// resolve an address that isn't cached.
type Handler struct {
	ourHW [6]byte
	ourIP [4]byte
	htype uint16
	ptype ethernet.Type
	ttl   lneto.Duration

	cache   *managed.Map[netAddr, neighborEntry]
	queries *managed.Map[netAddr, queryState]
	pending managed.Partial[[sizeHeaderv6]byte]
}

// netAddr is the ARP cache/query key: a protocol address up to 4 bytes
// (IPv4). Fixed-size so it can be a map key without allocating.
type netAddr [4]byte

// queryState tracks whether a resolution request has been broadcast yet.
type queryState struct {
	sent bool
}

// NewHandler allocates a Handler sized per cfg. This happens once, at
// endpoint construction, not on the packet path.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.NeighborCacheSize <= 0 || cfg.MaxQueries <= 0 || cfg.MaxPendingReplies <= 0 {
		return nil, errors.New("arp: invalid Handler capacity config")
	}
	h := &Handler{
		ourHW: cfg.HardwareAddr,
		ourIP: cfg.ProtocolAddr,
		htype: cfg.HardwareType,
		ptype: cfg.ProtocolType,
		ttl:   cfg.EntryTTL,
	}
	cacheKeys := make([]netAddr, cfg.NeighborCacheSize)
	cacheVals := make([]neighborEntry, cfg.NeighborCacheSize)
	queryKeys := make([]netAddr, cfg.MaxQueries)
	queryVals := make([]queryState, cfg.MaxQueries)
	pendingBuf := make([][sizeHeaderv6]byte, cfg.MaxPendingReplies)
	h.cache = managed.NewMap(cacheKeys, cacheVals, lessNetAddr)
	h.queries = managed.NewMap(queryKeys, queryVals, lessNetAddr)
	h.pending = managed.NewPartial(managed.Borrowed(pendingBuf))
	return h, nil
}

func lessNetAddr(a, b netAddr) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// UpdateProtoAddr changes the local protocol (IP) address the handler
// answers requests for.
func (h *Handler) UpdateProtoAddr(ip [4]byte) { h.ourIP = ip }

// Resolve returns the cached hardware address for ip, or ok=false if
// absent or expired as of now.
func (h *Handler) Resolve(ip [4]byte, now lneto.Instant) (hw [6]byte, ok bool) {
	entry, found := h.cache.Get(netAddr(ip))
	if !found {
		return hw, false
	}
	if entry.expires.IsArmed() && entry.expires.Elapsed(now) {
		h.cache.Entry(netAddr(ip)).Remove()
		return hw, false
	}
	return entry.hw, true
}

// QueueResolve records that ip needs resolving, so the next call to
// Encapsulate fabricates a request broadcast for it. Returns
// lneto.ErrExhausted if the query table is full.
func (h *Handler) QueueResolve(ip [4]byte) error {
	e := h.queries.Entry(netAddr(ip))
	if e.Occupied() {
		return nil // Already queued or awaiting reply.
	}
	if _, ok := e.Insert(queryState{}); !ok {
		return lneto.ErrExhausted
	}
	return nil
}

// evictOldest removes the neighbor cache entry with the earliest
// expiration to make room for a new one (LRU by freshness).
func (h *Handler) evictOldest() {
	keys := h.cache.Keys()
	vals := h.cache.Values()
	if len(keys) == 0 {
		return
	}
	oldest := 0
	oldestAt, oldestArmed := vals[0].expires.Deadline()
	for i := 1; i < len(vals); i++ {
		at, armed := vals[i].expires.Deadline()
		switch {
		case !armed:
			continue // Entry never expires; never the eviction target unless nothing else is armed.
		case !oldestArmed || at.Before(oldestAt):
			oldest, oldestAt, oldestArmed = i, at, true
		}
	}
	h.cache.Entry(keys[oldest]).Remove()
}

// Encapsulate writes the next outgoing ARP frame (a buffered reply takes
// priority over a fresh resolution request) into carrierData at
// offsetToFrame, and sets the Ethernet destination address at
// carrierData[:offsetToFrame] accordingly. Returns (0, nil) if there is
// nothing to send.
func (h *Handler) Encapsulate(carrierData []byte, offsetToFrame int, now lneto.Instant) (int, error) {
	b := carrierData[offsetToFrame:]
	if h.pending.Len() > 0 {
		raw, _ := h.pending.Pop()
		afrm, err := NewFrame(raw[:])
		if err != nil {
			return 0, err
		}
		afrm.SwapTargetSender()
		afrm.SetOperation(OpReply)
		hwSender, _ := afrm.Sender()
		copy(hwSender, h.ourHW[:])
		tgtHW, _ := afrm.Target()
		n := copy(b, afrm.Clip().RawData())
		trySetEthernetDst(carrierData[:offsetToFrame], tgtHW)
		return n, nil
	}

	keys := h.queries.Keys()
	vals := h.queries.Values()
	for i := range keys {
		if vals[i].sent {
			continue
		}
		need := sizeHeader + 2*6 + 2*4
		if len(b) < need {
			return 0, errShortARP
		}
		afrm, err := NewFrame(b)
		if err != nil {
			return 0, err
		}
		afrm.SetHardware(h.htype, 6)
		afrm.SetProtocol(h.ptype, 4)
		afrm.SetOperation(OpRequest)
		hwSender, protoSender := afrm.Sender()
		copy(hwSender, h.ourHW[:])
		copy(protoSender, h.ourIP[:])
		hwTarget, protoTarget := afrm.Target()
		copy(protoTarget, keys[i][:])
		clear(hwTarget)
		vals[i].sent = true
		broadcast := ethernet.BroadcastAddr()
		trySetEthernetDst(carrierData[:offsetToFrame], broadcast[:])
		return need, nil
	}
	return 0, nil
}

// Demux decodes an inbound ARP frame. Requests addressed to our protocol
// address are copied into a queue and answered on the next Encapsulate call;
// replies populate or refresh the neighbor cache and clear any matching
// pending query.
func (h *Handler) Demux(ethFrame []byte, frameOffset int, now lneto.Instant) error {
	b := ethFrame[frameOffset:]
	afrm, err := NewFrame(b)
	if err != nil {
		return err
	}
	var vld lneto.Validator
	afrm.ValidateSize(&vld)
	if vld.HasError() {
		return vld.Err()
	}
	htype, hlen := afrm.Hardware()
	if htype != h.htype || hlen != 6 {
		return errors.New("arp: bad hardware address")
	}
	ptype, plen := afrm.Protocol()
	if ptype != h.ptype || plen != 4 {
		return errors.New("arp: bad protocol address")
	}

	switch afrm.Operation() {
	case OpRequest:
		_, tgtProto := afrm.Target()
		if [4]byte(tgtProto) != h.ourIP {
			return nil // Not for us.
		}
		if !h.pending.Push([sizeHeaderv6]byte{}) {
			return errARPBufferFull
		}
		ptr := h.pending.GetPtr(h.pending.Len() - 1)
		copy(ptr[:], afrm.Clip().RawData())

	case OpReply:
		hwSender, protoSender := afrm.Sender()
		key := netAddr(protoSender)
		var entry neighborEntry
		copy(entry.hw[:], hwSender)
		if h.ttl != 0 {
			entry.expires = lneto.At(now.Add(h.ttl))
		}
		e := h.cache.Entry(key)
		if _, ok := e.Insert(entry); !ok {
			h.evictOldest()
			e = h.cache.Entry(key)
			e.Insert(entry)
		}
		h.queries.Entry(key).Remove()

	default:
		return errARPUnsupported
	}
	return nil
}

func trySetEthernetDst(ethFrame []byte, dst []byte) {
	if len(ethFrame) >= 14 {
		copy(ethFrame[:6], dst)
	}
}
