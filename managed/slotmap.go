package managed

// Key identifies a slot in a SlotMap. It is opaque and version-tagged: a
// Key returned by Reserve is valid until that slot is Removed, after which
// the slot's version is bumped and any future Reserve of the same index
// produces a Key that is != the old one. get(old_key) always returns
// absence after the slot has been reused, never a stale value.
type Key struct {
	index   uint32
	version uint32
}

// IsZero reports whether k is the zero Key, which never names a live slot.
func (k Key) IsZero() bool { return k == Key{} }

type slotState uint8

const (
	slotFree slotState = iota
	slotReserved
)

type slot[T any] struct {
	value   T
	version uint32
	state   slotState
}

// SlotMap is a dense, fixed-capacity storage keyed by versioned Key.
// Capacity is fixed at construction and the map never reallocates
// afterward: Reserve/Remove only move indices between an internal free
// list and the live set.
type SlotMap[T any] struct {
	slots    []slot[T]
	freeList []uint32
}

// NewSlotMap allocates a SlotMap with room for capacity slots. This
// allocation happens once, at endpoint construction, not on the packet
// path.
func NewSlotMap[T any](capacity int) *SlotMap[T] {
	sm := &SlotMap[T]{
		slots:    make([]slot[T], capacity),
		freeList: make([]uint32, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		sm.slots[i].version = 1 // Keeps every issued Key distinct from the zero Key.
		sm.freeList = append(sm.freeList, uint32(i))
	}
	return sm
}

// Cap returns the fixed slot capacity.
func (sm *SlotMap[T]) Cap() int { return len(sm.slots) }

// Len returns the number of currently reserved slots.
func (sm *SlotMap[T]) Len() int { return len(sm.slots) - len(sm.freeList) }

// Reserve claims a free slot and returns its Key along with a pointer to
// the (zero-valued) slot contents for the caller to populate. The
// reservation is live as soon as Reserve returns; the caller must finish
// populating the slot before letting the Key escape, or the reservation is
// observable half-initialized by a concurrent-looking caller (there is
// none on the single-threaded packet path, but the ordering still matters
// for correctness of the create-then-publish pattern used by TCP accept).
func (sm *SlotMap[T]) Reserve() (Key, *T, bool) {
	n := len(sm.freeList)
	if n == 0 {
		var zero Key
		return zero, nil, false
	}
	idx := sm.freeList[n-1]
	sm.freeList = sm.freeList[:n-1]
	s := &sm.slots[idx]
	s.state = slotReserved
	var zero T
	s.value = zero
	return Key{index: idx, version: s.version}, &s.value, true
}

// Get returns a pointer to the slot named by k, or (nil, false) if k is
// stale or was never reserved.
func (sm *SlotMap[T]) Get(k Key) (*T, bool) {
	if int(k.index) >= len(sm.slots) {
		return nil, false
	}
	s := &sm.slots[k.index]
	if s.state != slotReserved || s.version != k.version {
		return nil, false
	}
	return &s.value, true
}

// Remove frees the slot named by k, bumping its version so k (and any copy
// of it) can never address the slot again. Returns false if k was already
// stale.
func (sm *SlotMap[T]) Remove(k Key) bool {
	if int(k.index) >= len(sm.slots) {
		return false
	}
	s := &sm.slots[k.index]
	if s.state != slotReserved || s.version != k.version {
		return false
	}
	var zero T
	s.value = zero
	s.state = slotFree
	s.version++
	sm.freeList = append(sm.freeList, k.index)
	return true
}
