package managed

// Map is an ordered map backed by a pair of borrowed sorted arrays (keys,
// values): Entry lookup is O(log n) binary search, Insert/Remove are O(n)
// due to shifting the tail. Capacity is fixed by the backing arrays;
// inserting into a full map fails rather than reallocating. This is the
// storage behind both the TCP four-tuple port table and the ARP neighbor
// cache.
type Map[K comparable, V any] struct {
	keys   []K
	values []V
	n      int
	less   func(a, b K) bool
}

// NewMap constructs a Map with the given backing arrays (whose shared
// length fixes capacity) and ordering function.
func NewMap[K comparable, V any](keys []K, values []V, less func(a, b K) bool) *Map[K, V] {
	if len(keys) != len(values) {
		panic("managed: Map keys/values length mismatch")
	}
	return &Map[K, V]{keys: keys, values: values, less: less}
}

// Len returns the number of live entries.
func (m *Map[K, V]) Len() int { return m.n }

// Cap returns the fixed capacity.
func (m *Map[K, V]) Cap() int { return len(m.keys) }

// Keys returns the live keys in ascending order.
func (m *Map[K, V]) Keys() []K { return m.keys[:m.n] }

// Values returns the live values, index-aligned with Keys.
func (m *Map[K, V]) Values() []V { return m.values[:m.n] }

func (m *Map[K, V]) search(k K) (idx int, found bool) {
	lo, hi := 0, m.n
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case m.less(m.keys[mid], k):
			lo = mid + 1
		case m.less(k, m.keys[mid]):
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}

// Get returns a pointer to the value for k, or (nil, false) if absent.
func (m *Map[K, V]) Get(k K) (*V, bool) {
	idx, found := m.search(k)
	if !found {
		return nil, false
	}
	return &m.values[idx], true
}

// Entry returns a handle over the slot for k, whether or not it is
// currently occupied. Use Entry.Occupied to distinguish Vacant from
// Occupied, Entry.Insert to populate a vacant slot (or overwrite an
// occupied one), and Entry.Remove to evict an occupied one.
func (m *Map[K, V]) Entry(k K) Entry[K, V] {
	idx, found := m.search(k)
	return Entry[K, V]{m: m, key: k, idx: idx, found: found}
}

// Entry splits a lookup from a mutation so callers can test
// occupied-or-not once and then act, without a second search.
type Entry[K comparable, V any] struct {
	m     *Map[K, V]
	key   K
	idx   int
	found bool
}

// Occupied reports whether the entry names an existing key.
func (e Entry[K, V]) Occupied() bool { return e.found }

// Get returns a pointer to the occupied value, or nil for a Vacant entry.
func (e Entry[K, V]) Get() *V {
	if !e.found {
		return nil
	}
	return &e.m.values[e.idx]
}

// Insert populates a Vacant entry or overwrites an Occupied one, returning
// a pointer to the stored value and true, or (nil, false) if the map is at
// capacity and the entry was Vacant.
func (e Entry[K, V]) Insert(v V) (*V, bool) {
	m := e.m
	if e.found {
		m.values[e.idx] = v
		return &m.values[e.idx], true
	}
	if m.n >= len(m.keys) {
		return nil, false
	}
	copy(m.keys[e.idx+1:m.n+1], m.keys[e.idx:m.n])
	copy(m.values[e.idx+1:m.n+1], m.values[e.idx:m.n])
	m.keys[e.idx] = e.key
	m.values[e.idx] = v
	m.n++
	return &m.values[e.idx], true
}

// Remove evicts an Occupied entry, returning its value and true, or
// (zero, false) for a Vacant entry.
func (e Entry[K, V]) Remove() (V, bool) {
	var zero V
	if !e.found {
		return zero, false
	}
	m := e.m
	v := m.values[e.idx]
	copy(m.keys[e.idx:m.n-1], m.keys[e.idx+1:m.n])
	copy(m.values[e.idx:m.n-1], m.values[e.idx+1:m.n])
	m.n--
	var zk K
	m.keys[m.n] = zk
	m.values[m.n] = zero
	return v, true
}
