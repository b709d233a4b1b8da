package tcp

// Value is a TCP sequence number. Arithmetic and comparisons wrap at 2^32
// per RFC 1982 serial-number arithmetic: two values are compared by the
// sign of their 32-bit signed difference, not by their raw unsigned order,
// so that e.g. Value(2^32-10) is "less than" Value(15).
type Value uint32

// Size is a count of octets within the sequence space (a window size or a
// segment length). It never itself wraps in the comparisons below; only
// Value arithmetic is wrap-aware.
type Size uint32

// Add returns v advanced by n octets in the sequence space.
func Add(v Value, n Size) Value { return v + Value(n) }

// Sizeof returns the wrap-aware distance from a to b, i.e. the number of
// octets from a up to (not including) b. Used to compute in-flight byte
// counts such as snd.NXT - snd.UNA.
func Sizeof(a, b Value) Size { return Size(b - a) }

// LessThan reports whether v precedes other in the sequence space, using
// wrap-aware signed comparison.
func (v Value) LessThan(other Value) bool {
	return int32(v-other) < 0
}

// LessThanEq reports whether v precedes or equals other in the sequence
// space.
func (v Value) LessThanEq(other Value) bool {
	return v == other || v.LessThan(other)
}

// InWindow reports whether v lies in [start, start+wnd) in the sequence
// space, handling wraparound.
func (v Value) InWindow(start Value, wnd Size) bool {
	diff := uint32(v - start)
	return diff < uint32(wnd)
}

// UpdateForward advances *v by n octets in the sequence space.
func (v *Value) UpdateForward(n Size) { *v = Add(*v, n) }
