package managed

import "github.com/nilgrid/netstack"

// Partial pairs a backing Container with an end index, presenting a
// variable-length ordered sequence over fixed storage. Invariant: end never
// exceeds the Container's capacity; every method that would violate this
// returns a sentinel absence (false, or a zero value) rather than panicking.
type Partial[T any] struct {
	c   Container[T]
	end int
}

// NewPartial returns an empty Partial view over c.
func NewPartial[T any](c Container[T]) Partial[T] { return Partial[T]{c: c} }

// NewFullPartial returns a Partial view over c with end set to c's full
// capacity, e.g. for a route table or options buffer that starts populated.
func NewFullPartial[T any](c Container[T]) Partial[T] { return Partial[T]{c: c, end: c.Cap()} }

// Len returns the number of live elements, i.e. end.
func (p *Partial[T]) Len() int { return p.end }

// Cap returns the backing Container's fixed capacity.
func (p *Partial[T]) Cap() int { return p.c.Cap() }

// AsSlice returns the live elements as a slice of length Len().
func (p *Partial[T]) AsSlice() []T { return p.c.Full()[:p.end] }

// Get returns the element at i and true, or the zero value and false if i
// is out of [0, Len()).
func (p *Partial[T]) Get(i int) (T, bool) {
	var zero T
	if i < 0 || i >= p.end {
		return zero, false
	}
	return p.c.Full()[i], true
}

// GetPtr returns a pointer to the element at i, or nil if out of range.
func (p *Partial[T]) GetPtr(i int) *T {
	if i < 0 || i >= p.end {
		return nil
	}
	return &p.c.Full()[i]
}

// Push appends v, returning false if the backing capacity is exhausted.
func (p *Partial[T]) Push(v T) bool {
	full := p.c.Full()
	if p.end >= len(full) {
		return false
	}
	full[p.end] = v
	p.end++
	return true
}

// Pop removes and returns the last element, or (zero, false) if empty.
func (p *Partial[T]) Pop() (T, bool) {
	var zero T
	if p.end == 0 {
		return zero, false
	}
	p.end--
	full := p.c.Full()
	v := full[p.end]
	full[p.end] = zero
	return v, true
}

// InsertAt inserts v at pos via in-place rotation of the elements after
// pos, returning false if pos is out of range or the backing capacity is
// exhausted.
func (p *Partial[T]) InsertAt(pos int, v T) bool {
	full := p.c.Full()
	if pos < 0 || pos > p.end || p.end >= len(full) {
		return false
	}
	copy(full[pos+1:p.end+1], full[pos:p.end])
	full[pos] = v
	p.end++
	return true
}

// RemoveAt removes and returns the element at pos via in-place rotation of
// the elements after pos, or (zero, false) if pos is out of range.
func (p *Partial[T]) RemoveAt(pos int) (T, bool) {
	var zero T
	full := p.c.Full()
	if pos < 0 || pos >= p.end {
		return zero, false
	}
	v := full[pos]
	copy(full[pos:p.end-1], full[pos+1:p.end])
	p.end--
	full[p.end] = zero
	return v, true
}

// Resize sets end to n, the partial-view analogue of PayloadMut.Resize: it
// may extend the usable region up to the backing capacity, or shrink it;
// it returns lneto.ErrBadSize and leaves the view unchanged if n is out of
// [0, Cap()].
func (p *Partial[T]) Resize(n int) error {
	if n < 0 || n > p.c.Cap() {
		return lneto.ErrBadSize
	}
	p.end = n
	return nil
}
