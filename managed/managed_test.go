package managed

import "testing"

func TestSlotMapReserveGetRemove(t *testing.T) {
	sm := NewSlotMap[int](4)
	k1, v1, ok := sm.Reserve()
	if !ok {
		t.Fatal("expected reservation to succeed")
	}
	*v1 = 42
	if got, ok := sm.Get(k1); !ok || *got != 42 {
		t.Fatalf("want 42, true; got %v, %v", got, ok)
	}
	if !sm.Remove(k1) {
		t.Fatal("expected remove to succeed")
	}
	if _, ok := sm.Get(k1); ok {
		t.Fatal("get on removed key must return absence")
	}
	k2, _, ok := sm.Reserve()
	if !ok {
		t.Fatal("expected reservation to succeed after remove")
	}
	if k2 == k1 {
		t.Fatal("reuse of a freed slot must yield a different key")
	}
}

func TestSlotMapExhaustion(t *testing.T) {
	sm := NewSlotMap[int](2)
	_, _, ok1 := sm.Reserve()
	_, _, ok2 := sm.Reserve()
	_, _, ok3 := sm.Reserve()
	if !ok1 || !ok2 {
		t.Fatal("expected first two reservations to succeed")
	}
	if ok3 {
		t.Fatal("expected reservation beyond capacity to fail")
	}
}

func TestMapEntryVacantOccupied(t *testing.T) {
	var keys [4]int
	var vals [4]string
	less := func(a, b int) bool { return a < b }
	m := NewMap[int, string](keys[:], vals[:], less)

	for _, k := range []int{30, 10, 20} {
		e := m.Entry(k)
		if e.Occupied() {
			t.Fatalf("entry for %d should be vacant before insert", k)
		}
		if _, ok := e.Insert("v"); !ok {
			t.Fatalf("insert for %d should succeed", k)
		}
	}
	got := m.Keys()
	want := []int{10, 20, 30}
	for i, k := range want {
		if got[i] != k {
			t.Fatalf("keys not sorted ascending: got %v, want %v", got, want)
		}
	}
	e := m.Entry(20)
	if !e.Occupied() {
		t.Fatal("entry for 20 should be occupied")
	}
	if v, ok := e.Remove(); !ok || v != "v" {
		t.Fatalf("remove: got %q, %v", v, ok)
	}
	if m.Len() != 2 {
		t.Fatalf("want len 2 after remove, got %d", m.Len())
	}
}

func TestMapFullInsertFails(t *testing.T) {
	var keys [2]int
	var vals [2]int
	m := NewMap[int, int](keys[:], vals[:], func(a, b int) bool { return a < b })
	m.Entry(1).Insert(1)
	m.Entry(2).Insert(2)
	if _, ok := m.Entry(3).Insert(3); ok {
		t.Fatal("insert into full map must fail")
	}
}

func TestPartialPushPopInsertRemove(t *testing.T) {
	var backing [4]int
	p := NewPartial(Borrowed(backing[:]))
	for i := 1; i <= 4; i++ {
		if !p.Push(i) {
			t.Fatalf("push %d should succeed", i)
		}
	}
	if p.Push(5) {
		t.Fatal("push beyond capacity must fail")
	}
	if p.Len() != p.Cap() || len(p.AsSlice()) != p.Len() {
		t.Fatalf("partial view invariant end<=cap, as_slice len==end violated")
	}
	if p.InsertAt(0, 0) {
		// Capacity is full, insert must fail (no room to rotate into).
		t.Fatal("insert at full capacity should fail")
	}
	v, ok := p.RemoveAt(0)
	if !ok || v != 1 {
		t.Fatalf("remove at 0: got %d, %v", v, ok)
	}
	if p.Len() != 3 {
		t.Fatalf("want len 3 after remove, got %d", p.Len())
	}
	if !p.InsertAt(0, 0) {
		t.Fatal("insert at 0 should now succeed with freed capacity")
	}
	got := p.AsSlice()
	want := []int{0, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestPartialResize(t *testing.T) {
	var backing [4]int
	p := NewPartial(Borrowed(backing[:]))
	if err := p.Resize(4); err != nil {
		t.Fatal(err)
	}
	if p.Len() != 4 {
		t.Fatalf("want 4, got %d", p.Len())
	}
	if err := p.Resize(5); err == nil {
		t.Fatal("resize beyond capacity must fail")
	}
}

func TestContainerModes(t *testing.T) {
	one := One(7)
	if one.Cap() != 1 || one.Full()[0] != 7 {
		t.Fatal("one-mode container must hold exactly one value")
	}
	heap := Many([]int{1, 2, 3})
	if heap.Cap() != 3 {
		t.Fatal("many-mode container must expose backing length as capacity")
	}
	var arr [2]int
	borrowed := Borrowed(arr[:])
	borrowed.Full()[0] = 9
	if arr[0] != 9 {
		t.Fatal("borrowed-mode container must alias caller storage")
	}
}
