package stream

import "testing"

func TestDedupWindowObserve(t *testing.T) {
	w := newDedupWindow(10)
	if w.Observe("a") {
		t.Error("first observation of a reported as duplicate")
	}
	if !w.Observe("a") {
		t.Error("second observation of a not reported as duplicate")
	}
	if w.Len() != 1 {
		t.Errorf("Len = %d, want 1", w.Len())
	}
}

func TestDedupWindowEvictsOldestFirst(t *testing.T) {
	w := newDedupWindow(3)
	for _, k := range []string{"a", "b", "c"} {
		w.Observe(k)
	}
	// Window is full; adding d must push out a, the oldest.
	if w.Observe("d") {
		t.Error("d reported as duplicate")
	}
	if w.Len() != 3 {
		t.Fatalf("Len = %d, want 3", w.Len())
	}
	if w.Observe("a") {
		t.Error("a should have been evicted and admitted again")
	}
	// Re-adding a evicted b in turn.
	if w.Observe("b") {
		t.Error("b should have been evicted")
	}
	if !w.Observe("d") {
		t.Error("d should still be in the window")
	}
}

func TestDedupWindowDefaultCapacity(t *testing.T) {
	w := newDedupWindow(0)
	if w.capacity != defaultDedupCapacity {
		t.Errorf("capacity = %d, want %d", w.capacity, defaultDedupCapacity)
	}
}
