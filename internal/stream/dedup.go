package stream

// dedupWindow remembers the most recent keys seen on a stream so replayed
// events after a reconnect are dropped instead of written twice. Once the
// window is full the oldest key is evicted first.
type dedupWindow struct {
	capacity int
	seen     map[string]struct{}
	order    []string
	head     int
}

const defaultDedupCapacity = 50000

func newDedupWindow(capacity int) *dedupWindow {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	return &dedupWindow{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

// Observe records key and reports whether it was already present.
func (w *dedupWindow) Observe(key string) bool {
	if _, ok := w.seen[key]; ok {
		return true
	}
	if len(w.seen) >= w.capacity {
		oldest := w.order[w.head]
		delete(w.seen, oldest)
		w.order[w.head] = key
		w.head = (w.head + 1) % w.capacity
	} else {
		w.order = append(w.order, key)
	}
	w.seen[key] = struct{}{}
	return false
}

func (w *dedupWindow) Len() int { return len(w.seen) }
