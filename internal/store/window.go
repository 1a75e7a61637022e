package store

// Window is a fixed-capacity ring of per-session values. Pushing into a full
// window evicts the oldest entry. The zero Window is unusable; construct
// with NewWindow.
type Window[T any] struct {
	buf   []T
	head  int
	count int
}

// NewWindow creates an empty window of the given capacity.
func NewWindow[T any](capacity int) Window[T] {
	return Window[T]{buf: make([]T, capacity)}
}

// Push appends a value, evicting the oldest entry when the window is full.
func (w *Window[T]) Push(v T) {
	if w.count < len(w.buf) {
		w.buf[(w.head+w.count)%len(w.buf)] = v
		w.count++
		return
	}
	w.buf[w.head] = v
	w.head = (w.head + 1) % len(w.buf)
}

// Len returns the number of entries currently held.
func (w Window[T]) Len() int { return w.count }

// Cap returns the window capacity.
func (w Window[T]) Cap() int { return len(w.buf) }

// Values returns the entries oldest first.
func (w Window[T]) Values() []T {
	out := make([]T, 0, w.count)
	for i := 0; i < w.count; i++ {
		out = append(out, w.buf[(w.head+i)%len(w.buf)])
	}
	return out
}

// Last returns the newest entry, or the zero value when empty.
func (w Window[T]) Last() (T, bool) {
	var zero T
	if w.count == 0 {
		return zero, false
	}
	return w.buf[(w.head+w.count-1)%len(w.buf)], true
}

// Clone returns an independent copy of the window.
func (w Window[T]) Clone() Window[T] {
	buf := make([]T, len(w.buf))
	copy(buf, w.buf)
	return Window[T]{buf: buf, head: w.head, count: w.count}
}
