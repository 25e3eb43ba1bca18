package monitor

// Change is a debounced transition.
type Change[T comparable] struct {
	Old T
	New T
}

// ChangeBuffer accepts a new value only after it was observed threshold times
// in a row. Seeing the current value again, or a different new value, resets
// the progress.
type ChangeBuffer[T comparable] struct {
	current   T
	candidate T
	count     int
	threshold int
}

func NewChangeBuffer[T comparable](initial T, threshold int) *ChangeBuffer[T] {
	return &ChangeBuffer[T]{current: initial, threshold: max(1, threshold)}
}

func (b *ChangeBuffer[T]) Current() T { return b.current }

// Pending is the number of consecutive observations of the candidate value.
func (b *ChangeBuffer[T]) Pending() int { return b.count }

// Push records one observation and reports a change once it is confirmed.
func (b *ChangeBuffer[T]) Push(v T) (Change[T], bool) {
	switch {
	case v == b.current:
		b.count = 0
		return Change[T]{}, false
	case b.count > 0 && v == b.candidate:
		b.count++
	default:
		b.candidate, b.count = v, 1
	}
	if b.count < b.threshold {
		return Change[T]{}, false
	}
	c := Change[T]{Old: b.current, New: v}
	b.current = v
	b.count = 0
	var zero T
	b.candidate = zero
	return c, true
}
