package pipeline

// Option is the explicit produced/absent result of a stage transform.
type Option[T any] struct {
	value T
	ok    bool
}

// Some wraps a produced value.
func Some[T any](v T) Option[T] {
	return Option[T]{value: v, ok: true}
}

// None reports that the transform produced nothing; the input is discarded.
func None[T any]() Option[T] {
	return Option[T]{}
}

// Get returns the value and whether one was produced.
func (o Option[T]) Get() (T, bool) {
	return o.value, o.ok
}
