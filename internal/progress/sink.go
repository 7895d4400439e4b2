package progress

import "context"

// Sink consumes batches of progress events. The batch is reused once Consume
// returns, so a sink that keeps events must copy them.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Emit may drop best-effort kinds under
// backpressure (see Kind.Lossless); Publish waits for room for any kind until
// ctx ends.
type Emitter interface {
	Emit(evt Event)
	Publish(ctx context.Context, evt Event) error
}

// Nop is an Emitter that discards everything.
var Nop Emitter = nopEmitter{}

type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}

func (nopEmitter) Publish(context.Context, Event) error { return nil }
