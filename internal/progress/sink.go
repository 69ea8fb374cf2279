package progress

import "context"

// Sink consumes batches of progress events. Consume is called from the hub's
// delivery goroutine only; Close once, after the final batch.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events without blocking.
type Emitter interface {
	Emit(evt Event)
}

// NopEmitter discards every event.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}
