package progress

import "context"

// Sink receives event batches from the Hub. Consume is called from a single
// goroutine; Close is called once after the final batch.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is the write side the workers depend on.
type Emitter interface {
	Emit(evt Event)
}
