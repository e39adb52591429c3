package persistence

import (
	"context"
	"log/slog"
	"sync"

	"github.com/crypto-trading/funding/internal/eventbus"
)

// Recorder drains execution results off the bus into the async writer
// so the executor never blocks on storage.
type Recorder struct {
	writer *AsyncWriter
	bus    *eventbus.EventBus
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewRecorder(writer *AsyncWriter, bus *eventbus.EventBus, logger *slog.Logger) *Recorder {
	return &Recorder{writer: writer, bus: bus, logger: logger}
}

func (r *Recorder) Start(ctx context.Context) {
	results := r.bus.SubscribeExecutionResult()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case res, ok := <-results:
				if !ok {
					return
				}
				r.writer.Write(WriteRequest{Type: WriteTypeExecutionResult, Result: res})
			}
		}
	}()
}

func (r *Recorder) Wait() {
	r.wg.Wait()
}
