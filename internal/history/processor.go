package history

import (
	"context"

	"github.com/erauner12/chatbus/internal/bus"
	"github.com/erauner12/chatbus/internal/errs"
	"github.com/erauner12/chatbus/internal/message"
	"github.com/erauner12/chatbus/internal/telemetry"
)

// Processor adapts the store to a bus subscription. The store makes one
// inline retry of its own; whatever still fails is handed back to the bus
// for redelivery and, eventually, the dead-letter holder.
type Processor struct {
	store *Store
}

func NewProcessor(store *Store) *Processor {
	return &Processor{store: store}
}

// Handle persists a batch of envelopes.
func (p *Processor) Handle(ctx context.Context, batch []*message.Envelope) []bus.Failure {
	failed, err := p.store.BatchPut(ctx, batch)
	if err != nil {
		telemetry.HistoryWrites.WithLabelValues("failed").Add(float64(len(batch)))
		out := make([]bus.Failure, 0, len(batch))
		for _, env := range batch {
			out = append(out, bus.Failure{MessageID: env.MessageID, Err: err})
		}
		return out
	}

	telemetry.HistoryWrites.WithLabelValues("ok").Add(float64(len(batch) - len(failed)))
	if len(failed) == 0 {
		return nil
	}
	telemetry.HistoryWrites.WithLabelValues("failed").Add(float64(len(failed)))
	out := make([]bus.Failure, 0, len(failed))
	for _, id := range failed {
		out = append(out, bus.Failure{MessageID: id, Err: errs.New(errs.CodeStoreUnavailable, "history write failed")})
	}
	return out
}
