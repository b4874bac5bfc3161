package processor

import (
	"context"
	"sync/atomic"

	"github.com/FerroO2000/uniring/internal"
)

var _ handler = (*filterHandler)(nil)

type filterHandler struct {
	tel *internal.Telemetry

	filterFn func([]byte) bool

	// Metrics
	filteredMessages atomic.Int64
}

func (fh *filterHandler) setTelemetry(tel *internal.Telemetry) {
	fh.tel = tel
}

func (fh *filterHandler) init() error {
	fh.tel.NewCounter("filtered_messages", func() int64 { return fh.filteredMessages.Load() })
	return nil
}

func (fh *filterHandler) handle(ctx context.Context, payloads [][]byte, outputs []sender) error {
	kept := payloads[:0]
	for _, payload := range payloads {
		if fh.filterFn(payload) {
			kept = append(kept, payload)
			continue
		}

		fh.filteredMessages.Add(1)
	}

	if len(kept) == 0 {
		return nil
	}

	_, err := outputs[0].WriteBatch(ctx, kept)
	return err
}

// FilterStage forwards the messages accepted by a user-defined function
// from a ring to another.
type FilterStage struct {
	*stage

	handler *filterHandler
}

// NewFilterStage returns a new filter processor stage.
func NewFilterStage(filterFn func([]byte) bool, input receiver, output sender) *FilterStage {
	handler := &filterHandler{
		filterFn: filterFn,
	}

	return &FilterStage{
		stage: newStage("filter", handler, input, output),

		handler: handler,
	}
}

// Filtered returns the number of messages dropped so far.
func (fs *FilterStage) Filtered() int64 {
	return fs.handler.filteredMessages.Load()
}
