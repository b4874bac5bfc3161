package processor

import (
	"context"
	"sync/atomic"

	"github.com/FerroO2000/uniring/internal"
)

var _ handler = (*teeHandler)(nil)

type teeHandler struct {
	tel *internal.Telemetry

	// Metrics
	clonedMessages atomic.Int64
}

func (th *teeHandler) setTelemetry(tel *internal.Telemetry) {
	th.tel = tel
}

func (th *teeHandler) init() error {
	th.tel.NewCounter("cloned_messages", func() int64 { return th.clonedMessages.Load() })
	return nil
}

// handle writes the batch to every output in turn,
// the slowest consumer paces all the others.
func (th *teeHandler) handle(ctx context.Context, payloads [][]byte, outputs []sender) error {
	for _, out := range outputs {
		if _, err := out.WriteBatch(ctx, payloads); err != nil {
			return err
		}
	}

	th.clonedMessages.Add(int64(len(payloads) * len(outputs)))

	return nil
}

// TeeStage copies every message of a ring to multiple rings.
type TeeStage struct {
	*stage
}

// NewTeeStage returns a new tee processor stage.
func NewTeeStage(input receiver, outputs ...sender) *TeeStage {
	return &TeeStage{
		stage: newStage("tee", &teeHandler{}, input, outputs...),
	}
}
