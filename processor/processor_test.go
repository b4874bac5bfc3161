package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/FerroO2000/uniring/connector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipe(t *testing.T) (*connector.Producer, *connector.Consumer) {
	t.Helper()

	cfg := connector.DefaultConfig()
	cfg.Capacity = 8
	cfg.SlotSize = 32
	cfg.WaitSlice = 10 * time.Millisecond

	prod, cons, err := connector.NewPipe(cfg)
	require.NoError(t, err)

	return prod, cons
}

func readAll(ctx context.Context, cons *connector.Consumer) ([]string, error) {
	msgs := []string{}
	for {
		payload, err := cons.Read(ctx)
		if errors.Is(err, connector.ErrClosed) {
			return msgs, nil
		}
		if err != nil {
			return msgs, err
		}

		msgs = append(msgs, string(payload))
	}
}

func Test_FilterStage(t *testing.T) {
	assert := assert.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inProd, inCons := newTestPipe(t)
	outProd, outCons := newTestPipe(t)

	stage := NewFilterStage(func(payload []byte) bool {
		return bytes.HasPrefix(payload, []byte("keep"))
	}, inCons, outProd)
	require.NoError(t, stage.Init(ctx))

	go stage.Run(ctx)

	expected := []string{}
	go func() {
		for i := range 100 {
			prefix := "drop"
			if i%3 == 0 {
				prefix = "keep"
			}

			if err := inProd.Write(ctx, fmt.Appendf(nil, "%s %d", prefix, i)); err != nil {
				return
			}
		}
		inProd.Close()
	}()

	for i := 0; i < 100; i += 3 {
		expected = append(expected, fmt.Sprintf("keep %d", i))
	}

	msgs, err := readAll(ctx, outCons)
	assert.NoError(err)
	assert.Equal(expected, msgs)
	assert.Equal(int64(100-len(expected)), stage.Filtered())

	stage.Close()
}

func Test_TeeStage(t *testing.T) {
	assert := assert.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inProd, inCons := newTestPipe(t)
	firstProd, firstCons := newTestPipe(t)
	secondProd, secondCons := newTestPipe(t)

	stage := NewTeeStage(inCons, firstProd, secondProd)
	require.NoError(t, stage.Init(ctx))

	go stage.Run(ctx)

	expected := []string{}
	for i := range 50 {
		expected = append(expected, fmt.Sprintf("msg %d", i))
	}

	go func() {
		for _, msg := range expected {
			if err := inProd.Write(ctx, []byte(msg)); err != nil {
				return
			}
		}
		inProd.Close()
	}()

	secondMsgs := make(chan []string, 1)
	go func() {
		msgs, _ := readAll(ctx, secondCons)
		secondMsgs <- msgs
	}()

	firstMsgs, err := readAll(ctx, firstCons)
	assert.NoError(err)

	assert.Equal(expected, firstMsgs)
	assert.Equal(expected, <-secondMsgs)

	stage.Close()
}

func Test_TeeStageNoOutputs(t *testing.T) {
	_, cons := newTestPipe(t)

	stage := NewTeeStage(cons)
	assert.Error(t, stage.Init(context.Background()))
}
