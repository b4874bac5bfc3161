package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_WaitChangedWord(t *testing.T) {
	assert := assert.New(t)

	counter := &atomic.Uint32{}
	word := New(counter)

	seq := word.Seq()
	assert.NoError(word.Wake())
	assert.Equal(seq+1, word.Seq())

	// The snapshot is stale, no blocking
	start := time.Now()
	assert.NoError(word.Wait(context.Background(), seq, time.Second))
	assert.Less(time.Since(start), 500*time.Millisecond)
}

func Test_WaitTimeout(t *testing.T) {
	assert := assert.New(t)

	word := New(&atomic.Uint32{})

	start := time.Now()
	err := word.Wait(context.Background(), word.Seq(), 20*time.Millisecond)

	assert.ErrorIs(err, ErrTimeout)
	assert.GreaterOrEqual(time.Since(start), 15*time.Millisecond)
}

func Test_WaitWoken(t *testing.T) {
	assert := assert.New(t)

	word := New(&atomic.Uint32{})
	seq := word.Seq()

	wg := &sync.WaitGroup{}
	wg.Add(1)

	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		word.Wake()
	}()

	ctx := context.Background()
	for word.Seq() == seq {
		err := word.Wait(ctx, seq, 5*time.Second)
		assert.NoError(err)
	}

	wg.Wait()
	assert.NotEqual(seq, word.Seq())
}

func Test_WaitContext(t *testing.T) {
	t.Run("cancelled", func(t *testing.T) {
		word := New(&atomic.Uint32{})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, word.Wait(ctx, word.Seq(), time.Second), context.Canceled)
	})

	t.Run("deadline", func(t *testing.T) {
		assert := assert.New(t)

		word := New(&atomic.Uint32{})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := word.Wait(ctx, word.Seq(), 10*time.Second)

		assert.ErrorIs(err, context.DeadlineExceeded)
		assert.Less(time.Since(start), 5*time.Second)
	})

	t.Run("deadline repeated", func(t *testing.T) {
		assert := assert.New(t)

		word := New(&atomic.Uint32{})

		for range 20 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Millisecond)
			err := word.Wait(ctx, word.Seq(), time.Second)
			cancel()

			assert.ErrorIs(err, context.DeadlineExceeded)
			assert.NotErrorIs(err, ErrTimeout)
		}
	})

	t.Run("slice before deadline", func(t *testing.T) {
		word := New(&atomic.Uint32{})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		assert.ErrorIs(t, word.Wait(ctx, word.Seq(), time.Millisecond), ErrTimeout)
	})
}

func Test_PingPong(t *testing.T) {
	const rounds = 1000

	ping := New(&atomic.Uint32{})
	pong := New(&atomic.Uint32{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	wg.Add(1)

	go func() {
		defer wg.Done()

		for i := range rounds {
			for ping.Seq() == uint32(i) {
				if err := ping.Wait(ctx, uint32(i), 100*time.Millisecond); err != nil && err != ErrTimeout {
					return
				}
			}
			pong.Wake()
		}
	}()

	for i := range rounds {
		ping.Wake()
		for pong.Seq() == uint32(i) {
			err := pong.Wait(ctx, uint32(i), 100*time.Millisecond)
			if err != nil && err != ErrTimeout {
				t.Fatalf("round %d: %v", i, err)
			}
		}
	}

	wg.Wait()
	assert.Equal(t, uint32(rounds), ping.Seq())
	assert.Equal(t, uint32(rounds), pong.Seq())
}
