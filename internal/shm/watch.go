package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is the interval between two open attempts
// when no file event is received.
const DefaultPollInterval = 50 * time.Millisecond

// Wait opens the segment with the given name, waiting for its creator
// to create and initialize it. The directory is watched for file events,
// and the open is retried periodically since a ready flag flip
// does not produce one.
func Wait(ctx context.Context, dir, name string) (*Segment, error) {
	path, err := Path(dir, name)
	if err != nil {
		return nil, err
	}

	seg, err := Open(dir, name)
	if !isRetryable(err) {
		return seg, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil, errors.New("shm: watcher closed")
			}

			if event.Name != path || !event.Has(fsnotify.Create|fsnotify.Write) {
				continue
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil, errors.New("shm: watcher closed")
			}
			return nil, fmt.Errorf("watcher failure: %w", err)

		case <-ticker.C:
		}

		seg, err := Open(dir, name)
		if !isRetryable(err) {
			return seg, err
		}
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, ErrSegmentNotReady)
}
