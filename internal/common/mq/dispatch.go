package mq

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// inflight bounds the number of fetched but unacknowledged messages.
type inflight chan struct{}

func newInflight(size int) inflight {
	if size <= 0 {
		size = 1
	}
	return make(inflight, size)
}

func (f inflight) acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case f <- struct{}{}:
		return nil
	}
}

func (f inflight) release() {
	select {
	case <-f:
	default:
	}
}

// deliver runs handler with in-place retries and reports whether the broker
// should acknowledge the message. Messages interrupted by ctx cancellation are
// left unacknowledged so that another consumer receives them again.
func deliver(ctx context.Context, m *Message, handler HandlerFunc, opts SubscribeOptions, deadLetter func(context.Context, *Message) error) bool {
	if m.MaxRetries == 0 {
		m.MaxRetries = opts.MaxRetries
	}
	for {
		err := handler(ctx, m)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		m.RetryCount++
		if m.RetryCount > m.MaxRetries {
			if opts.DeadLetterTopic == "" || deadLetter == nil {
				return true
			}
			if dlErr := deadLetter(ctx, m); dlErr != nil {
				return false
			}
			return true
		}
		if !sleepCtx(ctx, opts.RetryDelay) {
			return false
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// fetchBackoff paces fetch loops after broker errors; reset after a success.
func fetchBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// offsetTracker orders Kafka commits within a partition. Committing offset N
// acknowledges everything before it, so an offset is only committed once it
// and every earlier fetched offset of the same partition have finished.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[int]*partitionWindow
}

type partitionWindow struct {
	offsets []int64        // fetched and not yet committed, in fetch order
	done    map[int64]bool // false while the handler still runs
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: make(map[int]*partitionWindow)}
}

// track records a fetched offset. A fetch below the last tracked offset means
// the partition was rewound (rebalance); the stale window is dropped.
func (t *offsetTracker) track(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.parts[partition]
	if !ok || (len(w.offsets) > 0 && offset <= w.offsets[len(w.offsets)-1]) {
		w = &partitionWindow{done: make(map[int64]bool)}
		t.parts[partition] = w
	}
	w.offsets = append(w.offsets, offset)
	w.done[offset] = false
}

// complete marks offset finished and calls commit with the highest offset
// whose predecessors are all finished, if that moved. Commits are serialized
// so a lower offset never lands after a higher one.
func (t *offsetTracker) complete(partition int, offset int64, commit func(partition int, offset int64) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.parts[partition]
	if !ok {
		return nil
	}
	if _, tracked := w.done[offset]; !tracked {
		return nil
	}
	w.done[offset] = true

	var (
		next  int64
		moved bool
	)
	for len(w.offsets) > 0 && w.done[w.offsets[0]] {
		next = w.offsets[0]
		delete(w.done, next)
		w.offsets = w.offsets[1:]
		moved = true
	}
	if !moved {
		return nil
	}
	return commit(partition, next)
}
