package server

import (
	"context"
	"log/slog"
	"math/bits"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/jwilder/dashcache"
)

// job is a closure run on a worker's goroutine with exclusive access to its
// shard. done is closed once fn returns.
type job struct {
	fn   func(sh *dashcache.Shard)
	done chan struct{}
}

// worker owns one shard. Every access to the shard, including expiration
// sweeps, happens on the worker's goroutine.
type worker struct {
	id    int
	shard *dashcache.Shard
	jobs  chan job
	sweep time.Duration
	log   *slog.Logger
}

func newWorker(id int, shard *dashcache.Shard, sweep time.Duration, log *slog.Logger) *worker {
	return &worker{
		id:    id,
		shard: shard,
		jobs:  make(chan job),
		sweep: sweep,
		log:   log,
	}
}

// run serves jobs and sweeps until ctx is done, then closes the shard.
func (w *worker) run(ctx context.Context) error {
	var tick <-chan time.Time
	if w.sweep > 0 {
		ticker := time.NewTicker(w.sweep)
		defer ticker.Stop()
		tick = ticker.C
	}

	defer func() {
		if err := w.shard.Close(); err != nil {
			w.log.Error("closing shard", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-w.jobs:
			j.fn(w.shard)
			close(j.done)
		case <-tick:
			before := w.shard.Stats().Keys
			if w.shard.SweepExpired(w.shard.Now()) {
				w.log.Debug("swept expired keys", "removed", before-w.shard.Stats().Keys)
			}
		}
	}
}

// do runs fn on the worker and waits for it to finish.
func (w *worker) do(ctx context.Context, fn func(sh *dashcache.Shard)) error {
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// route picks the worker owning key. The digest is rotated so the worker
// choice does not correlate with the shard's own home bucket choice.
func route(key []byte, workers int) int {
	return dashcache.JumpHash(bits.RotateLeft64(xxhash.Sum64(key), 32), workers)
}
