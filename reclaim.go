package main

import (
	"os"
	"sync"
	"time"
)

// ===========================
// Constants
// ===========================

const (
	reclaimQueueSize  = 64
	reclaimRetries    = 5
	reclaimRetryDelay = 500 * time.Millisecond
)

// ===========================
// Reclaimer
// ===========================

// Reclaimer deletes cached track files once no queue entry references them
// anymore. Deletion is disk-space hygiene, not a correctness requirement:
// failures are logged and swallowed, and files left behind by an abrupt
// shutdown are swept on the next startup.
type Reclaimer struct {
	table *QueueTable
	jobs  chan string
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func NewReclaimer(table *QueueTable) *Reclaimer {
	return &Reclaimer{
		table: table,
		jobs:  make(chan string, reclaimQueueSize),
		stop:  make(chan struct{}),
	}
}

// Start launches the background worker. Returns the daemon run and
// shutdown hooks in the loader's daemon shape.
func (r *Reclaimer) Start() (run func(), shutdown func()) {
	r.wg.Add(1)
	return func() {
		defer r.wg.Done()
		for {
			select {
			case path := <-r.jobs:
				r.Cleanup(path)
			case <-r.stop:
				// Drain whatever is still queued, then exit.
				for {
					select {
					case path := <-r.jobs:
						r.Cleanup(path)
					default:
						return
					}
				}
			}
		}
	}, r.Shutdown
}

// Shutdown stops the worker after draining pending jobs.
func (r *Reclaimer) Shutdown() {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// Cleanup deletes the file if no entry across any guild references it.
// Removal is retried a few times to ride out transient locks; a final
// failure is logged and forgotten.
func (r *Reclaimer) Cleanup(path string) {
	if path == "" {
		return
	}
	if r.table.Referenced(path) {
		return
	}

	var lastErr error
	for attempt := 1; attempt <= reclaimRetries; attempt++ {
		err := os.Remove(path)
		if err == nil {
			LogReclaim("Deleted track file: %s", path)
			return
		}
		if os.IsNotExist(err) {
			return
		}
		lastErr = err
		select {
		case <-time.After(reclaimRetryDelay):
		case <-r.stop:
			LogReclaim("Gave up deleting %s during shutdown: %v", path, err)
			return
		}
	}
	LogReclaim("Failed to delete %s after %d attempts: %v", path, reclaimRetries, lastErr)
}

// BackgroundCleanup schedules a cleanup without blocking the caller, so
// filesystem latency never delays the next playback transition.
func (r *Reclaimer) BackgroundCleanup(path string) {
	if path == "" {
		return
	}
	select {
	case r.jobs <- path:
	default:
		// Queue full; fall back to a one-off goroutine rather than block.
		safeGo(func() { r.Cleanup(path) })
	}
}
