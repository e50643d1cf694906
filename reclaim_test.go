package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

func writeTrackFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("opus"), 0644); err != nil {
		t.Fatalf("Failed to write track file: %v", err)
	}
	return path
}

func TestCleanupDeletesOrphan(t *testing.T) {
	table := NewQueueTable(5)
	r := NewReclaimer(table)
	path := writeTrackFile(t, "orphan.webm")

	r.Cleanup(path)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected file deleted, stat returned %v", err)
	}
}

func TestCleanupRetainsReferencedFile(t *testing.T) {
	table := NewQueueTable(5)
	r := NewReclaimer(table)
	path := writeTrackFile(t, "live.webm")
	table.Add(snowflake.ID(1), &QueueEntry{Title: "live", Path: path})

	r.Cleanup(path)

	if _, err := os.Stat(path); err != nil {
		t.Errorf("Referenced file must survive cleanup: %v", err)
	}
}

func TestCleanupMissingFileIsQuiet(t *testing.T) {
	table := NewQueueTable(5)
	r := NewReclaimer(table)
	// Must return promptly instead of burning retries.
	done := make(chan struct{})
	go func() {
		r.Cleanup(filepath.Join(t.TempDir(), "never-existed.webm"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Cleanup of a missing file did not return promptly")
	}
}

func TestBackgroundCleanupWorker(t *testing.T) {
	table := NewQueueTable(5)
	r := NewReclaimer(table)
	path := writeTrackFile(t, "queued.webm")

	run, shutdown := r.Start()
	go run()

	r.BackgroundCleanup(path)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			shutdown()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	shutdown()
	t.Fatal("Worker did not delete the queued file in time")
}

func TestShutdownDrainsPendingJobs(t *testing.T) {
	table := NewQueueTable(5)
	r := NewReclaimer(table)
	path := writeTrackFile(t, "pending.webm")

	run, shutdown := r.Start()
	go run()
	r.BackgroundCleanup(path)
	shutdown()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected pending job drained on shutdown, stat returned %v", err)
	}
}
