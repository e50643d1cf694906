package main

import (
	"errors"
	"testing"

	"github.com/disgoorg/snowflake/v2"
)

func TestQueueAddPopOrder(t *testing.T) {
	qt := NewQueueTable(5)
	guild := snowflake.ID(1)

	for i, title := range []string{"first", "second", "third"} {
		pos, err := qt.Add(guild, &QueueEntry{Title: title, Path: "/tmp/" + title})
		if err != nil {
			t.Fatalf("Add(%q) failed: %v", title, err)
		}
		if pos != i+1 {
			t.Errorf("Expected position %d for %q, got %d", i+1, title, pos)
		}
	}

	for _, want := range []string{"first", "second", "third"} {
		e, err := qt.Pop(guild)
		if err != nil {
			t.Fatalf("Pop failed: %v", err)
		}
		if e.Title != want {
			t.Errorf("Expected %q, got %q", want, e.Title)
		}
	}

	if _, err := qt.Pop(guild); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("Expected ErrQueueEmpty, got %v", err)
	}
}

func TestQueueFullRejectsEntry(t *testing.T) {
	qt := NewQueueTable(2)
	guild := snowflake.ID(1)

	qt.Add(guild, &QueueEntry{Title: "a", Path: "/tmp/a"})
	qt.Add(guild, &QueueEntry{Title: "b", Path: "/tmp/b"})

	if _, err := qt.Add(guild, &QueueEntry{Title: "c", Path: "/tmp/c"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull, got %v", err)
	}
	if qt.Len(guild) != 2 {
		t.Errorf("Expected length 2 after rejected add, got %d", qt.Len(guild))
	}
	// The rejected entry must not leak a file reference.
	if qt.Referenced("/tmp/c") {
		t.Error("Rejected entry left a file reference behind")
	}
}

func TestQueueIndependentGuilds(t *testing.T) {
	qt := NewQueueTable(2)
	a, b := snowflake.ID(1), snowflake.ID(2)

	qt.Add(a, &QueueEntry{Title: "a1", Path: "/tmp/a1"})
	qt.Add(a, &QueueEntry{Title: "a2", Path: "/tmp/a2"})

	// Guild A being full must not affect guild B.
	if _, err := qt.Add(b, &QueueEntry{Title: "b1", Path: "/tmp/b1"}); err != nil {
		t.Fatalf("Add to independent guild failed: %v", err)
	}
	if qt.Len(b) != 1 {
		t.Errorf("Expected length 1 for guild B, got %d", qt.Len(b))
	}
}

func TestQueueRequeueFront(t *testing.T) {
	qt := NewQueueTable(5)
	guild := snowflake.ID(1)

	qt.Add(guild, &QueueEntry{Title: "a", Path: "/tmp/a"})
	qt.Add(guild, &QueueEntry{Title: "b", Path: "/tmp/b"})

	e, _ := qt.Pop(guild)
	qt.requeueFront(guild, e)

	next, err := qt.PeekNext(guild)
	if err != nil {
		t.Fatalf("PeekNext failed: %v", err)
	}
	if next.Title != "a" {
		t.Errorf("Expected requeued entry at head, got %q", next.Title)
	}
	if qt.Len(guild) != 2 {
		t.Errorf("Expected length 2 after requeue, got %d", qt.Len(guild))
	}
}

func TestQueueSharedFileRefs(t *testing.T) {
	qt := NewQueueTable(5)
	guild := snowflake.ID(1)
	shared := "/tmp/shared"

	qt.Add(guild, &QueueEntry{Title: "a", Path: shared})
	qt.Add(guild, &QueueEntry{Title: "b", Path: shared})

	if !qt.Referenced(shared) {
		t.Fatal("Expected shared path to be referenced")
	}
	if orphaned := qt.Release(shared); orphaned {
		t.Error("First release must not orphan a doubly-referenced file")
	}
	if orphaned := qt.Release(shared); !orphaned {
		t.Error("Second release must orphan the file")
	}
	if qt.Referenced(shared) {
		t.Error("Path still referenced after both releases")
	}
}

func TestQueueClearComputesOrphans(t *testing.T) {
	qt := NewQueueTable(5)
	a, b := snowflake.ID(1), snowflake.ID(2)

	qt.Add(a, &QueueEntry{Title: "solo", Path: "/tmp/solo"})
	qt.Add(a, &QueueEntry{Title: "cross", Path: "/tmp/cross"})
	qt.Add(b, &QueueEntry{Title: "cross-b", Path: "/tmp/cross"})

	removed, orphans := qt.Clear(a)
	if len(removed) != 2 {
		t.Fatalf("Expected 2 removed entries, got %d", len(removed))
	}
	if len(orphans) != 1 || orphans[0] != "/tmp/solo" {
		t.Fatalf("Expected only /tmp/solo orphaned, got %v", orphans)
	}
	// The cross-guild file stays referenced by guild B.
	if !qt.Referenced("/tmp/cross") {
		t.Error("Cross-guild path lost its reference")
	}
	if qt.Len(a) != 0 {
		t.Errorf("Expected empty backlog after clear, got %d", qt.Len(a))
	}
}

func TestQueueClearEmptyGuild(t *testing.T) {
	qt := NewQueueTable(5)
	removed, orphans := qt.Clear(snowflake.ID(42))
	if removed != nil || orphans != nil {
		t.Errorf("Expected no-op clear, got removed=%v orphans=%v", removed, orphans)
	}
}

func TestQueueSnapshotIsCopy(t *testing.T) {
	qt := NewQueueTable(5)
	guild := snowflake.ID(1)
	qt.Add(guild, &QueueEntry{Title: "original", Path: "/tmp/a"})

	snap := qt.Snapshot(guild)
	if len(snap) != 1 {
		t.Fatalf("Expected 1 entry in snapshot, got %d", len(snap))
	}
	snap[0].Title = "mutated"

	next, _ := qt.PeekNext(guild)
	if next.Title != "original" {
		t.Error("Snapshot mutation leaked into the queue")
	}
}
