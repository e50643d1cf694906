package main

import (
	"errors"
	"sync"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Errors
// ===========================

var (
	ErrQueueFull  = errors.New("queue is full")
	ErrQueueEmpty = errors.New("queue is empty")
)

// ===========================
// Types
// ===========================

// MediaKind selects the stream flavor requested for an entry.
type MediaKind int

const (
	MediaAudio MediaKind = iota
	MediaVideo
)

func (k MediaKind) String() string {
	if k == MediaVideo {
		return "Video"
	}
	return "Audio"
}

// QueueEntry is one requested track. The entry is owned by the queue that
// holds it; the backing file at Path is only referenced, since duplicate
// requests for the same source share a single cached file.
type QueueEntry struct {
	Title       string
	Path        string
	URL         string
	Kind        MediaKind
	Quality     int
	Requester   string
	RequesterID snowflake.ID
}

// QueueTable holds the per-guild track backlogs and the cross-guild file
// reference counts. All operations are in-memory and short-held; the table
// mutex is never held across a collaborator call.
type QueueTable struct {
	mu       sync.Mutex
	queues   map[snowflake.ID][]*QueueEntry
	fileRefs map[string]int
	maxSize  int
}

func NewQueueTable(maxSize int) *QueueTable {
	if maxSize <= 0 {
		maxSize = DefaultMaxQueueSize
	}
	return &QueueTable{
		queues:   make(map[snowflake.ID][]*QueueEntry),
		fileRefs: make(map[string]int),
		maxSize:  maxSize,
	}
}

// ===========================
// Queue Operations
// ===========================

// Add appends an entry to the guild's backlog and returns the new queue
// length (1-based position of the entry). A full queue rejects the entry
// outright and leaves the backlog unchanged.
func (qt *QueueTable) Add(guildID snowflake.ID, e *QueueEntry) (int, error) {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	q := qt.queues[guildID]
	if len(q) >= qt.maxSize {
		LogQueue("Queue full for guild %s (%d entries), rejecting: %s", guildID, len(q), e.Title)
		return 0, ErrQueueFull
	}
	qt.queues[guildID] = append(q, e)
	if e.Path != "" {
		qt.fileRefs[e.Path]++
	}
	return len(qt.queues[guildID]), nil
}

// Pop removes and returns the head entry. The file reference is retained:
// the popped entry becomes the caller's current track, and the caller
// releases the reference once the track is discarded.
func (qt *QueueTable) Pop(guildID snowflake.ID) (*QueueEntry, error) {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	q := qt.queues[guildID]
	if len(q) == 0 {
		return nil, ErrQueueEmpty
	}
	e := q[0]
	q = q[1:]
	if len(q) == 0 {
		delete(qt.queues, guildID)
	} else {
		qt.queues[guildID] = q
	}
	return e, nil
}

// requeueFront restores a previously popped entry to the head of the
// backlog. The entry's file reference is still held, so no ref bookkeeping
// happens here.
func (qt *QueueTable) requeueFront(guildID snowflake.ID, e *QueueEntry) {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	qt.queues[guildID] = append([]*QueueEntry{e}, qt.queues[guildID]...)
}

// PeekNext returns the entry that would play next without removing it.
func (qt *QueueTable) PeekNext(guildID snowflake.ID) (*QueueEntry, error) {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	q := qt.queues[guildID]
	if len(q) == 0 {
		return nil, ErrQueueEmpty
	}
	return q[0], nil
}

// Snapshot returns a read-only copy of the guild's backlog for display.
func (qt *QueueTable) Snapshot(guildID snowflake.ID) []QueueEntry {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	q := qt.queues[guildID]
	out := make([]QueueEntry, len(q))
	for i, e := range q {
		out[i] = *e
	}
	return out
}

// Len returns the number of queued entries for a guild.
func (qt *QueueTable) Len(guildID snowflake.ID) int {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	return len(qt.queues[guildID])
}

// Clear drops every entry for the guild and returns the removed entries
// together with the file paths that are now unreferenced across the whole
// table. Clearing an empty guild is a no-op.
func (qt *QueueTable) Clear(guildID snowflake.ID) (removed []*QueueEntry, orphans []string) {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	q := qt.queues[guildID]
	if len(q) == 0 {
		return nil, nil
	}
	delete(qt.queues, guildID)

	seen := make(map[string]bool)
	for _, e := range q {
		removed = append(removed, e)
		if e.Path == "" {
			continue
		}
		qt.fileRefs[e.Path]--
		if qt.fileRefs[e.Path] <= 0 {
			delete(qt.fileRefs, e.Path)
			if !seen[e.Path] {
				seen[e.Path] = true
				orphans = append(orphans, e.Path)
			}
		}
	}
	return removed, orphans
}

// ===========================
// File References
// ===========================

// Release drops one reference to a backing file and reports whether the
// file is now orphaned (safe to reclaim).
func (qt *QueueTable) Release(path string) bool {
	if path == "" {
		return false
	}
	qt.mu.Lock()
	defer qt.mu.Unlock()

	qt.fileRefs[path]--
	if qt.fileRefs[path] <= 0 {
		delete(qt.fileRefs, path)
		return true
	}
	return false
}

// Referenced reports whether any live entry still references the path.
func (qt *QueueTable) Referenced(path string) bool {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	return qt.fileRefs[path] > 0
}
