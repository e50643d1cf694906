package main

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Fakes
// ===========================

type fakeStreamer struct {
	mu       sync.Mutex
	begun    []string
	tokens   []uint64
	beginErr error
	paused   int
	resumed  int
	stopped  int
	released int
}

func (f *fakeStreamer) Begin(_ context.Context, _ snowflake.ID, path string, _ MediaKind, token uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return f.beginErr
	}
	f.begun = append(f.begun, path)
	f.tokens = append(f.tokens, token)
	return nil
}

func (f *fakeStreamer) Pause(snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused++
	return nil
}

func (f *fakeStreamer) Resume(snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
	return nil
}

func (f *fakeStreamer) Stop(snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeStreamer) Release(context.Context, snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func (f *fakeStreamer) beginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.begun)
}

// lastToken returns the token of the most recently begun track.
func (f *fakeStreamer) lastToken() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tokens) == 0 {
		return 0
	}
	return f.tokens[len(f.tokens)-1]
}

type fakeAuth struct {
	allow bool
	err   error
}

func (a fakeAuth) IsAuthorized(context.Context, snowflake.ID, snowflake.ID, bool) (bool, error) {
	return a.allow, a.err
}

var allowAll = fakeAuth{allow: true}

func newTestPlayer(restrict bool) (*Player, *QueueTable, *fakeStreamer) {
	table := NewQueueTable(10)
	streamer := &fakeStreamer{}
	reclaimer := NewReclaimer(table)
	return NewPlayer(table, streamer, reclaimer, restrict), table, streamer
}

func entry(title string, requester snowflake.ID) *QueueEntry {
	return &QueueEntry{Title: title, Path: "/tmp/" + title, Requester: "tester", RequesterID: requester}
}

// ===========================
// Tests
// ===========================

func TestEnqueueStartsPlaybackWhenIdle(t *testing.T) {
	p, _, streamer := newTestPlayer(false)
	guild := snowflake.ID(1)
	ctx := context.Background()

	pos, started, err := p.Enqueue(ctx, guild, entry("a", 100), p.Generation(guild))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if pos != 1 {
		t.Errorf("Expected position 1, got %d", pos)
	}
	if !started {
		t.Error("Expected enqueue into an idle guild to report started")
	}
	if got := p.State(guild); got != StatePlaying {
		t.Errorf("Expected Playing, got %v", got)
	}
	if cur := p.Current(guild); cur == nil || cur.Title != "a" {
		t.Errorf("Expected current track a, got %v", cur)
	}
	if streamer.beginCount() != 1 {
		t.Errorf("Expected 1 begin call, got %d", streamer.beginCount())
	}
}

func TestEnqueueBacklogsWhilePlaying(t *testing.T) {
	p, table, streamer := newTestPlayer(false)
	guild := snowflake.ID(1)
	ctx := context.Background()

	p.Enqueue(ctx, guild, entry("a", 100), p.Generation(guild))
	pos, started, err := p.Enqueue(ctx, guild, entry("b", 100), p.Generation(guild))
	if err != nil {
		t.Fatalf("Second enqueue failed: %v", err)
	}
	if pos != 1 {
		t.Errorf("Expected backlog position 1, got %d", pos)
	}
	if started {
		t.Error("Backlogged entry must not report started")
	}
	if table.Len(guild) != 1 {
		t.Errorf("Expected 1 queued entry, got %d", table.Len(guild))
	}
	if streamer.beginCount() != 1 {
		t.Errorf("Expected playback to start once, got %d begins", streamer.beginCount())
	}
}

func TestPauseResumeTransitions(t *testing.T) {
	p, _, streamer := newTestPlayer(false)
	guild := snowflake.ID(1)
	ctx := context.Background()
	p.Enqueue(ctx, guild, entry("a", 100), p.Generation(guild))

	if err := p.Pause(ctx, guild, 100, allowAll); err != nil {
		t.Fatalf("Pause from Playing failed: %v", err)
	}
	if got := p.State(guild); got != StatePaused {
		t.Errorf("Expected Paused, got %v", got)
	}

	// Pausing twice is an error, not a no-op.
	if err := p.Pause(ctx, guild, 100, allowAll); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for double pause, got %v", err)
	}

	if err := p.Resume(ctx, guild, 100, allowAll); err != nil {
		t.Fatalf("Resume from Paused failed: %v", err)
	}
	if got := p.State(guild); got != StatePlaying {
		t.Errorf("Expected Playing after resume, got %v", got)
	}
	if err := p.Resume(ctx, guild, 100, allowAll); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for double resume, got %v", err)
	}

	if streamer.paused != 1 || streamer.resumed != 1 {
		t.Errorf("Expected one pause and one resume on the transport, got %d/%d", streamer.paused, streamer.resumed)
	}
}

func TestPrivilegedCommandsRequireAdmin(t *testing.T) {
	p, _, _ := newTestPlayer(false)
	guild := snowflake.ID(1)
	ctx := context.Background()
	p.Enqueue(ctx, guild, entry("a", 100), p.Generation(guild))

	cases := []struct {
		name string
		auth Authorizer
	}{
		{"denied", fakeAuth{allow: false}},
		{"lookup error", fakeAuth{allow: true, err: errors.New("api down")}},
		{"nil authorizer", nil},
	}
	for _, tc := range cases {
		if err := p.Pause(ctx, guild, 100, tc.auth); !errors.Is(err, ErrForbidden) {
			t.Errorf("%s: Pause expected ErrForbidden, got %v", tc.name, err)
		}
		if err := p.Resume(ctx, guild, 100, tc.auth); !errors.Is(err, ErrForbidden) {
			t.Errorf("%s: Resume expected ErrForbidden, got %v", tc.name, err)
		}
		if err := p.End(ctx, guild, 100, tc.auth); !errors.Is(err, ErrForbidden) {
			t.Errorf("%s: End expected ErrForbidden, got %v", tc.name, err)
		}
	}

	// The denied attempts must not have changed anything.
	if got := p.State(guild); got != StatePlaying {
		t.Errorf("Expected state untouched after denied commands, got %v", got)
	}
}

func TestSkipAdvancesAndEnds(t *testing.T) {
	p, _, streamer := newTestPlayer(false)
	guild := snowflake.ID(1)
	ctx := context.Background()
	p.Enqueue(ctx, guild, entry("a", 100), p.Generation(guild))
	p.Enqueue(ctx, guild, entry("b", 100), p.Generation(guild))

	next, err := p.Skip(ctx, guild)
	if err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	if next == nil || next.Title != "b" {
		t.Fatalf("Expected skip to advance to b, got %v", next)
	}

	// Skipping the last track ends the session.
	next, err = p.Skip(ctx, guild)
	if err != nil {
		t.Fatalf("Final skip failed: %v", err)
	}
	if next != nil {
		t.Errorf("Expected nil entry when session ends, got %v", next)
	}
	if got := p.State(guild); got != StateIdle {
		t.Errorf("Expected no session after final skip, got %v", got)
	}
	if streamer.released != 1 {
		t.Errorf("Expected transport release on session end, got %d", streamer.released)
	}
}

func TestSkipFromPaused(t *testing.T) {
	p, _, _ := newTestPlayer(false)
	guild := snowflake.ID(1)
	ctx := context.Background()
	p.Enqueue(ctx, guild, entry("a", 100), p.Generation(guild))
	p.Enqueue(ctx, guild, entry("b", 100), p.Generation(guild))
	p.Pause(ctx, guild, 100, allowAll)

	next, err := p.Skip(ctx, guild)
	if err != nil {
		t.Fatalf("Skip from Paused failed: %v", err)
	}
	if next == nil || next.Title != "b" {
		t.Fatalf("Expected skip to advance to b, got %v", next)
	}
	if got := p.State(guild); got != StatePlaying {
		t.Errorf("Expected Playing after skip, got %v", got)
	}
}

func TestSkipWithoutSession(t *testing.T) {
	p, _, _ := newTestPlayer(false)
	if _, err := p.Skip(context.Background(), snowflake.ID(1)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
}

func TestEndClearsEverything(t *testing.T) {
	p, table, streamer := newTestPlayer(false)
	guild := snowflake.ID(1)
	ctx := context.Background()
	p.Enqueue(ctx, guild, entry("a", 100), p.Generation(guild))
	p.Enqueue(ctx, guild, entry("b", 100), p.Generation(guild))
	p.Enqueue(ctx, guild, entry("c", 100), p.Generation(guild))
	before := p.Generation(guild)

	if err := p.End(ctx, guild, 100, allowAll); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if table.Len(guild) != 0 {
		t.Errorf("Expected empty backlog, got %d", table.Len(guild))
	}
	for _, path := range []string{"/tmp/a", "/tmp/b", "/tmp/c"} {
		if table.Referenced(path) {
			t.Errorf("Path %s still referenced after end", path)
		}
	}
	if streamer.released != 1 {
		t.Errorf("Expected 1 release, got %d", streamer.released)
	}
	if p.Generation(guild) != before+1 {
		t.Errorf("Expected generation bump from %d, got %d", before, p.Generation(guild))
	}
	// Commands on the dead session report invalid state.
	if err := p.End(ctx, guild, 100, allowAll); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState on second end, got %v", err)
	}
}

func TestEnqueueRejectsStaleGeneration(t *testing.T) {
	p, table, _ := newTestPlayer(false)
	guild := snowflake.ID(1)
	ctx := context.Background()

	stale := p.Generation(guild)
	p.Enqueue(ctx, guild, entry("a", 100), stale)
	p.End(ctx, guild, 100, allowAll)

	// The slow download finished after the session ended.
	if _, _, err := p.Enqueue(ctx, guild, entry("late", 100), stale); !errors.Is(err, ErrSessionMoved) {
		t.Fatalf("Expected ErrSessionMoved, got %v", err)
	}
	if table.Len(guild) != 0 {
		t.Errorf("Stale entry must not reach the queue, got length %d", table.Len(guild))
	}

	// A fresh generation is accepted and starts a new session.
	if _, _, err := p.Enqueue(ctx, guild, entry("fresh", 100), p.Generation(guild)); err != nil {
		t.Fatalf("Fresh enqueue failed: %v", err)
	}
	if got := p.State(guild); got != StatePlaying {
		t.Errorf("Expected Playing on the new session, got %v", got)
	}
}

func TestMultiChatRestriction(t *testing.T) {
	p, _, _ := newTestPlayer(true)
	a, b := snowflake.ID(1), snowflake.ID(2)
	user, other := snowflake.ID(100), snowflake.ID(200)
	ctx := context.Background()

	if _, _, err := p.Enqueue(ctx, a, entry("a", user), p.Generation(a)); err != nil {
		t.Fatalf("First enqueue failed: %v", err)
	}
	if _, _, err := p.Enqueue(ctx, b, entry("b", user), p.Generation(b)); !errors.Is(err, ErrMultiChatRestricted) {
		t.Fatalf("Expected ErrMultiChatRestricted, got %v", err)
	}
	// Another user is unaffected.
	if _, _, err := p.Enqueue(ctx, b, entry("c", other), p.Generation(b)); err != nil {
		t.Fatalf("Unrelated user blocked: %v", err)
	}
	// The same user may add more in the guild they already occupy.
	if _, _, err := p.Enqueue(ctx, a, entry("d", user), p.Generation(a)); err != nil {
		t.Fatalf("Same-guild enqueue blocked: %v", err)
	}

	// Ending the first session frees the user.
	if err := p.End(ctx, a, user, allowAll); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if _, _, err := p.Enqueue(ctx, b, entry("e", user), p.Generation(b)); err != nil {
		t.Fatalf("Enqueue after end still blocked: %v", err)
	}
}

func TestMultiChatToggle(t *testing.T) {
	p, _, _ := newTestPlayer(true)
	a, b := snowflake.ID(1), snowflake.ID(2)
	user := snowflake.ID(100)
	ctx := context.Background()

	p.Enqueue(ctx, a, entry("a", user), p.Generation(a))

	if on := p.ToggleMultiChat(); on {
		t.Fatal("Expected toggle to turn the restriction off")
	}
	if _, _, err := p.Enqueue(ctx, b, entry("b", user), p.Generation(b)); err != nil {
		t.Fatalf("Enqueue with restriction off failed: %v", err)
	}
}

func TestBeginFailureRestoresQueue(t *testing.T) {
	p, table, streamer := newTestPlayer(false)
	guild := snowflake.ID(1)
	ctx := context.Background()
	streamer.beginErr = errors.New("boom")

	if _, _, err := p.Enqueue(ctx, guild, entry("a", 100), p.Generation(guild)); err == nil {
		t.Fatal("Expected enqueue to surface the begin failure")
	}
	if table.Len(guild) != 1 {
		t.Errorf("Expected entry restored to queue, got length %d", table.Len(guild))
	}
	if got := p.State(guild); got != StateIdle {
		t.Errorf("Expected Idle after failed begin, got %v", got)
	}
	if cur := p.Current(guild); cur != nil {
		t.Errorf("Expected no current track, got %v", cur)
	}

	// An unreachable session passes ErrInvalidSession through unchanged.
	streamer.beginErr = ErrInvalidSession
	if err := p.StartNext(ctx, guild); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("Expected ErrInvalidSession passthrough, got %v", err)
	}
}

func TestOnTrackEndAdvances(t *testing.T) {
	p, _, streamer := newTestPlayer(false)
	guild := snowflake.ID(1)
	ctx := context.Background()
	p.Enqueue(ctx, guild, entry("a", 100), p.Generation(guild))
	p.Enqueue(ctx, guild, entry("b", 100), p.Generation(guild))

	p.OnTrackEnd(guild, streamer.lastToken())
	if cur := p.Current(guild); cur == nil || cur.Title != "b" {
		t.Fatalf("Expected natural advance to b, got %v", cur)
	}
	if streamer.beginCount() != 2 {
		t.Errorf("Expected 2 begin calls, got %d", streamer.beginCount())
	}

	p.OnTrackEnd(guild, streamer.lastToken())
	if got := p.State(guild); got != StateIdle {
		t.Errorf("Expected session gone after last track, got %v", got)
	}
	if streamer.released != 1 {
		t.Errorf("Expected transport release, got %d", streamer.released)
	}

	// A late completion signal for a dead session is ignored.
	p.OnTrackEnd(guild, streamer.lastToken())
}

func TestOnTrackEndIgnoredWhilePaused(t *testing.T) {
	p, _, streamer := newTestPlayer(false)
	guild := snowflake.ID(1)
	ctx := context.Background()
	p.Enqueue(ctx, guild, entry("a", 100), p.Generation(guild))
	p.Pause(ctx, guild, 100, allowAll)

	p.OnTrackEnd(guild, streamer.lastToken())
	if got := p.State(guild); got != StatePaused {
		t.Errorf("Expected Paused to survive a stray completion, got %v", got)
	}
}

func TestStaleCompletionAfterSkipIgnored(t *testing.T) {
	p, table, streamer := newTestPlayer(false)
	guild := snowflake.ID(1)
	ctx := context.Background()
	p.Enqueue(ctx, guild, entry("a", 100), p.Generation(guild))
	p.Enqueue(ctx, guild, entry("b", 100), p.Generation(guild))
	p.Enqueue(ctx, guild, entry("c", 100), p.Generation(guild))
	tokenA := streamer.lastToken()

	// a finishes, but before the completion signal lands a user skips:
	// the skip discards a and starts b. The late signal carries a's token
	// and must not discard b.
	if _, err := p.Skip(ctx, guild); err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	p.OnTrackEnd(guild, tokenA)

	if cur := p.Current(guild); cur == nil || cur.Title != "b" {
		t.Fatalf("Stale completion displaced the current track, got %v", cur)
	}
	if table.Len(guild) != 1 {
		t.Errorf("Expected c still backlogged, got %d entries", table.Len(guild))
	}
	if streamer.beginCount() != 2 {
		t.Errorf("Expected 2 begin calls (a, b), got %d: %v", streamer.beginCount(), streamer.begun)
	}

	// b's own completion still advances normally.
	p.OnTrackEnd(guild, streamer.lastToken())
	if cur := p.Current(guild); cur == nil || cur.Title != "c" {
		t.Fatalf("Expected natural advance to c, got %v", cur)
	}
}

func TestConcurrentEnqueueIntoIdleGuild(t *testing.T) {
	for i := 0; i < 25; i++ {
		p, table, streamer := newTestPlayer(false)
		guild := snowflake.ID(1)
		ctx := context.Background()
		gen := p.Generation(guild)

		start := make(chan struct{})
		errs := make(chan error, 2)
		for _, e := range []*QueueEntry{entry("a", 100), entry("b", 200)} {
			go func(e *QueueEntry) {
				<-start
				_, _, err := p.Enqueue(ctx, guild, e, gen)
				errs <- err
			}(e)
		}
		close(start)
		for j := 0; j < 2; j++ {
			// Both entries queued; losing the race to start playback is
			// not a failure.
			if err := <-errs; err != nil {
				t.Fatalf("Concurrent enqueue failed: %v", err)
			}
		}

		if streamer.beginCount() != 1 {
			t.Fatalf("Expected exactly one begin, got %d", streamer.beginCount())
		}
		if got := p.State(guild); got != StatePlaying {
			t.Fatalf("Expected Playing, got %v", got)
		}
		if table.Len(guild) != 1 {
			t.Fatalf("Expected one backlogged entry, got %d", table.Len(guild))
		}
	}
}

func TestAbandonEndsWithoutAuth(t *testing.T) {
	p, table, streamer := newTestPlayer(false)
	guild := snowflake.ID(1)
	ctx := context.Background()
	p.Enqueue(ctx, guild, entry("a", 100), p.Generation(guild))
	p.Enqueue(ctx, guild, entry("b", 100), p.Generation(guild))

	if err := p.Abandon(ctx, guild); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}
	if table.Len(guild) != 0 {
		t.Errorf("Expected empty backlog after abandon, got %d", table.Len(guild))
	}
	if streamer.released != 1 {
		t.Errorf("Expected transport release, got %d", streamer.released)
	}
}
