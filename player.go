package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Errors
// ===========================

var (
	ErrInvalidState        = errors.New("invalid playback state for this command")
	ErrForbidden           = errors.New("only chat admins can use this command")
	ErrMultiChatRestricted = errors.New("requester already has an active session in another chat")
	ErrInvalidSession      = errors.New("session is not reachable")
	ErrSessionMoved        = errors.New("session moved on before the track was ready")
)

// ===========================
// Playback State
// ===========================

type PlaybackState int

const (
	StateIdle PlaybackState = iota
	StatePlaying
	StatePaused
	StateEnded
)

func (s PlaybackState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePlaying:
		return "Playing"
	case StatePaused:
		return "Paused"
	case StateEnded:
		return "Ended"
	}
	return "Unknown"
}

// ===========================
// Collaborator Interfaces
// ===========================

// Streamer is the voice transport driven by playback transitions. Every
// call may fail with ErrInvalidSession when the guild is unreachable.
// Begin receives a token identifying the track; the transport echoes it
// back through the track-end callback on natural completion.
type Streamer interface {
	Begin(ctx context.Context, guildID snowflake.ID, path string, kind MediaKind, token uint64) error
	Pause(guildID snowflake.ID) error
	Resume(guildID snowflake.ID) error
	Stop(guildID snowflake.ID) error
	Release(ctx context.Context, guildID snowflake.ID) error
}

// ===========================
// Player
// ===========================

// playerSession is the per-guild playback state machine. Its mutex
// serializes transitions, so two commands for the same guild never
// interleave while independent guilds run fully in parallel.
type playerSession struct {
	guildID snowflake.ID
	mu      sync.Mutex
	state   PlaybackState
	current *QueueEntry
	// playToken identifies the track handed to the streamer. The completion
	// callback echoes it back, so a signal for a superseded track is
	// distinguishable from the track now playing.
	playToken uint64
}

// Player coordinates playback across all guilds: it owns the process-wide
// session table, advances the per-guild state machines, and hands finished
// files to the reclaimer. The table mutex is narrow and is never held
// across a streamer call.
type Player struct {
	mu          sync.Mutex
	sessions    map[snowflake.ID]*playerSession
	generations map[snowflake.ID]uint64
	// userEntries counts live entries (queued + playing) per requester and
	// guild, for the multi-chat restriction.
	userEntries map[snowflake.ID]map[snowflake.ID]int

	table         *QueueTable
	streamer      Streamer
	reclaimer     *Reclaimer
	restrictMulti atomic.Bool
}

func NewPlayer(table *QueueTable, streamer Streamer, reclaimer *Reclaimer, restrictMulti bool) *Player {
	p := &Player{
		sessions:    make(map[snowflake.ID]*playerSession),
		generations: make(map[snowflake.ID]uint64),
		userEntries: make(map[snowflake.ID]map[snowflake.ID]int),
		table:       table,
		streamer:    streamer,
		reclaimer:   reclaimer,
	}
	p.restrictMulti.Store(restrictMulti)
	return p
}

func (p *Player) session(guildID snowflake.ID) *playerSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[guildID]
}

// State reports the current playback state; guilds without a session are
// Idle for display purposes.
func (p *Player) State(guildID snowflake.ID) PlaybackState {
	s := p.session(guildID)
	if s == nil {
		return StateIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns a copy of the entry now playing, if any.
func (p *Player) Current(guildID snowflake.ID) *QueueEntry {
	s := p.session(guildID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	c := *s.current
	return &c
}

// Generation returns the guild's session generation. Commands capture it
// before a slow download; Enqueue rejects stale generations so a track
// fetched for an ended session reclaims its file instead of resurrecting
// playback.
func (p *Player) Generation(guildID snowflake.ID) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generations[guildID]
}

// ===========================
// Enqueue
// ===========================

// Enqueue adds a resolved, downloaded entry to the guild's backlog and
// starts playback when the guild was idle. Returns the 1-based queue
// position of the entry and whether playback started with this entry.
func (p *Player) Enqueue(ctx context.Context, guildID snowflake.ID, e *QueueEntry, gen uint64) (int, bool, error) {
	p.mu.Lock()
	if p.generations[guildID] != gen {
		p.mu.Unlock()
		p.reclaimer.BackgroundCleanup(e.Path)
		return 0, false, ErrSessionMoved
	}
	if p.restrictMulti.Load() && e.RequesterID != 0 {
		for other, n := range p.userEntries[e.RequesterID] {
			if other != guildID && n > 0 {
				p.mu.Unlock()
				p.reclaimer.BackgroundCleanup(e.Path)
				return 0, false, ErrMultiChatRestricted
			}
		}
	}

	pos, err := p.table.Add(guildID, e)
	if err != nil {
		p.mu.Unlock()
		p.reclaimer.BackgroundCleanup(e.Path)
		return 0, false, err
	}
	p.trackRequesterLocked(guildID, e, +1)

	sess, fresh := p.sessions[guildID], false
	if sess == nil {
		sess = &playerSession{guildID: guildID, state: StateIdle}
		p.sessions[guildID] = sess
		fresh = true
	}
	p.mu.Unlock()

	if fresh || p.State(guildID) == StateIdle {
		// ErrInvalidState here means a concurrent enqueue observed the same
		// idle state and started playback first; the entry is queued either
		// way, so that is not a failure.
		if err := p.StartNext(ctx, guildID); err != nil && !errors.Is(err, ErrInvalidState) {
			return pos, false, err
		}
	}
	return pos, p.currentIs(guildID, e), nil
}

// currentIs reports whether e is the entry now playing. Pointer identity,
// so a duplicate request for the same cached file never matches.
func (p *Player) currentIs(guildID snowflake.ID, e *QueueEntry) bool {
	s := p.session(guildID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == e
}

// trackRequesterLocked adjusts the requester's live entry count for one
// guild. Caller holds p.mu.
func (p *Player) trackRequesterLocked(guildID snowflake.ID, e *QueueEntry, delta int) {
	if e == nil || e.RequesterID == 0 {
		return
	}
	m := p.userEntries[e.RequesterID]
	if m == nil {
		if delta < 0 {
			return
		}
		m = make(map[snowflake.ID]int)
		p.userEntries[e.RequesterID] = m
	}
	m[guildID] += delta
	if m[guildID] <= 0 {
		delete(m, guildID)
		if len(m) == 0 {
			delete(p.userEntries, e.RequesterID)
		}
	}
}

// ===========================
// Transitions
// ===========================

// StartNext pops the head entry and begins output. Valid from Idle (or as
// the tail of a natural completion); an empty backlog ends the session.
// A streamer failure restores the popped entry, so queue state is never
// left half-mutated.
func (p *Player) StartNext(ctx context.Context, guildID snowflake.ID) error {
	sess := p.session(guildID)
	if sess == nil {
		return ErrInvalidState
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StateIdle {
		return ErrInvalidState
	}
	return p.startNextLocked(ctx, sess)
}

// startNextLocked advances playback with sess.mu held and state Idle.
func (p *Player) startNextLocked(ctx context.Context, sess *playerSession) error {
	e, err := p.table.Pop(sess.guildID)
	if err != nil {
		// Nothing left: the session ends naturally.
		p.endSessionLocked(ctx, sess)
		return nil
	}

	sess.playToken++
	if err := p.streamer.Begin(ctx, sess.guildID, e.Path, e.Kind, sess.playToken); err != nil {
		p.table.requeueFront(sess.guildID, e)
		if errors.Is(err, ErrInvalidSession) {
			return err
		}
		return fmt.Errorf("begin playback: %w", err)
	}

	sess.current = e
	sess.state = StatePlaying
	LogPlayer("Now playing in guild %s: %s (by %s)", sess.guildID, e.Title, e.Requester)
	return nil
}

// Skip discards the current track and starts the next one. Valid from
// Playing or Paused; an empty backlog ends the session. Returns the entry
// that playback advanced to, or nil when the session ended.
func (p *Player) Skip(ctx context.Context, guildID snowflake.ID) (*QueueEntry, error) {
	sess := p.session(guildID)
	if sess == nil {
		return nil, ErrInvalidState
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StatePlaying && sess.state != StatePaused {
		return nil, ErrInvalidState
	}

	if err := p.streamer.Stop(guildID); err != nil && !errors.Is(err, ErrInvalidSession) {
		LogPlayer("Stop before skip failed in guild %s: %v", guildID, err)
	}
	p.discardCurrentLocked(sess)
	sess.state = StateIdle

	if err := p.startNextLocked(ctx, sess); err != nil {
		return nil, err
	}
	if sess.state == StateEnded {
		return nil, nil
	}
	c := *sess.current
	return &c, nil
}

// Pause suspends output. Admin-gated; valid only from Playing — pausing
// twice is an error, so callers can tell a no-op from a real change.
func (p *Player) Pause(ctx context.Context, guildID, requesterID snowflake.ID, auth Authorizer) error {
	if err := p.authorize(ctx, guildID, requesterID, auth); err != nil {
		return err
	}
	sess := p.session(guildID)
	if sess == nil {
		return ErrInvalidState
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StatePlaying {
		return ErrInvalidState
	}
	if err := p.streamer.Pause(guildID); err != nil {
		return err
	}
	sess.state = StatePaused
	return nil
}

// Resume restarts suspended output. Admin-gated; valid only from Paused.
func (p *Player) Resume(ctx context.Context, guildID, requesterID snowflake.ID, auth Authorizer) error {
	if err := p.authorize(ctx, guildID, requesterID, auth); err != nil {
		return err
	}
	sess := p.session(guildID)
	if sess == nil {
		return ErrInvalidState
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StatePaused {
		return ErrInvalidState
	}
	if err := p.streamer.Resume(guildID); err != nil {
		return err
	}
	sess.state = StatePlaying
	return nil
}

// End stops output, clears the backlog, reclaims every orphaned file and
// removes the session from the table. Admin-gated; valid from any
// non-Ended state.
func (p *Player) End(ctx context.Context, guildID, requesterID snowflake.ID, auth Authorizer) error {
	if err := p.authorize(ctx, guildID, requesterID, auth); err != nil {
		return err
	}
	return p.endNow(ctx, guildID)
}

// Abandon ends the session without authorization. Used for transport-driven
// teardown, like the bot being disconnected from the voice channel.
func (p *Player) Abandon(ctx context.Context, guildID snowflake.ID) error {
	return p.endNow(ctx, guildID)
}

func (p *Player) endNow(ctx context.Context, guildID snowflake.ID) error {
	sess := p.session(guildID)
	if sess == nil {
		return ErrInvalidState
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == StateEnded {
		return ErrInvalidState
	}

	if err := p.streamer.Stop(guildID); err != nil && !errors.Is(err, ErrInvalidSession) {
		LogPlayer("Stop before end failed in guild %s: %v", guildID, err)
	}
	p.discardCurrentLocked(sess)
	p.endSessionLocked(ctx, sess)
	return nil
}

// OnTrackEnd advances playback when the transport reports natural
// completion of the track identified by token. Races with a concurrent
// skip or end resolve through the session lock plus the token: a signal
// for a track that is no longer current is ignored, so a completion that
// loses the race to a skip cannot discard the track the skip just
// started.
func (p *Player) OnTrackEnd(guildID snowflake.ID, token uint64) {
	sess := p.session(guildID)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StatePlaying || token != sess.playToken {
		return
	}

	p.discardCurrentLocked(sess)
	sess.state = StateIdle
	if err := p.startNextLocked(context.Background(), sess); err != nil {
		LogPlayer("Auto-advance failed in guild %s: %v", guildID, err)
	}
}

// ===========================
// Internals
// ===========================

func (p *Player) authorize(ctx context.Context, guildID, requesterID snowflake.ID, auth Authorizer) error {
	if auth == nil {
		return ErrForbidden
	}
	ok, err := auth.IsAuthorized(ctx, guildID, requesterID, true)
	if err != nil {
		LogPlayer("Admin lookup failed for user %s in guild %s: %v", requesterID, guildID, err)
		return ErrForbidden
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// discardCurrentLocked releases the current entry's file reference and
// schedules reclamation. Caller holds sess.mu.
func (p *Player) discardCurrentLocked(sess *playerSession) {
	e := sess.current
	if e == nil {
		return
	}
	sess.current = nil

	p.mu.Lock()
	p.trackRequesterLocked(sess.guildID, e, -1)
	p.mu.Unlock()

	if p.table.Release(e.Path) {
		p.reclaimer.BackgroundCleanup(e.Path)
	}
}

// endSessionLocked finalizes the session: clears the backlog, reclaims
// orphans, bumps the generation and drops the session from the table.
// Caller holds sess.mu.
func (p *Player) endSessionLocked(ctx context.Context, sess *playerSession) {
	removed, orphans := p.table.Clear(sess.guildID)

	p.mu.Lock()
	for _, e := range removed {
		p.trackRequesterLocked(sess.guildID, e, -1)
	}
	p.generations[sess.guildID]++
	delete(p.sessions, sess.guildID)
	p.mu.Unlock()

	for _, path := range orphans {
		p.reclaimer.BackgroundCleanup(path)
	}

	sess.state = StateEnded
	if err := p.streamer.Release(ctx, sess.guildID); err != nil && !errors.Is(err, ErrInvalidSession) {
		LogPlayer("Release failed in guild %s: %v", sess.guildID, err)
	}
	LogPlayer("Session ended in guild %s (%d queued entries dropped)", sess.guildID, len(removed))
}

// ===========================
// Multi-Chat Restriction
// ===========================

// MultiChatRestricted reports whether the restriction toggle is on.
func (p *Player) MultiChatRestricted() bool {
	return p.restrictMulti.Load()
}

// ToggleMultiChat flips the restriction and returns the new value.
func (p *Player) ToggleMultiChat() bool {
	for {
		old := p.restrictMulti.Load()
		if p.restrictMulti.CompareAndSwap(old, !old) {
			return !old
		}
	}
}
