package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/time/rate"
)

// ===========================
// Constants & Variables
// ===========================

var (
	// System
	Streamers  *VoiceStreamer
	OnceStream sync.Once

	// Audio
	OpusSilence     = []byte{0xf8, 0xff, 0xfe}
	SilenceDuration = 1 * time.Second
)

func init() {
	astiav.SetLogLevel(astiav.LogLevelFatal)
}

// ===========================
// Voice Streamer
// ===========================

// VoiceStreamer drives the per-guild voice connections. It implements the
// Streamer interface the playback controller depends on; the controller
// never touches disgo directly.
type VoiceStreamer struct {
	mu         sync.Mutex
	client     bot.Client
	streams    map[snowflake.ID]*voiceStream
	onTrackEnd func(guildID snowflake.ID, token uint64)
}

// voiceStream is one guild's live connection plus its playback plumbing.
type voiceStream struct {
	guildID   snowflake.ID
	channelID snowflake.ID
	client    bot.Client
	conn      voice.Conn

	cancelCtx  context.Context
	cancelFunc context.CancelFunc

	queueMu      sync.Mutex
	streamCancel context.CancelFunc
	provider     *opusProvider

	pauseMu   sync.RWMutex
	pauseChan chan struct{}

	statusChan  chan string
	goroutineWg sync.WaitGroup
}

func GetStreamer(client bot.Client) *VoiceStreamer {
	OnceStream.Do(func() {
		Streamers = &VoiceStreamer{
			client:  client,
			streams: make(map[snowflake.ID]*voiceStream),
		}
	})
	return Streamers
}

// OnTrackEnd registers the natural-completion callback. The token passed
// to the callback is the one Begin received for the finished track.
func (vs *VoiceStreamer) OnTrackEnd(fn func(guildID snowflake.ID, token uint64)) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.onTrackEnd = fn
}

func (vs *VoiceStreamer) stream(guildID snowflake.ID) *voiceStream {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.streams[guildID]
}

// Attach connects the bot to the requester's voice channel. Reuses a live
// connection when the channel matches; a channel change moves the bot.
func (vs *VoiceStreamer) Attach(ctx context.Context, guildID, channelID snowflake.ID) error {
	vs.mu.Lock()
	if s, ok := vs.streams[guildID]; ok {
		if s.cancelCtx.Err() == nil && s.channelID == channelID {
			vs.mu.Unlock()
			return nil
		}
		delete(vs.streams, guildID)
		vs.mu.Unlock()
		s.teardown(ctx)
		vs.mu.Lock()
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &voiceStream{
		guildID:    guildID,
		channelID:  channelID,
		client:     vs.client,
		conn:       vs.client.VoiceManager.CreateConn(guildID),
		cancelCtx:  sctx,
		cancelFunc: cancel,
		pauseChan:  make(chan struct{}),
		statusChan: make(chan string, 10),
	}
	close(s.pauseChan)
	vs.streams[guildID] = s
	vs.mu.Unlock()

	LogVoice("Joining channel %s in guild %s", channelID, guildID)

	var lastErr error
	for i := range 5 {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 1000 * time.Millisecond
			LogVoice("Retrying voice connection in %v (Attempt %d/5)", backoff, i+1)
			time.Sleep(backoff)
		}
		if err := s.conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		LogVoice("Failed to connect to voice in guild %s after 5 attempts: %v", guildID, lastErr)
		s.conn.Close(ctx)
		vs.mu.Lock()
		delete(vs.streams, guildID)
		vs.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %v", ErrInvalidSession, lastErr)
	}

	s.goroutineWg.Add(1)
	go func() {
		defer s.goroutineWg.Done()
		s.statusManager(vs.client)
	}()
	return nil
}

// Begin starts transcoding the file at path and feeding opus frames into
// the guild's connection. Natural completion fires the registered
// track-end callback with the given token.
func (vs *VoiceStreamer) Begin(ctx context.Context, guildID snowflake.ID, path string, kind MediaKind, token uint64) error {
	s := vs.stream(guildID)
	if s == nil || s.cancelCtx.Err() != nil {
		return ErrInvalidSession
	}

	s.queueMu.Lock()
	if s.streamCancel != nil {
		s.streamCancel()
	}
	p := newOpusProvider(s)
	s.provider = p
	sctx, cancel := context.WithCancel(s.cancelCtx)
	s.streamCancel = cancel
	p.ctx = sctx
	s.queueMu.Unlock()

	s.resume()

	safeGo(func() {
		defer p.PushFrame(nil)
		t := NewAstiavTranscoder()
		defer t.Close()
		if err := t.OpenInput(path); err != nil {
			LogVoice("Transcoder OpenInput failed: %v", err)
			return
		}
		if err := t.SetupDecoder(); err != nil {
			LogVoice("Transcoder SetupDecoder failed: %v", err)
			return
		}
		if err := t.SetupEncoder(); err != nil {
			LogVoice("Transcoder SetupEncoder failed: %v", err)
			return
		}
		if err := t.Transcode(sctx, p.PushFrame); err != nil {
			LogVoice("Transcoder finished for: %s (Err: %v)", path, err)
		}
	})

	s.setOpusFrameProviderSafe(p)
	s.setSpeakingSafe(voice.SpeakingFlagMicrophone)

	done := p.done
	safeGo(func() {
		select {
		case <-done:
			LogVoice("Playback finished: %s", path)
			s.queueMu.Lock()
			active := s.provider == p
			if active {
				if s.streamCancel != nil {
					s.streamCancel()
					s.streamCancel = nil
				}
				s.provider = nil
			}
			s.queueMu.Unlock()
			if !active {
				// A newer track owns the connection; this completion is
				// stale and must not advance anything.
				return
			}
			s.setVoiceStatus("")
			s.setOpusFrameProviderSafe(nil)
			s.setSpeakingSafe(0)
			vs.mu.Lock()
			cb := vs.onTrackEnd
			vs.mu.Unlock()
			if cb != nil {
				cb(guildID, token)
			}
		case <-sctx.Done():
			LogVoice("Playback stopped: %s", path)
		case <-s.cancelCtx.Done():
			LogVoice("Session canceled for: %s", path)
			cancel()
		}
	})
	return nil
}

// Pause gates the frame provider; the connection keeps sending silence.
func (vs *VoiceStreamer) Pause(guildID snowflake.ID) error {
	s := vs.stream(guildID)
	if s == nil || s.cancelCtx.Err() != nil {
		return ErrInvalidSession
	}
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	select {
	case <-s.pauseChan:
		s.pauseChan = make(chan struct{})
	default:
		// Already paused.
	}
	return nil
}

func (vs *VoiceStreamer) Resume(guildID snowflake.ID) error {
	s := vs.stream(guildID)
	if s == nil || s.cancelCtx.Err() != nil {
		return ErrInvalidSession
	}
	s.resume()
	return nil
}

func (s *voiceStream) resume() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	select {
	case <-s.pauseChan:
	default:
		close(s.pauseChan)
	}
}

// Stop cancels the in-flight transcode and silences the connection. The
// connection itself stays attached for the next track.
func (vs *VoiceStreamer) Stop(guildID snowflake.ID) error {
	s := vs.stream(guildID)
	if s == nil || s.cancelCtx.Err() != nil {
		return ErrInvalidSession
	}
	s.queueMu.Lock()
	if s.streamCancel != nil {
		s.streamCancel()
		s.streamCancel = nil
	}
	s.provider = nil
	s.queueMu.Unlock()

	s.resume()
	s.setOpusFrameProviderSafe(nil)
	s.setSpeakingSafe(0)
	return nil
}

// Release tears down the guild's connection and clears the channel status.
func (vs *VoiceStreamer) Release(ctx context.Context, guildID snowflake.ID) error {
	vs.mu.Lock()
	s, ok := vs.streams[guildID]
	if !ok {
		vs.mu.Unlock()
		return ErrInvalidSession
	}
	delete(vs.streams, guildID)
	vs.mu.Unlock()

	s.teardown(ctx)
	return nil
}

func (s *voiceStream) teardown(ctx context.Context) {
	s.queueMu.Lock()
	if s.streamCancel != nil {
		s.streamCancel()
		s.streamCancel = nil
	}
	s.provider = nil
	s.queueMu.Unlock()

	// Clear the channel status line before disconnecting.
	route := rest.NewEndpoint(http.MethodPut, "/channels/"+s.channelID.String()+"/voice-status")
	_ = s.client.Rest.Do(route.Compile(nil), map[string]string{"status": ""}, nil)

	s.setOpusFrameProviderSafe(nil)
	s.setSpeakingSafe(0)
	s.cancelFunc()
	if s.conn != nil {
		s.conn.Close(ctx)
	}
	s.goroutineWg.Wait()
}

// Shutdown releases every live connection.
func (vs *VoiceStreamer) Shutdown(ctx context.Context) {
	vs.mu.Lock()
	streams := make([]*voiceStream, 0, len(vs.streams))
	for id, s := range vs.streams {
		streams = append(streams, s)
		delete(vs.streams, id)
	}
	vs.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func(s *voiceStream) {
			defer wg.Done()
			s.teardown(ctx)
		}(s)
	}
	wg.Wait()
}

// ===========================
// Voice Channel Status
// ===========================

// SetVoiceStatus queues a status-line update for the guild's channel.
func (vs *VoiceStreamer) SetVoiceStatus(guildID snowflake.ID, status string) {
	s := vs.stream(guildID)
	if s == nil {
		return
	}
	s.setVoiceStatus(status)
}

func (s *voiceStream) setVoiceStatus(status string) {
	select {
	case s.statusChan <- status:
	default:
	}
}

// statusManager coalesces status updates and rate-limits the API writes,
// so rapid queue churn never hammers the endpoint.
func (s *voiceStream) statusManager(client bot.Client) {
	defer func() {
		if r := recover(); r != nil {
			LogVoice("CRITICAL: statusManager panic recovered: %v", r)
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(1), 3)
	var cur string
	for {
		select {
		case <-s.cancelCtx.Done():
			return
		case n := <-s.statusChan:
		drain:
			for {
				select {
				case m := <-s.statusChan:
					n = m
				default:
					break drain
				}
			}

			if n == cur {
				continue
			}

			target := n
			if len([]rune(target)) > 128 {
				target = TruncateCenter(target, 128)
			}

			if err := limiter.Wait(s.cancelCtx); err != nil {
				return
			}

			route := rest.NewEndpoint(http.MethodPut, "/channels/"+s.channelID.String()+"/voice-status")
			if err := client.Rest.Do(route.Compile(nil), map[string]string{"status": target}, nil); err != nil {
				LogVoice("Failed to update status for %s: %v", s.channelID, err)
			}
			cur = target
		}
	}
}

// ===========================
// Safe Connection Calls
// ===========================

// setOpusFrameProviderSafe sets the opus frame provider safely, recovering from any potential panics
func (s *voiceStream) setOpusFrameProviderSafe(provider voice.OpusFrameProvider) {
	if s.conn == nil || (reflect.ValueOf(s.conn).Kind() == reflect.Ptr && reflect.ValueOf(s.conn).IsNil()) {
		return
	}

	for i := range 3 {
		if s.trySetOpusFrameProvider(provider) {
			return
		}
		if i < 2 {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-s.cancelCtx.Done():
				return
			}
		}
		if s.cancelCtx.Err() != nil {
			return
		}
	}
	LogVoice("Exhausted retries for SetOpusFrameProvider in guild %s", s.guildID)
}

func (s *voiceStream) trySetOpusFrameProvider(provider voice.OpusFrameProvider) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	s.conn.SetOpusFrameProvider(provider)
	return true
}

// setSpeakingSafe sets the speaking state safely
func (s *voiceStream) setSpeakingSafe(flags voice.SpeakingFlags) {
	if s.conn == nil || (reflect.ValueOf(s.conn).Kind() == reflect.Ptr && reflect.ValueOf(s.conn).IsNil()) {
		return
	}

	for i := 0; i < 3; i++ {
		if s.trySetSpeaking(flags) {
			return
		}
		if i < 2 {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-s.cancelCtx.Done():
				return
			}
		}
		if s.cancelCtx.Err() != nil {
			return
		}
	}
	LogVoice("Exhausted retries for SetSpeaking in guild %s", s.guildID)
}

func (s *voiceStream) trySetSpeaking(flags voice.SpeakingFlags) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	s.conn.SetSpeaking(s.cancelCtx, flags)
	return true
}

// ===========================
// Opus Provider
// ===========================

// opusProvider hands transcoded frames to the voice connection, with a
// short silence tail after the last real frame so clients flush cleanly.
type opusProvider struct {
	frames        chan []byte
	done          chan struct{}
	once          sync.Once
	sess          *voiceStream
	ctx           context.Context
	draining      bool
	silenceFrames int
}

func newOpusProvider(s *voiceStream) *opusProvider {
	return &opusProvider{
		frames: make(chan []byte, 100),
		done:   make(chan struct{}),
		sess:   s,
	}
}

func (p *opusProvider) Close() {
	p.once.Do(func() {
		close(p.done)
	})
}

func (p *opusProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.sess.cancelCtx.Done():
	case <-p.ctx.Done():
	}
}

func (p *opusProvider) ProvideOpusFrame() ([]byte, error) {
	p.sess.pauseMu.RLock()
	pauseChan := p.sess.pauseChan
	p.sess.pauseMu.RUnlock()

	select {
	case <-pauseChan:
	case <-p.sess.cancelCtx.Done():
		return nil, io.EOF
	case <-p.ctx.Done():
		return nil, io.EOF
	}

	if p.draining {
		target := int(SilenceDuration.Milliseconds() / 20)
		if p.silenceFrames < target {
			p.silenceFrames++
			return OpusSilence, nil
		}
		p.Close()
		return nil, io.EOF
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.draining = true
			return OpusSilence, nil
		}
		return f, nil
	case <-p.sess.cancelCtx.Done():
		return nil, io.EOF
	case <-p.ctx.Done():
		return nil, io.EOF
	case <-time.After(500 * time.Millisecond):
		return OpusSilence, nil
	}
}
