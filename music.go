package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Messages
// ===========================

const (
	MsgMusicNotInGuild     = "This command only works in a server."
	MsgMusicNotInVoice     = "Join a voice channel first."
	MsgMusicNothingPlaying = "Nothing is playing."
	MsgMusicQueueEmpty     = "The queue is empty."
	MsgMusicForbidden      = "Only chat admins can use this command."
	MsgMusicMultiChat      = "You already have an active session in another server."
	MsgMusicSessionMoved   = "The session ended before your track was ready."
	MsgMusicQueueFull      = "The queue is full (%d entries max)."
	MsgMusicResolveFailed  = "Could not find anything for that query."
	MsgMusicDownloadFailed = "Could not download that track."
	MsgMusicUnreachable    = "The voice channel is not reachable right now."
	MsgMusicAlreadyPaused  = "Playback is already paused."
	MsgMusicNotPaused      = "Playback is not paused."
	MsgMusicSessionEnded   = "Session ended. Queue cleared."
	MsgMusicSkippedToEnd   = "Skipped. The queue is empty, session ended."
	MsgMusicStatusPrefix   = "♪ "
	ConfigKeyRestrictMulti = "restrict_multi_chat"
)

// ===========================
// Singletons
// ===========================

var (
	MusicPlayer    *Player
	MusicTable     *QueueTable
	MusicReclaimer *Reclaimer
	MusicGuard     *AccessGuard
)

// ===========================
// Registration
// ===========================

func init() {
	OnClientReady(func(ctx context.Context, client bot.Client) {
		maxQueue, restrict := DefaultMaxQueueSize, false
		if GlobalConfig != nil {
			maxQueue = GlobalConfig.MaxQueueSize
			restrict = GlobalConfig.RestrictMultiChat
		}

		MusicTable = NewQueueTable(maxQueue)
		MusicReclaimer = NewReclaimer(MusicTable)
		streamer := GetStreamer(client)
		MusicPlayer = NewPlayer(MusicTable, streamer, MusicReclaimer, restrict)
		MusicGuard = NewAccessGuard(discordRoleLookup(client))

		// The persisted toggle wins over the env default.
		if v, err := GetBotConfig(ctx, ConfigKeyRestrictMulti); err == nil && v != "" {
			if on, perr := strconv.ParseBool(v); perr == nil && on != MusicPlayer.MultiChatRestricted() {
				MusicPlayer.ToggleMultiChat()
			}
		}

		streamer.OnTrackEnd(trackEndHandler(MusicPlayer, streamer.SetVoiceStatus))
		GetResolver()
		RegisterVoiceStateUpdateHandler(onBotVoiceStateUpdate)
	})

	RegisterDaemon(LogReclaim, func(ctx context.Context) (bool, func(), func()) {
		if MusicReclaimer == nil {
			return false, nil, nil
		}
		run, shutdown := MusicReclaimer.Start()
		return true, run, shutdown
	})

	RegisterDaemon(LogVoice, func(ctx context.Context) (bool, func(), func()) {
		if Streamers == nil {
			return false, nil, nil
		}
		return true, func() { <-ctx.Done() }, func() { Streamers.Shutdown(context.Background()) }
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music playback",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Queue a track by URL or search query",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "The URL or song name to play",
						Required:     true,
						Autocomplete: true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "kind",
						Description: "Media kind to download",
						Required:    false,
						Choices: []discord.ApplicationCommandOptionChoiceString{
							{Name: "Audio", Value: "audio"},
							{Name: "Video", Value: "video"},
						},
					},
					discord.ApplicationCommandOptionInt{
						Name:        "quality",
						Description: "Height cap for video downloads (e.g. 720)",
						Required:    false,
						MinValue:    intPtr(144),
						MaxValue:    intPtr(2160),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the current queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause playback (Admin Only)",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume playback (Admin Only)",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "end",
				Description: "End the session and clear the queue (Admin Only)",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stats",
				Description: "Show recent plays in this server",
			},
		},
	}, handleMusic)
	RegisterAutocompleteHandler("music", handleMusicAutocomplete)

	adminPerm := discord.PermissionAdministrator
	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "playerconfig",
		Description:              "Playback configuration (Admin Only)",
		DefaultMemberPermissions: omit.New(&adminPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "multichat",
				Description: "Toggle the one-session-per-user restriction",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "status",
				Description: "Show the current playback configuration",
			},
		},
	}, handlePlayerConfig)
}

// ===========================
// Command Handlers
// ===========================

// handleMusic routes music subcommands to their respective handlers
func handleMusic(event *events.ApplicationCommandInteractionCreate) {
	if MusicPlayer == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Still starting up, try again in a moment.")), true)
		return
	}
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	switch *data.SubCommandName {
	case "play":
		handleMusicPlay(event, data)
	case "skip":
		handleMusicSkip(event)
	case "queue":
		handleMusicQueue(event)
	case "pause":
		handleMusicPause(event)
	case "resume":
		handleMusicResume(event)
	case "end":
		handleMusicEnd(event)
	case "stats":
		handleMusicStats(event)
	}
}

// trackEndHandler advances playback on natural completion and keeps the
// voice-channel status line pointing at whatever the advance landed on.
// The play and skip handlers set the status themselves; without this the
// line would stay blank after every auto-advance.
func trackEndHandler(p *Player, setStatus func(guildID snowflake.ID, status string)) func(guildID snowflake.ID, token uint64) {
	return func(guildID snowflake.ID, token uint64) {
		p.OnTrackEnd(guildID, token)
		if cur := p.Current(guildID); cur != nil {
			setStatus(guildID, MsgMusicStatusPrefix+cur.Title)
		}
	}
}

// handleMusicPlay resolves the query, downloads the track and queues it.
func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	guildID := event.GuildID()
	if guildID == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicNotInGuild)), true)
		return
	}
	vs, ok := event.Client().Caches.VoiceState(*guildID, event.User().ID)
	if !ok || vs.ChannelID == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicNotInVoice)), true)
		return
	}

	query, _ := data.OptString("query")
	kind := MediaAudio
	if k, _ := data.OptString("kind"); k == "video" {
		kind = MediaVideo
	}
	quality, _ := data.OptInt("quality")

	LogPlayer("User %s (%s) requested playback: %s", event.User().Username, event.User().ID, query)
	_ = event.DeferCreateMessage(false)

	// The generation is captured before the slow download so a track fetched
	// for a session that ended meanwhile is rejected and reclaimed.
	gen := MusicPlayer.Generation(*guildID)

	je := make(chan error, 1)
	go func() { je <- Streamers.Attach(AppContext, *guildID, *vs.ChannelID) }()

	entry, err := GetResolver().Fetch(AppContext, query, kind, quality)
	if err != nil {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(playErrorMessage(err))))
		return
	}
	entry.Requester = event.User().Username
	entry.RequesterID = event.User().ID

	if err := <-je; err != nil {
		MusicReclaimer.BackgroundCleanup(entry.Path)
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicUnreachable)))
		return
	}

	pos, started, err := MusicPlayer.Enqueue(AppContext, *guildID, entry, gen)
	if err != nil {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(playErrorMessage(err))))
		return
	}

	safeGo(func() {
		_ = AddPlayRecord(AppContext, *guildID, entry.RequesterID, entry.Title, entry.URL, entry.Kind)
	})

	msg := fmt.Sprintf("Added to queue at position **%d**: **%s**", pos, entry.Title)
	if started {
		msg = "▶️ Now playing: **" + entry.Title + "**"
		Streamers.SetVoiceStatus(*guildID, MsgMusicStatusPrefix+entry.Title)
	}
	_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(msg)))
}

// playErrorMessage maps playback errors to user-facing text.
func playErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrResolutionFailed):
		return MsgMusicResolveFailed
	case errors.Is(err, ErrDownloadFailed):
		return MsgMusicDownloadFailed
	case errors.Is(err, ErrQueueFull):
		max := DefaultMaxQueueSize
		if GlobalConfig != nil {
			max = GlobalConfig.MaxQueueSize
		}
		return fmt.Sprintf(MsgMusicQueueFull, max)
	case errors.Is(err, ErrMultiChatRestricted):
		return MsgMusicMultiChat
	case errors.Is(err, ErrSessionMoved):
		return MsgMusicSessionMoved
	case errors.Is(err, ErrInvalidSession):
		return MsgMusicUnreachable
	}
	return "Failed: " + err.Error()
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(false)
	guildID := event.GuildID()
	if guildID == nil {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicNotInGuild)))
		return
	}

	start := time.Now()
	next, err := MusicPlayer.Skip(AppContext, *guildID)
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicNothingPlaying)))
			return
		}
		LogPlayer("Skip failed after %v in guild %s: %v", time.Since(start), *guildID, err)
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Failed to skip: "+err.Error())))
		return
	}
	if next == nil {
		Streamers.SetVoiceStatus(*guildID, "")
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicSkippedToEnd)))
		return
	}
	LogPlayer("Skip success after %v: %s", time.Since(start), next.Title)
	Streamers.SetVoiceStatus(*guildID, MsgMusicStatusPrefix+next.Title)
	_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("⏭️ Skipped. Now playing: **"+next.Title+"**")))
}

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	guildID := event.GuildID()
	if guildID == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicNotInGuild)), true)
		return
	}

	state := MusicPlayer.State(*guildID)
	current := MusicPlayer.Current(*guildID)
	backlog := MusicTable.Snapshot(*guildID)

	if current == nil && len(backlog) == 0 {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicQueueEmpty)), true)
		return
	}

	var b strings.Builder
	if current != nil {
		marker := "▶️"
		if state == StatePaused {
			marker = "⏸️"
		}
		fmt.Fprintf(&b, "%s **%s** (requested by %s)\n", marker, current.Title, current.Requester)
	}
	for i, e := range backlog {
		fmt.Fprintf(&b, "`%2d.` %s (%s)\n", i+1, Truncate(e.Title, 80), e.Requester)
	}

	container := NewV2Container(
		NewTextDisplay(fmt.Sprintf("**Queue** — %s, %d queued", state, len(backlog))),
		NewSeparator(true),
		NewTextDisplay(b.String()),
	)
	_ = RespondInteractionV2(*event.Client(), event, container, true)
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate) {
	guildID := event.GuildID()
	if guildID == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicNotInGuild)), true)
		return
	}
	if err := MusicPlayer.Pause(AppContext, *guildID, event.User().ID, MusicGuard); err != nil {
		msg := transitionErrorMessage(err, MsgMusicAlreadyPaused, MusicPlayer.State(*guildID) == StatePaused)
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(msg)), true)
		return
	}
	LogPlayer("User %s (%s) paused playback in guild %s", event.User().Username, event.User().ID, *guildID)
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("⏸️ Paused.")), false)
}

func handleMusicResume(event *events.ApplicationCommandInteractionCreate) {
	guildID := event.GuildID()
	if guildID == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicNotInGuild)), true)
		return
	}
	if err := MusicPlayer.Resume(AppContext, *guildID, event.User().ID, MusicGuard); err != nil {
		msg := transitionErrorMessage(err, MsgMusicNotPaused, MusicPlayer.State(*guildID) == StatePlaying)
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(msg)), true)
		return
	}
	LogPlayer("User %s (%s) resumed playback in guild %s", event.User().Username, event.User().ID, *guildID)
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("▶️ Resumed.")), false)
}

func handleMusicEnd(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(false)
	guildID := event.GuildID()
	if guildID == nil {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicNotInGuild)))
		return
	}
	if err := MusicPlayer.End(AppContext, *guildID, event.User().ID, MusicGuard); err != nil {
		msg := transitionErrorMessage(err, MsgMusicNothingPlaying, true)
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(msg)))
		return
	}
	LogPlayer("User %s (%s) ended the session in guild %s", event.User().Username, event.User().ID, *guildID)
	_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicSessionEnded)))
}

// transitionErrorMessage maps transition errors to user-facing text. The
// stateHint message is used for invalid-state errors when hintApplies holds.
func transitionErrorMessage(err error, stateHint string, hintApplies bool) string {
	switch {
	case errors.Is(err, ErrForbidden):
		return MsgMusicForbidden
	case errors.Is(err, ErrInvalidState):
		if hintApplies {
			return stateHint
		}
		return MsgMusicNothingPlaying
	case errors.Is(err, ErrInvalidSession):
		return MsgMusicUnreachable
	}
	return "Failed: " + err.Error()
}

func handleMusicStats(event *events.ApplicationCommandInteractionCreate) {
	guildID := event.GuildID()
	if guildID == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicNotInGuild)), true)
		return
	}

	count, err := GetPlayCount(AppContext, *guildID)
	if err != nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Failed to load stats.")), true)
		return
	}
	records, err := GetRecentPlays(AppContext, *guildID, 5)
	if err != nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Failed to load stats.")), true)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%d** tracks played in this server.\n", count)
	for _, r := range records {
		fmt.Fprintf(&b, "- %s (<t:%d:R>)\n", Truncate(r.Title, 80), r.PlayedAt.Unix())
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(b.String())), true)
}

// ===========================
// Player Config
// ===========================

func handlePlayerConfig(event *events.ApplicationCommandInteractionCreate) {
	if MusicPlayer == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Still starting up, try again in a moment.")), true)
		return
	}
	guildID := event.GuildID()
	if guildID == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicNotInGuild)), true)
		return
	}
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}

	// The command is admin-locked at the Discord level, but role changes can
	// lag; re-check before mutating anything.
	ok, err := MusicGuard.IsAuthorized(AppContext, *guildID, event.User().ID, true)
	if err != nil || !ok {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicForbidden)), true)
		return
	}

	switch *data.SubCommandName {
	case "multichat":
		on := MusicPlayer.ToggleMultiChat()
		if err := SetBotConfig(AppContext, ConfigKeyRestrictMulti, strconv.FormatBool(on)); err != nil {
			LogPlayer("Failed to persist multi-chat toggle: %v", err)
		}
		state := "disabled"
		if on {
			state = "enabled"
		}
		LogPlayer("User %s (%s) %s the multi-chat restriction", event.User().Username, event.User().ID, state)
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Multi-chat restriction is now **"+state+"**.")), false)
	case "status":
		maxQueue, cacheDir := DefaultMaxQueueSize, DefaultCacheDir
		if GlobalConfig != nil {
			maxQueue = GlobalConfig.MaxQueueSize
			cacheDir = GlobalConfig.CacheDir
		}
		restrict := "off"
		if MusicPlayer.MultiChatRestricted() {
			restrict = "on"
		}
		msg := fmt.Sprintf("Max queue size: **%d**\nMulti-chat restriction: **%s**\nTrack cache: `%s`\nUptime: %s",
			maxQueue, restrict, cacheDir, FormatDuration(time.Since(StartupTime)))
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(msg)), true)
	}
}

// ===========================
// Autocomplete
// ===========================

// handleMusicAutocomplete handles autocomplete interactions for music commands.
func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name != "query" {
		return
	}
	q := f.String()
	if q == "" || strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}
	rs, err := GetResolver().Search(q)
	if err != nil {
		_ = event.AutocompleteResult(nil)
		return
	}
	var cs []discord.AutocompleteChoice
	for i, r := range rs {
		if i >= 25 {
			break
		}
		n := r.Title
		if len(n) > 100 {
			n = n[:97] + "..."
		}
		v := r.URL
		if len(v) > 100 {
			v = v[:100]
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: n, Value: v})
	}
	_ = event.AutocompleteResult(cs)
}

// ===========================
// Voice State
// ===========================

// onBotVoiceStateUpdate ends the session when the bot is disconnected from
// its voice channel, so queued files never leak.
func onBotVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	if MusicPlayer == nil || event.VoiceState.UserID != event.Client().ID() {
		return
	}
	if event.VoiceState.ChannelID != nil {
		return
	}
	guildID := event.VoiceState.GuildID
	if MusicPlayer.State(guildID) == StateIdle && MusicPlayer.Current(guildID) == nil {
		return
	}
	LogPlayer("Bot disconnected from voice in guild %s, ending session", guildID)
	if err := MusicPlayer.Abandon(context.Background(), guildID); err != nil && !errors.Is(err, ErrInvalidState) {
		LogPlayer("Teardown after disconnect failed in guild %s: %v", guildID, err)
	}
}
