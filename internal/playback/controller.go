// Package playback manages one playback lifecycle: resolving a DRM stream,
// keeping the server-side playhead in step with the local player, handling
// skip segments and releasing the active-stream slot on teardown.
package playback

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/streamhaus/crunchyd/internal/api"
)

const (
	// Positions below this are not persisted as resume points.
	minResumeSeconds = 10

	// Spacing of periodic playhead updates during uninterrupted playback.
	periodicEmitSpacing = 10

	// A position jump at least this large between ticks counts as a seek.
	seekJumpThreshold = 3

	// After a seek-triggered emit, periodic seek detection stays quiet this
	// long so the same jump is not reported twice.
	seekEmitCooldown = time.Second

	// Upper bound on how long a skip prompt stays open.
	skipPromptMax = 10 * time.Second

	// Playhead posts must never stall the player loop.
	emitTimeout = 15 * time.Second
)

// SessionAPI is the slice of the session manager the controller needs.
type SessionAPI interface {
	AuthorizedRequest(ctx context.Context, req api.Request, out any) error
	AccountID() string
	// AccessToken and DeviceUserAgent feed the license descriptor handed
	// to the frontend; the license proxy wants the raw bearer token.
	AccessToken() string
	DeviceUserAgent() string
}

// HostPlayer is the local media player as the controller observes it.
// Implementations report truthfully even when event callbacks were missed;
// the controller reconciles from polled state.
type HostPlayer interface {
	// Playing reports whether a playback session is active. Paused counts
	// as playing.
	Playing() bool
	Paused() bool
	// Position returns the current position in seconds.
	Position() (float64, error)
	// Duration returns the total duration in seconds, 0 when unknown.
	Duration() float64
	SeekTo(seconds float64) error
}

// Prompter asks the user whether to skip a segment. ConfirmSkip may block up
// to timeout; the controller calls it off the tick goroutine.
type Prompter interface {
	ConfirmSkip(ctx context.Context, kind string, timeout time.Duration) bool
}

// EventKind is a player event reported by the host.
type EventKind int

const (
	EventStarted EventKind = iota
	EventPaused
	EventResumed
	EventSeek
	EventStopped
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventSeek:
		return "seek"
	case EventStopped:
		return "stopped"
	case EventEnded:
		return "ended"
	default:
		return fmt.Sprintf("event %d", int(k))
	}
}

// Options tune controller behavior, typically from stored settings.
type Options struct {
	// SyncPlayhead gates all position reporting.
	SyncPlayhead bool
	// AskBeforeSkipping shows a bounded prompt instead of jumping
	// immediately when a skip window is entered.
	AskBeforeSkipping bool
}

// Controller owns one playback session. All bookkeeping sits behind a single
// mutex; emits are dispatched sequentially under it so position reports are
// never reordered.
type Controller struct {
	session  SessionAPI
	client   *api.Client
	player   HostPlayer
	prompt   Prompter
	clock    clockwork.Clock
	deviceID string
	opts     Options
	eps      playbackEndpoints

	// Prompt goroutines are bound to this context, not to the tick that
	// opened them; Teardown cancels it so pending prompts dismiss.
	promptCtx    context.Context
	promptCancel context.CancelFunc

	mu           sync.Mutex
	episodeID    string
	stream       *Stream
	skipEvents   map[string]SkipWindow
	lastReported int
	lastKnown    int
	wasPlaying   bool
	paused       bool
	startSent    bool
	lastSeekEmit time.Time
	torn         bool
}

// NewController builds a Controller. client is used for unauthenticated
// static fetches; prompt may be nil when AskBeforeSkipping is off.
func NewController(session SessionAPI, client *api.Client, player HostPlayer, prompt Prompter, deviceID string, opts Options) *Controller {
	c := &Controller{
		session:  session,
		client:   client,
		player:   player,
		prompt:   prompt,
		clock:    clockwork.NewRealClock(),
		deviceID: deviceID,
		opts:     opts,
		eps:      defaultPlaybackEndpoints(),
	}
	c.promptCtx, c.promptCancel = context.WithCancel(context.Background())
	return c
}

// Start resolves a stream for the episode and arms the tracking state. Slots
// left over from orphaned sessions are released first, best effort. A
// TooManyActiveStreams rejection is returned as is so the caller can clear
// its queue instead of retrying.
func (c *Controller) Start(ctx context.Context, episodeID string) (*Stream, error) {
	c.releaseAllSlots(ctx, episodeID)

	stream, err := c.resolveStream(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	stream.License = c.licenseConfig(episodeID, stream.Token)
	stream.Resume = c.fetchResume(ctx, episodeID)
	skipEvents := c.fetchSkipEvents(ctx, episodeID)

	c.mu.Lock()
	c.episodeID = episodeID
	c.stream = stream
	c.skipEvents = skipEvents
	c.lastReported = 0
	c.lastKnown = 0
	c.wasPlaying = false
	c.paused = false
	c.startSent = false
	c.lastSeekEmit = time.Time{}
	c.torn = false
	c.mu.Unlock()

	log.Info().Str("episode_id", episodeID).Int("skip_events", len(skipEvents)).Int("resume", stream.Resume).Msg("playback session started")
	return stream, nil
}

// OnEvent handles an explicit player event. position < 0 means the host did
// not report one and the controller polls the player instead.
func (c *Controller) OnEvent(ctx context.Context, kind EventKind, position float64) {
	switch kind {
	case EventStarted:
		c.mu.Lock()
		pos := c.positionOrLastKnown(position)
		c.startSent = true
		c.emitLocked(ctx, "started", pos, true)
		c.mu.Unlock()
	case EventPaused:
		c.mu.Lock()
		c.paused = true
		c.emitLocked(ctx, "paused", c.positionOrLastKnown(position), true)
		c.mu.Unlock()
	case EventResumed:
		c.mu.Lock()
		c.paused = false
		c.lastKnown = c.clampLocked(c.positionOrLastKnown(position))
		c.mu.Unlock()
	case EventSeek:
		c.mu.Lock()
		// Host players sometimes report milliseconds here.
		if position > 12*3600 {
			position = math.Round(position / 1000)
		}
		c.emitLocked(ctx, "seek", c.positionOrLastKnown(position), true)
		c.lastSeekEmit = c.clock.Now()
		c.mu.Unlock()
	case EventStopped, EventEnded:
		c.Teardown(ctx)
	}
}

// positionOrLastKnown resolves the effective position for an event. Caller
// holds c.mu.
func (c *Controller) positionOrLastKnown(position float64) int {
	if position >= 0 {
		return int(position)
	}
	if pos, err := c.player.Position(); err == nil {
		return int(pos)
	}
	return c.lastKnown
}

// Tick evaluates periodic state: pause transitions, seek detection, periodic
// emits and skip windows. The host calls it on its own cadence; it never
// blocks beyond one bounded network call.
func (c *Controller) Tick(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn || c.episodeID == "" {
		return
	}

	if !c.player.Playing() {
		// Playback went away without a stop event. Flush the last good
		// position once.
		if c.wasPlaying && c.lastKnown >= minResumeSeconds {
			c.emitLocked(ctx, "playback gone", c.lastKnown, true)
			c.wasPlaying = false
		}
		return
	}

	pos, err := c.player.Position()
	if err != nil {
		return
	}
	current := int(pos)

	if c.player.Paused() {
		if !c.paused {
			c.paused = true
			if current >= minResumeSeconds {
				c.emitLocked(ctx, "pause detected", current, true)
			}
		}
		return
	}
	if c.paused {
		c.paused = false
	}

	c.checkSkipsLocked(pos)

	if !c.startSent {
		c.startSent = true
		c.emitLocked(ctx, "playback started", current, true)
		return
	}

	if c.clock.Now().Sub(c.lastSeekEmit) >= seekEmitCooldown &&
		int(math.Abs(float64(current-c.lastKnown))) >= seekJumpThreshold {
		c.emitLocked(ctx, "seek detected", current, true)
		c.lastSeekEmit = c.clock.Now()
		return
	}

	if current-c.lastReported >= periodicEmitSpacing {
		c.emitLocked(ctx, "periodic", current, false)
		return
	}

	c.lastKnown = c.clampLocked(current)
	c.wasPlaying = true
}

// Teardown releases the stream slot and flushes the final position. It is
// idempotent; only the first call does anything.
func (c *Controller) Teardown(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn || c.episodeID == "" {
		return
	}
	c.torn = true
	c.promptCancel()

	final := c.lastKnown
	if pos, err := c.player.Position(); err == nil && pos > 0 {
		final = int(pos)
	}
	c.emitLocked(ctx, "teardown", final, true)

	if c.stream != nil {
		c.releaseSlot(ctx, c.episodeID, c.stream.Token)
	}
	log.Info().Str("episode_id", c.episodeID).Msg("playback session finished")
}

// clampLocked clamps a position to [0, duration-1]. A position equal to the
// duration reads as "finished" server-side and would destroy the resume
// point. Caller holds c.mu.
func (c *Controller) clampLocked(position int) int {
	if position < 0 {
		return 0
	}
	if d := int(c.player.Duration()); d > 0 && position > d-1 {
		return d - 1
	}
	return position
}

// emitLocked clamps, de-duplicates and posts one playhead update. Failures
// are logged and swallowed; a rejected token gets one refresh-and-retry
// inside AuthorizedRequest and nothing more. Caller holds c.mu.
func (c *Controller) emitLocked(ctx context.Context, label string, position int, force bool) {
	safe := c.clampLocked(position)
	if !force && safe == c.lastReported {
		c.lastKnown = safe
		return
	}
	if safe < minResumeSeconds {
		c.lastKnown = safe
		c.wasPlaying = true
		log.Debug().Str("trigger", label).Int("position", safe).Msg("playhead below resume threshold, not sent")
		return
	}
	if !c.opts.SyncPlayhead {
		c.lastReported = safe
		c.lastKnown = safe
		c.wasPlaying = true
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, emitTimeout)
	err := c.session.AuthorizedRequest(reqCtx, api.Request{
		Method: "POST",
		URL:    fmt.Sprintf(c.eps.playheads, c.session.AccountID()),
		JSON: map[string]any{
			"playhead":   safe,
			"content_id": c.episodeID,
		},
	}, nil)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("trigger", label).Int("position", safe).Msg("playhead update failed")
	} else {
		log.Debug().Str("trigger", label).Int("position", safe).Msg("playhead updated")
	}
	// Bookkeeping advances either way so a flaky network cannot cause an
	// emit storm.
	c.lastReported = safe
	c.lastKnown = safe
	c.wasPlaying = true
}

// checkSkipsLocked fires skip windows the position has entered. Each window
// fires at most once per session, even if the position re-enters it later.
// Caller holds c.mu.
func (c *Controller) checkSkipsLocked(position float64) {
	for kind, w := range c.skipEvents {
		if position < w.Start || position >= w.End {
			continue
		}
		delete(c.skipEvents, kind)

		if !c.opts.AskBeforeSkipping || c.prompt == nil {
			log.Info().Str("segment", kind).Float64("to", w.End).Msg("skipping segment")
			if err := c.player.SeekTo(w.End); err != nil {
				log.Warn().Err(err).Str("segment", kind).Msg("skip seek failed")
			}
			continue
		}

		timeout := time.Duration(w.End-w.Start) * time.Second
		if timeout > skipPromptMax {
			timeout = skipPromptMax
		}
		// The prompt can block up to its timeout; keep it off the tick
		// path and off the tick's context, which dies as soon as the
		// tick returns.
		go func(kind string, end float64, timeout time.Duration) {
			if c.prompt.ConfirmSkip(c.promptCtx, kind, timeout) {
				if err := c.player.SeekTo(end); err != nil {
					log.Warn().Err(err).Str("segment", kind).Msg("skip seek failed")
				}
			}
		}(kind, w.End, timeout)
	}
}
