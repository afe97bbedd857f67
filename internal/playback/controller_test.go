package playback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/streamhaus/crunchyd/internal/api"
)

type recordedRequest struct {
	Method string
	URL    string
	Body   any
}

// fakeSession records authorized requests and serves canned JSON per URL
// substring.
type fakeSession struct {
	mu       sync.Mutex
	requests []recordedRequest
	handlers []struct {
		match string
		body  string
		err   error
	}
}

func (f *fakeSession) on(match, body string, err error) {
	f.handlers = append(f.handlers, struct {
		match string
		body  string
		err   error
	}{match, body, err})
}

func (f *fakeSession) AuthorizedRequest(ctx context.Context, req api.Request, out any) error {
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: req.Method, URL: req.URL, Body: req.JSON})
	handlers := f.handlers
	f.mu.Unlock()

	for _, h := range handlers {
		if strings.Contains(req.URL, h.match) {
			if h.err != nil {
				return h.err
			}
			if out != nil && h.body != "" {
				return json.Unmarshal([]byte(h.body), out)
			}
			return nil
		}
	}
	return nil
}

func (f *fakeSession) AccountID() string { return "acct-1" }

func (f *fakeSession) AccessToken() string { return "bearer-1" }

func (f *fakeSession) DeviceUserAgent() string { return "Crunchyroll/ANDROIDTV/3.48.2" }

func (f *fakeSession) count(method, match string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if (method == "" || r.Method == method) && strings.Contains(r.URL, match) {
			n++
		}
	}
	return n
}

type fakePlayer struct {
	mu      sync.Mutex
	playing bool
	paused  bool
	pos     float64
	dur     float64
	seeks   []float64
}

func (p *fakePlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *fakePlayer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *fakePlayer) Position() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos, nil
}

func (p *fakePlayer) Duration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dur
}

func (p *fakePlayer) SeekTo(seconds float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seeks = append(p.seeks, seconds)
	p.pos = seconds
	return nil
}

func (p *fakePlayer) set(playing, paused bool, pos float64) {
	p.mu.Lock()
	p.playing = playing
	p.paused = paused
	p.pos = pos
	p.mu.Unlock()
}

func newTestController(t *testing.T, opts Options) (*Controller, *fakeSession, *fakePlayer, *clockwork.FakeClock) {
	t.Helper()
	sess := &fakeSession{}
	player := &fakePlayer{dur: 1440}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := NewController(sess, api.NewClient(nil, nil), player, nil, "dev-1", opts)
	c.clock = clock
	// Arm a session directly; Start paths are exercised separately.
	c.episodeID = "ep-1"
	c.stream = &Stream{URL: "https://example/manifest.mpd", Token: "tok-1"}
	return c, sess, player, clock
}

func TestTickSuppressesBelowResumeThreshold(t *testing.T) {
	c, sess, player, _ := newTestController(t, Options{SyncPlayhead: true})
	player.set(true, false, 5)

	c.Tick(context.Background())
	c.Tick(context.Background())

	if n := sess.count("POST", "playheads"); n != 0 {
		t.Errorf("playhead posts = %d, want 0 below 10s", n)
	}
	if !c.startSent {
		t.Error("start emit should still consume the trigger")
	}
}

func TestEmitDeduplicatesUnchangedPosition(t *testing.T) {
	c, sess, _, _ := newTestController(t, Options{SyncPlayhead: true})

	c.mu.Lock()
	c.emitLocked(context.Background(), "test", 50, false)
	c.emitLocked(context.Background(), "test", 50, false)
	c.mu.Unlock()

	if n := sess.count("POST", "playheads"); n != 1 {
		t.Errorf("playhead posts = %d, want exactly 1 for repeated position", n)
	}
}

func TestEmitClampsToDurationMinusOne(t *testing.T) {
	c, sess, player, _ := newTestController(t, Options{SyncPlayhead: true})
	player.dur = 100

	c.mu.Lock()
	c.emitLocked(context.Background(), "test", 150, true)
	c.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(sess.requests))
	}
	body := sess.requests[0].Body.(map[string]any)
	if got := body["playhead"]; got != 99 {
		t.Errorf("posted playhead = %v, want 99", got)
	}
	if got := body["content_id"]; got != "ep-1" {
		t.Errorf("posted content_id = %v", got)
	}
}

func TestTickPeriodicEmitEveryTenSeconds(t *testing.T) {
	c, sess, player, _ := newTestController(t, Options{SyncPlayhead: true})

	player.set(true, false, 30)
	c.Tick(context.Background()) // start emit at 30

	// Small advances stay below both the seek and the periodic thresholds.
	for _, pos := range []float64{32, 34, 36, 38} {
		player.set(true, false, pos)
		c.Tick(context.Background())
	}
	if n := sess.count("POST", "playheads"); n != 1 {
		t.Fatalf("playhead posts = %d, want only the start emit so far", n)
	}

	player.set(true, false, 40)
	c.Tick(context.Background())
	if n := sess.count("POST", "playheads"); n != 2 {
		t.Errorf("playhead posts = %d, want periodic emit at +10s", n)
	}
}

func TestTickPauseEmitsOncePerTransition(t *testing.T) {
	c, sess, player, _ := newTestController(t, Options{SyncPlayhead: true})

	player.set(true, false, 30)
	c.Tick(context.Background()) // start emit

	player.set(true, true, 31)
	c.Tick(context.Background())
	c.Tick(context.Background())
	c.Tick(context.Background())

	if n := sess.count("POST", "playheads"); n != 2 {
		t.Errorf("playhead posts = %d, want start + one pause emit", n)
	}

	// Resume, then pause again: a second transition emits again.
	player.set(true, false, 32)
	c.Tick(context.Background())
	player.set(true, true, 33)
	c.Tick(context.Background())
	if n := sess.count("POST", "playheads"); n != 3 {
		t.Errorf("playhead posts = %d, want one more on second pause transition", n)
	}
}

func TestSeekCooldownPreventsDoubleReport(t *testing.T) {
	c, sess, player, clock := newTestController(t, Options{SyncPlayhead: true})

	player.set(true, false, 50)
	c.Tick(context.Background()) // start emit at 50

	c.OnEvent(context.Background(), EventSeek, 120)
	if n := sess.count("POST", "playheads"); n != 2 {
		t.Fatalf("playhead posts = %d, want seek emit", n)
	}

	// The player settles a few seconds away from the reported position
	// while the cooldown is still running; no second seek report.
	player.set(true, false, 125)
	c.Tick(context.Background())
	if n := sess.count("POST", "playheads"); n != 2 {
		t.Errorf("playhead posts = %d, seek reported twice inside cooldown", n)
	}

	// Past the cooldown the jump counts as a fresh seek.
	clock.Advance(2 * time.Second)
	player.set(true, false, 126)
	c.Tick(context.Background())
	if n := sess.count("POST", "playheads"); n != 3 {
		t.Errorf("playhead posts = %d, want seek detected after cooldown", n)
	}
}

func TestTeardownIdempotent(t *testing.T) {
	c, sess, player, _ := newTestController(t, Options{SyncPlayhead: true})
	player.set(true, false, 500)

	c.Teardown(context.Background())
	c.Teardown(context.Background())
	c.Teardown(context.Background())

	if n := sess.count("POST", "playheads"); n != 1 {
		t.Errorf("final playhead posts = %d, want exactly 1", n)
	}
	if n := sess.count("DELETE", "/token/"); n != 1 {
		t.Errorf("slot releases = %d, want exactly 1", n)
	}
}

func TestTeardownWithoutTokenSkipsRelease(t *testing.T) {
	c, sess, player, _ := newTestController(t, Options{SyncPlayhead: true})
	c.stream = &Stream{URL: "https://example/manifest.mpd"}
	player.set(true, false, 500)

	c.Teardown(context.Background())
	if n := sess.count("DELETE", "/token/"); n != 0 {
		t.Errorf("slot releases = %d, want none without a token", n)
	}
}

func TestSkipWindowFiresOncePerSession(t *testing.T) {
	c, _, player, _ := newTestController(t, Options{SyncPlayhead: false})
	c.skipEvents = map[string]SkipWindow{"intro": {Start: 80, End: 95}}

	player.set(true, false, 85)
	c.Tick(context.Background())

	player.mu.Lock()
	seeks := len(player.seeks)
	player.mu.Unlock()
	if seeks != 1 || player.seeks[0] != 95 {
		t.Fatalf("seeks = %v, want one jump to 95", player.seeks)
	}

	// Rewind back into the window: consumed segments never re-fire.
	player.set(true, false, 85)
	c.Tick(context.Background())
	player.set(true, false, 90)
	c.Tick(context.Background())

	player.mu.Lock()
	defer player.mu.Unlock()
	if len(player.seeks) != 1 {
		t.Errorf("seeks = %v, skip fired again after rewind", player.seeks)
	}
}

func TestEmitFailuresAreSwallowed(t *testing.T) {
	c, sess, player, _ := newTestController(t, Options{SyncPlayhead: true})
	sess.on("playheads", "", &api.APIError{Status: 500, Message: "upstream sad"})

	player.set(true, false, 60)
	c.Tick(context.Background())

	// Playback bookkeeping advanced despite the failure.
	if c.lastReported != 60 {
		t.Errorf("lastReported = %d, want 60", c.lastReported)
	}
	if !c.wasPlaying {
		t.Error("wasPlaying should be set")
	}
}

// noSkipEventsClient serves 404 for the static skip-events fetch so Start
// tests stay off the network.
func noSkipEventsClient(t *testing.T) (*api.Client, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	return api.NewClient(srv.Client(), nil), srv.URL + "/skip-events/%s.json"
}

func TestStartReleasesOrphanedSlotsFirst(t *testing.T) {
	sess := &fakeSession{}
	sess.on("sessions/streaming", `{"items":[
		{"deviceId":"dev-1","token":"orphan-1"},
		{"deviceId":"other","token":"foreign-1"}
	]}`, nil)
	sess.on("/play", `{"url":"https://example/manifest.mpd","token":"tok-new"}`, nil)

	client, skipURL := noSkipEventsClient(t)
	player := &fakePlayer{dur: 1440}
	c := NewController(sess, client, player, nil, "dev-1", Options{})
	c.clock = clockwork.NewFakeClock()
	c.eps.skipEvents = skipURL

	stream, err := c.Start(context.Background(), "ep-9")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if stream.Token != "tok-new" {
		t.Errorf("stream token = %q", stream.Token)
	}

	if n := sess.count("DELETE", "orphan-1"); n != 1 {
		t.Errorf("releases of this device's orphan = %d, want 1", n)
	}
	if n := sess.count("DELETE", "foreign-1"); n != 0 {
		t.Errorf("released another device's slot %d times", n)
	}
}

func TestStartSurfacesTooManyActiveStreams(t *testing.T) {
	sess := &fakeSession{}
	sess.on("sessions/streaming", `{"items":[]}`, nil)
	sess.on("/play", "", &api.APIError{Status: 420, Code: "TOO_MANY_ACTIVE_STREAMS"})

	client, skipURL := noSkipEventsClient(t)
	c := NewController(sess, client, &fakePlayer{}, nil, "dev-1", Options{})
	c.clock = clockwork.NewFakeClock()
	c.eps.skipEvents = skipURL

	_, err := c.Start(context.Background(), "ep-9")
	if !api.IsTooManyActiveStreams(err) {
		t.Fatalf("err = %v, want TooManyActiveStreams", err)
	}
	if n := sess.count("", "phone"); n != 0 {
		t.Errorf("phone fallback tried %d times after slot-limit rejection", n)
	}
}

func TestStartFallsBackToPhoneEndpoint(t *testing.T) {
	sess := &fakeSession{}
	sess.on("sessions/streaming", `{"items":[]}`, nil)
	sess.on("android_tv/play", "", &api.APIError{Status: 500})
	sess.on("android/phone/play", `{"url":"https://example/phone.mpd","token":"tok-phone"}`, nil)

	client, skipURL := noSkipEventsClient(t)
	c := NewController(sess, client, &fakePlayer{}, nil, "dev-1", Options{})
	c.clock = clockwork.NewFakeClock()
	c.eps.skipEvents = skipURL

	stream, err := c.Start(context.Background(), "ep-9")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if stream.Token != "tok-phone" {
		t.Errorf("stream token = %q, want phone fallback result", stream.Token)
	}
}

func TestStartAssemblesLicenseAndResume(t *testing.T) {
	sess := &fakeSession{}
	sess.on("sessions/streaming", `{"items":[]}`, nil)
	sess.on("playheads", `{"data":[{"content_id":"ep-9","playhead":345,"fully_watched":false}]}`, nil)
	sess.on("/play", `{"url":"https://example/manifest.mpd","token":"tok-new"}`, nil)

	client, skipURL := noSkipEventsClient(t)
	c := NewController(sess, client, &fakePlayer{dur: 1440}, nil, "dev-1", Options{})
	c.clock = clockwork.NewFakeClock()
	c.eps.skipEvents = skipURL

	stream, err := c.Start(context.Background(), "ep-9")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if stream.Resume != 345 {
		t.Errorf("resume = %d, want 345", stream.Resume)
	}
	if stream.License == nil {
		t.Fatal("stream carries no license descriptor")
	}
	if stream.License.URL != api.LicenseEndpoint {
		t.Errorf("license url = %q", stream.License.URL)
	}
	for header, want := range map[string]string{
		"Authorization":    "Bearer bearer-1",
		"Content-Type":     "application/octet-stream",
		"x-cr-content-id":  "ep-9",
		"x-cr-video-token": "tok-new",
	} {
		if got := stream.License.Headers[header]; got != want {
			t.Errorf("license header %s = %q, want %q", header, got, want)
		}
	}
}

func TestStartResumeIgnoresFullyWatched(t *testing.T) {
	sess := &fakeSession{}
	sess.on("sessions/streaming", `{"items":[]}`, nil)
	sess.on("playheads", `{"data":[{"content_id":"ep-9","playhead":1400,"fully_watched":true}]}`, nil)
	sess.on("/play", `{"url":"https://example/manifest.mpd","token":"tok-new"}`, nil)

	client, skipURL := noSkipEventsClient(t)
	c := NewController(sess, client, &fakePlayer{dur: 1440}, nil, "dev-1", Options{})
	c.clock = clockwork.NewFakeClock()
	c.eps.skipEvents = skipURL

	stream, err := c.Start(context.Background(), "ep-9")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if stream.Resume != 0 {
		t.Errorf("resume = %d, want 0 for a fully watched episode", stream.Resume)
	}
}

// delayedPrompter answers after a fixed delay unless its context is cancelled
// first.
type delayedPrompter struct {
	answer bool
	delay  time.Duration

	mu        sync.Mutex
	dismissed bool
}

func (p *delayedPrompter) ConfirmSkip(ctx context.Context, kind string, timeout time.Duration) bool {
	select {
	case <-time.After(p.delay):
		return p.answer
	case <-ctx.Done():
		p.mu.Lock()
		p.dismissed = true
		p.mu.Unlock()
		return false
	}
}

func (p *delayedPrompter) wasDismissed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dismissed
}

func TestSkipPromptSurvivesTickContext(t *testing.T) {
	c, _, player, _ := newTestController(t, Options{AskBeforeSkipping: true})
	prompt := &delayedPrompter{answer: true, delay: 100 * time.Millisecond}
	c.prompt = prompt
	c.skipEvents = map[string]SkipWindow{"intro": {Start: 80, End: 95}}

	// Drive the tick exactly like the server loop: a bounded context that
	// dies as soon as Tick returns.
	player.set(true, false, 85)
	tickCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	c.Tick(tickCtx)
	cancel()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		player.mu.Lock()
		n := len(player.seeks)
		player.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	player.mu.Lock()
	defer player.mu.Unlock()
	if len(player.seeks) != 1 || player.seeks[0] != 95 {
		t.Fatalf("seeks = %v, accepted prompt did not produce the jump to 95", player.seeks)
	}
}

func TestTeardownDismissesPendingPrompt(t *testing.T) {
	c, _, player, _ := newTestController(t, Options{AskBeforeSkipping: true})
	prompt := &delayedPrompter{answer: true, delay: time.Minute}
	c.prompt = prompt
	c.skipEvents = map[string]SkipWindow{"intro": {Start: 80, End: 95}}

	player.set(true, false, 85)
	c.Tick(context.Background())
	c.Teardown(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !prompt.wasDismissed() {
		time.Sleep(10 * time.Millisecond)
	}
	if !prompt.wasDismissed() {
		t.Fatal("pending prompt was not dismissed by teardown")
	}
	player.mu.Lock()
	defer player.mu.Unlock()
	if len(player.seeks) != 0 {
		t.Errorf("seeks = %v, want none after a dismissed prompt", player.seeks)
	}
}
