package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/streamhaus/crunchyd/internal/api"
	"github.com/streamhaus/crunchyd/internal/playback"
	"github.com/streamhaus/crunchyd/internal/web/events"
)

// PlaybackStart resolves a stream for the episode and arms a playback
// controller for it. Any previous session is torn down first.
func (h *Handlers) PlaybackStart(w http.ResponseWriter, r *http.Request) {
	episodeID := chi.URLParam(r, "episodeID")
	if episodeID == "" {
		respondError(w, http.StatusBadRequest, "episode id is required")
		return
	}
	if !h.session.Active() {
		respondError(w, http.StatusUnauthorized, "no session established")
		return
	}

	h.ctrlMu.Lock()
	if h.controller != nil {
		h.controller.Teardown(r.Context())
		h.controller = nil
	}
	h.ctrlMu.Unlock()

	ctrl := playback.NewController(
		h.session,
		h.apiClient,
		h.player,
		&wsPrompter{hub: h.hub, answers: h.skipAnswers},
		h.session.DeviceID(),
		playback.Options{
			SyncPlayhead:      h.settings.BoolDefaultTrue("sync_playhead"),
			AskBeforeSkipping: h.settings.Bool("ask_before_skipping", false),
		},
	)

	stream, err := ctrl.Start(r.Context(), episodeID)
	if err != nil {
		if api.IsTooManyActiveStreams(err) {
			respondError(w, http.StatusTooManyRequests, "too many active streams")
			return
		}
		status, msg := authStatus(err)
		respondError(w, status, msg)
		return
	}

	h.ctrlMu.Lock()
	h.controller = ctrl
	h.ctrlMu.Unlock()

	h.hub.Broadcast("playback_started", map[string]string{"episode_id": episodeID})
	respondJSON(w, http.StatusOK, map[string]any{"stream": stream})
}

// PlaybackEvent records an explicit player event from the frontend.
func (h *Handlers) PlaybackEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind     string   `json:"kind"`
		Position *float64 `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	kind, ok := eventKinds[body.Kind]
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown event kind")
		return
	}
	pos := -1.0
	if body.Position != nil {
		pos = *body.Position
	}

	ctrl := h.Controller()
	if ctrl == nil {
		respondError(w, http.StatusConflict, "no playback session")
		return
	}
	ctrl.OnEvent(r.Context(), kind, pos)

	if kind == playback.EventStopped || kind == playback.EventEnded {
		h.clearController()
		h.player.Stop()
		h.hub.Broadcast("playback_stopped", nil)
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

var eventKinds = map[string]playback.EventKind{
	"started": playback.EventStarted,
	"paused":  playback.EventPaused,
	"resumed": playback.EventResumed,
	"seek":    playback.EventSeek,
	"stopped": playback.EventStopped,
	"ended":   playback.EventEnded,
}

// PlaybackState takes a player state report and hands back any queued seek
// commands for the frontend to execute.
func (h *Handlers) PlaybackState(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Playing  bool    `json:"playing"`
		Paused   bool    `json:"paused"`
		Position float64 `json:"position"`
		Duration float64 `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.player.Report(body.Playing, body.Paused, body.Position, body.Duration)
	seeks := h.player.PendingSeeks()
	respondJSON(w, http.StatusOK, map[string]any{"seeks": seeks})
}

// PlaybackStop tears the current session down.
func (h *Handlers) PlaybackStop(w http.ResponseWriter, r *http.Request) {
	if ctrl := h.Controller(); ctrl != nil {
		ctrl.Teardown(r.Context())
	}
	h.clearController()
	h.player.Stop()
	h.hub.Broadcast("playback_stopped", nil)
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// PlaybackSkipAnswer delivers the user's answer to a pending skip prompt.
func (h *Handlers) PlaybackSkipAnswer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Accept bool `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	select {
	case h.skipAnswers <- body.Accept:
		respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		respondError(w, http.StatusConflict, "no pending skip prompt")
	}
}

// Controller returns the active playback controller, nil when idle.
func (h *Handlers) Controller() *playback.Controller {
	h.ctrlMu.Lock()
	defer h.ctrlMu.Unlock()
	return h.controller
}

func (h *Handlers) clearController() {
	h.ctrlMu.Lock()
	h.controller = nil
	h.ctrlMu.Unlock()
}

// wsPrompter asks the user over the event feed whether to skip a segment and
// waits, bounded, for an answer pushed back through the control API.
type wsPrompter struct {
	hub     *events.Hub
	answers chan bool
}

func (p *wsPrompter) ConfirmSkip(ctx context.Context, kind string, timeout time.Duration) bool {
	// Drain a stale answer from an earlier prompt that timed out.
	select {
	case <-p.answers:
	default:
	}

	p.hub.Broadcast("skip_prompt", map[string]any{
		"kind":       kind,
		"timeout_ms": timeout.Milliseconds(),
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case accept := <-p.answers:
		return accept
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
