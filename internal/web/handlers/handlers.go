package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/streamhaus/crunchyd/internal/activation"
	"github.com/streamhaus/crunchyd/internal/api"
	"github.com/streamhaus/crunchyd/internal/catalog"
	"github.com/streamhaus/crunchyd/internal/config"
	"github.com/streamhaus/crunchyd/internal/database"
	"github.com/streamhaus/crunchyd/internal/playback"
	"github.com/streamhaus/crunchyd/internal/session"
	"github.com/streamhaus/crunchyd/internal/web/events"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	db         *database.DB
	session    *session.Manager
	activation *activation.Runner
	catalog    *catalog.Client
	apiClient  *api.Client
	hub        *events.Hub
	player     *playback.RemotePlayer
	settings   *config.Loader

	// skipAnswers carries the user's reply to an outstanding skip prompt.
	// Capacity 1; only one prompt is ever pending.
	skipAnswers chan bool

	// controller is the playback controller for the current session, nil
	// when nothing is playing.
	ctrlMu     sync.Mutex
	controller *playback.Controller
}

// New creates a new Handlers instance
func New(db *database.DB, mgr *session.Manager, runner *activation.Runner, cat *catalog.Client, apiClient *api.Client, hub *events.Hub, player *playback.RemotePlayer) *Handlers {
	return &Handlers{
		db:          db,
		session:     mgr,
		activation:  runner,
		catalog:     cat,
		apiClient:   apiClient,
		hub:         hub,
		player:      player,
		settings:    config.NewLoader(db),
		skipAnswers: make(chan bool, 1),
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// authStatus maps an error from the session layer to a client-facing status
// and message.
func authStatus(err error) (int, string) {
	switch {
	case api.IsAuthError(err, api.InvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case api.IsAuthError(err, api.ChallengeBlocked):
		return http.StatusBadGateway, "blocked by access challenge"
	case api.IsAuthError(err, api.AuthExhausted):
		return http.StatusUnauthorized, "authentication attempts exhausted"
	case api.IsAuthError(err, api.DoubleAuthFailure):
		return http.StatusUnauthorized, "session could not be reauthorized"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// SessionStatus reports whether a session is established and for whom.
func (h *Handlers) SessionStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"active":    h.session.Active(),
		"device_id": h.session.DeviceID(),
		"locale":    h.session.Locale(),
	}
	if h.session.Active() {
		state := h.session.Snapshot()
		resp["account_id"] = state.AccountID
		resp["client_kind"] = state.ClientKind
		resp["expires"] = state.Expires.UTC().Format(time.RFC3339)
		if p := h.session.Profile(); p != nil {
			resp["profile"] = p
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// SessionLogin establishes a session from username and password credentials.
func (h *Handlers) SessionLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Username == "" || body.Password == "" {
		respondError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	if err := h.session.Login(r.Context(), body.Username, body.Password); err != nil {
		log.Warn().Err(err).Msg("login failed")
		status, msg := authStatus(err)
		respondError(w, status, msg)
		return
	}

	h.hub.Broadcast("session_changed", map[string]bool{"active": true})
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// SessionRefresh forces a token refresh.
func (h *Handlers) SessionRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Refresh(r.Context()); err != nil {
		status, msg := authStatus(err)
		respondError(w, status, msg)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// SessionDestroy drops the session and its persisted tokens.
func (h *Handlers) SessionDestroy(w http.ResponseWriter, r *http.Request) {
	h.session.Destroy()
	h.hub.Broadcast("session_changed", map[string]bool{"active": false})
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ProfilesList returns the account's profiles.
func (h *Handlers) ProfilesList(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.session.Profiles(r.Context())
	if err != nil {
		status, msg := authStatus(err)
		respondError(w, status, msg)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

// ProfileSelect reauthorizes the session against the given profile.
func (h *Handlers) ProfileSelect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProfileID string `json:"profile_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ProfileID == "" {
		respondError(w, http.StatusBadRequest, "profile_id is required")
		return
	}

	if err := h.session.SwitchProfile(r.Context(), body.ProfileID); err != nil {
		status, msg := authStatus(err)
		respondError(w, status, msg)
		return
	}

	h.hub.Broadcast("profile_changed", map[string]string{"profile_id": body.ProfileID})
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
