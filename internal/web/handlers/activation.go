package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/streamhaus/crunchyd/internal/activation"
	"github.com/streamhaus/crunchyd/internal/web/events"
)

// hubSurface pushes activation progress to websocket clients.
type hubSurface struct {
	hub *events.Hub
}

func (s hubSurface) CodeReady(code activation.Code) {
	s.hub.Broadcast("activation_code", map[string]any{
		"user_code":    code.UserCode,
		"activate_url": code.ActivateURL,
		"expires_at":   code.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s hubSurface) CodeExpired(renewal int) {
	s.hub.Broadcast("activation_expired", map[string]int{"renewal": renewal})
}

func (s hubSurface) Activated() {
	s.hub.Broadcast("activation_done", nil)
	s.hub.Broadcast("session_changed", map[string]bool{"active": true})
}

// ActivationStart kicks off a device pairing flow. Progress goes out over the
// event feed; ActivationStatus covers clients that poll instead.
func (h *Handlers) ActivationStart(w http.ResponseWriter, r *http.Request) {
	if err := h.activation.Start(hubSurface{hub: h.hub}); err != nil {
		if errors.Is(err, activation.ErrAlreadyRunning) {
			respondError(w, http.StatusConflict, "activation already running")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// ActivationCancel stops a running pairing flow.
func (h *Handlers) ActivationCancel(w http.ResponseWriter, r *http.Request) {
	h.activation.Cancel()
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ActivationStatus reports the pairing flow state and, while one is pending,
// the code to show the user.
func (h *Handlers) ActivationStatus(w http.ResponseWriter, r *http.Request) {
	st := h.activation.Status()
	resp := map[string]any{"state": st.State.String()}
	if st.Code != nil {
		resp["user_code"] = st.Code.UserCode
		resp["activate_url"] = st.Code.ActivateURL
		resp["expires_at"] = st.Code.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if st.Err != nil {
		resp["error"] = st.Err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}
