package uibridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/parley/internal/session"
)

var (
	// ErrAlreadyActive is returned by [Controls.StartSession] while a session
	// is live.
	ErrAlreadyActive = errors.New("uibridge: session already active")

	// ErrNotActive is returned by controls that need a live session.
	ErrNotActive = errors.New("uibridge: no active session")
)

// Status is the snapshot served by GET /session.
type Status struct {
	Active        bool   `json:"active"`
	SessionID     string `json:"session_id,omitempty"`
	State         string `json:"state"`
	Muted         bool   `json:"muted"`
	CameraEnabled bool   `json:"camera_enabled"`
	Volume        int    `json:"volume"`
}

// Controls is what the HTTP routes drive. The app's session manager
// implements it.
type Controls interface {
	StartSession(ctx context.Context) (Status, error)
	StopSession(ctx context.Context) error
	SetMuted(muted bool) error
	SetCameraEnabled(enabled bool) error
	Status() Status
}

func registerAPIRoutes(mux *http.ServeMux, controls Controls) {
	mux.HandleFunc("GET /session", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, controls.Status())
	})

	mux.HandleFunc("POST /session/start", func(w http.ResponseWriter, r *http.Request) {
		st, err := controls.StartSession(r.Context())
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	mux.HandleFunc("POST /session/stop", func(w http.ResponseWriter, r *http.Request) {
		if err := controls.StopSession(r.Context()); err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, controls.Status())
	})

	mux.HandleFunc("POST /session/mute", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Muted *bool `json:"muted"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Muted == nil {
			writeJSONError(w, http.StatusBadRequest, `body must be {"muted": bool}`)
			return
		}
		if err := controls.SetMuted(*body.Muted); err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, controls.Status())
	})

	mux.HandleFunc("POST /session/camera", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
			writeJSONError(w, http.StatusBadRequest, `body must be {"enabled": bool}`)
			return
		}
		if err := controls.SetCameraEnabled(*body.Enabled); err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, controls.Status())
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, ErrNotActive):
		return http.StatusNotFound
	case errors.Is(err, session.ErrDeviceAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, session.ErrTransportOpenFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
