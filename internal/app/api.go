package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/guardian/internal/controller"
)

// maxBodyBytes caps control API request bodies.
const maxBodyBytes = 4 << 10

// registerAPI adds the local control endpoints for the companion UI.
func (a *App) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/status", a.handleStatus)
	mux.HandleFunc("POST /v1/toggle", a.handleToggle)
	mux.HandleFunc("POST /v1/panic", a.handlePanic)
	mux.HandleFunc("POST /v1/panic/cancel", a.handlePanicCancel)
	mux.HandleFunc("GET /v1/contacts", a.handleContacts)
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.controller.Status())
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (a *App) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `"enabled" is required`)
		return
	}
	if err := a.controller.Toggle(r.Context(), *req.Enabled); err != nil {
		slog.Warn("toggle listening failed", "enabled", *req.Enabled, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.controller.Status())
}

func (a *App) handlePanic(w http.ResponseWriter, r *http.Request) {
	scheduled, err := a.controller.PanicButton(r.Context())
	switch {
	case errors.Is(err, controller.ErrPanicPending):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"scheduled": scheduled})
}

func (a *App) handlePanicCancel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": a.controller.CancelPending()})
}

func (a *App) handleContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := a.controller.Contacts(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
