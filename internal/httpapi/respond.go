package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/parleyhq/parley/internal/broadcast"
	"github.com/parleyhq/parley/internal/contacts"
	"github.com/parleyhq/parley/internal/conversations"
	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/flows"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/templates"
)

// errorBody is the JSON error envelope every endpoint returns on failure.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// writeError maps a domain error onto an HTTP status and the error envelope.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"

	switch {
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "not-found"
	case errors.Is(err, engine.ErrInvalidEvent),
		errors.Is(err, conversations.ErrInvalidInput),
		errors.Is(err, contacts.ErrInvalidInput),
		errors.Is(err, flows.ErrInvalidFlow),
		errors.Is(err, broadcast.ErrInvalidBroadcast),
		errors.Is(err, templates.ErrInvalidTemplate):
		status, code = http.StatusBadRequest, "invalid-input"
	case errors.Is(err, engine.ErrDuplicateMessage):
		status, code = http.StatusConflict, "duplicate-message"
	case errors.Is(err, conversations.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid-state-transition"
	case errors.Is(err, flows.ErrFlowInactive),
		errors.Is(err, broadcast.ErrNotSendable):
		status, code = http.StatusConflict, "invalid-state"
	}

	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var body errorBody
		body.Error.Code = "invalid-input"
		body.Error.Message = "malformed JSON body: " + err.Error()
		writeJSON(w, http.StatusBadRequest, body)
		return false
	}
	return true
}
