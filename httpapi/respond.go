package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/hazyhaar/pageclone/clone"
	"github.com/hazyhaar/pageclone/shield"
)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, envelope{Success: true, Data: data})
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, envelope{Success: false, Message: msg})
}

// writeError classifies err and answers with its public message. Internal
// faults are logged with the request's trace id.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, status, msg := clone.Classify(err)
	logger := shield.GetLogger(r.Context())
	if status >= 500 {
		logger.Error("request failed", "kind", kind, "error", err)
	} else {
		logger.Debug("request rejected", "kind", kind, "status", status, "error", err)
	}
	writeMessage(w, status, msg)
}

// decodeJSON reads a JSON body into v. An empty body decodes to the zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeMessage(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit))
		return false
	}
	writeMessage(w, http.StatusBadRequest, "invalid request body")
	return false
}
