// Package api provides HTTP handlers for the relay API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/relay/internal/domain"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"ok":false,"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]interface{}{"ok": false, "error": message})
}

// OK writes a 200 response with ok=true merged into fields.
func OK(w http.ResponseWriter, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{}, 1)
	}
	fields["ok"] = true
	JSON(w, http.StatusOK, fields)
}

// StatusFor maps the domain error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotStarted), errors.Is(err, domain.ErrNotReady), errors.Is(err, domain.ErrAuthFailure):
		return http.StatusConflict
	case errors.Is(err, domain.ErrMediaFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Fail writes err with its mapped status code.
func Fail(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "error", err, "status", status)
	} else {
		slog.Debug("Request rejected", "error", err, "status", status)
	}
	Error(w, status, err.Error())
}

// readBody returns the request body. Oversized bodies are invalid input.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: request body exceeds %d bytes", domain.ErrInvalidArgument, tooLarge.Limit)
		}
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrInvalidArgument, err)
	}
	return data, nil
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	data, err := readBody(r)
	if err != nil {
		return err
	}
	return unmarshal(data, v)
}

func unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}
