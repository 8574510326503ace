// Package identity validates session identifiers and carries them through
// request contexts.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/relay/internal/domain"
)

// URLParam is the chi route parameter holding the session id.
const URLParam = "id"

type contextKey int

const sessionIDKey contextKey = iota

// Session ids name on-disk directories, so they are restricted to a safe
// alphabet.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Validate returns a domain.ErrInvalidArgument error if id cannot be used as
// a session identifier.
func Validate(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: session id is required", domain.ErrInvalidArgument)
	}
	if id == "." || id == ".." || !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: session id %q must match %s", domain.ErrInvalidArgument, id, sessionIDPattern)
	}
	return nil
}

// SessionIDFromContext extracts the session id from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSessionID stores id in ctx.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// Middleware validates the {id} route parameter and stores it in the
// request context. Invalid ids are answered with 400.
func Middleware(onInvalid func(w http.ResponseWriter, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, URLParam)
			if err := Validate(id); err != nil {
				onInvalid(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSessionID(r.Context(), id)))
		})
	}
}
