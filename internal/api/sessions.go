package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/relay/internal/dispatch"
	"github.com/ashureev/relay/internal/domain"
	"github.com/ashureev/relay/internal/identity"
	"github.com/ashureev/relay/internal/media"
)

const healthCheckTimeout = 5 * time.Second

// Sessions is the lifecycle surface the API drives.
type Sessions interface {
	Create(id string) (domain.SessionInfo, error)
	List() []domain.SessionInfo
	Status(id string) (domain.Status, bool)
	QR(id string) (string, bool)
	Start(ctx context.Context, id string) (domain.SessionInfo, error)
	Logout(ctx context.Context, id string) (domain.SessionInfo, error)
	Delete(ctx context.Context, id string) error
}

// Dispatcher is the messaging surface the API drives.
type Dispatcher interface {
	SendText(ctx context.Context, id, to, message string) (dispatch.SendResult, error)
	SendMedia(ctx context.Context, id string, req dispatch.MediaRequest) (dispatch.MediaResult, error)
	SendLocation(ctx context.Context, id string, req dispatch.LocationRequest) (dispatch.SendResult, error)
	BroadcastText(ctx context.Context, id string, targets []string, message string, delay *time.Duration) (*domain.BroadcastRun, error)
	BroadcastMedia(ctx context.Context, id string, targets []string, spec media.Spec, delay *time.Duration) (*domain.BroadcastRun, error)
	History(ctx context.Context, id string, limit int) ([]*domain.BroadcastRun, error)
	Forget(id string)
}

// Pinger checks a dependency for health reporting.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionHandler serves the session and messaging routes.
type SessionHandler struct {
	sessions Sessions
	dispatch Dispatcher
	checks   map[string]Pinger
	hostname string
}

// NewSessionHandler creates the handler. checks are reported by /api/health.
func NewSessionHandler(sessions Sessions, dispatcher Dispatcher, checks map[string]Pinger) *SessionHandler {
	host, _ := os.Hostname()
	return &SessionHandler{sessions: sessions, dispatch: dispatcher, checks: checks, hostname: host}
}

// RegisterRoutes mounts the API under /api.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Post("/", h.CreateSession)
			r.Route("/{"+identity.URLParam+"}", func(r chi.Router) {
				r.Use(identity.Middleware(Fail))
				r.Delete("/", h.DeleteSession)
				r.Get("/qr", h.GetQR)
				r.Get("/broadcasts", h.ListBroadcasts)
				r.Post("/start", h.StartSession)
				r.Post("/logout", h.LogoutSession)
				r.Post("/sendText", h.SendText)
				r.Post("/sendMedia", h.SendMedia)
				r.Post("/sendLocation", h.SendLocation)
				r.Post("/broadcastText", h.BroadcastText)
				r.Post("/broadcastMedia", h.BroadcastMedia)
			})
		})
	})
}

// Health reports process liveness, known sessions and dependency checks.
func (h *SessionHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	healthy := true
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			slog.Error("Health check failed", "check", name, "error", err)
			checks[name] = "unreachable"
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]interface{}{
		"ok":       healthy,
		"host":     h.hostname,
		"sessions": h.sessions.List(),
		"checks":   checks,
	}
	if !healthy {
		body["error"] = "dependency unreachable"
		JSON(w, http.StatusServiceUnavailable, body)
		return
	}
	JSON(w, http.StatusOK, body)
}

// ListSessions returns every known session.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	OK(w, map[string]interface{}{"sessions": h.sessions.List()})
}

// CreateSession registers a session id.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decode(r, &req); err != nil {
		Fail(w, err)
		return
	}
	if req.ID == "" {
		Error(w, http.StatusBadRequest, "id required")
		return
	}
	info, err := h.sessions.Create(req.ID)
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, map[string]interface{}{"id": info.ID, "status": info.Status})
}

// StartSession starts or resumes a session.
func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	info, err := h.sessions.Start(r.Context(), id)
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, map[string]interface{}{"id": info.ID, "status": info.Status})
}

// LogoutSession signs a session out.
func (h *SessionHandler) LogoutSession(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	info, err := h.sessions.Logout(r.Context(), id)
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, map[string]interface{}{"id": info.ID, "status": info.Status})
}

// DeleteSession destroys a session and its credentials.
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	if err := h.sessions.Delete(r.Context(), id); err != nil {
		Fail(w, err)
		return
	}
	h.dispatch.Forget(id)
	OK(w, map[string]interface{}{"id": id, "deleted": true})
}

// GetQR returns the pending login code. With ?format=png the raw image is
// served instead of JSON.
func (h *SessionHandler) GetQR(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	status, ok := h.sessions.Status(id)
	if !ok {
		Fail(w, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id))
		return
	}
	code, ok := h.sessions.QR(id)
	if !ok {
		Error(w, http.StatusNotFound, "no pending login code")
		return
	}

	if r.URL.Query().Get("format") == "png" {
		img, err := base64.StdEncoding.DecodeString(code)
		if err != nil {
			Fail(w, fmt.Errorf("decode login code image: %w", err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(img)
		return
	}
	OK(w, map[string]interface{}{"id": id, "status": status, "qr": code})
}

// SendText sends one text message.
func (h *SessionHandler) SendText(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	var req struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := decode(r, &req); err != nil {
		Fail(w, err)
		return
	}
	res, err := h.dispatch.SendText(r.Context(), id, req.To, req.Message)
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, map[string]interface{}{"id": res.ID, "to": res.To, "messageId": res.MessageID})
}

// SendMedia sends one item or an ordered list of items to one target. The
// body is either {to, items:[...]} or a single item with a "to" field.
func (h *SessionHandler) SendMedia(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	data, err := readBody(r)
	if err != nil {
		Fail(w, err)
		return
	}
	var req struct {
		To    string       `json:"to"`
		Items []media.Spec `json:"items"`
	}
	if err := unmarshal(data, &req); err != nil {
		Fail(w, err)
		return
	}
	if req.Items == nil && len(bytes.TrimSpace(data)) > 0 {
		var single media.Spec
		if err := unmarshal(data, &single); err != nil {
			Fail(w, err)
			return
		}
		req.Items = []media.Spec{single}
	}

	res, err := h.dispatch.SendMedia(r.Context(), id, dispatch.MediaRequest{To: req.To, Items: req.Items})
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, map[string]interface{}{"id": res.ID, "to": res.To, "count": res.Count, "results": res.Results})
}

// SendLocation sends a location pin. Coordinates must be JSON numbers.
func (h *SessionHandler) SendLocation(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	var req struct {
		To          string      `json:"to"`
		Lat         interface{} `json:"lat"`
		Lng         interface{} `json:"lng"`
		Description string      `json:"description"`
	}
	if err := decode(r, &req); err != nil {
		Fail(w, err)
		return
	}
	res, err := h.dispatch.SendLocation(r.Context(), id, dispatch.LocationRequest{
		To:          req.To,
		Lat:         number(req.Lat),
		Lng:         number(req.Lng),
		Description: req.Description,
	})
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, map[string]interface{}{"id": res.ID, "to": res.To, "messageId": res.MessageID})
}

type broadcastRequest struct {
	Numbers targetList  `json:"numbers"`
	Message string      `json:"message"`
	Item    *media.Spec `json:"item"`
	DelayMs interface{} `json:"delayMs"`
}

// BroadcastText sends one text to many targets. The run continues even if
// the caller disconnects.
func (h *SessionHandler) BroadcastText(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	var req broadcastRequest
	if err := decode(r, &req); err != nil {
		Fail(w, err)
		return
	}
	run, err := h.dispatch.BroadcastText(context.WithoutCancel(r.Context()), id, req.Numbers, req.Message, delay(req.DelayMs))
	if err != nil {
		Fail(w, err)
		return
	}
	writeRun(w, id, run)
}

// BroadcastMedia sends one media item to many targets.
func (h *SessionHandler) BroadcastMedia(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	var req broadcastRequest
	if err := decode(r, &req); err != nil {
		Fail(w, err)
		return
	}
	var item media.Spec
	if req.Item != nil {
		item = *req.Item
	}
	run, err := h.dispatch.BroadcastMedia(context.WithoutCancel(r.Context()), id, req.Numbers, item, delay(req.DelayMs))
	if err != nil {
		Fail(w, err)
		return
	}
	writeRun(w, id, run)
}

// ListBroadcasts returns recent broadcast runs, newest first.
func (h *SessionHandler) ListBroadcasts(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := h.dispatch.History(r.Context(), id, limit)
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, map[string]interface{}{"id": id, "runs": runs})
}

func writeRun(w http.ResponseWriter, id string, run *domain.BroadcastRun) {
	OK(w, map[string]interface{}{
		"id":        id,
		"runId":     run.ID,
		"count":     run.Total,
		"succeeded": run.Succeeded,
		"failed":    run.Failed,
		"results":   run.Results,
	})
}

// targetList accepts recipients given as JSON strings or whole JSON numbers.
type targetList []string

func (t *targetList) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("numbers must be an array: %w", err)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(item, &n); err != nil {
			return fmt.Errorf("numbers entries must be strings or numbers, got %s", item)
		}
		// Fractions and exponents would normalize to the wrong digits.
		if _, err := strconv.ParseUint(n.String(), 10, 64); err != nil {
			return fmt.Errorf("numbers entries must be whole numbers, got %s", item)
		}
		out = append(out, n.String())
	}
	*t = out
	return nil
}

// number returns v as a float64 only if it was a JSON number.
func number(v interface{}) *float64 {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

// delay converts a delayMs field; anything but a JSON number means default.
func delay(v interface{}) *time.Duration {
	ms := number(v)
	if ms == nil {
		return nil
	}
	d := time.Duration(*ms * float64(time.Millisecond))
	return &d
}
