// Package media resolves caller-supplied media items into
// uniform in-memory media objects.
package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/ashureev/relay/internal/agent"
	"github.com/ashureev/relay/internal/domain"
)

const (
	// DefaultMaxBytes caps remote downloads.
	DefaultMaxBytes = 25 << 20
	// DefaultFetchTimeout bounds a single download.
	DefaultFetchTimeout = 60 * time.Second

	fallbackMimeType = "application/octet-stream"
)

// Spec describes one media item: either a URL to fetch or inline base64
// data with a MIME type. Caption is optional for both forms.
type Spec struct {
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// UnmarshalJSON accepts "mime" and "type" as aliases of "mimetype".
func (s *Spec) UnmarshalJSON(b []byte) error {
	type plain Spec
	var aux struct {
		plain
		Mime string `json:"mime,omitempty"`
		Type string `json:"type,omitempty"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*s = Spec(aux.plain)
	if s.MimeType == "" {
		s.MimeType = aux.Mime
	}
	if s.MimeType == "" {
		s.MimeType = aux.Type
	}
	return nil
}

// Resolver turns Specs into agent.Media.
type Resolver struct {
	client   *http.Client
	maxBytes int64
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient replaces the download client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// WithMaxBytes caps download size.
func WithMaxBytes(n int64) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

// NewResolver returns a resolver with default limits.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		client:   &http.Client{Timeout: DefaultFetchTimeout},
		maxBytes: DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve fetches or decodes spec.
func (r *Resolver) Resolve(ctx context.Context, spec Spec) (*agent.Media, error) {
	switch {
	case spec.URL != "":
		return r.fetch(ctx, spec)
	case spec.Data != "":
		if spec.MimeType == "" {
			return nil, fmt.Errorf("%w: inline media requires mimetype", domain.ErrInvalidArgument)
		}
		data := stripDataURL(spec.Data)
		if _, err := base64.StdEncoding.DecodeString(data); err != nil {
			return nil, fmt.Errorf("%w: inline media is not valid base64: %v", domain.ErrInvalidArgument, err)
		}
		return &agent.Media{MimeType: spec.MimeType, Data: data, Filename: spec.Filename}, nil
	default:
		return nil, fmt.Errorf("%w: media item requires either url or data with mimetype", domain.ErrInvalidArgument)
	}
}

func (r *Resolver) fetch(ctx context.Context, spec Spec) (*agent.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bad media url: %v", domain.ErrInvalidArgument, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %s", domain.ErrMediaFetch, spec.URL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrMediaFetch, spec.URL, err)
	}
	if int64(len(body)) > r.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", domain.ErrMediaFetch, spec.URL, r.maxBytes)
	}

	mimeType := spec.MimeType
	if mimeType == "" {
		mimeType = contentType(resp.Header.Get("Content-Type"))
	}
	if mimeType == "" {
		mimeType = fallbackMimeType
	}

	filename := spec.Filename
	if filename == "" {
		filename = path.Base(req.URL.Path)
		if filename == "/" || filename == "." {
			filename = ""
		}
	}

	return &agent.Media{
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(body),
		Filename: filename,
	}, nil
}

// contentType drops parameters such as charset from a header value.
func contentType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.TrimSpace(strings.SplitN(header, ";", 2)[0])
	}
	return mt
}

// stripDataURL accepts "data:<mime>;base64,<payload>" and returns the payload.
func stripDataURL(s string) string {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			return s[i+1:]
		}
	}
	return s
}
