package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	ModeRaw  = "raw"
	ModeText = "text"

	DefaultUserAgent = "sitewatch/1.0 (+change monitor)"
	DefaultMaxBytes  = 5 << 20
	DefaultTimeout   = 30 * time.Second
)

var (
	// ErrEmptyBody is returned when a page answers with no content.
	ErrEmptyBody = errors.New("empty response body")
	// ErrTooLarge is returned when a page exceeds the configured size limit.
	ErrTooLarge = errors.New("response body too large")
)

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d %s", e.URL, e.Status, http.StatusText(e.Status))
}

type Config struct {
	Mode      string
	Timeout   time.Duration
	UserAgent string
	MaxBytes  int64
}

func (c Config) normalized() Config {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode != ModeText {
		c.Mode = ModeRaw
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	return c
}

// HTTP fetches pages over net/http.
type HTTP struct {
	client *http.Client
	conv   *Converter

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config) *HTTP {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &HTTP{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (max 5)")
				}
				return nil
			},
		},
		conv: NewConverter(),
		cfg:  cfg.normalized(),
	}
}

// Apply swaps the fetch settings; in-flight requests keep the old ones.
func (h *HTTP) Apply(cfg Config) {
	h.mu.Lock()
	h.cfg = cfg.normalized()
	h.mu.Unlock()
}

func (h *HTTP) config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Fetch retrieves url and returns its content in the configured mode.
func (h *HTTP) Fetch(ctx context.Context, url string) (string, error) {
	cfg := h.config()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return "", &StatusError{URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > cfg.MaxBytes {
		return "", fmt.Errorf("%w (limit %d bytes)", ErrTooLarge, cfg.MaxBytes)
	}

	content := string(body)
	if cfg.Mode == ModeText && isHTML(resp.Header.Get("Content-Type")) {
		content, err = h.conv.Convert(body)
		if err != nil {
			return "", fmt.Errorf("convert: %w", err)
		}
	}
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyBody
	}
	return content, nil
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}
