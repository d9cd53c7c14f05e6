// Package crawlerhttp implements crawler.Client against the crawler
// service's JSON HTTP API.
package crawlerhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-taskboard/internal/crawler"
)

// Paths holds the crawler service endpoints relative to BaseURL.
type Paths struct {
	Add      string
	Start    string
	Stop     string
	Progress string
}

// Config controls how the client reaches the crawler service.
type Config struct {
	BaseURL   string
	Paths     Paths
	AuthToken string
	Timeout   time.Duration
}

const (
	defaultTimeout  = 10 * time.Second
	maxErrorBodyLen = 512
)

// DefaultPaths returns the endpoints exposed by the crawler service.
func DefaultPaths() Paths {
	return Paths{
		Add:      "/api/urls",
		Start:    "/api/crawl",
		Stop:     "/api/stop",
		Progress: "/api/progress",
	}
}

// Client talks to the crawler service over HTTP.
type Client struct {
	base   string
	paths  Paths
	token  string
	doer   *http.Client
	logger *zap.Logger
	now    func() time.Time
}

var _ crawler.Client = (*Client)(nil)

// New builds a Client. A nil httpClient gets a default client with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("crawler base url is required")
	}
	if !crawler.IsValidURL(base) {
		return nil, fmt.Errorf("crawler base url %q must be absolute http(s)", cfg.BaseURL)
	}
	paths := cfg.Paths
	defaults := DefaultPaths()
	if paths.Add == "" {
		paths.Add = defaults.Add
	}
	if paths.Start == "" {
		paths.Start = defaults.Start
	}
	if paths.Stop == "" {
		paths.Stop = defaults.Stop
	}
	if paths.Progress == "" {
		paths.Progress = defaults.Progress
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   base,
		paths:  paths,
		token:  cfg.AuthToken,
		doer:   httpClient,
		logger: logger,
		now:    time.Now,
	}, nil
}

type urlPayload struct {
	URL string `json:"url"`
}

// Add registers url with the crawler service. A 400 response maps to
// crawler.ErrInvalidURL.
func (c *Client) Add(ctx context.Context, url string) error {
	resp, err := c.post(ctx, c.paths.Add, url)
	if err != nil {
		return fmt.Errorf("add %q: %w", url, err)
	}
	defer drain(resp)
	switch {
	case isSuccess(resp.StatusCode):
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("add %q: %w: %s", url, crawler.ErrInvalidURL, readSnippet(resp.Body))
	default:
		return fmt.Errorf("add %q: %w", url, statusError(resp))
	}
}

// Start asks the crawler service to begin crawling url. Any non-2xx response
// is reported as crawler.ErrRejected.
func (c *Client) Start(ctx context.Context, url string) error {
	resp, err := c.post(ctx, c.paths.Start, url)
	if err != nil {
		return fmt.Errorf("start %q: %w", url, err)
	}
	defer drain(resp)
	if !isSuccess(resp.StatusCode) {
		return fmt.Errorf("start %q: %w: %w", url, crawler.ErrRejected, statusError(resp))
	}
	return nil
}

// Stop asks the crawler service to cancel url.
func (c *Client) Stop(ctx context.Context, url string) error {
	resp, err := c.post(ctx, c.paths.Stop, url)
	if err != nil {
		return fmt.Errorf("stop %q: %w", url, err)
	}
	defer drain(resp)
	if !isSuccess(resp.StatusCode) {
		return fmt.Errorf("stop %q: %w", url, statusError(resp))
	}
	return nil
}

// Progress fetches the url to status listing in the order the service wrote it.
func (c *Client) Progress(ctx context.Context) (crawler.ProgressSnapshot, error) {
	requestedAt := c.now()
	req, err := c.newRequest(ctx, http.MethodGet, c.paths.Progress, nil)
	if err != nil {
		return crawler.ProgressSnapshot{}, err
	}
	resp, err := c.doer.Do(req)
	if err != nil {
		return crawler.ProgressSnapshot{}, fmt.Errorf("progress: %w", err)
	}
	defer drain(resp)
	if !isSuccess(resp.StatusCode) {
		return crawler.ProgressSnapshot{}, fmt.Errorf("progress: %w", statusError(resp))
	}
	entries, err := decodeProgress(resp.Body)
	if err != nil {
		return crawler.ProgressSnapshot{}, fmt.Errorf("progress: %w", err)
	}
	return crawler.ProgressSnapshot{RequestedAt: requestedAt, Entries: entries}, nil
}

// decodeProgress walks the JSON object token by token so entry order is kept.
// Unknown statuses are passed through lowercased for the caller to reject.
func decodeProgress(r io.Reader) ([]crawler.ProgressEntry, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	if tok == nil {
		return []crawler.ProgressEntry{}, nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("decode progress: expected object, got %v", tok)
	}
	entries := make([]crawler.ProgressEntry, 0)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode progress key: %w", err)
		}
		url, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("decode progress: unexpected key %v", keyTok)
		}
		var raw string
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode progress status for %q: %w", url, err)
		}
		status, err := crawler.ParseStatus(raw)
		if err != nil {
			status = crawler.TaskStatus(strings.ToLower(strings.TrimSpace(raw)))
		}
		entries = append(entries, crawler.ProgressEntry{URL: url, Status: status})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return entries, nil
}

func (c *Client) post(ctx context.Context, path, url string) (*http.Response, error) {
	body, err := json.Marshal(urlPayload{URL: url})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.doer.Do(req)
	if err != nil {
		c.logger.Debug("crawler request failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// StatusError carries a non-2xx response from the crawler service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("crawler service returned %d", e.Code)
	}
	return fmt.Sprintf("crawler service returned %d: %s", e.Code, e.Body)
}

func statusError(resp *http.Response) error {
	return &StatusError{Code: resp.StatusCode, Body: readSnippet(resp.Body)}
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBodyLen))
	return strings.TrimSpace(string(data))
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
