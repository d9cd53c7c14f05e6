package crawlerhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-taskboard/internal/crawler"
)

func TestClientPostsURLPayloads(t *testing.T) {
	t.Parallel()

	rec := &requestRecorder{}
	srv := httptest.NewServer(rec.handler(http.StatusOK, ""))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL + "/", AuthToken: "secret"}, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Add(ctx, "https://a.test"))
	require.NoError(t, client.Start(ctx, "https://a.test"))
	require.NoError(t, client.Stop(ctx, "https://a.test"))

	calls := rec.all()
	require.Len(t, calls, 3)
	require.Equal(t, []string{"/api/urls", "/api/crawl", "/api/stop"},
		[]string{calls[0].path, calls[1].path, calls[2].path})
	for _, call := range calls {
		require.Equal(t, http.MethodPost, call.method)
		require.Equal(t, "Bearer secret", call.auth)
		require.Equal(t, "https://a.test", call.url)
	}
}

func TestClientCustomPaths(t *testing.T) {
	t.Parallel()

	rec := &requestRecorder{}
	srv := httptest.NewServer(rec.handler(http.StatusAccepted, ""))
	defer srv.Close()

	client, err := New(Config{
		BaseURL: srv.URL,
		Paths:   Paths{Start: "/v2/start"},
	}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, client.Start(context.Background(), "https://a.test"))
	require.NoError(t, client.Add(context.Background(), "https://a.test"))

	calls := rec.all()
	require.Equal(t, "/v2/start", calls[0].path)
	require.Equal(t, "/api/urls", calls[1].path)
	require.Empty(t, calls[0].auth)
}

func TestClientErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		code   int
		call   func(*Client) error
		target error
	}{
		{
			name:   "add bad request",
			code:   http.StatusBadRequest,
			call:   func(c *Client) error { return c.Add(context.Background(), "https://a.test") },
			target: crawler.ErrInvalidURL,
		},
		{
			name:   "start conflict",
			code:   http.StatusConflict,
			call:   func(c *Client) error { return c.Start(context.Background(), "https://a.test") },
			target: crawler.ErrRejected,
		},
		{
			name:   "start server error",
			code:   http.StatusInternalServerError,
			call:   func(c *Client) error { return c.Start(context.Background(), "https://a.test") },
			target: crawler.ErrRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer((&requestRecorder{}).handler(tt.code, "nope"))
			defer srv.Close()
			client, err := New(Config{BaseURL: srv.URL}, nil, nil)
			require.NoError(t, err)

			err = tt.call(client)
			require.ErrorIs(t, err, tt.target)
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				require.Equal(t, tt.code, statusErr.Code)
			}
			require.Contains(t, err.Error(), "nope")
		})
	}
}

func TestClientStopNon2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer((&requestRecorder{}).handler(http.StatusNotFound, "no such crawl"))
	defer srv.Close()
	client, err := New(Config{BaseURL: srv.URL}, nil, nil)
	require.NoError(t, err)

	err = client.Stop(context.Background(), "https://a.test")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.Code)
	require.NotErrorIs(t, err, crawler.ErrRejected)
}

func TestClientProgressKeepsOrder(t *testing.T) {
	t.Parallel()

	body := `{"https://c.test":"done","https://a.test":"Running","https://b.test":"queued","https://d.test":"paused"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/progress", r.URL.Path)
		require.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL}, nil, nil)
	require.NoError(t, err)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return fixed }

	snap, err := client.Progress(context.Background())
	require.NoError(t, err)
	require.Equal(t, fixed, snap.RequestedAt)
	require.Equal(t, []crawler.ProgressEntry{
		{URL: "https://c.test", Status: crawler.TaskStatusDone},
		{URL: "https://a.test", Status: crawler.TaskStatusRunning},
		{URL: "https://b.test", Status: crawler.TaskStatusQueued},
		{URL: "https://d.test", Status: "paused"},
	}, snap.Entries)
	require.Equal(t, []string{"https://a.test"}, snap.Running())
}

func TestDecodeProgress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{name: "empty object", body: `{}`, want: 0},
		{name: "null", body: `null`, want: 0},
		{name: "array", body: `[]`, wantErr: true},
		{name: "non string status", body: `{"https://a.test": 3}`, wantErr: true},
		{name: "truncated", body: `{"https://a.test": "done"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			entries, err := decodeProgress(strings.NewReader(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, entries, tt.want)
		})
	}
}

func TestClientTransportFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client, err := New(Config{BaseURL: srv.URL, Timeout: time.Second}, nil, nil)
	require.NoError(t, err)

	require.Error(t, client.Add(context.Background(), "https://a.test"))
	_, err = client.Progress(context.Background())
	require.Error(t, err)
}

func TestNewValidatesBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{BaseURL: "crawler:8080"}, nil, nil)
	require.Error(t, err)
}

type recordedCall struct {
	method string
	path   string
	auth   string
	url    string
}

type requestRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *requestRecorder) handler(code int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var payload urlPayload
		_ = json.NewDecoder(req.Body).Decode(&payload)
		r.mu.Lock()
		r.calls = append(r.calls, recordedCall{
			method: req.Method,
			path:   req.URL.Path,
			auth:   req.Header.Get("Authorization"),
			url:    payload.URL,
		})
		r.mu.Unlock()
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	})
}

func (r *requestRecorder) all() []recordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedCall(nil), r.calls...)
}
