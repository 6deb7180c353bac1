package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/prospector/internal/config"
)

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func textResponse(t *testing.T, w http.ResponseWriter, text string) {
	t.Helper()
	resp := map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"usage":   map[string]any{"input_tokens": 12, "output_tokens": 34},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestClient(srv *httptest.Server, rec *sleepRecorder) *Client {
	opts := Options{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "claude-test",
		Timeout: 2 * time.Second,
	}
	if rec != nil {
		opts.Sleep = rec.Sleep
	}
	return New(opts)
}

func TestClient_RequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-test", body["model"])
		assert.Equal(t, float64(800), body["max_tokens"])
		assert.Equal(t, 0.4, body["temperature"])
		msgs := body["messages"].([]any)
		require.Len(t, msgs, 1)
		msg := msgs[0].(map[string]any)
		assert.Equal(t, "user", msg["role"])
		assert.Equal(t, "score this", msg["content"])

		textResponse(t, w, `{"ok":true}`)
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "test-key"
	cfg.Provider.BaseURL = srv.URL + "/"
	cfg.Provider.Model = "claude-test"

	var observed Usage
	opts := OptionsFromConfig(cfg)
	opts.OnUsage = func(model string, u Usage) {
		assert.Equal(t, "claude-test", model)
		observed = u
	}
	out, err := New(opts).Execute(context.Background(), "score this")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 34}, observed)
}

func TestClient_RetriesRateLimitThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"slow down"}`))
			return
		}
		textResponse(t, w, `{"a":1}`)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	out, err := newTestClient(srv, rec).Execute(context.Background(), "p")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.Waits())
}

func TestClient_RetryTimingWallClock(t *testing.T) {
	if testing.Short() {
		t.Skip("waits three seconds of real backoff")
	}

	var mu sync.Mutex
	var arrivals []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		n := len(arrivals)
		mu.Unlock()
		if n <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		textResponse(t, w, `{"a":1}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv, nil).Execute(context.Background(), "p")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, arrivals, 3)
	first := arrivals[1].Sub(arrivals[0])
	second := arrivals[2].Sub(arrivals[1])
	assert.InDelta(t, float64(time.Second), float64(first), float64(400*time.Millisecond))
	assert.InDelta(t, float64(2*time.Second), float64(second), float64(400*time.Millisecond))
}

func TestClient_ForbiddenIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("forbidden"))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	_, err := newTestClient(srv, rec).Execute(context.Background(), "p")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, rec.Waits())

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
	assert.False(t, statusErr.Retryable())
	assert.Equal(t, KindFatal, KindOf(err))
	assert.Contains(t, err.Error(), "403")
}

func TestClient_ExhaustsOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	_, err := newTestClient(srv, rec).Execute(context.Background(), "p")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Equal(t, KindTransient, KindOf(err))
	// No wait is scheduled after the final attempt.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.Waits())
}

func TestClient_AttemptTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		textResponse(t, w, `{"late":false}`)
	}))
	defer srv.Close()
	defer close(release)

	rec := &sleepRecorder{}
	c := New(Options{APIKey: "k", BaseURL: srv.URL, Timeout: 100 * time.Millisecond, Sleep: rec.Sleep})
	out, err := c.Execute(context.Background(), "p")
	require.NoError(t, err)
	assert.JSONEq(t, `{"late":false}`, string(out))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []time.Duration{time.Second}, rec.Waits())
}

func TestClient_MissingKeyMakesNoRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := New(Options{APIKey: "   ", BaseURL: srv.URL})
	_, err := c.Execute(context.Background(), "p")
	require.ErrorIs(t, err, ErrMissingAPIKey)
	assert.Equal(t, KindFatal, KindOf(err))
	assert.Zero(t, calls.Load())
}

func TestClient_UnparseableAnswerIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		textResponse(t, w, "not json at all")
	}))
	defer srv.Close()

	_, err := newTestClient(srv, &sleepRecorder{}).Execute(context.Background(), "p")
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, KindParse, KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_CallerCancellationStopsBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := New(Options{
		APIKey:  "k",
		BaseURL: srv.URL,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	})
	_, err := c.Execute(ctx, "p")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, KindCanceled, KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_UsageObserverPanicIsContained(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		textResponse(t, w, `{"a":1}`)
	}))
	defer srv.Close()

	c := New(Options{
		APIKey:  "k",
		BaseURL: srv.URL,
		OnUsage: func(string, Usage) { panic("boom") },
	})
	out, err := c.Execute(context.Background(), "p")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))
}

func TestBackoff(t *testing.T) {
	c := New(Options{})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 8 * time.Second},
		{70, 8 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoff_JitterStaysWithinFraction(t *testing.T) {
	c := New(Options{Jitter: 0.5})
	for i := 0; i < 50; i++ {
		d := c.Backoff(1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)

		capped := c.Backoff(3)
		assert.Equal(t, 8*time.Second, capped, "jitter must not push past the cap")
		assert.LessOrEqual(t, c.Backoff(2), 8*time.Second)
		assert.GreaterOrEqual(t, c.Backoff(2), 4*time.Second)
	}
}
