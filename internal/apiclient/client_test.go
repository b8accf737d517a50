package apiclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient はスリープを記録するだけのクライアントを生成する。
func newTestClient(t *testing.T, server *httptest.Server, opts Options) (*Client, *[]time.Duration) {
	t.Helper()
	if opts.Provider == "" {
		opts.Provider = "test"
	}
	opts.HTTPClient = server.Client()
	opts.Logger = slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	c := New(opts)

	var mu sync.Mutex
	sleeps := &[]time.Duration{}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	}
	c.jitter = func(time.Duration) time.Duration { return 0 }
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, sleeps
}

func TestClient_AlwaysRateLimited_FiveAttemptsThenTerminalError(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c, sleeps := newTestClient(t, server, Options{})

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := c.Do(req)

	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("RateLimitErrorが返るべき: %v", err)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("ErrRateLimitedをラップすべき")
	}
	if hits.Load() != 5 {
		t.Errorf("試行回数 = %d, want 5", hits.Load())
	}
	if rlErr.Attempts != 5 || rlErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("RateLimitError = %+v", rlErr)
	}
	if c.Calls() != 5 {
		t.Errorf("Calls() = %d, want 5", c.Calls())
	}
	if c.RateLimitHits() != 5 {
		t.Errorf("RateLimitHits() = %d, want 5", c.RateLimitHits())
	}

	if len(*sleeps) != 4 {
		t.Fatalf("待機回数 = %d, want 4", len(*sleeps))
	}
	for i := 1; i < len(*sleeps); i++ {
		if (*sleeps)[i] < (*sleeps)[i-1] {
			t.Errorf("待機時間が単調非減少でない: %v", *sleeps)
		}
	}
	if (*sleeps)[0] != time.Second || (*sleeps)[3] != 8*time.Second {
		t.Errorf("指数バックオフの値が正しくない: %v", *sleeps)
	}
}

func TestClient_RetryAfterPreferred(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	c, sleeps := newTestClient(t, server, Options{})

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if len(*sleeps) != 1 || (*sleeps)[0] != 7*time.Second {
		t.Errorf("Retry-Afterの値で待機すべき: %v", *sleeps)
	}
}

func TestClient_RetryAfterCappedAtMaxDelay(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "3600")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, sleeps := newTestClient(t, server, Options{MaxDelay: 30 * time.Second})

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if (*sleeps)[0] != 30*time.Second {
		t.Errorf("最大待機時間で打ち切るべき: %v", *sleeps)
	}
}

func TestClient_ResetHeaderEpoch(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", "1740787212") // now + 12s
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, sleeps := newTestClient(t, server, Options{})

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if len(*sleeps) != 1 || (*sleeps)[0] != 12*time.Second {
		t.Errorf("リセット時刻まで待機すべき: %v", *sleeps)
	}
}

func TestClient_NonRateLimitErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c, _ := newTestClient(t, server, Options{})

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("404はエラーではなく応答として返すべき: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d", resp.StatusCode)
	}
	if hits.Load() != 1 {
		t.Errorf("試行回数 = %d, want 1", hits.Load())
	}
}

func TestClient_DetectorOnSuccessfulJSON(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if hits.Add(1) == 1 {
			w.Write([]byte(`{"ok":false,"error":"ratelimited"}`))
			return
		}
		w.Write([]byte(`{"ok":true,"channels":[]}`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server, Options{RateLimitDetector: SlackRateLimitDetector})

	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.GetJSON(context.Background(), server.URL, "xoxp", &out); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if !out.OK {
		t.Error("リトライ後の応答がデコードされるべき")
	}
	if hits.Load() != 2 {
		t.Errorf("試行回数 = %d, want 2", hits.Load())
	}
}

func TestClient_LowQuotaDelaysNextCall(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n == 1 {
			w.Header().Set("X-RateLimit-Remaining", "2")
		} else {
			w.Header().Set("X-RateLimit-Remaining", "100")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, sleeps := newTestClient(t, server, Options{LowQuotaDelay: 3 * time.Second})

	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		resp, err := c.Do(req)
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		resp.Body.Close()
	}

	if len(*sleeps) != 1 {
		t.Fatalf("クォータ低下後の次の1回だけ待機すべき: %v", *sleeps)
	}
	if (*sleeps)[0] != 3*time.Second {
		t.Errorf("待機時間 = %v, want 3s", (*sleeps)[0])
	}
}

func TestClient_TransportErrorRetriedThenWrapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	c, sleeps := newTestClient(t, server, Options{MaxAttempts: 3})

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := c.Do(req)
	if err == nil {
		t.Fatal("エラーが返るべき")
	}
	if errors.Is(err, ErrRateLimited) {
		t.Error("通信エラーをレート制限として扱うべきではない")
	}
	if c.Calls() != 3 {
		t.Errorf("Calls() = %d, want 3", c.Calls())
	}
	if len(*sleeps) != 2 {
		t.Errorf("待機回数 = %d, want 2", len(*sleeps))
	}
}

func TestClient_ContextCanceledReturnsImmediately(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c, _ := newTestClient(t, server, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	_, err := c.Do(req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("context.Canceledが返るべき: %v", err)
	}
	if c.Calls() != 1 {
		t.Errorf("Calls() = %d, want 1", c.Calls())
	}
}

func TestClient_ReplaysRequestBody(t *testing.T) {
	var bodies []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		n := len(bodies)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server, Options{})
	if err := c.PostJSON(context.Background(), server.URL, "tok", map[string]string{"q": "x"}, nil); err != nil {
		t.Fatalf("PostJSON() error = %v", err)
	}
	if len(bodies) != 2 || bodies[0] != bodies[1] || !strings.Contains(bodies[1], `"q":"x"`) {
		t.Errorf("リトライ時にボディが再送されていない: %v", bodies)
	}
}

func TestClient_GetJSONStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_auth"}`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server, Options{})

	var out map[string]any
	err := c.GetJSON(context.Background(), server.URL, "tok", &out)

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("StatusErrorが返るべき: %v", err)
	}
	if se.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d", se.StatusCode)
	}
}

func TestClient_InstancesHaveIndependentCounters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	a, _ := newTestClient(t, server, Options{})
	b, _ := newTestClient(t, server, Options{})

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := a.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if a.Calls() != 1 || b.Calls() != 0 {
		t.Errorf("カウンタはインスタンスごとに独立しているべき: a=%d b=%d", a.Calls(), b.Calls())
	}
}
