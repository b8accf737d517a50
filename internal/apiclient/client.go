// Package apiclient はプロバイダーAPI向けのレート制限対応HTTPクライアントを提供する。
// 1ジョブにつき1インスタンスを生成し、呼び出し回数などのカウンタはインスタンスが保持する。
package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/datasync/internal/metrics"
)

const (
	defaultMaxAttempts       = 5
	defaultBaseDelay         = time.Second
	defaultMaxDelay          = 60 * time.Second
	defaultLowQuotaDelay     = 2 * time.Second
	defaultLowQuotaThreshold = 3
	// epochThreshold より大きいリセット値はepoch秒、それ以下は残り秒数として扱う。
	epochThreshold = 1_000_000_000
	// maxInspectBody はレート制限判定のために読むボディの上限。
	maxInspectBody = 1 << 20
)

// ErrRateLimited はリトライ上限までレート制限が解除されなかったことを表す。
var ErrRateLimited = errors.New("provider rate limit exceeded")

// RateLimitError はレート制限による終端エラー。
type RateLimitError struct {
	Provider   string
	Attempts   int
	StatusCode int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited after %d attempts (last status %d)", e.Provider, e.Attempts, e.StatusCode)
}

// Unwrap はErrRateLimitedを返す。
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Doer はHTTPリクエストを実行する。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RateLimitDetector はプロバイダー固有のレート制限応答を判定する。
// bodyはステータス4xx以上、またはJSON応答の場合に渡される。
type RateLimitDetector func(statusCode int, header http.Header, body []byte) bool

// Options はClientの設定。
type Options struct {
	Provider          string
	HTTPClient        Doer
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	LowQuotaDelay     time.Duration
	LowQuotaThreshold int
	RateLimitDetector RateLimitDetector
	Metrics           metrics.SyncMetrics
	Logger            *slog.Logger
}

// Client はリトライとバックオフを行うHTTPクライアント。
type Client struct {
	provider          string
	http              Doer
	maxAttempts       int
	baseDelay         time.Duration
	maxDelay          time.Duration
	lowQuotaDelay     time.Duration
	lowQuotaThreshold int
	detector          RateLimitDetector
	metrics           metrics.SyncMetrics
	logger            *slog.Logger

	calls         atomic.Int64
	rateLimitHits atomic.Int64

	mu      sync.Mutex
	limiter *rate.Limiter

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// New はClientを生成する。
func New(opts Options) *Client {
	c := &Client{
		provider:          opts.Provider,
		http:              opts.HTTPClient,
		maxAttempts:       opts.MaxAttempts,
		baseDelay:         opts.BaseDelay,
		maxDelay:          opts.MaxDelay,
		lowQuotaDelay:     opts.LowQuotaDelay,
		lowQuotaThreshold: opts.LowQuotaThreshold,
		detector:          opts.RateLimitDetector,
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		now:               time.Now,
		sleep:             sleepContext,
		jitter:            randomJitter,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.baseDelay <= 0 {
		c.baseDelay = defaultBaseDelay
	}
	if c.maxDelay <= 0 {
		c.maxDelay = defaultMaxDelay
	}
	if c.lowQuotaDelay <= 0 {
		c.lowQuotaDelay = defaultLowQuotaDelay
	}
	if c.lowQuotaThreshold <= 0 {
		c.lowQuotaThreshold = defaultLowQuotaThreshold
	}
	if c.metrics == nil {
		c.metrics = metrics.NopCollector{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Calls はこのインスタンスが発行したリクエスト数を返す。
func (c *Client) Calls() int64 { return c.calls.Load() }

// RateLimitHits はレート制限応答を受けた回数を返す。
func (c *Client) RateLimitHits() int64 { return c.rateLimitHits.Load() }

// Do はリクエストを実行する。
// レート制限応答と通信エラーは最大試行回数までリトライし、それ以外のステータスはそのまま返す。
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	var (
		lastErr    error
		lastStatus int
		prevDelay  time.Duration
	)
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := c.waitForQuota(ctx); err != nil {
			return nil, err
		}

		r, err := cloneRequest(req)
		if err != nil {
			return nil, err
		}

		c.calls.Add(1)
		c.metrics.RecordAPICall(c.provider)

		resp, err := c.http.Do(r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			lastStatus = 0
			if attempt == c.maxAttempts-1 {
				break
			}
			delay := c.nextDelay(attempt, nil, prevDelay)
			prevDelay = delay
			c.logger.Warn("provider request failed, retrying",
				slog.String("provider", c.provider),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		limited, err := c.inspect(resp)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		if !limited {
			c.observeQuota(resp.Header)
			return resp, nil
		}

		resp.Body.Close()
		c.rateLimitHits.Add(1)
		c.metrics.RecordRateLimitRetry(c.provider)
		lastErr = nil
		lastStatus = resp.StatusCode

		if attempt == c.maxAttempts-1 {
			break
		}
		delay := c.nextDelay(attempt, resp.Header, prevDelay)
		prevDelay = delay
		c.logger.Warn("provider rate limited, backing off",
			slog.String("provider", c.provider),
			slog.Int("attempt", attempt+1),
			slog.Int("status", resp.StatusCode),
			slog.Duration("delay", delay),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%s request failed after %d attempts: %w", c.provider, c.maxAttempts, lastErr)
	}
	return nil, &RateLimitError{Provider: c.provider, Attempts: c.maxAttempts, StatusCode: lastStatus}
}

// inspect はレート制限応答かを判定する。ボディを読んだ場合は読み直せるように差し替える。
func (c *Client) inspect(resp *http.Response) (bool, error) {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if resp.Header.Get("Retry-After") != "" {
			return true, nil
		}
		if remaining, ok := quotaRemaining(resp.Header); ok && remaining == 0 {
			return true, nil
		}
	}

	if c.detector == nil {
		return false, nil
	}
	isJSON := strings.Contains(resp.Header.Get("Content-Type"), "json")
	if resp.StatusCode < 400 && !isJSON {
		return false, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInspectBody+1))
	if err != nil {
		return false, err
	}
	if len(body) > maxInspectBody {
		// 大きな応答は判定せずそのまま返す
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return false, nil
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return c.detector(resp.StatusCode, resp.Header, body), nil
}

// nextDelay は次の試行までの待機時間を計算する。
// Retry-After、リセット時刻、指数バックオフの順に優先し、前回の待機時間を下回らない。
func (c *Client) nextDelay(attempt int, header http.Header, prev time.Duration) time.Duration {
	delay, ok := retryAfter(header, c.now())
	if !ok {
		if reset, ok := resetDelay(header, c.now()); ok {
			delay = reset + c.jitter(time.Second)
		} else {
			delay = c.backoff(attempt)
		}
	}
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	if delay < prev {
		delay = prev
	}
	return delay
}

// backoff は base * 2^attempt に最大10%のジッターを加えた値を返す。
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay + c.jitter(delay/10)
}

// observeQuota は残りクォータが少ない場合に次の呼び出しを遅らせる。
func (c *Client) observeQuota(header http.Header) {
	remaining, ok := quotaRemaining(header)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ok && remaining < c.lowQuotaThreshold {
		if c.limiter == nil {
			c.limiter = rate.NewLimiter(rate.Every(c.lowQuotaDelay), 1)
			c.limiter.AllowN(c.now(), 1)
			c.logger.Info("provider quota low, pacing requests",
				slog.String("provider", c.provider),
				slog.Int("remaining", remaining),
			)
		}
		return
	}
	c.limiter = nil
}

// waitForQuota はクォータ低下時のペースに従って待機する。
func (c *Client) waitForQuota(ctx context.Context) error {
	c.mu.Lock()
	lim := c.limiter
	var delay time.Duration
	if lim != nil {
		now := c.now()
		delay = lim.ReserveN(now, 1).DelayFrom(now)
	}
	c.mu.Unlock()

	if delay <= 0 {
		return nil
	}
	return c.sleep(ctx, delay)
}

// cloneRequest はリトライ用にリクエストを複製する。
func cloneRequest(req *http.Request) (*http.Request, error) {
	r := req.Clone(req.Context())
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, fmt.Errorf("request body cannot be replayed")
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to replay request body: %w", err)
		}
		r.Body = body
	}
	return r, nil
}

// retryAfter はRetry-Afterヘッダー（秒数またはHTTP日付）を解釈する。
func retryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	if header == nil {
		return 0, false
	}
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

var resetHeaders = []string{"X-RateLimit-Reset", "RateLimit-Reset", "X-Rate-Limit-Reset"}

// resetDelay はクォータのリセット時刻までの時間を返す。
func resetDelay(header http.Header, now time.Time) (time.Duration, bool) {
	if header == nil {
		return 0, false
	}
	for _, name := range resetHeaders {
		v := strings.TrimSpace(header.Get(name))
		if v == "" {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || n < 0 {
			continue
		}
		if n > epochThreshold {
			d := time.Unix(int64(n), 0).Sub(now)
			if d < 0 {
				d = 0
			}
			return d, true
		}
		return time.Duration(n * float64(time.Second)), true
	}
	return 0, false
}

var remainingHeaders = []string{"X-RateLimit-Remaining", "RateLimit-Remaining", "X-Rate-Limit-Remaining"}

// quotaRemaining は残りクォータのヘッダーを解釈する。
func quotaRemaining(header http.Header) (int, bool) {
	for _, name := range remainingHeaders {
		v := strings.TrimSpace(header.Get(name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		return n, true
	}
	return 0, false
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
