package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/datasync/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）
	GeneralBurst    int           // API全般のバーストサイズ
	SyncRate        rate.Limit    // 同期要求のレート（req/sec）
	SyncBurst       int           // 同期要求のバーストサイズ
	CleanupInterval time.Duration // アイドルエントリの掃除間隔
	Logger          *slog.Logger
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/user、同期要求 10 req/min/user。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0),
		GeneralBurst:    120,
		SyncRate:        rate.Limit(10.0 / 60.0),
		SyncBurst:       10,
		CleanupInterval: 5 * time.Minute,
	}
}

// limiterPool はユーザーごとのトークンバケットを保持する。
type limiterPool struct {
	kind  string
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newLimiterPool(kind string, limit rate.Limit, burst int) *limiterPool {
	return &limiterPool{kind: kind, limit: limit, burst: burst, entries: make(map[string]*poolEntry)}
}

// get はユーザーのリミッターを返す。無ければ作成する。
func (p *limiterPool) get(userID string, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[userID]
	if !ok {
		e = &poolEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.entries[userID] = e
	}
	e.lastAccess = now
	return e.limiter
}

// evictIdle は最終アクセスからttlを超えたエントリを削除する。
func (p *limiterPool) evictIdle(now time.Time, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for userID, e := range p.entries {
		if now.Sub(e.lastAccess) > ttl {
			delete(p.entries, userID)
		}
	}
}

func (p *limiterPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// retryAfter は1トークンが補充されるまでの秒数。最小1秒。
func (p *limiterPool) retryAfter() int {
	if p.limit <= 0 {
		return 1
	}
	return max(1, int(math.Ceil(1.0/float64(p.limit))))
}

// RateLimiter はユーザーごとのレート制限を管理する。
// API全般と同期要求の2系統を独立に持つ。
type RateLimiter struct {
	config  RateLimiterConfig
	logger  *slog.Logger
	general *limiterPool
	sync    *limiterPool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成し、アイドルエントリの掃除を開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		config:  config,
		logger:  logger,
		general: newLimiterPool("general", config.GeneralRate, config.GeneralBurst),
		sync:    newLimiterPool("sync_request", config.SyncRate, config.SyncBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop は掃除goroutineを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// SessionMiddlewareの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general)
}

// SyncRequestMiddleware は同期要求専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) SyncRequestMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.sync)
}

func (rl *RateLimiter) middleware(pool *limiterPool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			if !pool.get(userID, time.Now()).Allow() {
				rl.logger.Warn("レート制限を超過しました",
					slog.String("user_id", userID),
					slog.String("limit_type", pool.kind),
				)
				w.Header().Set("Retry-After", strconv.Itoa(pool.retryAfter()))
				WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は管理中のAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// SyncLimiterCount は管理中の同期要求リミッターのエントリ数を返す。
func (rl *RateLimiter) SyncLimiterCount() int {
	return rl.sync.len()
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスがCleanupIntervalの2倍より古いエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2
	rl.general.evictIdle(now, ttl)
	rl.sync.evictIdle(now, ttl)
}
