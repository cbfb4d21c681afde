package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/authgate/internal/model"
	"golang.org/x/time/rate"
)

// レート制限の種別
const (
	LimitTypeCredential = "credential"
	LimitTypeGeneral    = "general"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	CredentialRate  rate.Limit    // サインイン・サインアップのIPごとのレート（req/sec）
	CredentialBurst int           // 同バーストサイズ
	GeneralRate     rate.Limit    // 保護APIのユーザーごとのレート（req/sec）
	GeneralBurst    int           // 同バーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔

	// OnLimited はリクエストを拒否したときに種別を通知する。nilの場合は何もしない。
	OnLimited func(limitType string)
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 認証試行 10 req/min/IP、保護API 120 req/min/user
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfigPerMinute(10, 120)
}

// RateLimiterConfigPerMinute は1分あたりの許容回数からRateLimiterConfigを生成する。
// バーストサイズは1分あたりの許容回数と同じにする。
func RateLimiterConfigPerMinute(credentialPerMin, generalPerMin int) RateLimiterConfig {
	return RateLimiterConfig{
		CredentialRate:  rate.Limit(float64(credentialPerMin) / 60.0),
		CredentialBurst: credentialPerMin,
		GeneralRate:     rate.Limit(float64(generalPerMin) / 60.0),
		GeneralBurst:    generalPerMin,
		CleanupInterval: 5 * time.Minute,
	}
}

// keyedLimiter はキーごとのレートリミッターと最終アクセス時刻を保持する。
type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterTable はキー（IPまたはユーザーID）ごとのリミッター表。
type limiterTable struct {
	mu      sync.Mutex
	entries map[string]*keyedLimiter
	rate    rate.Limit
	burst   int
}

func newLimiterTable(r rate.Limit, burst int) *limiterTable {
	return &limiterTable{
		entries: make(map[string]*keyedLimiter),
		rate:    r,
		burst:   burst,
	}
}

// allow はキーのリミッターを取得または作成し、1トークン消費できるかを返す。
func (t *limiterTable) allow(key string, now time.Time) bool {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok {
		entry = &keyedLimiter{limiter: rate.NewLimiter(t.rate, t.burst)}
		t.entries[key] = entry
	}
	entry.lastAccess = now
	t.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// sweep は最終アクセスからttlを超えたエントリを削除する。
func (t *limiterTable) sweep(now time.Time, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, entry := range t.entries {
		if now.Sub(entry.lastAccess) > ttl {
			delete(t.entries, key)
		}
	}
}

func (t *limiterTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// RateLimiter は認証試行（IP単位）と保護API（ユーザー単位）のレート制限を管理する。
type RateLimiter struct {
	config     RateLimiterConfig
	credential *limiterTable
	general    *limiterTable

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:     config,
		credential: newLimiterTable(config.CredentialRate, config.CredentialBurst),
		general:    newLimiterTable(config.GeneralRate, config.GeneralBurst),
		stopCh:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// CredentialMiddleware はサインイン・サインアップ向けのIP単位のレート制限ミドルウェアを返す。
// パスワード総当たりを抑制するため、セッションの有無に関係なく適用する。
func (rl *RateLimiter) CredentialMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !rl.credential.allow(ip, time.Now()) {
				rl.reject(w, LimitTypeCredential, rl.config.CredentialRate, slog.String("remote_ip", ip))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GeneralMiddleware は保護API向けのユーザー単位のレート制限ミドルウェアを返す。
// リクエストコンテキストにユーザーIDが含まれている必要がある（SessionMiddlewareの後に配置）。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if !rl.general.allow(userID, time.Now()) {
				rl.reject(w, LimitTypeGeneral, rl.config.GeneralRate, slog.String("user_id", userID))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CredentialLimiterCount は現在管理されている認証試行リミッターのエントリ数を返す。
func (rl *RateLimiter) CredentialLimiterCount() int {
	return rl.credential.len()
}

// GeneralLimiterCount は現在管理されている保護APIリミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

func (rl *RateLimiter) reject(w http.ResponseWriter, limitType string, r rate.Limit, key slog.Attr) {
	slog.Warn("rate limit exceeded",
		key,
		slog.String("limit_type", limitType),
	)
	if rl.config.OnLimited != nil {
		rl.config.OnLimited(limitType)
	}
	writeRateLimitResponse(w, r)
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
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

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2
	rl.credential.sweep(now, ttl)
	rl.general.sweep(now, ttl)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
	}
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}

// clientIP はリクエスト元のIPアドレスを返す。
// プロキシ配下ではchiのRealIPミドルウェアでRemoteAddrを書き換えておくこと。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
