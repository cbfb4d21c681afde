// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 既知のラベル値とヒストグラムのバケット
var (
	signUpResults       = []string{"success", "exists", "invalid", "error"}
	signInResults       = []string{"success", "invalid_credentials", "invalid", "error"}
	sessionModes        = []string{"created", "reused"}
	oauthOutcomes       = []string{"success", "bad_request", "exchanging_code", "fetching_profile", "resolving_user", "issuing_session"}
	rateLimitTypes      = []string{"credential", "general"}
	passwordHashBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
)

// Collector はPrometheusメトリクスを収集する実装。
// auth.MetricsRecorderを満たす。
type Collector struct {
	signUp         *prometheus.CounterVec
	signIn         *prometheus.CounterVec
	sessionsIssued *prometheus.CounterVec
	oauthCallback  *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	passwordHash   prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signUp: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_signup_total",
			Help: "サインアップ試行の結果別合計数",
		}, []string{"result"}),
		signIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_signin_total",
			Help: "サインイン試行の結果別合計数",
		}, []string{"result"}),
		sessionsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_sessions_issued_total",
			Help: "発行したセッションの合計数（新規作成・再利用別）",
		}, []string{"mode"}),
		oauthCallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_oauth_callback_total",
			Help: "OAuthコールバックの結果別合計数",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_rate_limited_total",
			Help: "レート制限で拒否したリクエスト数",
		}, []string{"limit"}),
		passwordHash: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authgate_password_hash_seconds",
			Help:    "パスワードのハッシュ計算・照合に要した時間（秒）",
			Buckets: passwordHashBuckets,
		}),
	}

	reg.MustRegister(
		c.signUp,
		c.signIn,
		c.sessionsIssued,
		c.oauthCallback,
		c.rateLimited,
		c.passwordHash,
	)

	initLabels(c.signUp, signUpResults)
	initLabels(c.signIn, signInResults)
	initLabels(c.sessionsIssued, sessionModes)
	initLabels(c.oauthCallback, oauthOutcomes)
	initLabels(c.rateLimited, rateLimitTypes)

	return c
}

// initLabels は既知のラベル値を0で出力させる。
func initLabels(vec *prometheus.CounterVec, values []string) {
	for _, v := range values {
		vec.WithLabelValues(v)
	}
}

// SignUp はサインアップの結果を記録する。
func (c *Collector) SignUp(result string) {
	c.signUp.WithLabelValues(result).Inc()
}

// SignIn はサインインの結果を記録する。
func (c *Collector) SignIn(result string) {
	c.signIn.WithLabelValues(result).Inc()
}

// SessionIssued はセッション発行を記録する。modeはcreatedまたはreused。
func (c *Collector) SessionIssued(mode string) {
	c.sessionsIssued.WithLabelValues(mode).Inc()
}

// OAuthCallback はOAuthコールバックの結果を記録する。
func (c *Collector) OAuthCallback(outcome string) {
	c.oauthCallback.WithLabelValues(outcome).Inc()
}

// RateLimited はレート制限による拒否を記録する。
func (c *Collector) RateLimited(limitType string) {
	c.rateLimited.WithLabelValues(limitType).Inc()
}

// ObservePasswordHash はパスワードハッシュ処理の所要時間を記録する。
func (c *Collector) ObservePasswordHash(d time.Duration) {
	c.passwordHash.Observe(d.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
