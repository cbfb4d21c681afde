// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
)

// OAuthトランザクションを保持するCookie名。
const (
	oauthStateCookie    = "state"
	oauthVerifierCookie = "code_verifier"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, input auth.SignUpInput) (*model.Session, error)
	SignIn(ctx context.Context, input auth.SignInInput) (*model.Session, error)
	SignOut(ctx context.Context, sessionID string) error
	BeginGoogleOAuth() (string, *auth.Transaction, error)
	CompleteGoogleOAuth(ctx context.Context, code, codeVerifier string) (*model.Session, error)
	GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error)
}

// SessionCookies はセッションCookieの生成を担う。
type SessionCookies interface {
	CookieName() string
	CreateSessionCookie(sessionID string) *http.Cookie
	CreateBlankSessionCookie() *http.Cookie
}

// TransactionCodec はOAuthトランザクションをCookie値へ封印・復元する。
type TransactionCodec interface {
	TTL() time.Duration
	Seal(tx *auth.Transaction) (string, error)
	Open(token string) (*auth.Transaction, error)
}

// CallbackRecorder はコールバックの結果を記録する。
type CallbackRecorder interface {
	OAuthCallback(outcome string)
}

type nopCallbackRecorder struct{}

func (nopCallbackRecorder) OAuthCallback(string) {}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	DashboardPath string
	LoginPath     string
	CookieSecure  bool
	CookieDomain  string
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service      AuthServiceInterface
	cookies      SessionCookies
	transactions TransactionCodec
	recorder     CallbackRecorder
	config       AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。recorderがnilの場合は記録しない。
func NewAuthHandler(
	service AuthServiceInterface,
	cookies SessionCookies,
	transactions TransactionCodec,
	recorder CallbackRecorder,
	config AuthHandlerConfig,
) *AuthHandler {
	if recorder == nil {
		recorder = nopCallbackRecorder{}
	}
	if config.DashboardPath == "" {
		config.DashboardPath = "/dashboard"
	}
	if config.LoginPath == "" {
		config.LoginPath = "/auth/login"
	}
	return &AuthHandler{
		service:      service,
		cookies:      cookies,
		transactions: transactions,
		recorder:     recorder,
		config:       config,
	}
}

// SignUp は新規登録アクション。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var input auth.SignUpInput
	if !decodeActionBody(w, r, &input) {
		return
	}

	session, err := h.service.SignUp(r.Context(), input)
	if err != nil {
		writeActionError(w, "signup", err)
		return
	}

	http.SetCookie(w, h.cookies.CreateSessionCookie(session.ID))
	writeActionSuccess(w)
}

// SignIn はサインインアクション。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var input auth.SignInInput
	if !decodeActionBody(w, r, &input) {
		return
	}

	session, err := h.service.SignIn(r.Context(), input)
	if err != nil {
		writeActionError(w, "signin", err)
		return
	}

	http.SetCookie(w, h.cookies.CreateSessionCookie(session.ID))
	writeActionSuccess(w)
}

// SignOut は空のセッションCookieを設定し、ログインページへリダイレクトする。
// セッション行の削除に失敗してもCookieは必ず破棄する。
// POST /auth/signout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(h.cookies.CookieName()); err == nil {
		if signOutErr := h.service.SignOut(r.Context(), cookie.Value); signOutErr != nil {
			slog.Error("failed to sign out", slog.String("error", signOutErr.Error()))
		}
	}

	http.SetCookie(w, h.cookies.CreateBlankSessionCookie())
	http.Redirect(w, r, h.config.LoginPath, http.StatusSeeOther)
}

// GoogleConsent はGoogleの同意画面URLを返し、stateとcode_verifierをCookieに保存する。
// POST /auth/google/consent
func (h *AuthHandler) GoogleConsent(w http.ResponseWriter, r *http.Request) {
	authURL, tx, err := h.service.BeginGoogleOAuth()
	if err != nil {
		writeActionError(w, "google_consent", err)
		return
	}

	sealed, err := h.transactions.Seal(tx)
	if err != nil {
		writeActionError(w, "google_consent", err)
		return
	}

	maxAge := int(h.transactions.TTL() / time.Second)
	http.SetCookie(w, h.transactionCookie(oauthStateCookie, tx.State, maxAge))
	http.SetCookie(w, h.transactionCookie(oauthVerifierCookie, sealed, maxAge))

	writeActionResult(w, http.StatusOK, ActionResult{Success: true, URL: authURL})
}

// GoogleCallback はOAuthコールバックを処理する。
// パラメータやstateが不正な場合は何も作成せずに400を返す。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	tx, reason := h.verifyCallback(r)
	if reason != "" {
		slog.Warn("oauth callback rejected", slog.String("reason", reason))
		h.recorder.OAuthCallback("bad_request")
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidOAuthRequestError())
		return
	}

	code := r.URL.Query().Get("code")
	session, err := h.service.CompleteGoogleOAuth(r.Context(), code, tx.CodeVerifier)
	if err != nil {
		stage := "unknown"
		var cbErr *auth.CallbackError
		if errors.As(err, &cbErr) {
			stage = string(cbErr.Stage)
		}
		slog.Error("oauth callback failed",
			slog.String("stage", stage),
			slog.String("error", err.Error()),
		)
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	// 使用済みのトランザクションCookieを削除
	http.SetCookie(w, h.transactionCookie(oauthStateCookie, "", -1))
	http.SetCookie(w, h.transactionCookie(oauthVerifierCookie, "", -1))
	http.SetCookie(w, h.cookies.CreateSessionCookie(session.ID))

	http.Redirect(w, r, h.config.DashboardPath, http.StatusFound)
}

// verifyCallback はコールバックのパラメータとCookieを照合する。
// 不正な場合は拒否理由を返す。
func (h *AuthHandler) verifyCallback(r *http.Request) (*auth.Transaction, string) {
	query := r.URL.Query()
	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		return nil, "missing_params"
	}

	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value != state {
		return nil, "state_mismatch"
	}

	verifierCookie, err := r.Cookie(oauthVerifierCookie)
	if err != nil || verifierCookie.Value == "" {
		return nil, "missing_verifier"
	}

	tx, err := h.transactions.Open(verifierCookie.Value)
	if err != nil {
		return nil, "invalid_verifier"
	}
	if tx.State != state {
		return nil, "verifier_state_mismatch"
	}
	return tx, ""
}

func (h *AuthHandler) transactionCookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// currentUserResponse は現在のユーザー情報のレスポンス。
type currentUserResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Picture   string `json:"picture,omitempty"`
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(h.cookies.CookieName())
	if err != nil || cookie.Value == "" {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	user, err := h.service.GetCurrentUser(r.Context(), cookie.Value)
	if err != nil {
		if errors.Is(err, auth.ErrSessionNotFound) || errors.Is(err, auth.ErrUserNotFound) {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		slog.Error("failed to get current user", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(currentUserResponse{
		ID:        user.ID,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Picture:   user.Picture,
	})
}

// Session はセッションミドルウェアが解決したユーザーIDを返す。
// GET /api/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"user_id": userID})
}
