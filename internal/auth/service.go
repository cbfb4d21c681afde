// Package auth はパスワード認証、Google OAuthフロー、セッション発行のビジネスロジックを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
)

var (
	// ErrUserAlreadyExists はサインアップ時にメールアドレスが登録済みの場合に返される。
	ErrUserAlreadyExists = errors.New("user already exists")
	// ErrInvalidCredentials はサインイン時にユーザーが存在しない、パスワード未設定、または不一致の場合に返される。
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSessionNotFound は有効なセッションが存在しない場合に返される。
	ErrSessionNotFound = errors.New("session not found or expired")
	// ErrUserNotFound はセッションに紐づくユーザーが存在しない場合に返される。
	ErrUserNotFound = errors.New("user not found")
)

// CallbackStage はOAuthコールバック処理の段階を表す。
type CallbackStage string

// コールバック処理の段階
const (
	StageExchangingCode  CallbackStage = "exchanging_code"
	StageFetchingProfile CallbackStage = "fetching_profile"
	StageResolvingUser   CallbackStage = "resolving_user"
	StageIssuingSession  CallbackStage = "issuing_session"
)

// CallbackError はOAuthコールバックの失敗した段階と原因を保持する。
type CallbackError struct {
	Stage CallbackStage
	Err   error
}

// Error はerrorインターフェースを実装する。
func (e *CallbackError) Error() string {
	return fmt.Sprintf("oauth callback failed at %s: %v", e.Stage, e.Err)
}

// Unwrap は原因のエラーを返す。
func (e *CallbackError) Unwrap() error {
	return e.Err
}

// SessionIssuer はサービスが必要とするセッション操作。
// session.Managerが実装する。
type SessionIssuer interface {
	CreateSession(ctx context.Context, userID string, attributes map[string]any) (*model.Session, error)
	FindActiveSession(ctx context.Context, userID string) (*model.Session, error)
	ValidateSession(ctx context.Context, sessionID string) (*model.Session, error)
	InvalidateSession(ctx context.Context, sessionID string) error
}

// MetricsRecorder は認証イベントの計測インターフェース。
type MetricsRecorder interface {
	SignUp(result string)
	SignIn(result string)
	SessionIssued(mode string)
	OAuthCallback(outcome string)
	ObservePasswordHash(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) SignUp(string) {}
func (nopMetrics) SignIn(string) {}
func (nopMetrics) SessionIssued(string) {}
func (nopMetrics) OAuthCallback(string) {}
func (nopMetrics) ObservePasswordHash(time.Duration) {}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	// InvalidateOnSignOut がtrueの場合、サインアウト時にセッション行も削除する。
	InvalidateOnSignOut bool
	Metrics             MetricsRecorder
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	users    repository.UserRepository
	sessions SessionIssuer
	hasher   PasswordHasher
	oauth    OAuthClient
	metrics  MetricsRecorder
	config   ServiceConfig
	now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	users repository.UserRepository,
	sessions SessionIssuer,
	hasher PasswordHasher,
	oauth OAuthClient,
	config ServiceConfig,
) *Service {
	metrics := config.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Service{
		users:    users,
		sessions: sessions,
		hasher:   hasher,
		oauth:    oauth,
		metrics:  metrics,
		config:   config,
		now:      time.Now,
	}
}

// SignUp は新規ユーザーを登録し、新しいセッションを発行する。
// 既存セッションの再利用は行わない。
func (s *Service) SignUp(ctx context.Context, input SignUpInput) (*model.Session, error) {
	in, err := input.normalize()
	if err != nil {
		s.metrics.SignUp("invalid")
		return nil, err
	}

	existing, err := s.users.FindByEmail(ctx, in.Email)
	if err != nil {
		s.metrics.SignUp("error")
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if existing != nil {
		s.metrics.SignUp("exists")
		return nil, ErrUserAlreadyExists
	}

	hash, err := s.hashPassword(in.Password)
	if err != nil {
		s.metrics.SignUp("error")
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        in.Email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			s.metrics.SignUp("exists")
			return nil, ErrUserAlreadyExists
		}
		s.metrics.SignUp("error")
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	session, err := s.sessions.CreateSession(ctx, user.ID, nil)
	if err != nil {
		s.metrics.SignUp("error")
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.metrics.SessionIssued("created")
	s.metrics.SignUp("success")

	slog.Info("user signed up", slog.String("user_id", user.ID))
	return session, nil
}

// SignIn はメールアドレスとパスワードで認証し、セッションを返す。
// 有効期限内のセッションがあれば再利用する。
func (s *Service) SignIn(ctx context.Context, input SignInInput) (*model.Session, error) {
	in, err := input.normalize()
	if err != nil {
		s.metrics.SignIn("invalid")
		return nil, err
	}

	user, err := s.users.FindByEmail(ctx, in.Email)
	if err != nil {
		s.metrics.SignIn("error")
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if user == nil || !user.HasPassword() {
		s.metrics.SignIn("invalid_credentials")
		return nil, ErrInvalidCredentials
	}

	ok, err := s.verifyPassword(user.PasswordHash, in.Password)
	if err != nil {
		s.metrics.SignIn("error")
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		s.metrics.SignIn("invalid_credentials")
		return nil, ErrInvalidCredentials
	}

	session, err := s.resolveSession(ctx, user.ID)
	if err != nil {
		s.metrics.SignIn("error")
		return nil, err
	}
	s.metrics.SignIn("success")

	slog.Info("user signed in", slog.String("user_id", user.ID))
	return session, nil
}

// SignOut はサインアウトする。
// InvalidateOnSignOutが無効の場合、セッション行は残りCookieの破棄のみとなる。
func (s *Service) SignOut(ctx context.Context, sessionID string) error {
	if !s.config.InvalidateOnSignOut || sessionID == "" {
		return nil
	}
	if err := s.sessions.InvalidateSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to invalidate session: %w", err)
	}
	slog.Info("session invalidated on sign out")
	return nil
}

// BeginGoogleOAuth はstateとcode_verifierを生成し、Googleの同意画面URLを返す。
func (s *Service) BeginGoogleOAuth() (string, *Transaction, error) {
	state, err := GenerateState()
	if err != nil {
		return "", nil, err
	}
	tx := &Transaction{
		State:        state,
		CodeVerifier: GenerateCodeVerifier(),
	}

	authURL, err := s.oauth.CreateAuthorizationURL(tx.State, tx.CodeVerifier, GoogleScopes)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create authorization url: %w", err)
	}
	return authURL, tx, nil
}

// CompleteGoogleOAuth は検証済みの認可コードとverifierからユーザーを解決し、セッションを返す。
// stateの照合は呼び出し側で完了している前提とする。
func (s *Service) CompleteGoogleOAuth(ctx context.Context, code, codeVerifier string) (*model.Session, error) {
	tokens, err := s.oauth.ValidateAuthorizationCode(ctx, code, codeVerifier)
	if err != nil {
		return nil, s.callbackFailed(StageExchangingCode, err)
	}

	profile, err := s.oauth.FetchUserInfo(ctx, tokens.AccessToken)
	if err != nil {
		return nil, s.callbackFailed(StageFetchingProfile, err)
	}

	user, err := s.findOrCreateOAuthUser(ctx, profile)
	if err != nil {
		return nil, s.callbackFailed(StageResolvingUser, err)
	}

	session, err := s.resolveSession(ctx, user.ID)
	if err != nil {
		return nil, s.callbackFailed(StageIssuingSession, err)
	}
	s.metrics.OAuthCallback("success")

	slog.Info("oauth sign in completed", slog.String("user_id", user.ID))
	return session, nil
}

// GetCurrentUser はセッションIDから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	session, err := s.sessions.ValidateSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to validate session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	user, err := s.users.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// findOrCreateOAuthUser はメールアドレスでユーザーを検索し、存在しなければ作成する。
func (s *Service) findOrCreateOAuthUser(ctx context.Context, profile *GoogleUserInfo) (*model.User, error) {
	email := strings.ToLower(profile.Email)

	existing, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	firstName, lastName := splitName(profile.Name)
	now := s.now()
	user := &model.User{
		ID:        uuid.New().String(),
		Email:     email,
		FirstName: firstName,
		LastName:  lastName,
		Picture:   profile.Picture,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("oauth user created", slog.String("user_id", user.ID))
	return user, nil
}

// resolveSession は有効期限内のセッションがあれば再利用し、なければ新規作成する。
func (s *Service) resolveSession(ctx context.Context, userID string) (*model.Session, error) {
	existing, err := s.sessions.FindActiveSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find active session: %w", err)
	}
	if existing != nil {
		s.metrics.SessionIssued("reused")
		slog.Debug("session reused", slog.String("user_id", userID))
		return existing, nil
	}

	session, err := s.sessions.CreateSession(ctx, userID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.metrics.SessionIssued("created")
	return session, nil
}

func (s *Service) callbackFailed(stage CallbackStage, err error) error {
	s.metrics.OAuthCallback(string(stage))
	return &CallbackError{Stage: stage, Err: err}
}

func (s *Service) hashPassword(plaintext string) (string, error) {
	start := time.Now()
	defer func() { s.metrics.ObservePasswordHash(time.Since(start)) }()
	return s.hasher.Hash(plaintext)
}

func (s *Service) verifyPassword(hash, plaintext string) (bool, error) {
	start := time.Now()
	defer func() { s.metrics.ObservePasswordHash(time.Since(start)) }()
	return s.hasher.Verify(hash, plaintext)
}

// splitName は表示名を空白で分割し、先頭を名、2番目を姓とする。
// 空白がない場合の姓は空、3語目以降は破棄される。
func splitName(name string) (string, string) {
	parts := strings.Split(name, " ")
	first := parts[0]
	last := ""
	if len(parts) > 1 {
		last = parts[1]
	}
	return first, last
}
