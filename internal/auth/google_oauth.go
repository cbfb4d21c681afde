package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

// GoogleScopes はGoogleの同意画面で要求するスコープ。
var GoogleScopes = []string{"profile", "email"}

// ErrMissingClientID はクライアントIDが未設定で認可URLを生成できない場合に返される。
var ErrMissingClientID = errors.New("oauth client id is not configured")

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string

	HTTPClient *http.Client
}

// OAuthTokens はトークンエンドポイントから取得したトークン。
type OAuthTokens struct {
	AccessToken string
	Expiry      time.Time
}

// GoogleUserInfo はGoogleのユーザー情報エンドポイントのレスポンス。
type GoogleUserInfo struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// OAuthClient は認可コードフロー（PKCE）のクライアントインターフェース。
type OAuthClient interface {
	// CreateAuthorizationURL はstateとPKCEチャレンジを埋め込んだ認可URLを生成する。
	CreateAuthorizationURL(state, codeVerifier string, scopes []string) (string, error)
	// ValidateAuthorizationCode は認可コードとverifierをアクセストークンに交換する。
	ValidateAuthorizationCode(ctx context.Context, code, codeVerifier string) (*OAuthTokens, error)
	// FetchUserInfo はアクセストークンでユーザー情報を取得する。
	FetchUserInfo(ctx context.Context, accessToken string) (*GoogleUserInfo, error)
}

// GoogleOAuthProvider はGoogle OAuth 2.0による認証を提供する。
type GoogleOAuthProvider struct {
	oauth       oauth2.Config
	userInfoURL string
	httpClient  *http.Client
}

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。
func NewGoogleOAuthProvider(config GoogleOAuthConfig) *GoogleOAuthProvider {
	endpoint := endpoints.Google
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}
	userInfoURL := config.UserInfoURL
	if userInfoURL == "" {
		userInfoURL = defaultGoogleUserInfoURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &GoogleOAuthProvider{
		oauth: oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     endpoint,
		},
		userInfoURL: userInfoURL,
		httpClient:  httpClient,
	}
}

// CreateAuthorizationURL はGoogleの認可URLを生成する。
// code_challengeはcodeVerifierからS256で導出する。
func (p *GoogleOAuthProvider) CreateAuthorizationURL(state, codeVerifier string, scopes []string) (string, error) {
	if p.oauth.ClientID == "" {
		return "", ErrMissingClientID
	}
	if state == "" || codeVerifier == "" {
		return "", fmt.Errorf("state and code verifier are required")
	}

	cfg := p.oauth
	cfg.Scopes = scopes
	return cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(codeVerifier)), nil
}

// ValidateAuthorizationCode は認可コードをアクセストークンに交換する。
// 不正・期限切れのコードやverifierの不一致はエラーになる。
func (p *GoogleOAuthProvider) ValidateAuthorizationCode(ctx context.Context, code, codeVerifier string) (*OAuthTokens, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	return &OAuthTokens{
		AccessToken: token.AccessToken,
		Expiry:      token.Expiry,
	}, nil
}

// FetchUserInfo はアクセストークンでGoogleのユーザー情報を取得する。
// アクセストークンはクエリパラメータで渡す。
func (p *GoogleOAuthProvider) FetchUserInfo(ctx context.Context, accessToken string) (*GoogleUserInfo, error) {
	endpoint := p.userInfoURL + "?" + url.Values{"access_token": {accessToken}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read user info response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info fetch failed with status %d: %s", resp.StatusCode, string(body))
	}

	var userInfo GoogleUserInfo
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}
	if userInfo.Email == "" {
		return nil, fmt.Errorf("empty email in user info response")
	}

	return &userInfo, nil
}

// GenerateState はCSRF対策用のランダムなstateを生成する。
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateCodeVerifier はPKCEのcode_verifierを生成する。
func GenerateCodeVerifier() string {
	return oauth2.GenerateVerifier()
}

// compile-time interface check
var _ OAuthClient = (*GoogleOAuthProvider)(nil)
