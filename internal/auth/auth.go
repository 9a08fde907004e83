// Package auth manages OAuth tokens for the ChatGPT backend API.
//
// The flow mirrors the Codex CLI login: PKCE authorization code exchange
// against auth.openai.com, with tokens persisted to disk and refreshed
// ahead of expiry.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// ClientID is the OAuth client registered for the Codex CLI.
	ClientID = "app_EMoamEEZ73f0CkXaXp7hrann"

	authorizeURL    = "https://auth.openai.com/oauth/authorize"
	defaultTokenURL = "https://auth.openai.com/oauth/token"
	redirectURI     = "http://localhost:1455/auth/callback"
	oauthScope      = "openid profile email offline_access"
	audience        = "https://api.openai.com/v1"

	// refreshMargin refreshes tokens this long before they expire.
	refreshMargin = 300 * time.Second
)

// Tokens is the persisted token state.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // unix seconds
	AccountID    string `json:"account_id"`
}

// Manager loads, refreshes, and persists OAuth tokens.
type Manager struct {
	path       string
	tokenURL   string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	tokens Tokens
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = c
	}
}

// WithTokenURL overrides the token endpoint (for testing).
func WithTokenURL(u string) Option {
	return func(m *Manager) {
		m.tokenURL = u
	}
}

// WithLogger sets a structured logger for the manager.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithNowFunc overrides the clock (for testing).
func WithNowFunc(fn func() time.Time) Option {
	return func(m *Manager) {
		m.now = fn
	}
}

// NewManager creates a token manager storing state under dataDir. Existing
// tokens are loaded best-effort.
func NewManager(dataDir string, opts ...Option) *Manager {
	m := &Manager{
		path:       filepath.Join(dataDir, "openai_auth.json"),
		tokenURL:   defaultTokenURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.load()
	return m
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("failed to load oauth tokens", "error", err)
		}
		return
	}
	if err := json.Unmarshal(data, &m.tokens); err != nil {
		m.logger.Warn("failed to parse oauth tokens", "error", err)
	}
}

// save persists tokens with owner-only permissions. Callers hold m.mu.
func (m *Manager) save() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create auth dir: %w", err)
	}
	data, err := json.MarshalIndent(m.tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	if err := os.WriteFile(m.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// LoggedIn reports whether both access and refresh tokens are present.
func (m *Manager) LoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens.AccessToken != "" && m.tokens.RefreshToken != ""
}

// AccountID returns the ChatGPT account id extracted from the token.
func (m *Manager) AccountID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens.AccountID
}

// AccessToken returns a valid access token, refreshing it when it expires
// within the margin.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tokens.AccessToken == "" || m.tokens.RefreshToken == "" {
		return "", errors.New("not logged in. Run: tina login")
	}
	if m.now().Unix() >= m.tokens.ExpiresAt-int64(refreshMargin.Seconds()) {
		if err := m.refresh(ctx); err != nil {
			return "", err
		}
	}
	return m.tokens.AccessToken, nil
}

// tokenResponse is the OAuth token endpoint response body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// refresh exchanges the refresh token for new tokens. Callers hold m.mu.
func (m *Manager) refresh(ctx context.Context) error {
	m.logger.Info("refreshing oauth token")

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {ClientID},
		"refresh_token": {m.tokens.RefreshToken},
	}
	resp, err := m.postForm(ctx, form)
	if err != nil {
		return fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		m.logger.Error("token refresh failed", "status", resp.StatusCode, "body", string(body))
		return fmt.Errorf("token refresh failed (HTTP %d), try logging in again: tina login", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("parse token response: %w", err)
	}
	m.applyTokens(tr)
	if err := m.save(); err != nil {
		return err
	}
	m.logger.Info("token refreshed")
	return nil
}

// exchangeCode trades an authorization code for tokens during login.
func (m *Manager) exchangeCode(ctx context.Context, code, verifier string) error {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {ClientID},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	}
	resp, err := m.postForm(ctx, form)
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("token exchange failed (HTTP %d): %s", resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("parse token response: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyTokens(tr)
	return m.save()
}

// applyTokens stores a token response. Callers hold m.mu.
func (m *Manager) applyTokens(tr tokenResponse) {
	m.tokens.AccessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		m.tokens.RefreshToken = tr.RefreshToken
	}
	expiresIn := tr.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	m.tokens.ExpiresAt = m.now().Unix() + expiresIn
	if id := extractAccountID(tr.AccessToken); id != "" {
		m.tokens.AccountID = id
	}
}

func (m *Manager) postForm(ctx context.Context, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return m.httpClient.Do(req)
}

// Logout clears stored tokens and removes the token file.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = Tokens{}
	err := os.Remove(m.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}
