package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// makeJWT builds an unsigned JWT with the given payload claims.
func makeJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

func TestGeneratePKCE(t *testing.T) {
	verifier, challenge, err := generatePKCE()
	if err != nil {
		t.Fatal(err)
	}
	if verifier == "" || challenge == "" {
		t.Fatal("empty pkce pair")
	}
	if strings.ContainsAny(verifier, "+/=") || strings.ContainsAny(challenge, "+/=") {
		t.Error("pkce values must be unpadded base64url")
	}
	digest := sha256.Sum256([]byte(verifier))
	want := base64.RawURLEncoding.EncodeToString(digest[:])
	if challenge != want {
		t.Errorf("challenge = %q, want S256 of verifier %q", challenge, want)
	}
}

func TestExtractAccountID(t *testing.T) {
	token := makeJWT(t, map[string]any{
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "acct-123",
		},
	})
	if got := extractAccountID(token); got != "acct-123" {
		t.Errorf("got %q", got)
	}
	if got := extractAccountID("not-a-jwt"); got != "" {
		t.Errorf("garbage token should yield empty id, got %q", got)
	}
	if got := extractAccountID(makeJWT(t, map[string]any{"sub": "x"})); got != "" {
		t.Errorf("token without auth claim should yield empty id, got %q", got)
	}
}

func TestAccessTokenNotLoggedIn(t *testing.T) {
	m := NewManager(t.TempDir())
	if m.LoggedIn() {
		t.Error("fresh manager should not be logged in")
	}
	if _, err := m.AccessToken(context.Background()); err == nil {
		t.Error("expected error when not logged in")
	}
}

func TestTokenFilePersistence(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	m := NewManager(dir, WithNowFunc(func() time.Time { return now }))
	m.mu.Lock()
	m.tokens = Tokens{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    now.Add(time.Hour).Unix(),
		AccountID:    "acct",
	}
	err := m.save()
	m.mu.Unlock()
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "openai_auth.json"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("token file mode = %o, want 600", info.Mode().Perm())
	}

	m2 := NewManager(dir, WithNowFunc(func() time.Time { return now }))
	if !m2.LoggedIn() || m2.AccountID() != "acct" {
		t.Errorf("tokens not reloaded: %+v", m2.tokens)
	}
	tok, err := m2.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "at" {
		t.Errorf("token = %q", tok)
	}
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	now := time.Now()
	newAccess := makeJWT(t, map[string]any{
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "acct-new",
		},
	})

	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = map[string]string{
			"grant_type":    r.PostFormValue("grant_type"),
			"client_id":     r.PostFormValue("client_id"),
			"refresh_token": r.PostFormValue("refresh_token"),
		}
		fmt.Fprintf(w, `{"access_token":%q,"refresh_token":"rt2","expires_in":3600}`, newAccess)
	}))
	defer srv.Close()

	m := NewManager(t.TempDir(),
		WithTokenURL(srv.URL),
		WithNowFunc(func() time.Time { return now }),
	)
	m.mu.Lock()
	// Expires inside the refresh margin.
	m.tokens = Tokens{AccessToken: "old", RefreshToken: "rt1", ExpiresAt: now.Add(time.Minute).Unix()}
	m.mu.Unlock()

	tok, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != newAccess {
		t.Errorf("expected refreshed token")
	}
	if gotForm["grant_type"] != "refresh_token" || gotForm["client_id"] != ClientID || gotForm["refresh_token"] != "rt1" {
		t.Errorf("refresh form = %v", gotForm)
	}
	if m.AccountID() != "acct-new" {
		t.Errorf("account id = %q", m.AccountID())
	}

	m.mu.Lock()
	if m.tokens.RefreshToken != "rt2" {
		t.Errorf("refresh token not rotated: %q", m.tokens.RefreshToken)
	}
	m.mu.Unlock()
}

func TestAccessTokenSkipsRefreshWhenFresh(t *testing.T) {
	now := time.Now()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("refresh should not be called for a fresh token")
	}))
	defer srv.Close()

	m := NewManager(t.TempDir(),
		WithTokenURL(srv.URL),
		WithNowFunc(func() time.Time { return now }),
	)
	m.mu.Lock()
	m.tokens = Tokens{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now.Add(time.Hour).Unix()}
	m.mu.Unlock()

	tok, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "at" {
		t.Errorf("token = %q", tok)
	}
}

func TestRefreshFailureSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	now := time.Now()
	m := NewManager(t.TempDir(),
		WithTokenURL(srv.URL),
		WithNowFunc(func() time.Time { return now }),
	)
	m.mu.Lock()
	m.tokens = Tokens{AccessToken: "old", RefreshToken: "rt", ExpiresAt: now.Unix()}
	m.mu.Unlock()

	_, err := m.AccessToken(context.Background())
	if err == nil || !strings.Contains(err.Error(), "HTTP 400") {
		t.Errorf("expected refresh failure, got %v", err)
	}
}

func TestLogout(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	m.mu.Lock()
	m.tokens = Tokens{AccessToken: "at", RefreshToken: "rt"}
	m.save()
	m.mu.Unlock()

	if err := m.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if m.LoggedIn() {
		t.Error("still logged in after logout")
	}
	if _, err := os.Stat(filepath.Join(dir, "openai_auth.json")); !os.IsNotExist(err) {
		t.Error("token file still exists")
	}
	// Logging out twice is fine.
	if err := m.Logout(); err != nil {
		t.Errorf("second logout: %v", err)
	}
}
