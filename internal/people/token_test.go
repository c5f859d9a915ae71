package people

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/matheus3301/setu/internal/errs"
	"golang.org/x/oauth2"
)

type memStore struct {
	mu sync.Mutex
	m  map[string]string
}

func (s *memStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return "", errs.ErrNotFound
	}
	return v, nil
}

func (s *memStore) Set(key, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = secret
	return nil
}

func storeToken(t *testing.T, s *memStore, tok *oauth2.Token) {
	t.Helper()
	raw, err := json.Marshal(tok)
	if err != nil {
		t.Fatal(err)
	}
	s.m[TokenKey] = string(raw)
}

func tokenEndpoint(t *testing.T, status int, body string) *oauth2.Config {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "refresh-1" {
			t.Errorf("unexpected refresh request: %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
	}
}

func TestTokenValidFromVault(t *testing.T) {
	s := &memStore{m: map[string]string{}}
	storeToken(t, s, &oauth2.Token{AccessToken: "live", Expiry: time.Now().Add(time.Hour)})

	ts := NewTokenSource(OAuthConfig("id", "secret"), s, time.Second)
	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "live" {
		t.Errorf("got %q", tok.AccessToken)
	}
	if !ts.Available() {
		t.Error("expected token to be available")
	}
}

func TestTokenMissing(t *testing.T) {
	ts := NewTokenSource(OAuthConfig("id", ""), &memStore{m: map[string]string{}}, time.Second)
	if ts.Available() {
		t.Error("expected no token")
	}
	if _, err := ts.Token(); !errors.Is(err, errs.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestTokenRefreshPersists(t *testing.T) {
	s := &memStore{m: map[string]string{}}
	storeToken(t, s, &oauth2.Token{AccessToken: "stale", RefreshToken: "refresh-1", Expiry: time.Now().Add(-time.Hour)})
	conf := tokenEndpoint(t, http.StatusOK, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)

	ts := NewTokenSource(conf, s, 5*time.Second)
	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "fresh" {
		t.Errorf("access token: got %q", tok.AccessToken)
	}

	raw, _ := s.Get(TokenKey)
	var saved oauth2.Token
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		t.Fatal(err)
	}
	if saved.AccessToken != "fresh" || saved.RefreshToken != "refresh-1" {
		t.Errorf("persisted token: %+v", saved)
	}
}

func TestTokenInvalidateForcesRefresh(t *testing.T) {
	s := &memStore{m: map[string]string{}}
	storeToken(t, s, &oauth2.Token{AccessToken: "looks-valid", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour)})
	conf := tokenEndpoint(t, http.StatusOK, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)

	ts := NewTokenSource(conf, s, 5*time.Second)
	if tok, _ := ts.Token(); tok.AccessToken != "looks-valid" {
		t.Fatalf("expected stored token first, got %q", tok.AccessToken)
	}
	ts.Invalidate()
	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "fresh" {
		t.Errorf("expected refreshed token, got %q", tok.AccessToken)
	}
}

func TestTokenRefreshRejected(t *testing.T) {
	s := &memStore{m: map[string]string{}}
	storeToken(t, s, &oauth2.Token{AccessToken: "stale", RefreshToken: "refresh-1", Expiry: time.Now().Add(-time.Hour)})
	conf := tokenEndpoint(t, http.StatusBadRequest, `{"error":"invalid_grant"}`)

	ts := NewTokenSource(conf, s, 5*time.Second)
	_, err := ts.Token()
	if !errors.Is(err, errs.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid_grant") {
		t.Errorf("error should name the oauth error code: %v", err)
	}
}

func TestTokenReimportReplacesRejectedToken(t *testing.T) {
	s := &memStore{m: map[string]string{}}
	storeToken(t, s, &oauth2.Token{AccessToken: "stale", RefreshToken: "refresh-1", Expiry: time.Now().Add(-time.Hour)})
	conf := tokenEndpoint(t, http.StatusBadRequest, `{"error":"invalid_grant"}`)

	ts := NewTokenSource(conf, s, 5*time.Second)
	if _, err := ts.Token(); !errors.Is(err, errs.ErrAuthentication) {
		t.Fatalf("revoked refresh token: expected ErrAuthentication, got %v", err)
	}

	// A new token imported while running is picked up without a restart.
	s.mu.Lock()
	storeToken(t, s, &oauth2.Token{AccessToken: "new", RefreshToken: "refresh-2", Expiry: time.Now().Add(time.Hour)})
	s.mu.Unlock()

	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("Token after import: %v", err)
	}
	if tok.AccessToken != "new" {
		t.Errorf("got %q, want the imported token", tok.AccessToken)
	}
}

func TestTokenRemovedFromVault(t *testing.T) {
	s := &memStore{m: map[string]string{}}
	storeToken(t, s, &oauth2.Token{AccessToken: "live", Expiry: time.Now().Add(time.Hour)})

	ts := NewTokenSource(OAuthConfig("id", "secret"), s, time.Second)
	if _, err := ts.Token(); err != nil {
		t.Fatalf("Token: %v", err)
	}

	s.mu.Lock()
	delete(s.m, TokenKey)
	s.mu.Unlock()

	if _, err := ts.Token(); !errors.Is(err, errs.ErrAuthentication) {
		t.Fatalf("after removal: expected ErrAuthentication, got %v", err)
	}
}

func TestTokenRefreshIsNotReadoptedAsImport(t *testing.T) {
	s := &memStore{m: map[string]string{}}
	storeToken(t, s, &oauth2.Token{AccessToken: "stale", RefreshToken: "refresh-1", Expiry: time.Now().Add(-time.Hour)})
	conf := tokenEndpoint(t, http.StatusOK, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)

	ts := NewTokenSource(conf, s, 5*time.Second)
	for i := 0; i < 3; i++ {
		tok, err := ts.Token()
		if err != nil {
			t.Fatalf("Token %d: %v", i, err)
		}
		if tok.AccessToken != "fresh" {
			t.Errorf("Token %d: got %q", i, tok.AccessToken)
		}
	}
}
