package people

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/matheus3301/setu/internal/errs"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ContactsReadonlyScope is the only scope the bridge needs.
const ContactsReadonlyScope = "https://www.googleapis.com/auth/contacts.readonly"

// TokenKey is the vault entry holding the JSON-encoded oauth2.Token.
const TokenKey = "oauth_token"

// SecretStore is the slice of the vault the token source needs.
type SecretStore interface {
	Get(key string) (string, error)
	Set(key, secret string) error
}

// OAuthConfig builds the Google OAuth2 client config. The authorization code
// exchange happens outside the daemon; only refresh is done here.
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{ContactsReadonlyScope},
	}
}

// TokenSource serves the vault-stored token, refreshing it with the refresh
// token when it expires and writing refreshed tokens back to the vault.
// It implements oauth2.TokenSource.
type TokenSource struct {
	conf    *oauth2.Config
	store   SecretStore
	timeout time.Duration

	mu  sync.Mutex
	tok *oauth2.Token
	raw string // vault entry tok was decoded from
}

// NewTokenSource creates a token source over the vault entry.
func NewTokenSource(conf *oauth2.Config, store SecretStore, timeout time.Duration) *TokenSource {
	return &TokenSource{conf: conf, store: store, timeout: timeout}
}

// Token returns a valid access token. Failures are errs.ErrAuthentication
// except network failures during refresh, which are errs.ErrTransientNetwork.
// The vault entry is re-read on every call, so a token imported or removed
// while the daemon runs takes effect on the next request.
func (ts *TokenSource) Token() (*oauth2.Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if err := ts.reload(); err != nil {
		return nil, err
	}
	if ts.tok.Valid() {
		return ts.tok, nil
	}
	if ts.tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: access token expired and no refresh token stored", errs.ErrAuthentication)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ts.timeout)
	defer cancel()
	fresh, err := ts.conf.TokenSource(ctx, ts.tok).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, fmt.Errorf("%w: token refresh rejected: %s", errs.ErrAuthentication, re.ErrorCode)
		}
		return nil, fmt.Errorf("%w: token refresh: %v", errs.ErrTransientNetwork, err)
	}
	// Google omits the refresh token on refresh responses.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = ts.tok.RefreshToken
	}
	ts.tok = fresh
	if err := ts.save(fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// Invalidate forces the next Token call to refresh. Used after the API
// rejects an access token that still looked valid locally.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.tok != nil {
		expired := *ts.tok
		expired.Expiry = time.Unix(1, 0)
		ts.tok = &expired
	}
}

// Available reports whether a token is stored at all.
func (ts *TokenSource) Available() bool {
	_, err := ts.store.Get(TokenKey)
	return err == nil
}

// reload adopts the stored token when it differs from the one cached.
func (ts *TokenSource) reload() error {
	raw, err := ts.store.Get(TokenKey)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		ts.tok, ts.raw = nil, ""
		return fmt.Errorf("%w: no oauth token in vault", errs.ErrAuthentication)
	case err != nil && ts.tok != nil:
		// A failed read keeps the cached token.
		return nil
	case err != nil:
		return fmt.Errorf("read oauth token: %w", err)
	}
	if ts.tok != nil && raw == ts.raw {
		return nil
	}

	var tok oauth2.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		ts.tok, ts.raw = nil, ""
		return fmt.Errorf("%w: stored oauth token unreadable: %v", errs.ErrAuthentication, err)
	}
	ts.tok, ts.raw = &tok, raw
	return nil
}

func (ts *TokenSource) save(tok *oauth2.Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if err := ts.store.Set(TokenKey, string(raw)); err != nil {
		return fmt.Errorf("store oauth token: %w", err)
	}
	ts.raw = string(raw)
	return nil
}
