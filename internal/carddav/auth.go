package carddav

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/setu/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

const (
	realm = `Basic realm="Setu CardDAV"`

	// Wrong credentials allowed in a burst before they get 429 instead of
	// 401; the allowance refills at one per second.
	authFailureBurst = 20
)

// Secrets supplies the current CardDAV password.
type Secrets interface {
	CardDAVPassword() (string, error)
}

// basicAuth checks Basic credentials against a fixed username and the vault
// password. The password is read on every request so a rotation applies
// without restart; its bcrypt hash is recomputed only when it changes.
type basicAuth struct {
	username string
	secrets  Secrets
	failures *rate.Limiter
	logger   *zap.Logger

	mu       sync.Mutex
	source   [sha256.Size]byte // digest of the password hash was built from
	hash     []byte
	accepted [sha256.Size]byte // digest of the last credential bcrypt accepted
}

func newBasicAuth(username string, secrets Secrets, logger *zap.Logger) *basicAuth {
	return &basicAuth{
		username: username,
		secrets:  secrets,
		failures: rate.NewLimiter(rate.Every(time.Second), authFailureBurst),
		logger:   logger,
	}
}

// middleware rejects unauthenticated requests. OPTIONS is always let
// through for client discovery. A request without usable credentials gets
// the 401 challenge without being counted; only wrong credentials spend the
// failure allowance, and valid ones always pass.
func (a *basicAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := parseBasic(r.Header.Get("Authorization"))
		if !ok {
			challenge(w)
			return
		}
		valid, err := a.verify(user, pass)
		if err != nil {
			a.logger.Error("read carddav password", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if valid {
			next.ServeHTTP(w, r)
			return
		}

		metrics.AuthFailures.Inc()
		if !a.failures.Allow() {
			a.logger.Warn("throttling rejected credentials", zap.String("path", r.URL.Path))
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		a.logger.Debug("rejected credentials", zap.String("path", r.URL.Path))
		challenge(w)
	})
}

func challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", realm)
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

// verify compares both the username and the password, never returning
// early on a username mismatch.
func (a *basicAuth) verify(user, pass string) (bool, error) {
	current, err := a.secrets.CardDAVPassword()
	if err != nil {
		return false, err
	}
	hash, err := a.hashFor(current)
	if err != nil {
		return false, err
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1

	digest := sha256.Sum256([]byte(pass))
	a.mu.Lock()
	cached := subtle.ConstantTimeCompare(digest[:], a.accepted[:]) == 1
	a.mu.Unlock()

	passOK := cached
	if !cached {
		passOK = bcrypt.CompareHashAndPassword(hash, []byte(pass)) == nil
		if passOK {
			a.mu.Lock()
			a.accepted = digest
			a.mu.Unlock()
		}
	}
	return userOK && passOK, nil
}

func (a *basicAuth) hashFor(password string) ([]byte, error) {
	digest := sha256.Sum256([]byte(password))

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hash != nil && subtle.ConstantTimeCompare(digest[:], a.source[:]) == 1 {
		return a.hash, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	a.source = digest
	a.hash = hash
	a.accepted = [sha256.Size]byte{}
	return hash, nil
}

func parseBasic(header string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
