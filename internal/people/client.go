// Package people is a small client for the Google People API: the paged
// connections listing used by sync and the contact search used for live
// lookups.
package people

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/matheus3301/setu/internal/errs"
	"github.com/matheus3301/setu/internal/metrics"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL      = "https://people.googleapis.com"
	DefaultTimeout      = 30 * time.Second
	DefaultWarmupTTL    = 300 * time.Second
	DefaultWarmupSettle = 2 * time.Second

	listPageSize   = 1000
	searchPageSize = 5
	maxBodyBytes   = 64 << 20
	breakerName    = "people-api"
)

// ErrSyncTokenExpired means the stored sync token can no longer be used and
// the caller must restart with a full listing.
var ErrSyncTokenExpired = errors.New("sync token expired")

// Tokens supplies access tokens and can be told the current one was rejected.
type Tokens interface {
	oauth2.TokenSource
	Invalidate()
}

type ClientConfig struct {
	BaseURL           string
	Timeout           time.Duration
	WarmupTTL         time.Duration
	WarmupSettle      time.Duration
	RequestsPerSecond float64
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.WarmupTTL <= 0 {
		c.WarmupTTL = DefaultWarmupTTL
	}
	if c.WarmupSettle < 0 {
		c.WarmupSettle = 0
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 5
	}
	return c
}

type Client struct {
	cfg     ClientConfig
	http    *http.Client
	tokens  Tokens
	cb      *gobreaker.CircuitBreaker[any]
	limiter *rate.Limiter
	logger  *zap.Logger

	warmMu   sync.Mutex
	warmedAt time.Time
}

func NewClient(cfg ClientConfig, tokens Tokens, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	logger = logger.Named("people")

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Answers that are not outages must not trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrSyncTokenExpired) ||
				errors.Is(err, errs.ErrAuthentication) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: &oauth2.Transport{Source: tokens, Base: http.DefaultTransport},
		},
		tokens:  tokens,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
	}
}

// ListConnections fetches one page of the user's connections. An empty
// SyncToken requests a full listing; every response carries a sync token on
// its last page.
func (c *Client) ListConnections(ctx context.Context, req ListRequest) (*ListResponse, error) {
	q := url.Values{}
	q.Set("personFields", PersonFields)
	q.Set("pageSize", strconv.Itoa(listPageSize))
	q.Set("requestSyncToken", "true")
	if req.SyncToken != "" {
		q.Set("syncToken", req.SyncToken)
	}
	if req.PageToken != "" {
		q.Set("pageToken", req.PageToken)
	}

	var resp ListResponse
	if err := c.call(ctx, "/v1/people/me/connections", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SearchContacts runs a prefix search over the user's contacts. The search
// index is warmed first when the last warmup is older than the TTL.
func (c *Client) SearchContacts(ctx context.Context, query string) ([]Person, error) {
	if c.warmupDue() {
		if err := c.Warmup(ctx); err != nil {
			c.logger.Warn("search warmup failed", zap.Error(err))
		}
	}
	return c.search(ctx, query, searchPageSize)
}

// Warmup issues the empty search the People API requires before search
// results are fresh, then waits for the index to settle.
func (c *Client) Warmup(ctx context.Context) error {
	if _, err := c.search(ctx, "", 1); err != nil {
		return err
	}
	c.warmMu.Lock()
	c.warmedAt = time.Now()
	c.warmMu.Unlock()

	if c.cfg.WarmupSettle == 0 {
		return nil
	}
	t := time.NewTimer(c.cfg.WarmupSettle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) warmupDue() bool {
	c.warmMu.Lock()
	defer c.warmMu.Unlock()
	return c.warmedAt.IsZero() || time.Since(c.warmedAt) > c.cfg.WarmupTTL
}

func (c *Client) search(ctx context.Context, query string, pageSize int) ([]Person, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("readMask", PersonFields)
	q.Set("pageSize", strconv.Itoa(pageSize))

	var resp searchResponse
	if err := c.call(ctx, "/v1/people:searchContacts", q, &resp); err != nil {
		return nil, err
	}
	out := make([]Person, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, r.Person)
	}
	return out, nil
}

// call runs one API request through the rate limiter and circuit breaker.
// A rejected access token is invalidated and the request retried once.
func (c *Client) call(ctx context.Context, path string, q url.Values, out any) error {
	_, err := c.cb.Execute(func() (any, error) {
		err := c.get(ctx, path, q, out)
		var ae *apiError
		if errors.As(err, &ae) && ae.Status == http.StatusUnauthorized {
			c.logger.Info("access token rejected, refreshing")
			c.tokens.Invalidate()
			err = c.get(ctx, path, q, out)
			if errors.As(err, &ae) && ae.Status == http.StatusUnauthorized {
				return nil, fmt.Errorf("%w: %v", errs.ErrAuthentication, err)
			}
		}
		return nil, err
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerRequests.WithLabelValues(breakerName, "rejected").Inc()
		return fmt.Errorf("%w: %v", errs.ErrTransientNetwork, err)
	case err != nil:
		metrics.CircuitBreakerRequests.WithLabelValues(breakerName, "failure").Inc()
		return err
	}
	metrics.CircuitBreakerRequests.WithLabelValues(breakerName, "success").Inc()
	return nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", errs.ErrTransientNetwork, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errs.ErrAuthentication), errors.Is(err, errs.ErrTransientNetwork):
			// Raised by the token source inside the transport.
			return err
		}
		return fmt.Errorf("%w: %s: %v", errs.ErrTransientNetwork, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: read %s: %v", errs.ErrTransientNetwork, path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return classify(path, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", errs.ErrMalformedInput, path, err)
	}
	return nil
}

type apiError struct {
	Path   string
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("people api %s: status %d: %s", e.Path, e.Status, e.Body)
}

func classify(path string, status int, body []byte) error {
	ae := &apiError{Path: path, Status: status, Body: truncate(string(body), 256)}
	switch {
	case status == http.StatusGone, bytes.Contains(body, []byte("EXPIRED_SYNC_TOKEN")):
		return fmt.Errorf("%w: %v", ErrSyncTokenExpired, ae)
	case status == http.StatusUnauthorized:
		return ae
	case status == http.StatusForbidden && !rateLimited(body):
		return fmt.Errorf("%w: %v", errs.ErrAuthentication, ae)
	case status == http.StatusForbidden, status == http.StatusTooManyRequests, status >= 500:
		return fmt.Errorf("%w: %v", errs.ErrTransientNetwork, ae)
	}
	return ae
}

// quotaReasons mark a 403 that is about usage limits, not credentials.
var quotaReasons = [][]byte{
	[]byte("RATE_LIMIT_EXCEEDED"),
	[]byte("RESOURCE_EXHAUSTED"),
	[]byte("rateLimitExceeded"),
	[]byte("quotaExceeded"),
}

func rateLimited(body []byte) bool {
	for _, r := range quotaReasons {
		if bytes.Contains(body, r) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}
