package people

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/setu/internal/errs"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

type fakeTokens struct {
	generation atomic.Int32
}

func (f *fakeTokens) Token() (*oauth2.Token, error) {
	return &oauth2.Token{
		AccessToken: fmt.Sprintf("tok-%d", f.generation.Load()),
		Expiry:      time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeTokens) Invalidate() { f.generation.Add(1) }

func newTestClient(t *testing.T, h http.HandlerFunc, cfg ClientConfig) (*Client, *fakeTokens) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	cfg.RequestsPerSecond = 1000
	tokens := &fakeTokens{}
	return NewClient(cfg, tokens, zap.NewNop()), tokens
}

func TestListConnectionsParams(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/people/me/connections" {
			t.Errorf("path: got %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("syncToken") != "st" || q.Get("pageToken") != "pt" {
			t.Errorf("tokens not forwarded: %s", r.URL.RawQuery)
		}
		if q.Get("pageSize") != "1000" || q.Get("requestSyncToken") != "true" || q.Get("personFields") != PersonFields {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-0" {
			t.Errorf("authorization: got %q", got)
		}
		_, _ = w.Write([]byte(`{
			"connections": [
				{"resourceName": "people/c1", "names": [{"displayName": "Ada Lovelace"}],
				 "phoneNumbers": [{"value": "+1 555 123 4567", "type": "mobile"}]},
				{"resourceName": "people/c2", "metadata": {"deleted": true}}
			],
			"nextSyncToken": "next"
		}`))
	}, ClientConfig{})

	resp, err := c.ListConnections(context.Background(), ListRequest{SyncToken: "st", PageToken: "pt"})
	if err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	if len(resp.Connections) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(resp.Connections))
	}
	if resp.Connections[0].DisplayName() != "Ada Lovelace" {
		t.Errorf("display name: got %q", resp.Connections[0].DisplayName())
	}
	if !resp.Connections[1].Deleted() {
		t.Error("expected second connection to be deleted")
	}
	if resp.NextSyncToken != "next" || resp.NextPageToken != "" {
		t.Errorf("tokens: %+v", resp)
	}
}

func TestListConnectionsExpiredSyncToken(t *testing.T) {
	for name, h := range map[string]http.HandlerFunc{
		"gone": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusGone)
		},
		"reason": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":400,"status":"FAILED_PRECONDITION","details":[{"reason":"EXPIRED_SYNC_TOKEN"}]}}`))
		},
	} {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestClient(t, h, ClientConfig{})
			_, err := c.ListConnections(context.Background(), ListRequest{SyncToken: "old"})
			if !errors.Is(err, ErrSyncTokenExpired) {
				t.Fatalf("expected ErrSyncTokenExpired, got %v", err)
			}
		})
	}
}

func TestUnauthorizedRefreshesOnce(t *testing.T) {
	var calls atomic.Int32
	c, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"connections":[]}`))
	}, ClientConfig{})

	if _, err := c.ListConnections(context.Background(), ListRequest{}); err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
	if tokens.generation.Load() != 1 {
		t.Errorf("expected one invalidation, got %d", tokens.generation.Load())
	}
}

func TestUnauthorizedTwiceIsAuthError(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}, ClientConfig{})

	_, err := c.ListConnections(context.Background(), ListRequest{})
	if !errors.Is(err, errs.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected exactly one retry, got %d calls", calls.Load())
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, ClientConfig{})

	_, err := c.ListConnections(context.Background(), ListRequest{})
	if !errors.Is(err, errs.ErrTransientNetwork) {
		t.Fatalf("expected ErrTransientNetwork, got %v", err)
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, ClientConfig{Timeout: 50 * time.Millisecond})

	_, err := c.ListConnections(context.Background(), ListRequest{})
	if !errors.Is(err, errs.ErrTransientNetwork) {
		t.Fatalf("expected ErrTransientNetwork, got %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}, ClientConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ListConnections(ctx, ListRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMalformedBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"connections": [`))
	}, ClientConfig{})

	_, err := c.ListConnections(context.Background(), ListRequest{})
	if !errors.Is(err, errs.ErrMalformedInput) {
		t.Fatalf("expected ErrMalformedInput, got %v", err)
	}
}

func TestSearchWarmsUpOnce(t *testing.T) {
	var mu sync.Mutex
	var queries []string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/people:searchContacts" {
			t.Errorf("path: got %s", r.URL.Path)
		}
		q := r.URL.Query()
		mu.Lock()
		queries = append(queries, q.Get("query")+"/"+q.Get("pageSize"))
		mu.Unlock()
		if q.Get("readMask") != PersonFields {
			t.Errorf("readMask: got %q", q.Get("readMask"))
		}
		if q.Get("query") == "" {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"person":{"resourceName":"people/c9"}}]}`))
	}, ClientConfig{WarmupSettle: 0})

	for range 2 {
		found, err := c.SearchContacts(context.Background(), "5551234")
		if err != nil {
			t.Fatalf("SearchContacts: %v", err)
		}
		if len(found) != 1 || found[0].ResourceName != "people/c9" {
			t.Fatalf("unexpected results: %+v", found)
		}
	}

	want := []string{"/1", "5551234/5", "5551234/5"}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(queries) != fmt.Sprint(want) {
		t.Errorf("queries: got %v, want %v", queries, want)
	}
}

func TestBreakerIgnoresExpiredTokens(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}, ClientConfig{})

	for range 10 {
		_, err := c.ListConnections(context.Background(), ListRequest{SyncToken: "x"})
		if !errors.Is(err, ErrSyncTokenExpired) {
			t.Fatalf("expected ErrSyncTokenExpired, got %v", err)
		}
	}
}

func TestBreakerOpensOnOutage(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, ClientConfig{})

	for range 8 {
		_, err := c.ListConnections(context.Background(), ListRequest{})
		if !errors.Is(err, errs.ErrTransientNetwork) {
			t.Fatalf("expected ErrTransientNetwork, got %v", err)
		}
	}
	if calls.Load() != 5 {
		t.Errorf("expected breaker to stop calls after 5 failures, got %d", calls.Load())
	}
}

func TestForbiddenClassification(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"permission denied", `{"error":{"code":403,"status":"PERMISSION_DENIED","message":"The caller does not have permission"}}`, errs.ErrAuthentication},
		{"rate limit", `{"error":{"code":403,"status":"PERMISSION_DENIED","details":[{"reason":"RATE_LIMIT_EXCEEDED"}]}}`, errs.ErrTransientNetwork},
		{"quota", `{"error":{"code":403,"errors":[{"reason":"quotaExceeded"}]}}`, errs.ErrTransientNetwork},
		{"resource exhausted", `{"error":{"code":403,"status":"RESOURCE_EXHAUSTED"}}`, errs.ErrTransientNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(tt.body))
			}, ClientConfig{})

			_, err := c.ListConnections(context.Background(), ListRequest{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
