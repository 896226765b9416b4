package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cargolink/cargolink-go/pkg/store"
)

func ok(w http.ResponseWriter, data string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"success":true,"data":%s,"timestamp":%d}`, data, time.Now().UnixMilli())
}

func newClient(t *testing.T, srvURL string, opts Options) (*Client, store.Store) {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	opts.BaseURL = srvURL
	return New(st, opts), st
}

func TestCredentialAttachment(t *testing.T) {
	var gotAuth, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotLang = r.Header.Get("Accept-Language")
		ok(w, `{}`)
	}))
	defer srv.Close()

	c, st := newClient(t, srv.URL, Options{})
	ctx := context.Background()
	require.NoError(t, c.SetTokens(ctx, "acc-1", "ref-1"))
	require.NoError(t, store.SetJSON(ctx, st, KeyLanguage, "nl", 0))

	_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/cargo"})
	require.NoError(t, err)
	require.Equal(t, "Bearer acc-1", gotAuth)
	require.Equal(t, "nl", gotLang)
}

func TestMissingCredentialIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		ok(w, `{}`)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL, Options{})
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/public", NoAuth: true})
	require.NoError(t, err)
}

func TestConcurrencyCeiling(t *testing.T) {
	var inFlight, peak int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(25 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		ok(w, `{}`)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL, Options{MaxConcurrent: 5})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, atomic.LoadInt64(&peak), int64(5))
	require.Zero(t, c.InFlight())
}

func TestRateLimitBackoffHonorsRetryAfter(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		ok(w, `{}`)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL, Options{})
	start := time.Now()
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), time.Second)
	require.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestRateLimitRetryCeiling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL, Options{MaxRateLimitRetries: 1})
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	require.Error(t, err)
	require.True(t, IsRateLimited(err))
}

func TestSingleFlightRefresh(t *testing.T) {
	var refreshCalls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/refresh":
			atomic.AddInt64(&refreshCalls, 1)
			time.Sleep(50 * time.Millisecond) // widen the race window
			var body struct {
				RefreshToken string `json:"refresh_token"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.NotEmpty(t, body.RefreshToken)
			ok(w, `{"accessToken":"acc-2","refreshToken":"ref-2"}`)
		default:
			if r.Header.Get("Authorization") != "Bearer acc-2" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			ok(w, `{}`)
		}
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL, Options{MaxConcurrent: 10})
	ctx := context.Background()
	require.NoError(t, c.SetTokens(ctx, "stale", "ref-1"))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/cargo"})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, atomic.LoadInt64(&refreshCalls))
	require.Equal(t, "acc-2", c.storedString(ctx, KeyAccessToken))
	require.Equal(t, "ref-2", c.storedString(ctx, KeyRefreshToken))
}

func TestRefreshFailurePurgesCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var redirected bool
	c, _ := newClient(t, srv.URL, Options{OnSessionExpired: func() { redirected = true }})
	ctx := context.Background()
	require.NoError(t, c.SetTokens(ctx, "stale", "bad"))

	_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/cargo"})
	require.True(t, IsSessionExpired(err))
	require.True(t, redirected)
	require.Empty(t, c.storedString(ctx, KeyAccessToken))
	require.Empty(t, c.storedString(ctx, KeyRefreshToken))
}

func TestAuthFailureWithoutRefreshCredentialRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEqual(t, "/auth/refresh", r.URL.Path, "refresh must not be attempted")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var redirected bool
	c, _ := newClient(t, srv.URL, Options{OnSessionExpired: func() { redirected = true }})
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/cargo"})
	require.True(t, IsSessionExpired(err))
	require.True(t, redirected)
}

func TestErrorNormalizationPriority(t *testing.T) {
	cases := []struct {
		name string
		body string
		msg  string
		code string
	}{
		{"string error", `{"success":false,"error":"cargo not found"}`, "cargo not found", CodeUnknown},
		{"structured error", `{"success":false,"error":{"code":"CARGO_LOCKED","message":"cargo is locked"}}`, "cargo is locked", "CARGO_LOCKED"},
		{"generic message", `{"success":false,"message":"try later"}`, "try later", CodeUnknown},
		{"unreadable", `not json`, "request failed", CodeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ae := normalizeError(http.StatusBadRequest, []byte(tc.body))
			require.Equal(t, tc.msg, ae.Message)
			require.Equal(t, tc.code, ae.Code)
		})
	}
}

func TestConflictStatusMapsToConflictCode(t *testing.T) {
	ae := normalizeError(http.StatusConflict, []byte(`{"success":false,"error":"already resolved"}`))
	require.True(t, IsConflict(ae))
}

func TestNetworkErrorIsUnknown(t *testing.T) {
	c, _ := newClient(t, "http://127.0.0.1:1", Options{})
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	ae := AsAPIError(err)
	require.NotNil(t, ae)
	require.Equal(t, CodeUnknown, ae.Code)
	require.True(t, IsTransient(err))
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	br := NewBreaker(BreakerOptions{Threshold: 2, Window: time.Minute, OpenFor: time.Minute})
	c, _ := newClient(t, "http://127.0.0.1:1", Options{Breaker: br})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/x"})
		require.Equal(t, CodeUnknown, AsAPIError(err).Code)
	}
	_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/x"})
	require.Equal(t, CodeUnavailable, AsAPIError(err).Code)
}
