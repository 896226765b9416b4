// Package client is the request resilience layer: every outbound call goes
// through it. It attaches credentials, bounds in-flight concurrency, backs
// off on rate limiting, coalesces credential refreshes, and normalizes all
// failures to a single error shape.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cargolink/cargolink-go/internal/metrics"
	"github.com/cargolink/cargolink-go/pkg/store"
)

type Options struct {
	BaseURL string

	// MaxConcurrent bounds simultaneous in-flight requests. Default 5.
	MaxConcurrent int
	// Timeout is the fixed per-request budget. Default 30s.
	Timeout time.Duration
	// MaxRateLimitRetries bounds consecutive 429 retries for one request.
	// Default 10.
	MaxRateLimitRetries int
	// Language is the Accept-Language fallback when the store has none.
	Language string

	HTTPClient *http.Client
	Breaker    *Breaker
	Logger     *zap.Logger

	// OnSessionExpired runs after a failed refresh purges credentials; the
	// app redirects to its unauthenticated entry point here.
	OnSessionExpired func()
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 5
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxRateLimitRetries <= 0 {
		o.MaxRateLimitRetries = 10
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Request describes one outbound call. Body is marshaled as JSON when
// non-nil. NoAuth skips credential attachment for unauthenticated endpoints.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	NoAuth bool
}

// Response is a decoded success envelope.
type Response struct {
	Status    int
	Data      json.RawMessage
	Timestamp json.RawMessage
}

// Decode unmarshals the data payload into out.
func (r *Response) Decode(out any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, out)
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     json.RawMessage `json:"error"`
	Message   string          `json:"message"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type Client struct {
	opts    Options
	baseURL string
	http    *http.Client
	store   store.Store
	log     *zap.Logger
	lim     *limiter
	breaker *Breaker

	refreshMu sync.Mutex
	refresh   *refreshWait

	onSessionExpired func()
}

func New(st store.Store, opts Options) *Client {
	opts = opts.withDefaults()
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		opts:             opts,
		baseURL:          strings.TrimRight(opts.BaseURL, "/"),
		http:             hc,
		store:            st,
		log:              opts.Logger,
		lim:              newLimiter(opts.MaxConcurrent),
		breaker:          opts.Breaker,
		onSessionExpired: opts.OnSessionExpired,
	}
}

// InFlight returns the number of requests currently holding a concurrency
// slot.
func (c *Client) InFlight() int { return c.lim.inFlight() }

// retryState is the explicit retry context threaded through attempts; the
// request itself is never mutated.
type retryState struct {
	authRetried bool
	rateRetries int
}

// Do executes req under the resilience policies and returns the decoded
// envelope, or a normalized *APIError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if err := c.lim.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.lim.release()

	var st retryState
	for {
		resp, next, err := c.attempt(ctx, req, st)
		if next == nil {
			return resp, err
		}
		st = *next
	}
}

// attempt runs one wire exchange. A non-nil next state means "retry with
// this state"; otherwise resp/err is the final outcome.
func (c *Client) attempt(ctx context.Context, req Request, st retryState) (*Response, *retryState, error) {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, nil, apiErr(CodeUnknown, err.Error(), 0)
	}
	host := httpReq.URL.Host

	if c.breaker != nil && !c.breaker.allow(host) {
		return nil, nil, apiErr(CodeUnavailable, "circuit open for "+host, 0)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if c.breaker != nil {
			c.breaker.failure(host)
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, apiErr(CodeUnknown, "network error: "+err.Error(), 0)
	}
	if c.breaker != nil {
		c.breaker.success(host)
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if st.rateRetries >= c.opts.MaxRateLimitRetries {
			return nil, nil, apiErr(CodeRateLimited, "rate limited, retry budget exhausted", resp.StatusCode)
		}
		wait := retryAfter(resp.Header)
		c.log.Debug("rate limited, backing off",
			zap.String("path", req.Path), zap.Duration("wait", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		metrics.RateLimitRetries.Inc()
		return nil, &retryState{authRetried: st.authRetried, rateRetries: st.rateRetries + 1}, nil

	case resp.StatusCode == http.StatusUnauthorized && !req.NoAuth:
		if st.authRetried {
			return nil, nil, normalizeError(resp.StatusCode, raw)
		}
		if err := c.refreshTokens(ctx); err != nil {
			return nil, nil, err
		}
		return nil, &retryState{authRetried: true, rateRetries: st.rateRetries}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var env envelope
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &env); err != nil {
				return nil, nil, apiErr(CodeUnknown, "malformed response envelope", resp.StatusCode)
			}
		}
		if len(raw) > 0 && !env.Success {
			return nil, nil, normalizeError(resp.StatusCode, raw)
		}
		return &Response{Status: resp.StatusCode, Data: env.Data, Timestamp: env.Timestamp}, nil, nil

	default:
		return nil, nil, normalizeError(resp.StatusCode, raw)
	}
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	u := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, err
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	if !req.NoAuth {
		if tok := c.storedString(ctx, KeyAccessToken); tok != "" {
			httpReq.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	lang := c.storedString(ctx, KeyLanguage)
	if lang == "" {
		lang = c.opts.Language
	}
	if lang != "" {
		httpReq.Header.Set("Accept-Language", lang)
	}
	return httpReq, nil
}

// retryAfter reads the server's backoff hint in seconds; default 1s.
func retryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}
