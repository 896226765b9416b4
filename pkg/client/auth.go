package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/cargolink/cargolink-go/internal/metrics"
	"github.com/cargolink/cargolink-go/pkg/store"
)

// Store keys for the credential lifecycle.
const (
	KeyAccessToken  = "auth:access_token"
	KeyRefreshToken = "auth:refresh_token"
	KeyLanguage     = "prefs:language"
)

// SetTokens persists both credentials, e.g. after login.
func (c *Client) SetTokens(ctx context.Context, access, refresh string) error {
	if err := store.SetJSON(ctx, c.store, KeyAccessToken, access, 0); err != nil {
		return err
	}
	return store.SetJSON(ctx, c.store, KeyRefreshToken, refresh, 0)
}

// ClearTokens purges both credentials.
func (c *Client) ClearTokens(ctx context.Context) {
	_ = c.store.Remove(ctx, KeyAccessToken)
	_ = c.store.Remove(ctx, KeyRefreshToken)
}

func (c *Client) storedString(ctx context.Context, key string) string {
	var s string
	if ok, err := store.GetJSON(ctx, c.store, key, &s); err != nil || !ok {
		return ""
	}
	return s
}

// refreshWait is the shared outcome of one in-flight refresh. Concurrent
// authorization failures join it instead of issuing their own refresh call.
type refreshWait struct {
	done chan struct{}
	err  error
}

// refreshTokens coalesces concurrent callers into a single refresh call. The
// in-progress marker is checked and set under one lock acquisition.
func (c *Client) refreshTokens(ctx context.Context) error {
	c.refreshMu.Lock()
	if w := c.refresh; w != nil {
		c.refreshMu.Unlock()
		select {
		case <-w.done:
			return w.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w := &refreshWait{done: make(chan struct{})}
	c.refresh = w
	c.refreshMu.Unlock()

	w.err = c.doRefresh(ctx)

	c.refreshMu.Lock()
	c.refresh = nil
	c.refreshMu.Unlock()
	close(w.done)
	return w.err
}

func (c *Client) doRefresh(ctx context.Context) error {
	refresh := c.storedString(ctx, KeyRefreshToken)
	if refresh == "" {
		return c.sessionExpired(ctx, "no refresh credential")
	}

	metrics.TokenRefreshes.Inc()
	body, _ := json.Marshal(map[string]string{"refresh_token": refresh})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return c.sessionExpired(ctx, "refresh request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.sessionExpired(ctx, "refresh failed: "+err.Error())
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.sessionExpired(ctx, "refresh rejected")
	}

	var env envelope
	var tokens struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	payload := raw
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		payload = env.Data
	}
	if err := json.Unmarshal(payload, &tokens); err != nil || tokens.AccessToken == "" {
		return c.sessionExpired(ctx, "refresh response unreadable")
	}

	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refresh
	}
	if err := c.SetTokens(ctx, tokens.AccessToken, tokens.RefreshToken); err != nil {
		return err
	}
	c.log.Debug("access credential refreshed")
	return nil
}

// sessionExpired purges credentials and notifies the redirect hook.
func (c *Client) sessionExpired(ctx context.Context, reason string) error {
	metrics.SessionExpired.Inc()
	c.ClearTokens(ctx)
	c.log.Warn("session expired", zap.String("reason", reason))
	if c.onSessionExpired != nil {
		c.onSessionExpired()
	}
	return apiErr(CodeSessionExpired, "session expired, re-authentication required", http.StatusUnauthorized)
}
