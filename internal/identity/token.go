package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// cachedToken is one issued worker access token with its refresh deadline.
type cachedToken struct {
	value     string
	expiresAt time.Time
}

// tokenCache holds the process-wide worker token shared by all requests.
// Reads and refreshes deliberately race: a duplicate client-credentials grant
// is harmless and a read that races a refresh just uses the token about to be
// replaced, so a single atomic pointer swap is all the coordination needed.
type tokenCache struct {
	current atomic.Pointer[cachedToken]
}

func (tc *tokenCache) get() (string, bool) {
	tok := tc.current.Load()
	if tok == nil || time.Now().After(tok.expiresAt) {
		return "", false
	}
	return tok.value, true
}

func (tc *tokenCache) put(value string, expiresAt time.Time) {
	tc.current.Store(&cachedToken{value: value, expiresAt: expiresAt})
}

// tokenResponse is the token endpoint's JSON body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// AccessToken returns a valid worker token, refreshing via a
// client-credentials grant when none is cached or the cached one is inside
// the safety margin of its expiry.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if token, ok := c.tokens.get(); ok {
		c.logger.Debug("using cached worker access token")
		return token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", newTokenError("unable to build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", newTokenError("token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", newTokenError(fmt.Sprintf("bad http response when retrieving access token: %d", resp.StatusCode), nil)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", newTokenError("cannot parse access token response", err)
	}
	if body.AccessToken == "" {
		return "", newTokenError("cannot locate access_token in response", nil)
	}

	// Treat the token as expired after 75% of its lifetime so it is never
	// used right at the boundary and can't lapse mid-call.
	expiresAt := time.Now().Add(time.Duration(body.ExpiresIn) * 750 * time.Millisecond)
	c.tokens.put(body.AccessToken, expiresAt)

	if c.metrics != nil {
		c.metrics.TokenRefreshed()
	}
	c.logger.Debug("worker access token refreshed", "expires_at", expiresAt)

	return body.AccessToken, nil
}
