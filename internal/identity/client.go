// Package identity is the client for the upstream management API. It
// authenticates with the gateway's own worker credentials (never the end
// user's) and performs the user lookup, MFA enablement, and email device
// registration calls the enrollment policy needs.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"log/slog"

	gwerrors "github.com/cruxid/flowgate/internal/errors"
)

// errorTarget is the attribute name identity errors are reported against.
const errorTarget = "enablemfa"

// Metrics receives identity-side counters. audit.Metrics satisfies it; a nil
// Metrics disables counting.
type Metrics interface {
	TokenRefreshed()
	MFAEnabled()
	DeviceRegistered()
}

// Config carries the endpoints and worker credentials for the client.
type Config struct {
	// AuthBaseURL is the auth host base, normally "https://{authHost}".
	AuthBaseURL string
	// APIBaseURL is the management API base, normally "https://{apiHost}".
	APIBaseURL    string
	EnvironmentID string
	ClientID      string
	ClientSecret  string
}

// User is the subset of an upstream user record the gateway consumes.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Client calls the upstream management API. Safe for concurrent use; the
// token cache is the only shared mutable state.
type Client struct {
	httpClient   *http.Client
	tokenURL     string
	usersURL     string
	clientID     string
	clientSecret string
	tokens       tokenCache
	metrics      Metrics
	logger       *slog.Logger
}

// New creates a Client.
func New(httpClient *http.Client, cfg Config, metrics Metrics, logger *slog.Logger) *Client {
	return &Client{
		httpClient:   httpClient,
		tokenURL:     cfg.AuthBaseURL + "/as/token",
		usersURL:     fmt.Sprintf("%s/v1/environments/%s/users", cfg.APIBaseURL, cfg.EnvironmentID),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		metrics:      metrics,
		logger:       logger,
	}
}

func newTokenError(detail string, err error) *gwerrors.IdentityServiceError {
	return gwerrors.NewIdentityServiceError(errorTarget, detail, err)
}

// sizedResponse is the envelope shape shared by list endpoints. Size is a
// pointer because a response without a size field is a protocol violation,
// distinct from an empty list.
type sizedResponse struct {
	Size     *int `json:"size"`
	Embedded struct {
		Users []User `json:"users"`
	} `json:"_embedded"`
}

// getJSON performs an authenticated GET and decodes the sized envelope.
func (c *Client) getJSON(ctx context.Context, endpoint string) (*sizedResponse, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, newTokenError("unable to build search request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, gwerrors.NewIdentityServiceError(errorTarget, "unknown issue trying to search for user", err)
	}
	defer resp.Body.Close()

	var body sizedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, gwerrors.NewIdentityServiceError(errorTarget, "cannot parse search response", err)
	}
	if body.Size == nil {
		return nil, gwerrors.NewIdentityServiceError(errorTarget, "cannot obtain size of response", nil)
	}
	return &body, nil
}

// FindUser searches users by `{searchKey} eq "{searchValue}"`. Exactly one
// match returns the user; any other count returns nil without error, which
// read paths treat as not-found.
func (c *Client) FindUser(ctx context.Context, searchValue, searchKey string) (*User, error) {
	filter := url.QueryEscape(fmt.Sprintf("%s eq %q", searchKey, searchValue))
	endpoint := c.usersURL + "?filter=" + filter

	body, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if *body.Size != 1 || len(body.Embedded.Users) != 1 {
		c.logger.Debug("ambiguous user search", "key", searchKey, "size", *body.Size)
		return nil, nil
	}
	return &body.Embedded.Users[0], nil
}

// Username resolves the username of the user matching searchValue under
// searchKey. Used to backfill the retained username from another lookup key.
func (c *Client) Username(ctx context.Context, searchValue, searchKey string) (string, error) {
	user, err := c.FindUser(ctx, searchValue, searchKey)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", gwerrors.NewIdentityServiceError(errorTarget, "ambiguous user, expected 1 result", nil)
	}
	return user.Username, nil
}

// EnableMFA turns on the mfaEnabled flag for the user found by searchValue
// under searchKey. Token and lookup failures are returned as errors; a failed
// PUT itself is reported as success=false, matching the asymmetry the
// pre-submission enrollment path depends on.
func (c *Client) EnableMFA(ctx context.Context, searchValue, searchKey string) (bool, error) {
	user, err := c.FindUser(ctx, searchValue, searchKey)
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, nil
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		return false, err
	}

	endpoint := fmt.Sprintf("%s/%s/mfaEnabled", c.usersURL, user.ID)
	payload := `{"mfaEnabled": true}`

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, strings.NewReader(payload))
	if err != nil {
		return false, gwerrors.NewIdentityServiceError(errorTarget, "unable to build mfaEnabled request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("bad http response when enabling MFA for user", "error", err)
		return false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("bad status code when enabling MFA", "status", resp.StatusCode)
		return false, nil
	}

	if c.metrics != nil {
		c.metrics.MFAEnabled()
	}
	return true, nil
}

// hasDevice reports whether the user already has any registered MFA device.
func (c *Client) hasDevice(ctx context.Context, userID string) (bool, error) {
	body, err := c.getJSON(ctx, fmt.Sprintf("%s/%s/devices", c.usersURL, userID))
	if err != nil {
		return false, err
	}
	return *body.Size >= 1, nil
}

// RegisterEmailDevice registers an EMAIL MFA device carrying emailAddress for
// the user owning username. A user that cannot be resolved is a hard error
// here: enrolling against an ambiguous account is never acceptable. A user
// that already has a device is an idempotent no-op.
func (c *Client) RegisterEmailDevice(ctx context.Context, username, emailAddress string) (bool, error) {
	user, err := c.FindUser(ctx, username, "username")
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, gwerrors.NewIdentityServiceError(errorTarget,
			"unknown issue registering email mfa, user could not be resolved", nil)
	}

	existing, err := c.hasDevice(ctx, user.ID)
	if err != nil {
		return false, err
	}
	if existing {
		c.logger.Debug("skipping mfa enrollment, user already has a device", "user_id", user.ID)
		return false, nil
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		return false, err
	}

	endpoint := fmt.Sprintf("%s/%s/devices", c.usersURL, user.ID)
	payload, err := json.Marshal(map[string]string{"type": "EMAIL", "email": emailAddress})
	if err != nil {
		return false, gwerrors.NewIdentityServiceError(errorTarget, "unable to build device payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return false, gwerrors.NewIdentityServiceError(errorTarget, "unable to build device request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("bad http response when registering MFA device", "error", err)
		return false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		c.logger.Error("bad status code when adding MFA device", "status", resp.StatusCode)
		return false, nil
	}

	if c.metrics != nil {
		c.metrics.DeviceRegistered()
	}
	return true, nil
}
