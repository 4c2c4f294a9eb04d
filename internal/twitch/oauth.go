package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pscheid92/chatguard/internal/domain"
	"github.com/pscheid92/chatguard/internal/platform/retry"
)

const (
	DefaultOAuthURL     = "https://id.twitch.tv/oauth2"
	oauthRequestTimeout = 10 * time.Second
)

type TokenRefreshError struct {
	Revoked bool
	Status  int
	Err     error
}

func (e *TokenRefreshError) Error() string {
	if e.Revoked {
		return fmt.Sprintf("token revoked: %v", e.Err)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// Is lets a revoked refresh match domain.ErrTokenRevoked.
func (e *TokenRefreshError) Is(target error) bool {
	return e.Revoked && target == domain.ErrTokenRevoked
}

// TokenValidationError is returned when /validate rejects or cannot check a token.
type TokenValidationError struct {
	Invalid bool
	Status  int
	Err     error
}

func (e *TokenValidationError) Error() string {
	if e.Invalid {
		return fmt.Sprintf("token invalid: %v", e.Err)
	}
	return fmt.Sprintf("token validation failed: %v", e.Err)
}

func (e *TokenValidationError) Unwrap() error { return e.Err }

func (e *TokenValidationError) Is(target error) bool {
	return e.Invalid && target == domain.ErrTokenRevoked
}

type RefreshedToken struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int      `json:"expires_in"`
	Scope        []string `json:"scope"`
	TokenType    string   `json:"token_type"`
}

type ValidatedToken struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	Scopes    []string `json:"scopes"`
	UserID    string   `json:"user_id"`
	ExpiresIn int      `json:"expires_in"`
}

// OAuthClient talks to the Twitch identity endpoints for refresh and validate.
type OAuthClient struct {
	clientID     string
	clientSecret string
	oauthURL     string
	httpClient   *http.Client
	policy       retry.Policy
}

func NewOAuthClient(clientID, clientSecret, oauthURL string) *OAuthClient {
	if oauthURL == "" {
		oauthURL = DefaultOAuthURL
	}
	return &OAuthClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		oauthURL:     strings.TrimRight(oauthURL, "/"),
		httpClient:   &http.Client{Timeout: oauthRequestTimeout},
		policy: retry.Policy{
			MaxAttempts:      3,
			InitialBackoff:   500 * time.Millisecond,
			RateLimitBackoff: 5 * time.Second,
			MaxBackoff:       10 * time.Second,
		},
	}
}

// Refresh exchanges a refresh token. Transient failures are retried;
// a rejected refresh token returns a *TokenRefreshError with Revoked set.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*RefreshedToken, error) {
	p := c.policy
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.WarnContext(ctx, "Token refresh failed, retrying", "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
	}

	tok, err := retry.Do(ctx, p, classifyRefreshError, func(ctx context.Context) (*RefreshedToken, error) {
		return c.refresh(ctx, refreshToken)
	})
	return tok, unwrapPermanent(err)
}

func (c *OAuthClient) refresh(ctx context.Context, refreshToken string) (*RefreshedToken, error) {
	data := url.Values{}
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauthURL+"/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, &TokenRefreshError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, body, err := c.do(req)
	if err != nil {
		return nil, &TokenRefreshError{Err: err}
	}

	if status != http.StatusOK {
		revoked := status == http.StatusBadRequest || status == http.StatusUnauthorized
		return nil, &TokenRefreshError{
			Revoked: revoked,
			Status:  status,
			Err:     fmt.Errorf("refresh failed with status %d: %s", status, string(body)),
		}
	}

	var result RefreshedToken
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &TokenRefreshError{Err: err}
	}
	if result.AccessToken == "" {
		return nil, &TokenRefreshError{Err: errors.New("refresh response without access_token")}
	}

	return &result, nil
}

// Validate checks an access token and returns the identity it belongs to.
func (c *OAuthClient) Validate(ctx context.Context, accessToken string) (*ValidatedToken, error) {
	p := c.policy
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.WarnContext(ctx, "Token validation failed, retrying", "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
	}

	tok, err := retry.Do(ctx, p, classifyValidateError, func(ctx context.Context) (*ValidatedToken, error) {
		return c.validate(ctx, accessToken)
	})
	return tok, unwrapPermanent(err)
}

func (c *OAuthClient) validate(ctx context.Context, accessToken string) (*ValidatedToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.oauthURL+"/validate", nil)
	if err != nil {
		return nil, &TokenValidationError{Err: err}
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)

	status, body, err := c.do(req)
	if err != nil {
		return nil, &TokenValidationError{Err: err}
	}

	if status != http.StatusOK {
		return nil, &TokenValidationError{
			Invalid: status == http.StatusUnauthorized,
			Status:  status,
			Err:     fmt.Errorf("validate failed with status %d: %s", status, string(body)),
		}
	}

	var result ValidatedToken
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &TokenValidationError{Err: err}
	}

	return &result, nil
}

func (c *OAuthClient) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func classifyRefreshError(err error) retry.Action {
	var refreshErr *TokenRefreshError
	if !errors.As(err, &refreshErr) {
		return retry.Retry
	}
	if refreshErr.Revoked {
		return retry.Stop
	}
	if refreshErr.Status == 0 {
		return retry.Retry
	}
	return retry.ClassifyStatus(refreshErr.Status)
}

func classifyValidateError(err error) retry.Action {
	var validateErr *TokenValidationError
	if !errors.As(err, &validateErr) {
		return retry.Retry
	}
	if validateErr.Invalid {
		return retry.Stop
	}
	if validateErr.Status == 0 {
		return retry.Retry
	}
	return retry.ClassifyStatus(validateErr.Status)
}

// unwrapPermanent hands callers the classified error itself so they can
// inspect Revoked/Invalid directly.
func unwrapPermanent(err error) error {
	var permErr *retry.PermanentError
	if errors.As(err, &permErr) {
		return permErr.Err
	}
	return err
}
