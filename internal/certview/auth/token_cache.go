// Package auth implements the Token Cache: a thread-safe bearer credential
// cache with TTL-based reuse and forced-refresh semantics.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/qualys/certview-mirror/internal/certview/certviewerr"
	"github.com/qualys/certview-mirror/internal/certview/metrics"
	"github.com/qualys/certview-mirror/internal/certview/model"
	"github.com/qualys/certview-mirror/internal/certview/resilience"
)

// RefreshInterval is the age at which a cached token is considered stale
// and a new one is fetched, even without a forced refresh. The upstream
// token lifetime is 4 hours; the 30-minute margin prevents in-flight
// requests from being invalidated mid-use.
const RefreshInterval = 3*time.Hour + 30*time.Minute

// TokenPersister optionally records issued tokens for operator visibility.
// Failures are logged but never fail the refresh (best-effort audit trail).
type TokenPersister interface {
	SaveToken(ctx context.Context, token model.AuthToken) error
}

// Cache produces a valid bearer credential on demand, amortizing
// re-authentication and ensuring a single refresh is ever in flight.
type Cache struct {
	authURL     string
	authPayload string // JSON object or JSON-encoded string, as configured
	httpClient  *http.Client
	policy      resilience.Policy
	persister   TokenPersister
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu      sync.Mutex
	token   string
	issued  time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithPersister attaches a best-effort audit sink for issued tokens.
func WithPersister(p TokenPersister) Option {
	return func(c *Cache) { c.persister = p }
}

// WithHTTPClient overrides the default HTTP client (used by tests).
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) { c.httpClient = client }
}

// New creates a Token Cache targeting authURL with the given payload.
func New(authURL, authPayload string, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.New()
	c := &Cache{
		authURL:     authURL,
		authPayload: authPayload,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
		metrics:     m,
		policy: resilience.Policy{
			MaxRetries: 4, // five attempts in all
			BaseDelay:  1 * time.Second,
			MaxDelay:   30 * time.Second,
			Multiplier: 2.0,
			Retryable:  isRetriableAuthError,
			OnRetry: func(attempt int, err error) {
				m.RetryAttemptsTotal.WithLabelValues("auth").Inc()
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetToken returns a usable bearer token, fetching a new one if forceRefresh
// is set, no token is cached, or the cached token has exceeded
// RefreshInterval. The entire refresh is performed under the cache's mutex
// so concurrent callers never issue duplicate refreshes: they all observe
// the same newly issued token.
func (c *Cache) GetToken(ctx context.Context, forceRefresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && !forceRefresh {
		if time.Since(c.issued) < RefreshInterval {
			return c.token, nil
		}
	}

	c.logger.Info("fetching new auth token", "force_refresh", forceRefresh)

	token, err := c.fetchToken(ctx)
	if err != nil {
		c.metrics.TokenRefreshesTotal.WithLabelValues("failure").Inc()
		return "", err
	}

	c.token = token
	c.issued = time.Now().UTC()
	c.metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()

	if c.persister != nil {
		go func(issued time.Time) {
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			at := model.AuthToken{
				Value:     token,
				IssuedAt:  issued,
				ExpiresAt: issued.Add(4 * time.Hour),
				Valid:     true,
			}
			if err := c.persister.SaveToken(saveCtx, at); err != nil {
				c.logger.Warn("failed to persist issued token", "error", err)
			}
		}(c.issued)
	}

	return c.token, nil
}

func (c *Cache) fetchToken(ctx context.Context) (string, error) {
	var result string

	err := resilience.Do(ctx, c.policy, func() error {
		token, err := c.doFetch(ctx)
		if err != nil {
			return err
		}
		result = token
		return nil
	})
	if err != nil {
		return "", &certviewerr.AuthError{URL: c.authURL, Cause: err}
	}
	return result, nil
}

func (c *Cache) doFetch(ctx context.Context) (string, error) {
	body, err := c.payloadBody()
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &authStatusError{status: resp.StatusCode, body: string(respBody)}
	}

	return extractToken(respBody), nil
}

// payloadBody normalizes the configured auth payload: it may be a
// pre-serialized JSON string (parsed then re-marshaled to validate it) or a
// raw JSON object already suitable as the request body.
func (c *Cache) payloadBody() ([]byte, error) {
	trimmed := []byte(c.authPayload)
	var parsed any
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		return nil, fmt.Errorf("auth payload is not valid JSON: %w", err)
	}
	if s, ok := parsed.(string); ok {
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return nil, fmt.Errorf("auth payload string is not valid JSON: %w", err)
		}
	}
	return json.Marshal(parsed)
}

// extractToken pulls the token value from the parsed response: the "token"
// key, then "access_token", else the raw body.
func extractToken(body []byte) string {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err == nil {
		if v, ok := data["token"].(string); ok {
			return v
		}
		if v, ok := data["access_token"].(string); ok {
			return v
		}
	}
	return string(body)
}

type authStatusError struct {
	status int
	body   string
}

func (e *authStatusError) Error() string {
	return fmt.Sprintf("auth endpoint returned status %d: %s", e.status, e.body)
}

func isRetriableAuthError(err error) bool {
	var statusErr *authStatusError
	if errors.As(err, &statusErr) {
		return certviewerr.IsRetriableStatus(statusErr.status)
	}
	// Network-level errors (timeouts, connection resets) are retriable.
	return true
}
