// Package client implements the API Client: one page request per call
// against the CertView list endpoint, with auth injection, 401/403
// re-auth, and transient-error retry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/qualys/certview-mirror/internal/certview/certviewerr"
	"github.com/qualys/certview-mirror/internal/certview/metrics"
	"github.com/qualys/certview-mirror/internal/certview/resilience"
)

// TokenSource produces a bearer token, optionally forcing a refresh.
type TokenSource interface {
	GetToken(ctx context.Context, forceRefresh bool) (string, error)
}

// Client issues page requests against the CertView list endpoint.
type Client struct {
	baseURL      string
	listEndpoint string
	tokens       TokenSource
	httpClient   *http.Client
	retryPolicy  resilience.Policy
	logger       *slog.Logger
	metrics      *metrics.Metrics

	// RequestedWith sets the X-Requested-With header on every request.
	// Carried over from the original prototype as a harmless default;
	// operators may override or clear it.
	RequestedWith string

	// limiter, when set via WithRateLimit, paces outgoing page requests on
	// top of the retry policy. Unset by default: spec.md names no rate
	// negotiation beyond retry/backoff, so operators opt in explicitly.
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client (used by tests).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRateLimit caps outgoing page requests to r per second with the given
// burst, independent of the retry/backoff policy. Off by default.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(cl *Client) { cl.limiter = rate.NewLimiter(r, burst) }
}

// New creates an API Client. timeout bounds each individual HTTP request.
func New(baseURL, listEndpoint string, tokens TokenSource, timeout time.Duration, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.New()
	c := &Client{
		baseURL:      baseURL,
		listEndpoint: listEndpoint,
		tokens:       tokens,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logger,
		metrics:      m,
		retryPolicy: resilience.Policy{
			MaxRetries: 2, // three attempts in all
			BaseDelay:  2 * time.Second,
			MaxDelay:   30 * time.Second,
			Multiplier: 2.0,
			Retryable:  isRetriableListError,
			OnRetry: func(attempt int, err error) {
				m.RetryAttemptsTotal.WithLabelValues("list").Inc()
			},
		},
		RequestedWith: "CertViewMirror",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// filterExpr is the upstream request body shape (spec.md §6).
type filterExpr struct {
	Filter     filter `json:"filter"`
	PageNumber int    `json:"pageNumber"`
	PageSize   int    `json:"pageSize"`
}

type filter struct {
	Filters   []condition `json:"filters"`
	Operation string      `json:"operation"`
}

type condition struct {
	Field    string `json:"field"`
	Value    string `json:"value"`
	Operator string `json:"operator"`
}

func buildBody(startDate, endDate string, pageNumber, pageSize int) filterExpr {
	return filterExpr{
		Filter: filter{
			Filters: []condition{
				{Field: "certificate.type", Value: "Leaf", Operator: "EQUALS"},
				{Field: "certificate.validFromDate", Value: startDate, Operator: "GREATER_THAN_EQUAL"},
				{Field: "certificate.validFromDate", Value: endDate, Operator: "LESS_THAN_EQUAL"},
			},
			Operation: "AND",
		},
		PageNumber: pageNumber,
		PageSize:   pageSize,
	}
}

// listStatusError carries the HTTP status from a list request so the two
// retry layers (transport-level and auth-level) can classify it.
type listStatusError struct {
	status int
	body   string
}

func (e *listStatusError) Error() string {
	return fmt.Sprintf("list request returned status %d: %s", e.status, e.body)
}

// FetchCertificates fetches one page of raw upstream records for the
// [startDate, endDate] window. An empty, successful response signals
// end-of-range to the caller.
//
// Two independent retry layers apply: transient HTTP errors (429, 5xx) are
// retried at the transport layer per c.retryPolicy; 401/403 responses get
// at most one top-level retry with a forced token refresh.
func (c *Client) FetchCertificates(ctx context.Context, startDate, endDate string, pageNumber, pageSize int) ([]map[string]any, error) {
	body := buildBody(startDate, endDate, pageNumber, pageSize)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	const maxAuthAttempts = 2
	var lastErr error

	for attempt := 1; attempt <= maxAuthAttempts; attempt++ {
		forceRefresh := attempt > 1
		records, err := c.fetchOnce(ctx, payload, forceRefresh)
		if err == nil {
			c.metrics.SweepPagesTotal.WithLabelValues("success").Inc()
			return records, nil
		}

		lastErr = err
		var statusErr *listStatusError
		if errors.As(err, &statusErr) && certviewerr.IsAuthFailureStatus(statusErr.status) {
			c.logger.Warn("auth failed, retrying with forced token refresh", "status", statusErr.status, "attempt", attempt)
			continue
		}
		break
	}

	c.metrics.SweepPagesTotal.WithLabelValues("failure").Inc()
	return nil, classifyListError(lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, payload []byte, forceRefresh bool) ([]map[string]any, error) {
	var records []map[string]any

	err := resilience.Do(ctx, c.retryPolicy, func() error {
		resp, fetchErr := c.doRequest(ctx, payload, forceRefresh)
		if fetchErr != nil {
			return fetchErr
		}
		records = resp
		return nil
	})
	return records, err
}

func (c *Client) doRequest(ctx context.Context, payload []byte, forceRefresh bool) ([]map[string]any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &certviewerr.TransportError{Op: "rate limit wait", Cause: err}
		}
	}

	token, err := c.tokens.GetToken(ctx, forceRefresh)
	if err != nil {
		return nil, err
	}

	url := c.baseURL + c.listEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &certviewerr.TransportError{Op: "build request", Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if c.RequestedWith != "" {
		req.Header.Set("X-Requested-With", c.RequestedWith)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &certviewerr.TransportError{Op: "POST " + c.listEndpoint, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &certviewerr.TransportError{Op: "read response body", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &listStatusError{status: resp.StatusCode, body: string(respBody)}
	}

	if len(respBody) == 0 {
		return nil, nil
	}

	var records []map[string]any
	if err := json.Unmarshal(respBody, &records); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	return records, nil
}

func isRetriableListError(err error) bool {
	var statusErr *listStatusError
	if errors.As(err, &statusErr) {
		// Auth failures are handled by the outer top-level retry, not here.
		if certviewerr.IsAuthFailureStatus(statusErr.status) {
			return false
		}
		return certviewerr.IsRetriableStatus(statusErr.status)
	}
	var transportErr *certviewerr.TransportError
	return errors.As(err, &transportErr)
}

func classifyListError(err error) error {
	var statusErr *listStatusError
	if errors.As(err, &statusErr) {
		return &certviewerr.UpstreamError{Status: statusErr.status, Body: statusErr.body}
	}
	return err
}
