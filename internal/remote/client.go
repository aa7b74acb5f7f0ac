package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// DefaultBaseURL is the production storage API endpoint.
const DefaultBaseURL = "https://drive-api.proton.me/v1"

// Short-fuse retry: transient blips are absorbed here; anything longer is
// the job queue's problem. Base 500ms, factor 2x, max 4s, ±25% jitter.
const (
	maxRetries     = 2
	baseBackoff    = 500 * time.Millisecond
	maxBackoff     = 4 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// TokenSource provides OAuth2 bearer tokens.
// Defined at the consumer per "accept interfaces, return structs" — do not
// move this interface to the auth provider.
type TokenSource interface {
	Token() (string, error)
}

// Client is an HTTP client for the storage API. It handles request
// construction, authentication, retry with exponential backoff, and error
// classification. Safe for concurrent use: all fields are set at
// construction and never mutated.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
	userAgent  string

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a storage API client.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger, userAgent string) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		userAgent:  userAgent,
		sleepFunc:  timeSleep,
	}
}

// do executes an authenticated HTTP request with automatic retry on
// transient errors. The caller is responsible for closing the response body
// on success. A non-2xx response is returned as an *APIError wrapping a
// sentinel (use errors.Is to classify); transport failures and cancellation
// are returned as wrapped errors that carry no *APIError.
//
// Bodies built from getBody are re-created per attempt so retries send the
// full payload; pass nil getBody for body-less requests.
func (c *Client) do(ctx context.Context, method, path string, getBody func() (io.ReadCloser, error)) (*http.Response, error) {
	url := c.baseURL + path

	var attempt int
	for {
		resp, err := c.doOnce(ctx, method, url, getBody)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("remote: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("remote: %s %s failed after %d retries: %w", method, path, maxRetries, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}

		apiErr := c.toAPIError(resp)

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryAfterOr(resp, attempt)
			c.logger.Warn("retrying after API error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", sleepErr)
			}

			attempt++

			continue
		}

		return nil, apiErr
	}
}

func (c *Client) doOnce(ctx context.Context, method, url string, getBody func() (io.ReadCloser, error)) (*http.Response, error) {
	var body io.ReadCloser

	if getBody != nil {
		var err error

		body, err = getBody()
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotLoggedIn, err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", c.userAgent)

	return c.httpClient.Do(req)
}

// toAPIError drains and closes the response body, producing the classified
// error for a non-2xx response.
func (c *Client) toAPIError(resp *http.Response) *APIError {
	defer resp.Body.Close()

	const maxErrorBody = 4 * 1024

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    string(msg),
		Err:        classifyStatus(resp.StatusCode),
	}
}

// retryAfterOr honors a Retry-After header when present, otherwise computes
// the jittered exponential backoff for attempt.
func (c *Client) retryAfterOr(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes jittered exponential backoff for the given attempt.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt)))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	jitter := 1 + jitterFraction*(rand.Float64()*2-1)

	return time.Duration(float64(backoff) * jitter)
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
