package homeserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/domain"
)

const maxResponseBytes = 16 << 20

// Config holds what a Client needs to reach one homeserver.
type Config struct {
	// HomeserverURL is the base URL of the homeserver (e.g., "https://matrix.example.org").
	HomeserverURL string
	// AccessToken authenticates requests; empty for an unauthenticated client.
	AccessToken string
	// UserID is the account the token belongs to.
	UserID id.UserID
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// ReadRetries bounds retries of idempotent reads on transient errors.
	ReadRetries int
	// RetryBaseDelay is the first backoff delay between read retries.
	RetryBaseDelay time.Duration
}

// Client talks to a Matrix homeserver.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	accessToken string
	userID      id.UserID
	readRetries uint64
	retryBase   time.Duration
	log         zerolog.Logger
}

// New creates a Client.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, fmt.Errorf("homeserver: URL is required")
	}
	if _, err := url.Parse(cfg.HomeserverURL); err != nil {
		return nil, fmt.Errorf("homeserver: invalid URL %q: %w", cfg.HomeserverURL, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	base := cfg.RetryBaseDelay
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	retries := cfg.ReadRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.HomeserverURL, "/"),
		httpClient:  httpClient,
		accessToken: cfg.AccessToken,
		userID:      cfg.UserID,
		readRetries: uint64(retries),
		retryBase:   base,
		log:         log.With().Str("component", "homeserver").Logger(),
	}, nil
}

// read performs an idempotent request, retrying transient failures.
func (c *Client) read(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	var out []byte
	attempt := 0
	backoff := retry.WithMaxRetries(c.readRetries, retry.NewExponential(c.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		b, err := c.doRequest(ctx, method, path, body, query)
		if err != nil {
			if isTransient(err) {
				c.log.Debug().Err(err).Str("path", path).Int("attempt", attempt).Msg("transient read failure, retrying")
				return retry.RetryableError(err)
			}
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// write performs a request exactly once.
func (c *Client) write(ctx context.Context, method, path string, body any) ([]byte, error) {
	return c.doRequest(ctx, method, path, body, nil)
}

// doRequest performs an HTTP request to the homeserver and returns the response body.
// On 2xx, returns the body. On 4xx/5xx, returns the body alongside a *MatrixError.
func (c *Client) doRequest(ctx context.Context, method, path string, requestBody any, query url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("homeserver: encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("homeserver: create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &transportError{err: fmt.Errorf("homeserver: %s %s: %w", method, path, err)}
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, &transportError{err: fmt.Errorf("homeserver: read response body: %w", err)}
	}
	c.log.Debug().Str("method", method).Str("path", path).Int("status", response.StatusCode).Msg("homeserver request")

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	// All Matrix error responses use the same JSON shape.
	matrixErr := &MatrixError{StatusCode: response.StatusCode}
	if jsonErr := json.Unmarshal(responseBody, matrixErr); jsonErr != nil {
		matrixErr.Code = ErrCodeUnknown
		matrixErr.Message = strings.TrimSpace(string(responseBody))
	}
	return responseBody, matrixErr
}

func isTransient(err error) bool {
	return err != nil && errors.Is(err, domain.ErrNetworkTransient)
}

func pathEscape(s string) string { return url.PathEscape(s) }

func decode(body []byte, out any, what string) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("homeserver: parse %s response: %w", what, err)
	}
	return nil
}

// Compile-time assertion that Client implements domain.Homeserver.
var _ domain.Homeserver = (*Client)(nil)
