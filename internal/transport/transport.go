// Package transport performs single HTTP calls for the execution engine. It
// owns the two retry domains of the call layer: rate-limit (429) waits
// bounded by a cumulative budget, and transient retries bounded by an
// attempt cap and a quick-failure window. Every response status reaches the
// caller for classification; the transport never hides a failure body.
package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"stepflow/internal/circuitbreaker"
	"stepflow/internal/common/errors"
	"stepflow/internal/common/logging"
	"stepflow/internal/common/masking"
	"stepflow/internal/models"
)

// Config holds transport behavior knobs.
type Config struct {
	// MaxRetries caps transient retries (thrown errors and quick status failures)
	MaxRetries int
	// RetryDelay is the base delay for thrown-error retries, scaled linearly per attempt
	RetryDelay time.Duration
	// Timeout bounds a single request attempt
	Timeout time.Duration
	// QuickFailureWindow marks how fast a failure must be to count as transient.
	// Slow failures are treated as real server-side errors and not retried.
	QuickFailureWindow time.Duration
	// RateLimitWaitBudget is the cumulative time the transport may spend
	// waiting on 429 responses before giving the last one back as-is.
	RateLimitWaitBudget time.Duration
	// UserAgent is sent when the caller does not override it
	UserAgent string
	// InsecureSkipVerify disables TLS verification, for test endpoints only
	InsecureSkipVerify bool
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		RetryDelay:          1 * time.Second,
		Timeout:             60 * time.Second,
		QuickFailureWindow:  2 * time.Second,
		RateLimitWaitBudget: 1 * time.Hour,
		UserAgent:           "stepflow/1.0",
	}
}

// Request describes one HTTP call.
type Request struct {
	Method      string
	URL         string
	Headers     map[string]string
	QueryParams map[string]string
	// Body may be a string (sent as-is, JSON-detected for content type)
	// or any JSON-marshalable value
	Body interface{}
}

// Response is a completed HTTP exchange plus retry accounting.
type Response struct {
	StatusCode int
	Headers    map[string]string
	// Body is the JSON-parsed payload, or the raw string when not JSON
	Body     interface{}
	RawBody  []byte
	Duration time.Duration

	// Retries counts transient re-attempts that preceded this response
	Retries int
	// RateLimitRetries counts 429 waits that preceded this response
	RateLimitRetries int
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client executes requests with retry and rate-limit handling. Safe for
// concurrent use.
type Client struct {
	client   *http.Client
	config   Config
	breakers *circuitbreaker.Manager
	logger   logging.Logger

	// sleep is swapped out in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a transport client.
func NewClient(config Config, logger logging.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.QuickFailureWindow <= 0 {
		config.QuickFailureWindow = DefaultConfig().QuickFailureWindow
	}
	if config.RateLimitWaitBudget <= 0 {
		config.RateLimitWaitBudget = DefaultConfig().RateLimitWaitBudget
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultConfig().UserAgent
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	httpTransport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if config.InsecureSkipVerify {
		httpTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		// Per-attempt deadlines come from the request context, so the
		// client itself carries no timeout
		client: &http.Client{Transport: httpTransport},
		config: config,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// WithCircuitBreaker protects the client with per-host breakers, so one
// misbehaving API does not block calls to every other endpoint.
func (c *Client) WithCircuitBreaker() *Client {
	c.breakers = circuitbreaker.NewManager(circuitbreaker.HTTPConfig, c.logger)
	return c
}

// Do executes the request, applying both retry domains. It returns a
// response for every completed exchange, including failure statuses; the
// caller classifies those. It returns an error only for exhausted
// thrown-error retries or an irrecoverable setup problem.
func (c *Client) Do(ctx context.Context, req *Request, opts *models.RequestOptions) (*Response, error) {
	fullURL, err := buildURL(req.URL, req.QueryParams)
	if err != nil {
		return nil, errors.ValidationError(fmt.Sprintf("invalid request url: %v", err))
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	headers := c.normalizeHeaders(method, req.Headers)

	bodyBytes, err := encodeBody(method, req.Body, headers)
	if err != nil {
		return nil, errors.ValidationError(fmt.Sprintf("invalid request body: %v", err))
	}

	maxRetries := opts.MaxRetries(c.config.MaxRetries)
	retryDelay := opts.RetryDelay(c.config.RetryDelay)
	timeout := opts.Timeout(c.config.Timeout)

	var (
		retryCount       int
		rateLimitRetries int
		rateLimitWaited  time.Duration
		lastStatus       int
		lastErr          error
	)

	for {
		resp, execErr := c.execute(ctx, method, fullURL, headers, bodyBytes, timeout)
		if execErr != nil {
			lastErr = execErr
			if retryCount < maxRetries {
				retryCount++
				if err := c.sleep(ctx, retryDelay*time.Duration(retryCount)); err != nil {
					return nil, err
				}
				c.logger.Debug("retrying after transport error",
					logging.String("url", masking.MaskURL(fullURL)),
					logging.Int("attempt", retryCount),
					logging.NamedError("cause", execErr))
				continue
			}
			msg := masking.MaskString(fmt.Sprintf("%s %s failed after %d attempts: %v",
				method, fullURL, retryCount+1, execErr))
			return nil, errors.CallFailureError(msg, lastStatus, retryCount, lastErr)
		}

		resp.Retries = retryCount
		resp.RateLimitRetries = rateLimitRetries
		lastStatus = resp.StatusCode

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := rateLimitDelay(resp.Headers["Retry-After"], rateLimitRetries)
			if rateLimitWaited+wait > c.config.RateLimitWaitBudget {
				// Budget exhausted: hand the last 429 back for classification
				c.logger.Warn("rate limit wait budget exhausted",
					logging.String("url", masking.MaskURL(fullURL)),
					logging.Duration("waited", rateLimitWaited),
					logging.Int("rate_limit_retries", rateLimitRetries))
				return resp, nil
			}
			rateLimitWaited += wait
			rateLimitRetries++
			c.logger.Info("rate limited, waiting",
				logging.String("url", masking.MaskURL(fullURL)),
				logging.Duration("wait", wait),
				logging.Int("rate_limit_retries", rateLimitRetries))
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if resp.IsSuccess() {
			if retryCount > 0 || rateLimitRetries > 0 {
				c.logger.Info("call recovered after retries",
					logging.String("url", masking.MaskURL(fullURL)),
					logging.Int("retries", retryCount),
					logging.Int("rate_limit_retries", rateLimitRetries))
			}
			return resp, nil
		}

		// Failure status. Quick failures look transient and are worth
		// re-attempting; slow ones indicate real server-side work failing.
		if resp.Duration < c.config.QuickFailureWindow && retryCount < maxRetries {
			retryCount++
			continue
		}

		return resp, nil
	}
}

// execute runs a single attempt and never interprets the status code.
func (c *Client) execute(ctx context.Context, method, fullURL string, headers map[string]string, bodyBytes []byte, timeout time.Duration) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, fullURL, bodyReader)
	if err != nil {
		return nil, errors.InternalError("failed to create request", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	start := time.Now()

	var resp *http.Response
	if c.breakers != nil {
		breaker := c.breakers.GetOrCreate(req.URL.Host)
		err = breaker.Execute(attemptCtx, func() error {
			var httpErr error
			resp, httpErr = c.client.Do(req)
			return httpErr
		})
	} else {
		resp, err = c.client.Do(req)
	}

	duration := time.Since(start)

	if err != nil {
		return nil, errors.ConnectionError("request failed", err)
	}
	defer resp.Body.Close()

	// Raw bytes first so binary or oddly encoded payloads survive intact
	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.ConnectionError("failed to read response body", err)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for name, values := range resp.Header {
		if len(values) > 0 {
			respHeaders[name] = values[0]
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    respHeaders,
		Body:       parseResponseBody(responseBody),
		RawBody:    responseBody,
		Duration:   duration,
	}, nil
}

// normalizeHeaders applies defaults without clobbering caller values.
func (c *Client) normalizeHeaders(method string, headers map[string]string) map[string]string {
	normalized := make(map[string]string, len(headers)+2)
	for key, value := range headers {
		normalized[key] = value
	}
	if _, ok := firstMatch(normalized, "Accept"); !ok {
		normalized["Accept"] = "*/*"
	}
	if _, ok := firstMatch(normalized, "User-Agent"); !ok {
		normalized["User-Agent"] = c.config.UserAgent
	}
	return normalized
}

// firstMatch finds a header case-insensitively.
func firstMatch(headers map[string]string, name string) (string, bool) {
	for key, value := range headers {
		if http.CanonicalHeaderKey(key) == name {
			return value, true
		}
	}
	return "", false
}

// encodeBody serializes the request body. Bodies are stripped for methods
// that must not carry one.
func encodeBody(method string, body interface{}, headers map[string]string) ([]byte, error) {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions:
		return nil, nil
	}
	if body == nil {
		return nil, nil
	}

	var bodyBytes []byte
	switch v := body.(type) {
	case string:
		if v == "" {
			return nil, nil
		}
		bodyBytes = []byte(v)
	case []byte:
		bodyBytes = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		bodyBytes = encoded
	}

	if _, ok := firstMatch(headers, "Content-Type"); !ok && looksLikeJSON(bodyBytes) {
		headers["Content-Type"] = "application/json"
	}
	return bodyBytes, nil
}

func looksLikeJSON(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// parseResponseBody attempts JSON first and falls back to the raw string.
func parseResponseBody(body []byte) interface{} {
	if len(body) == 0 {
		return ""
	}
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err == nil {
		return parsed
	}
	return string(body)
}

// buildURL merges query parameters into the request URL.
func buildURL(rawURL string, queryParams map[string]string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if len(queryParams) == 0 {
		return parsed.String(), nil
	}
	query := parsed.Query()
	for key, value := range queryParams {
		query.Set(key, value)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// rateLimitDelay computes how long to wait after a 429. A Retry-After
// header wins, as integer seconds or an HTTP date; otherwise exponential
// backoff with jitter: 10^attempt seconds plus up to 100ms.
func rateLimitDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(retryAfter); err == nil {
			if wait := time.Until(at); wait > 0 {
				return wait
			}
			return 0
		}
	}
	backoff := time.Duration(math.Pow(10, float64(attempt))) * time.Second
	return backoff + randJitter(100*time.Millisecond)
}

// randJitter returns a random duration in [0, max).
func randJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return max / 2
	}
	val := int64(buf[0])<<56 | int64(buf[1])<<48 | int64(buf[2])<<40 | int64(buf[3])<<32 |
		int64(buf[4])<<24 | int64(buf[5])<<16 | int64(buf[6])<<8 | int64(buf[7])
	if val < 0 {
		val = -val
	}
	return time.Duration(val % int64(max))
}

// sleepCtx sleeps unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return errors.TimeoutError("request wait").WithContext("cause", ctx.Err().Error())
	case <-time.After(d):
		return nil
	}
}
