package iaas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fleetctl/fleetctl/internal/apperr"
)

// Budgets per spec.md §4.2: every outbound call is strictly bounded.
// These are the defaults NewHTTPClient falls back to when the operator
// leaves iaas_request_timeout/iaas_connect_timeout unset.
const (
	requestDeadline = 30 * time.Second
	connectDeadline = 10 * time.Second
	idleConnTTL     = 90 * time.Second
)

// retryableStatuses are the 5xx codes a transient-error retry applies to.
var retryableStatuses = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// HTTPClient is the production Client, talking to a single abstract VM
// provider over HTTP. Credentials are read once at construction and
// baked into the bearer header; the struct never re-reads the token
// from anywhere else for the lifetime of the process.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	authz   string // fully assembled "Bearer <token>" header value
}

// ClientOptions lets the operator override the request/connect budgets
// spec.md §4.2 requires every outbound call to respect — surfaced as
// iaas_request_timeout/iaas_connect_timeout in internal/config. Zero
// values fall back to the package defaults.
type ClientOptions struct {
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
}

// NewHTTPClient validates the token and base URL and returns a ready
// client. Invalid configuration is fatal here, not on first use, per
// spec.md §4.2 ("invalid credentials surface as InvalidConfig at
// construction, not at first use").
func NewHTTPClient(baseURL, token string, opts ClientOptions) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, apperr.New(apperr.Fatal, "iaas: base URL is required")
	}
	if token == "" {
		return nil, apperr.New(apperr.Fatal, "iaas: token is required")
	}

	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = requestDeadline
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = connectDeadline
	}

	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
		IdleConnTimeout:     idleConnTTL,
		TLSHandshakeTimeout: connectTimeout,
	}

	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Transport: transport, Timeout: requestTimeout},
		authz:   "Bearer " + token,
	}, nil
}

// CreateVM is deliberately not retried at the orchestration level — see
// spec.md §4.2 and §9. The adapter's own inner retry (same attempt,
// same idempotency) still applies to network-level failures of this one
// HTTP call.
func (c *HTTPClient) CreateVM(ctx context.Context, spec VMSpec) (VM, error) {
	var vm VM
	err := c.doRetrying(ctx, "create_vm", func(ctx context.Context) error {
		body, err := json.Marshal(spec)
		if err != nil {
			return apperr.Wrap(apperr.Fatal, err, "marshal create_vm request")
		}
		return c.doJSON(ctx, http.MethodPost, "/v1/vms", body, &vm)
	})
	return vm, err
}

func (c *HTTPClient) GetVM(ctx context.Context, id string) (VM, error) {
	var vm VM
	err := c.doRetrying(ctx, "get_vm", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/v1/vms/"+id, nil, &vm)
	})
	return vm, err
}

// DestroyVM treats 404 as success — the VM is already gone, which is
// the caller's desired end state either way.
func (c *HTTPClient) DestroyVM(ctx context.Context, id string) error {
	return c.doRetrying(ctx, "destroy_vm", func(ctx context.Context) error {
		err := c.doJSON(ctx, http.MethodDelete, "/v1/vms/"+id, nil, nil)
		if apperr.Is(err, apperr.NotFound) {
			return nil
		}
		return err
	})
}

func (c *HTTPClient) PowerOff(ctx context.Context, id string) error {
	return c.doRetrying(ctx, "power_off", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, "/v1/vms/"+id+"/power_off", nil, nil)
	})
}

func (c *HTTPClient) PowerOn(ctx context.Context, id string) error {
	return c.doRetrying(ctx, "power_on", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, "/v1/vms/"+id+"/power_on", nil, nil)
	})
}

// doRetrying applies spec.md §4.2's shared retry policy: exponential
// backoff on network errors and {500,502,503,504}, Retry-After-aware
// backoff on 429, up to 3 attempts, sleeping only between attempts.
// Anything else — including a successful call — returns immediately.
func (c *HTTPClient) doRetrying(ctx context.Context, op string, call func(context.Context) error) error {
	const maxAttempts = 3

	var lastRateLimit *rateLimitError
	operation := func() (struct{}, error) {
		err := call(ctx)
		if err == nil {
			return struct{}{}, nil
		}

		var rl *rateLimitError
		if errors.As(err, &rl) {
			lastRateLimit = rl
			wait := 2 * time.Second
			if rl.retryAfter > 0 {
				wait = rl.retryAfter
			}
			return struct{}{}, backoff.RetryAfter(int(wait / time.Second))
		}

		if apperr.Is(err, apperr.Transient) {
			return struct{}{}, err
		}

		// Validation/NotFound/Conflict/Fatal/Unauthorized are not
		// retryable; stop immediately instead of burning attempts.
		return struct{}{}, backoff.Permanent(err)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxAttempts),
	)
	if err == nil {
		return nil
	}

	cause := err
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		cause = perm.Err
	}
	var retryAfter *backoff.RetryAfterError
	if errors.As(err, &retryAfter) && lastRateLimit != nil {
		// backoff hands back its own RetryAfterError for the final 429,
		// which carries no Kind; surface the provider's RateLimited error.
		wrapped := apperr.Wrap(apperr.RateLimited, lastRateLimit.cause, "iaas %s failed after retries", op)
		wrapped.RetryAfterSeconds = int(lastRateLimit.retryAfter / time.Second)
		return wrapped
	}
	return apperr.Wrap(apperr.KindOf(cause), cause, "iaas %s failed after retries", op)
}

// rateLimitError carries the provider's Retry-After hint through the
// generic error path so doRetrying can special-case its backoff.
type rateLimitError struct {
	retryAfter time.Duration
	cause      *apperr.Error
}

func (e *rateLimitError) Error() string { return e.cause.Error() }
func (e *rateLimitError) Unwrap() error { return e.cause }

// doJSON performs one HTTP round trip and decodes a JSON response into
// out (ignored if nil, e.g. for 204 responses).
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperr.Wrap(apperr.Fatal, err, "build iaas request")
	}
	req.Header.Set("Authorization", c.authz)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperr.Wrap(apperr.Cancelled, err, "iaas request cancelled")
		}
		return apperr.Wrap(apperr.Transient, err, "iaas request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperr.New(apperr.NotFound, "iaas resource not found")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := parseRetryAfter(resp.Header.Get("Retry-After"))
		return &rateLimitError{
			retryAfter: wait,
			cause:      apperr.New(apperr.RateLimited, "iaas rate limited"),
		}
	}

	if retryableStatuses[resp.StatusCode] {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperr.New(apperr.Transient, "iaas returned %d: %s", resp.StatusCode, string(data))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperr.New(apperr.Fatal, "iaas returned %d: %s", resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.Fatal, err, "decode iaas response")
	}
	return nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		return time.Until(when)
	}
	return 0
}
