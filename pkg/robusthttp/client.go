package robusthttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

type LeveledSlog struct {
	inner *slog.Logger
}

// re-writes HTTP client ERROR to WARN level (because of retries)
func (l LeveledSlog) Error(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Warn(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Info(msg string, keysAndValues ...any) {
	l.inner.Info(msg, keysAndValues...)
}

func (l LeveledSlog) Debug(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, keysAndValues...)
}

type Option func(*retryablehttp.Client)

// WithMaxRetries sets the maximum number of retries for the HTTP client.
func WithMaxRetries(maxRetries int) Option {
	return func(client *retryablehttp.Client) {
		client.RetryMax = maxRetries
	}
}

// WithRetryWaitMin sets the minimum wait time between retries.
func WithRetryWaitMin(waitMin time.Duration) Option {
	return func(client *retryablehttp.Client) {
		client.RetryWaitMin = waitMin
	}
}

// WithRetryWaitMax sets the maximum wait time between retries.
func WithRetryWaitMax(waitMax time.Duration) Option {
	return func(client *retryablehttp.Client) {
		client.RetryWaitMax = waitMax
	}
}

// WithLogger sets a custom logger for the HTTP client.
func WithLogger(logger *slog.Logger) Option {
	return func(client *retryablehttp.Client) {
		client.Logger = retryablehttp.LeveledLogger(LeveledSlog{inner: logger})
	}
}

// WithTransport sets a custom transport for the HTTP client.
func WithTransport(transport http.RoundTripper) Option {
	return func(client *retryablehttp.Client) {
		client.HTTPClient.Transport = transport
	}
}

// WithTimeout sets the overall timeout of a single attempt.
func WithTimeout(timeout time.Duration) Option {
	return func(client *retryablehttp.Client) {
		client.HTTPClient.Timeout = timeout
	}
}

// WithRetryPolicy sets a custom retry policy for the HTTP client.
func WithRetryPolicy(policy retryablehttp.CheckRetry) Option {
	return func(client *retryablehttp.Client) {
		client.CheckRetry = policy
	}
}

// WithBackoff sets the function computing the wait before the next attempt.
func WithBackoff(backoff retryablehttp.Backoff) Option {
	return func(client *retryablehttp.Client) {
		client.Backoff = backoff
	}
}

// WithRequestHook installs a hook which is invoked before every attempt, including retries. The
// hook may modify the outgoing request.
func WithRequestHook(hook retryablehttp.RequestLogHook) Option {
	return func(client *retryablehttp.Client) {
		client.RequestLogHook = hook
	}
}

// WithErrorHandler controls what is returned once the client stops retrying.
func WithErrorHandler(handler retryablehttp.ErrorHandler) Option {
	return func(client *retryablehttp.Client) {
		client.ErrorHandler = handler
	}
}

// WithRateLimit wraps the current transport so that every attempt waits on the limiter. Apply it
// after WithTransport if both are used.
func WithRateLimit(limiter *rate.Limiter) Option {
	return func(client *retryablehttp.Client) {
		base := client.HTTPClient.Transport
		if base == nil {
			base = cleanhttp.DefaultPooledTransport()
		}
		client.HTTPClient.Transport = &rateLimitedTransport{base: base, limiter: limiter}
	}
}

type rateLimitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

// New returns a retrying client with general-purpose defaults around timeouts and retries. Unlike
// NewClient, the retryablehttp client itself is returned, so that callers can issue
// [retryablehttp.Request] values and inspect the hooks.
//
// Defaults: pooled transport wrapped for OpenTelemetry, 3 retries on connection errors and 5xx
// (except 501), 1s-10s exponential backoff, 30s per-attempt timeout, WARN-level logging of
// intermediate failures.
func New(options ...Option) *retryablehttp.Client {
	logger := LeveledSlog{inner: slog.Default().With("subsystem", "RobustHTTPClient")}
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = otelhttp.NewTransport(cleanhttp.DefaultPooledTransport())
	retryClient.HTTPClient.Timeout = 30 * time.Second
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(logger)
	retryClient.CheckRetry = DefaultRetryPolicy

	for _, option := range options {
		option(retryClient)
	}
	return retryClient
}

// NewClient has the stdlib http.Client interface, but has Hashicorp retryablehttp logic
// internally. See [New] for the defaults.
func NewClient(options ...Option) *http.Client {
	retryClient := New(options...)
	client := retryClient.StandardClient()
	client.Timeout = retryClient.HTTPClient.Timeout
	return client
}

// DefaultRetryPolicy is a custom wrapper around retryablehttp.DefaultRetryPolicy.
// It treats `429 Too Many Requests` as non-retryable, so the application can decide
// how to deal with rate-limiting.
func DefaultRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func NoInternalServerErrorPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	if err == nil && resp.StatusCode == http.StatusInternalServerError {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// FixedBackoff returns a backoff which always waits the same duration.
func FixedBackoff(d time.Duration) retryablehttp.Backoff {
	return func(_, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return d
	}
}
