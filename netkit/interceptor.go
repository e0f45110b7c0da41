package netkit

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bluesky-social/netkit/pkg/robusthttp"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	// Maximum number of credential refresh retries for a single request.
	DefaultRetryLimit = 5

	// Fixed wait between a successful credential refresh and the retried attempt.
	DefaultRetryDelay = 1 * time.Second
)

// Outcome of [Interceptor.ShouldRetry].
type RetryResult struct {
	Retry bool
	Delay time.Duration
}

var DoNotRetry = RetryResult{}

func RetryAfter(delay time.Duration) RetryResult {
	return RetryResult{Retry: true, Delay: delay}
}

// Per-request policy object. It adapts every outgoing attempt to the endpoint, and decides whether
// a failed attempt is retried.
//
// Only a 401 response is considered recoverable, and only by refreshing credentials through the
// registered [TokenProvider]; everything else is terminal. Retries are bounded by a fixed limit
// and separated by a fixed delay (no exponential backoff), so a burst of refreshes stays short.
// With no provider registered, every 401 is terminal.
type Interceptor struct {
	endpoint    *Endpoint
	tokens      TokenProvider
	body        []byte
	contentType string
	valid       StatusSet
	retryLimit  int
	retryDelay  time.Duration
	backoff     retryablehttp.Backoff
	logger      *slog.Logger

	// protects attempts, and serializes refreshes for this request
	lk       sync.Mutex
	attempts int
}

func newInterceptor(ep *Endpoint, tokens TokenProvider, body []byte, contentType string, retryLimit int, retryDelay time.Duration, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		endpoint:    ep,
		tokens:      tokens,
		body:        body,
		contentType: contentType,
		valid:       ep.ValidStatusCodes(),
		retryLimit:  retryLimit,
		retryDelay:  retryDelay,
		backoff:     robusthttp.FixedBackoff(retryDelay),
		logger:      logger,
	}
}

// Number of retries granted in the current (or last) perform.
func (ic *Interceptor) Attempts() int {
	ic.lk.Lock()
	defer ic.lk.Unlock()
	return ic.attempts
}

func (ic *Interceptor) RetryDelay() time.Duration {
	return ic.retryDelay
}

// Wait before retry number 'attempt'; the delay is fixed.
func (ic *Interceptor) Backoff(waitMin, waitMax time.Duration, attempt int, resp *http.Response) time.Duration {
	return ic.backoff(waitMin, waitMax, attempt, resp)
}

// Starts a new retry cycle; called at the start of every perform.
func (ic *Interceptor) reset() {
	ic.lk.Lock()
	defer ic.lk.Unlock()
	ic.attempts = 0
}

// Adapt sets the method, headers and body of an outgoing attempt from the endpoint. It is invoked
// before every attempt, including retries, so a refreshed token is picked up by the retry.
func (ic *Interceptor) Adapt(req *http.Request) {
	ep := ic.endpoint
	req.Method = ep.Method()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if ic.contentType != "" {
		req.Header.Set("Content-Type", ic.contentType)
	}
	if accept := ep.AcceptType(); accept != "" {
		req.Header.Set("Accept-Type", accept.String())
		req.Header.Set("Accept", accept.String())
	}
	if ep.Authorization() != AuthNone && ic.tokens != nil {
		if token := ic.tokens.AccessToken(); token != "" {
			req.Header.Set("Authorization", string(ep.Authorization())+" "+token)
		}
	}

	if ic.body == nil {
		req.Body = nil
		req.GetBody = nil
		req.ContentLength = 0
		return
	}
	body := ic.body
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.ContentLength = int64(len(body))
	ic.logger.Debug("adapted request", "method", req.Method, "route", ep.RawRoute(), "bytes", len(body))
}

// ShouldRetry is invoked once per completed attempt. 'resp' and 'err' are the outcome of the
// attempt, as returned by the transport.
func (ic *Interceptor) ShouldRetry(ctx context.Context, resp *http.Response, err error) RetryResult {
	if ctx.Err() != nil || err != nil || resp == nil {
		return DoNotRetry
	}
	if resp.StatusCode != http.StatusUnauthorized || ic.valid.Contains(resp.StatusCode) {
		return DoNotRetry
	}
	if ic.tokens == nil {
		ic.logger.Debug("no token provider registered, not retrying unauthorized request", "route", ic.endpoint.RawRoute())
		return DoNotRetry
	}

	ic.lk.Lock()
	defer ic.lk.Unlock()

	if ic.attempts >= ic.retryLimit {
		ic.logger.Warn("retry limit reached for unauthorized request", "route", ic.endpoint.RawRoute(), "attempts", ic.attempts)
		return DoNotRetry
	}
	if err := ic.tokens.Refresh(ctx); err != nil {
		tokenRefreshes.WithLabelValues("failure").Inc()
		ic.logger.Warn("token refresh failed", "route", ic.endpoint.RawRoute(), "err", err)
		return DoNotRetry
	}
	tokenRefreshes.WithLabelValues("success").Inc()
	requestRetries.WithLabelValues(ic.endpoint.RawRoute()).Inc()
	ic.attempts++
	ic.logger.Info("token refreshed, retrying request", "route", ic.endpoint.RawRoute(), "attempt", ic.attempts, "delay", ic.retryDelay)
	return RetryAfter(ic.retryDelay)
}
