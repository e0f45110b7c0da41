package netkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("netkit")

// Receives the classified outcome of an exchange. Exactly one of the two methods is called per
// performed exchange.
type dispatcher interface {
	handleResponse(resp *NetworkResponse)
	handleError(err *NetworkError)
}

const (
	outcomeSuccess   = "success"
	outcomeStatus    = "status_error"
	outcomeTransport = "transport_error"
	outcomeServer    = "server_error"
)

// State shared by every request kind: the endpoint, its URL, the interceptor and the engine.
type exchange struct {
	endpoint    *Endpoint
	url         *url.URL
	engine      *retryablehttp.Client
	interceptor *Interceptor
	errors      NetworkErrorFactory
	logger      *slog.Logger

	// set when the request could not be built (eg, multipart encoding failed)
	buildErr error
}

func (x *exchange) Endpoint() *Endpoint {
	return x.endpoint
}

// URL returns a copy of the URL this request is sent to.
func (x *exchange) URL() *url.URL {
	u := *x.url
	return &u
}

func (x *exchange) Interceptor() *Interceptor {
	return x.interceptor
}

// run sends the request through the engine and dispatches the outcome to 'd'. Blocks until done.
func (x *exchange) run(ctx context.Context, d dispatcher) {
	method := x.endpoint.Method()
	route := x.endpoint.RawRoute()
	start := time.Now()

	ctx, span := tracer.Start(ctx, "netkit.Perform",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("netkit.route", route),
		))
	defer span.End()

	x.interceptor.reset()
	resp, err := x.send(ctx)
	if resp != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	}
	outcome := x.process(resp, err, d)
	if outcome != outcomeSuccess {
		span.SetStatus(codes.Error, outcome)
	}

	requestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	requestsPerformed.WithLabelValues(method, route, outcome).Inc()
}

func (x *exchange) send(ctx context.Context) (*http.Response, error) {
	if x.buildErr != nil {
		return nil, x.buildErr
	}
	req, err := retryablehttp.NewRequestWithContext(withInterceptor(ctx, x.interceptor), x.endpoint.Method(), x.url.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	return x.engine.Do(req)
}

// process classifies a finished exchange and dispatches it. The response body is always closed.
func (x *exchange) process(resp *http.Response, err error, d dispatcher) string {
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}

	if err != nil {
		x.logger.Warn("request failed", "method", x.endpoint.Method(), "route", x.endpoint.RawRoute(), "err", err)
		d.handleError(classifyTransportError(err))
		return outcomeTransport
	}
	if resp == nil || resp.Request == nil || resp.Request.URL == nil || resp.Request.Method == "" {
		d.handleError(Server(errors.New("response is missing request metadata")))
		return outcomeServer
	}

	var data []byte
	if resp.Body != nil {
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			d.handleError(Unknown(fmt.Errorf("reading response body: %w", err)))
			return outcomeTransport
		}
	}
	if len(data) == 0 {
		data = nil
	}

	if !x.endpoint.ValidStatusCodes().Contains(resp.StatusCode) {
		x.logger.Debug("unaccepted status code", "route", x.endpoint.RawRoute(), "status", resp.StatusCode)
		d.handleError(x.errorFactory().Build(resp.StatusCode, x.endpoint))
		return outcomeStatus
	}

	d.handleResponse(&NetworkResponse{
		URL:        resp.Request.URL,
		StatusCode: resp.StatusCode,
		Method:     resp.Request.Method,
		Header:     resp.Header,
		Data:       data,
	})
	return outcomeSuccess
}

func (x *exchange) errorFactory() NetworkErrorFactory {
	if x.errors == nil {
		return DefaultErrorFactory{}
	}
	return x.errors
}

// Maps a transport failure to a [NetworkError]. A NetworkError anywhere in the chain is passed
// through; connection and timeout failures become [Network]; everything else is [Unknown].
func classifyTransportError(err error) *NetworkError {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne
	}
	if errors.Is(err, context.Canceled) {
		return Unknown(err)
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return Network(err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return Network(err)
	}
	return Unknown(err)
}
