package netkit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/bluesky-social/netkit/pkg/robusthttp"

	"github.com/hashicorp/go-retryablehttp"
)

// Builds request objects for endpoints. All requests from one factory share a single transport
// engine, the registered [TokenProvider] and the [NetworkErrorFactory].
//
// A Factory is safe for concurrent use.
type Factory struct {
	engine     *retryablehttp.Client
	engineOpts []robusthttp.Option
	tokens     TokenProvider
	errors     NetworkErrorFactory
	logger     *slog.Logger
	retryLimit int
	retryDelay time.Duration
}

type Option func(*Factory)

// WithEngine uses an existing retryablehttp client as the transport engine. The factory installs
// its own request hook, retry policy, backoff and error handler on it.
func WithEngine(engine *retryablehttp.Client) Option {
	return func(f *Factory) {
		f.engine = engine
	}
}

// WithEngineOptions are applied to the engine before the factory installs its hooks.
func WithEngineOptions(opts ...robusthttp.Option) Option {
	return func(f *Factory) {
		f.engineOpts = append(f.engineOpts, opts...)
	}
}

// WithTokenProvider registers the credential capability. SetUp is called once, from [NewFactory].
func WithTokenProvider(tp TokenProvider) Option {
	return func(f *Factory) {
		f.tokens = tp
	}
}

func WithErrorFactory(ef NetworkErrorFactory) Option {
	return func(f *Factory) {
		f.errors = ef
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithRetryLimit bounds the number of refresh-and-retry cycles per request.
func WithRetryLimit(limit int) Option {
	return func(f *Factory) {
		f.retryLimit = limit
	}
}

// WithRetryDelay sets the fixed wait between a refresh and the retried attempt.
func WithRetryDelay(delay time.Duration) Option {
	return func(f *Factory) {
		f.retryDelay = delay
	}
}

func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		errors:     DefaultErrorFactory{},
		logger:     slog.Default().With("subsystem", "netkit"),
		retryLimit: DefaultRetryLimit,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.errors == nil {
		f.errors = DefaultErrorFactory{}
	}

	if f.engine == nil {
		f.engine = robusthttp.New(robusthttp.WithLogger(f.logger))
	}
	for _, opt := range f.engineOpts {
		opt(f.engine)
	}
	hooks := []robusthttp.Option{
		robusthttp.WithRequestHook(adaptRequest),
		robusthttp.WithRetryPolicy(checkRetry),
		robusthttp.WithBackoff(retryBackoff),
		robusthttp.WithErrorHandler(retryablehttp.PassthroughErrorHandler),
	}
	for _, opt := range hooks {
		opt(f.engine)
	}
	// retry cycles are bounded by the interceptor, not the engine
	if f.engine.RetryMax < f.retryLimit {
		f.engine.RetryMax = f.retryLimit
	}

	if f.tokens != nil {
		if err := f.tokens.SetUp(); err != nil {
			f.logger.Warn("token provider set up failed", "err", err)
		}
	}
	return f
}

// Engine returns the transport engine shared by all requests of this factory.
func (f *Factory) Engine() *retryablehttp.Client {
	return f.engine
}

func (f *Factory) TokenProvider() TokenProvider {
	return f.tokens
}

// URL returns the absolute URL the endpoint will be requested at, query parameters included.
func (f *Factory) URL(ep *Endpoint) *url.URL {
	return EndpointURL(ep)
}

// Request builds a data request, carrying the endpoint's encoded body (if any).
func (f *Factory) Request(ep *Endpoint) *Request {
	return &Request{exchange: f.newExchange(ep, ep.Body(), ep.ContentType().String(), nil)}
}

// Upload builds a multipart/form-data request with one part per element of 'parts'. The
// endpoint's own body is ignored.
func (f *Factory) Upload(ep *Endpoint, parts []FormData) *Request {
	body, contentType, err := encodeMultipart(parts)
	if err != nil {
		f.logger.Warn("failed to encode multipart body", "route", ep.RawRoute(), "err", err)
		err = fmt.Errorf("encoding multipart body: %w", err)
	}
	return &Request{exchange: f.newExchange(ep, body, contentType, err)}
}

// Decoded builds a request which decodes successful responses in to a T.
func Decoded[T any](f *Factory, ep *Endpoint) *DecodedRequest[T] {
	return &DecodedRequest[T]{exchange: f.newExchange(ep, ep.Body(), ep.ContentType().String(), nil)}
}

// Bound builds a request which writes its outcome in to fields of 'root', without keeping 'root'
// alive. The type parameters are ordered so that R can be inferred:
//
//	req := netkit.Bound[Profile](f, ep, screen)
func Bound[T any, R any](f *Factory, ep *Endpoint, root *R) *BoundRequest[R, T] {
	return newBoundRequest[R, T](f.newExchange(ep, ep.Body(), ep.ContentType().String(), nil), root)
}

func (f *Factory) newExchange(ep *Endpoint, body []byte, contentType string, buildErr error) exchange {
	return exchange{
		endpoint:    ep,
		url:         EndpointURL(ep),
		engine:      f.engine,
		interceptor: newInterceptor(ep, f.tokens, body, contentType, f.retryLimit, f.retryDelay, f.logger),
		errors:      f.errors,
		logger:      f.logger,
		buildErr:    buildErr,
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeMultipart(parts []FormData) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		disp := fmt.Sprintf(`form-data; name="%s"`, quoteEscaper.Replace(p.Name))
		if p.FileName != "" {
			disp += fmt.Sprintf(`; filename="%s"`, quoteEscaper.Replace(p.FileName))
		}
		h.Set("Content-Disposition", disp)
		if p.Mime != "" {
			h.Set("Content-Type", p.Mime.String())
		}
		pw, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := pw.Write(p.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

type interceptorKey struct{}

func withInterceptor(ctx context.Context, ic *Interceptor) context.Context {
	return context.WithValue(ctx, interceptorKey{}, ic)
}

func interceptorFrom(ctx context.Context) *Interceptor {
	ic, _ := ctx.Value(interceptorKey{}).(*Interceptor)
	return ic
}

// engine hooks; requests issued on the engine without an interceptor are sent as-is and never retried

func adaptRequest(_ retryablehttp.Logger, req *http.Request, _ int) {
	if ic := interceptorFrom(req.Context()); ic != nil {
		ic.Adapt(req)
	}
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	ic := interceptorFrom(ctx)
	if ic == nil {
		return false, nil
	}
	return ic.ShouldRetry(ctx, resp, err).Retry, nil
}

func retryBackoff(waitMin, waitMax time.Duration, attempt int, resp *http.Response) time.Duration {
	if resp != nil && resp.Request != nil {
		if ic := interceptorFrom(resp.Request.Context()); ic != nil {
			return ic.Backoff(waitMin, waitMax, attempt, resp)
		}
	}
	return waitMin
}
