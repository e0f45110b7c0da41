package netkit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNetworkErrorKinds(t *testing.T) {
	assert := assert.New(t)

	cause := errors.New("boom")
	err := Server(cause)
	assert.ErrorIs(err, ErrServer)
	assert.NotErrorIs(err, ErrUnknown)
	assert.ErrorIs(err, cause)
	assert.Equal(StyleInline, err.Style)
	assert.Contains(err.Error(), "boom")

	// fresh copies; sentinels are never modified
	err.Title = "changed"
	assert.Equal("Server error", ErrServer.Title)

	wrapped := fmt.Errorf("loading profile: %w", Network(nil))
	assert.ErrorIs(wrapped, ErrNetwork)

	custom := NewNetworkError("Oops", "Try again", StyleAlert)
	assert.NotErrorIs(custom, ErrUnknown)
	assert.Equal("Oops: Try again", custom.Error())
}

func TestDefaultErrorFactory(t *testing.T) {
	assert := assert.New(t)

	ep := testEndpoint(t).SetInlineCodes(404)

	e := DefaultErrorFactory{}.Build(503, ep)
	assert.ErrorIs(e, ErrServer)
	assert.Equal(503, e.StatusCode)
	assert.Equal(StyleAlert, e.Style)
	assert.Contains(e.Error(), "(HTTP 503)")

	e = DefaultErrorFactory{}.Build(404, ep)
	assert.ErrorIs(e, ErrUnknown)
	assert.Equal(StyleInline, e.Style)

	var f NetworkErrorFactory = ErrorFactoryFunc(func(code int, ep *Endpoint) *NetworkError {
		return NewNetworkError("Not found", ep.RawRoute(), ep.ErrorStyle(code))
	})
	e = f.Build(404, ep)
	assert.Equal("Not found", e.Title)
	assert.Equal("/home", e.Message)
}

func TestClassifyTransportError(t *testing.T) {
	assert := assert.New(t)

	custom := NewNetworkError("Offline", "", StyleAlert)
	assert.Same(custom, classifyTransportError(fmt.Errorf("wrapped: %w", custom)))

	refused := &url.Error{Op: "Get", URL: "http://localhost:1", Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}}
	assert.ErrorIs(classifyTransportError(refused), ErrNetwork)

	assert.ErrorIs(classifyTransportError(context.DeadlineExceeded), ErrNetwork)
	assert.ErrorIs(classifyTransportError(&url.Error{Op: "Get", URL: "http://x", Err: context.Canceled}), ErrUnknown)
	assert.ErrorIs(classifyTransportError(errors.New("strange")), ErrUnknown)
}

func TestResponseDictionary(t *testing.T) {
	assert := assert.New(t)

	u, _ := url.Parse("https://api.example.com/home")
	resp := &NetworkResponse{URL: u, StatusCode: http.StatusOK, Method: http.MethodGet}
	assert.Empty(resp.Dictionary())
	assert.NotNil(resp.Dictionary())

	resp.Data = []byte(`[1, 2]`)
	assert.Empty(resp.Dictionary())

	resp.Data = []byte(`{"name": "alice", "age": 30}`)
	d := resp.Dictionary()
	assert.Equal("alice", d["name"])
	assert.Equal(float64(30), d["age"])

	var out struct {
		Name string `json:"name"`
	}
	assert.NoError(resp.Decode(&out))
	assert.Equal("alice", out.Name)
}
