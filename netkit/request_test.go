package netkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testProfile struct {
	Name string `json:"name"`
}

func testFactory(opts ...Option) *Factory {
	return NewFactory(append([]Option{WithRetryDelay(time.Millisecond)}, opts...)...)
}

// returns 401 unless the bearer token matches 'token'
func authServer(t *testing.T, token string, hits *atomic.Int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"name": "alice"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRequestDo(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"method": r.Method,
			"query":  r.URL.RawQuery,
			"accept": r.Header.Get("Accept-Type"),
			"body":   string(body),
		})
	}))
	defer srv.Close()

	f := testFactory()
	ep := MustEndpoint(srv.URL, "/echo", MediaJSON, MediaJSON, http.MethodPut, AuthNone).
		AddParameter("page", 2).
		SetBody(map[string]int{"n": 1})

	req := f.Request(ep)
	assert.Equal(srv.URL+"/echo?page=2", req.URL().String())
	assert.Equal(f.URL(ep).String(), req.URL().String())

	resp, err := req.Do(context.Background())
	require.NoError(err)
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal(http.MethodPut, resp.Method)
	assert.Equal("/echo", resp.URL.Path)

	d := resp.Dictionary()
	assert.Equal("PUT", d["method"])
	assert.Equal("page=2", d["query"])
	assert.Equal("application/json", d["accept"])
	assert.JSONEq(`{"n":1}`, d["body"].(string))
}

func TestRequestPerform(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ep := MustEndpoint(srv.URL, "/ping", MediaJSON, MediaJSON, http.MethodGet, AuthNone)
	done := make(chan struct{})
	var calls atomic.Int32
	testFactory().Request(ep).Perform(context.Background(), func(resp *NetworkResponse, err *NetworkError) {
		calls.Add(1)
		assert.Nil(err)
		if assert.NotNil(resp) {
			assert.Equal(http.StatusNoContent, resp.StatusCode)
			assert.Nil(resp.Data)
			assert.Empty(resp.Dictionary())
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("completion was not called")
	}
	assert.Equal(int32(1), calls.Load())
}

func TestRequestStatusError(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.Error(w, "Not Found", http.StatusNotFound)
		default:
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	f := testFactory()
	_, err := f.Request(MustEndpoint(srv.URL, "/down", MediaJSON, MediaJSON, http.MethodGet, AuthNone)).Do(context.Background())
	assert.ErrorIs(err, ErrServer)
	var nerr *NetworkError
	if assert.ErrorAs(err, &nerr) {
		assert.Equal(http.StatusBadGateway, nerr.StatusCode)
	}

	// 404 accepted by the endpoint
	resp, err := f.Request(MustEndpoint(srv.URL, "/missing", MediaJSON, MediaJSON, http.MethodGet, AuthNone).SetSuccessCodes(200, 404)).Do(context.Background())
	assert.NoError(err)
	assert.Equal(http.StatusNotFound, resp.StatusCode)

	// custom error factory
	f = testFactory(WithErrorFactory(ErrorFactoryFunc(func(code int, ep *Endpoint) *NetworkError {
		return NewNetworkError("Not found", "No such thing", ep.ErrorStyle(code))
	})))
	_, err = f.Request(MustEndpoint(srv.URL, "/missing", MediaJSON, MediaJSON, http.MethodGet, AuthNone).SetInlineCodes(404)).Do(context.Background())
	if assert.ErrorAs(err, &nerr) {
		assert.Equal("Not found", nerr.Title)
		assert.Equal(StyleInline, nerr.Style)
	}
}

func TestRequestTransportError(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	_, err := testFactory().Request(MustEndpoint(base, "/gone", MediaJSON, MediaJSON, http.MethodGet, AuthNone)).Do(context.Background())
	assert.ErrorIs(err, ErrNetwork)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = testFactory().Request(MustEndpoint(base, "/gone", MediaJSON, MediaJSON, http.MethodGet, AuthNone)).Do(ctx)
	assert.ErrorIs(err, ErrUnknown)
}

func TestRequestRefreshAndRetry(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var hits atomic.Int32
	srv := authServer(t, "access2", &hits)

	tokens := newFakeTokens()
	f := testFactory(WithTokenProvider(tokens))
	assert.Equal(1, tokens.setUps)

	req := f.Request(MustEndpoint(srv.URL, "/me", MediaJSON, MediaJSON, http.MethodGet, AuthBearer))
	resp, err := req.Do(context.Background())
	require.NoError(err)
	assert.Equal("alice", resp.Dictionary()["name"])
	assert.Equal(int32(2), hits.Load())
	assert.Equal(1, tokens.Refreshes())
	assert.Equal(1, req.Interceptor().Attempts())
}

func TestRequestRetryLimit(t *testing.T) {
	assert := assert.New(t)

	var hits atomic.Int32
	srv := authServer(t, "never", &hits)

	tokens := newFakeTokens()
	f := testFactory(WithTokenProvider(tokens))
	_, err := f.Request(MustEndpoint(srv.URL, "/me", MediaJSON, MediaJSON, http.MethodGet, AuthBearer)).Do(context.Background())

	var nerr *NetworkError
	if assert.ErrorAs(err, &nerr) {
		assert.Equal(http.StatusUnauthorized, nerr.StatusCode)
		assert.ErrorIs(err, ErrUnknown)
	}
	assert.Equal(int32(DefaultRetryLimit+1), hits.Load())
	assert.Equal(DefaultRetryLimit, tokens.Refreshes())
}

func TestRequestRetryBudgetPerPerform(t *testing.T) {
	assert := assert.New(t)

	var hits atomic.Int32
	srv := authServer(t, "never", &hits)

	tokens := newFakeTokens()
	req := testFactory(WithTokenProvider(tokens)).Request(MustEndpoint(srv.URL, "/me", MediaJSON, MediaJSON, http.MethodGet, AuthBearer))

	_, err := req.Do(context.Background())
	assert.ErrorIs(err, ErrUnknown)
	assert.Equal(int32(DefaultRetryLimit+1), hits.Load())
	assert.Equal(DefaultRetryLimit, req.Interceptor().Attempts())

	// performing again starts a fresh retry cycle
	done := make(chan *NetworkError, 1)
	req.Perform(context.Background(), func(resp *NetworkResponse, err *NetworkError) {
		done <- err
	})
	select {
	case err := <-done:
		assert.ErrorIs(err, ErrUnknown)
	case <-time.After(5 * time.Second):
		t.Fatal("completion not called")
	}
	assert.Equal(int32(2*(DefaultRetryLimit+1)), hits.Load())
	assert.Equal(2*DefaultRetryLimit, tokens.Refreshes())
	assert.Equal(DefaultRetryLimit, req.Interceptor().Attempts())
}

func TestRequestUnauthorizedWithoutProvider(t *testing.T) {
	assert := assert.New(t)

	var hits atomic.Int32
	srv := authServer(t, "access1", &hits)

	_, err := testFactory().Request(MustEndpoint(srv.URL, "/me", MediaJSON, MediaJSON, http.MethodGet, AuthBearer)).Do(context.Background())
	assert.Error(err)
	assert.Equal(int32(1), hits.Load())

	// refresh failure is terminal as well
	srv = authServer(t, "access2", &hits)
	tokens := newFakeTokens()
	tokens.refreshErr = errors.New("revoked")
	hits.Store(0)
	_, err = testFactory(WithTokenProvider(tokens)).Request(MustEndpoint(srv.URL, "/me", MediaJSON, MediaJSON, http.MethodGet, AuthBearer)).Do(context.Background())
	assert.ErrorIs(err, ErrUnknown)
	assert.Equal(int32(1), hits.Load())
	assert.Equal(1, tokens.Refreshes())
}

func TestRequestBodyResentOnRetry(t *testing.T) {
	assert := assert.New(t)

	var lk sync.Mutex
	var bodies []string
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		lk.Lock()
		bodies = append(bodies, string(b))
		lk.Unlock()
		if hits.Add(1) == 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	ep := MustEndpoint(srv.URL, "/posts", MediaJSON, MediaJSON, http.MethodPost, AuthBearer).
		SetBody(map[string]string{"text": "hi"})
	resp, err := testFactory(WithTokenProvider(newFakeTokens())).Request(ep).Do(context.Background())
	assert.NoError(err)
	assert.Equal(http.StatusCreated, resp.StatusCode)
	lk.Lock()
	defer lk.Unlock()
	assert.Equal([]string{`{"text":"hi"}`, `{"text":"hi"}`}, bodies)
}

func TestRequestDeliversOnce(t *testing.T) {
	assert := assert.New(t)

	ep := testEndpoint(t)
	req := testFactory().Request(ep)
	var calls int
	req.setCompletion(func(resp *NetworkResponse, err *NetworkError) {
		calls++
	})

	u, _ := url.Parse("https://api.example.com/home")
	httpResp := func() *http.Response {
		return &http.Response{
			StatusCode: http.StatusOK,
			Request:    &http.Request{Method: http.MethodGet, URL: u},
			Body:       http.NoBody,
		}
	}
	assert.Equal(outcomeSuccess, req.process(httpResp(), nil, req))
	req.process(httpResp(), nil, req)
	req.process(nil, errors.New("late failure"), req)
	assert.Equal(1, calls)
}

func TestRequestMissingMetadata(t *testing.T) {
	assert := assert.New(t)

	req := testFactory().Request(testEndpoint(t))
	var got *NetworkError
	req.setCompletion(func(resp *NetworkResponse, err *NetworkError) {
		got = err
	})
	assert.Equal(outcomeServer, req.process(&http.Response{StatusCode: http.StatusOK}, nil, req))
	assert.ErrorIs(got, ErrServer)
}

func TestDecodedRequest(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/profile":
			w.Write([]byte(`{"name":"alice"}`))
		case "/broken":
			w.Write([]byte(`{"name":`))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	f := testFactory()
	p, err := Decoded[testProfile](f, MustEndpoint(srv.URL, "/profile", MediaJSON, MediaJSON, http.MethodGet, AuthNone)).Do(context.Background())
	assert.NoError(err)
	assert.Equal("alice", p.Name)

	p, err = Decoded[testProfile](f, MustEndpoint(srv.URL, "/broken", MediaJSON, MediaJSON, http.MethodGet, AuthNone)).Do(context.Background())
	assert.ErrorIs(err, ErrUnknown)
	assert.Empty(p.Name)

	// no body at all
	_, err = Decoded[testProfile](f, MustEndpoint(srv.URL, "/empty", MediaJSON, MediaJSON, http.MethodGet, AuthNone)).Do(context.Background())
	assert.ErrorIs(err, ErrUnknown)

	done := make(chan testProfile, 1)
	Decoded[testProfile](f, MustEndpoint(srv.URL, "/profile", MediaJSON, MediaJSON, http.MethodGet, AuthNone)).
		Perform(context.Background(), func(v testProfile, err *NetworkError) {
			assert.Nil(err)
			done <- v
		})
	select {
	case v := <-done:
		assert.Equal("alice", v.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("completion was not called")
	}
}

type profileScreen struct {
	profile *testProfile
	err     *NetworkError
}

func TestBoundRequest(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/profile" {
			w.Write([]byte(`{"name":"alice"}`))
			return
		}
		http.Error(w, "Server Error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := testFactory()
	setProfile := func(s *profileScreen, p testProfile) { s.profile = &p }
	setError := func(s *profileScreen, err *NetworkError) { s.err = err }

	screen := &profileScreen{}
	Bound[testProfile](f, MustEndpoint(srv.URL, "/profile", MediaJSON, MediaJSON, http.MethodGet, AuthNone), screen).
		AssignValue(setProfile).
		AssignError(setError).
		Do(context.Background())
	if assert.NotNil(screen.profile) {
		assert.Equal("alice", screen.profile.Name)
	}
	assert.Nil(screen.err)

	screen = &profileScreen{}
	Bound[testProfile](f, MustEndpoint(srv.URL, "/fail", MediaJSON, MediaJSON, http.MethodGet, AuthNone), screen).
		AssignValue(setProfile).
		AssignError(setError).
		Do(context.Background())
	assert.Nil(screen.profile)
	assert.ErrorIs(screen.err, ErrServer)

	// no value setter: the value is dropped
	screen = &profileScreen{}
	Bound[testProfile](f, MustEndpoint(srv.URL, "/profile", MediaJSON, MediaJSON, http.MethodGet, AuthNone), screen).
		AssignError(setError).
		Do(context.Background())
	assert.Nil(screen.profile)
	assert.Nil(screen.err)
}

func TestBoundRequestReleasedRoot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"alice"}`))
	}))
	defer srv.Close()

	var writes atomic.Int32
	req := Bound[testProfile](testFactory(), MustEndpoint(srv.URL, "/profile", MediaJSON, MediaJSON, http.MethodGet, AuthNone), &profileScreen{}).
		AssignValue(func(s *profileScreen, p testProfile) {
			writes.Add(1)
			s.profile = &p
		})

	runtime.GC()
	req.Do(context.Background())
	assert.Equal(t, int32(0), writes.Load())
}

func TestUpload(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	type part struct {
		Name, FileName, ContentType, Data string
	}
	var lk sync.Mutex
	var parts []part
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lk.Lock()
		defer lk.Unlock()
		contentType = r.Header.Get("Content-Type")
		mr, err := r.MultipartReader()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			b, _ := io.ReadAll(p)
			parts = append(parts, part{p.FormName(), p.FileName(), p.Header.Get("Content-Type"), string(b)})
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	ep := MustEndpoint(srv.URL, "/media", MediaFormData, MediaJSON, http.MethodPost, AuthNone).
		SetBody(map[string]string{"ignored": "yes"})
	resp, err := testFactory().Upload(ep, []FormData{
		{Data: []byte("\x89PNG"), Name: "avatar", Mime: MediaImage, FileName: "me.png"},
		{Data: []byte(`{"alt":"me"}`), Name: "meta", Mime: MediaJSON},
	}).Do(context.Background())
	require.NoError(err)
	assert.Equal(http.StatusCreated, resp.StatusCode)

	lk.Lock()
	defer lk.Unlock()
	assert.Contains(contentType, "multipart/form-data; boundary=")
	require.Len(parts, 2)
	assert.Equal(part{"avatar", "me.png", "image/jpeg, image/jpg, image/png", "\x89PNG"}, parts[0])
	assert.Equal(part{"meta", "", "application/json", `{"alt":"me"}`}, parts[1])
}

type fakePublisher struct {
	access  chan string
	refresh chan string
}

func (p *fakePublisher) AccessTokens() <-chan string  { return p.access }
func (p *fakePublisher) RefreshTokens() <-chan string { return p.refresh }
func (p *fakePublisher) SetUp() error                 { return nil }

func (p *fakePublisher) Refresh(ctx context.Context) error {
	p.access <- "access2"
	return nil
}

func TestFromPublisher(t *testing.T) {
	assert := assert.New(t)

	pub := &fakePublisher{access: make(chan string, 4), refresh: make(chan string, 4)}
	pub.access <- "access1"
	pub.refresh <- "refresh1"

	tp := FromPublisher(pub)
	assert.NoError(tp.SetUp())
	assert.Eventually(func() bool {
		return tp.AccessToken() == "access1" && tp.RefreshToken() == "refresh1"
	}, time.Second, time.Millisecond)

	assert.NoError(tp.Refresh(context.Background()))
	assert.Eventually(func() bool {
		return tp.AccessToken() == "access2"
	}, time.Second, time.Millisecond)
}

// pushes the next access token a little after Refresh has returned
type lazyPublisher struct {
	access    chan string
	lag       time.Duration
	refreshes atomic.Int32
}

func (p *lazyPublisher) AccessTokens() <-chan string  { return p.access }
func (p *lazyPublisher) RefreshTokens() <-chan string { return nil }
func (p *lazyPublisher) SetUp() error                 { return nil }

func (p *lazyPublisher) Refresh(ctx context.Context) error {
	n := p.refreshes.Add(1)
	if p.lag >= 0 {
		time.AfterFunc(p.lag, func() {
			p.access <- fmt.Sprintf("access%d", n+1)
		})
	}
	return nil
}

func TestFromPublisherDelayedToken(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var hits atomic.Int32
	srv := authServer(t, "access2", &hits)

	pub := &lazyPublisher{access: make(chan string, 4), lag: 5 * time.Millisecond}
	pub.access <- "access1"
	tp := FromPublisher(pub)
	f := NewFactory(WithTokenProvider(tp), WithRetryDelay(0))
	require.Eventually(func() bool { return tp.AccessToken() == "access1" }, time.Second, time.Millisecond)

	resp, err := f.Request(MustEndpoint(srv.URL, "/me", MediaJSON, MediaJSON, http.MethodGet, AuthBearer)).Do(context.Background())
	require.NoError(err)
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal(int32(2), hits.Load())
	assert.Equal(int32(1), pub.refreshes.Load())
}

func TestFromPublisherRefreshTimeout(t *testing.T) {
	assert := assert.New(t)

	// never publishes a new token
	pub := &lazyPublisher{access: make(chan string, 4), lag: -1}
	tp := FromPublisher(pub)
	assert.NoError(tp.SetUp())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tp.Refresh(ctx)
	assert.ErrorIs(err, context.DeadlineExceeded)
	assert.Equal(int32(1), pub.refreshes.Load())
}
