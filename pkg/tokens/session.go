package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/netkit/pkg/env"
	"github.com/bluesky-social/netkit/pkg/robusthttp"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

var ErrNoRefreshToken = errors.New("session has no refresh token")

type SessionData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Called after every successful refresh, eg to persist the session somewhere other than a file.
type RefreshCallback func(ctx context.Context, data SessionData)

// Error returned when the refresh endpoint responds with a non-2xx status.
type RefreshError struct {
	StatusCode int
	Message    string
}

func (e *RefreshError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("session refresh failed (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("session refresh failed (HTTP %d)", e.StatusCode)
}

// Token provider for access/refresh token sessions. A refresh POSTs to RefreshURL with the refresh
// token as a bearer credential, and expects a JSON body with new "accessToken" and "refreshToken"
// values.
//
// Concurrent refreshes are collapsed in to a single HTTP request. If SessionFile is set, the
// session is loaded from it in SetUp, and written back after each refresh.
type SessionProvider struct {
	RefreshURL      string
	Client          *http.Client
	SessionFile     string
	RefreshCallback RefreshCallback
	UserAgent       string

	lk      sync.RWMutex
	session SessionData
	group   singleflight.Group
}

func NewSessionProvider(refreshURL string, session SessionData) *SessionProvider {
	// gateway errors and connection failures of the refresh endpoint are retried briefly; a 500 or
	// any 4xx is an answer
	client := robusthttp.NewClient(
		robusthttp.WithRetryPolicy(robusthttp.NoInternalServerErrorPolicy),
		robusthttp.WithMaxRetries(2),
		robusthttp.WithRetryWaitMin(100*time.Millisecond),
		robusthttp.WithRetryWaitMax(2*time.Second),
	)
	return &SessionProvider{
		RefreshURL: refreshURL,
		Client:     client,
		UserAgent:  env.UserAgent(),
		session:    session,
	}
}

func (p *SessionProvider) Session() SessionData {
	p.lk.RLock()
	defer p.lk.RUnlock()
	return p.session
}

func (p *SessionProvider) AccessToken() string {
	return p.Session().AccessToken
}

func (p *SessionProvider) RefreshToken() string {
	return p.Session().RefreshToken
}

// SetUp loads the persisted session, if a session file is configured and exists. Tokens in the
// file take precedence over the ones the provider was created with.
func (p *SessionProvider) SetUp() error {
	if p.SessionFile == "" {
		return nil
	}
	b, err := os.ReadFile(p.SessionFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading session file: %w", err)
	}
	var data SessionData
	if err := json.Unmarshal(b, &data); err != nil {
		return fmt.Errorf("parsing session file %s: %w", p.SessionFile, err)
	}

	p.lk.Lock()
	defer p.lk.Unlock()
	if data.AccessToken != "" {
		p.session.AccessToken = data.AccessToken
	}
	if data.RefreshToken != "" {
		p.session.RefreshToken = data.RefreshToken
	}
	return nil
}

func (p *SessionProvider) Refresh(ctx context.Context) error {
	_, err, shared := p.group.Do("refresh", func() (any, error) {
		return nil, p.refresh(ctx)
	})
	if shared {
		slog.Debug("joined in-flight session refresh", "err", err)
	}
	return err
}

func (p *SessionProvider) refresh(ctx context.Context) error {
	prior := p.RefreshToken()
	if prior == "" {
		return ErrNoRefreshToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.RefreshURL, nil)
	if err != nil {
		return err
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	req.Header.Set("Accept", "application/json")
	// NOTE: refresh token here, not access token
	req.Header.Set("Authorization", "Bearer "+prior)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("session refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb struct {
			Message string `json:"message"`
		}
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			_ = json.NewDecoder(resp.Body).Decode(&eb)
		}
		return &RefreshError{StatusCode: resp.StatusCode, Message: eb.Message}
	}

	var out SessionData
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding session refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return fmt.Errorf("session refresh response had no access token")
	}

	p.lk.Lock()
	p.session.AccessToken = out.AccessToken
	// some servers don't rotate the refresh token
	if out.RefreshToken != "" {
		p.session.RefreshToken = out.RefreshToken
	}
	data := p.session
	p.lk.Unlock()

	if err := p.persist(data); err != nil {
		slog.Warn("failed to persist refreshed session", "path", p.SessionFile, "err", err)
	}
	if p.RefreshCallback != nil {
		p.RefreshCallback(ctx, data)
	}
	return nil
}

func (p *SessionProvider) persist(data SessionData) error {
	if p.SessionFile == "" {
		return nil
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	tmp := p.SessionFile + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, p.SessionFile)
}

// ExpiresAt returns the 'exp' claim of the access token. The token signature is not verified: the
// value is only used to decide when to refresh. Returns the zero time if the token has no 'exp'.
func (p *SessionProvider) ExpiresAt() (time.Time, error) {
	tok := p.AccessToken()
	if tok == "" {
		return time.Time{}, fmt.Errorf("session has no access token")
	}
	insecure := jwt.NewParser(jwt.WithoutClaimsValidation())
	t, _, err := insecure.ParseUnverified(tok, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing access token: %w", err)
	}
	exp, err := t.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

// Expired reports whether the access token expires within 'skew'. Opaque (non-JWT) tokens, and
// tokens without an expiry, are never considered expired.
func (p *SessionProvider) Expired(skew time.Duration) bool {
	exp, err := p.ExpiresAt()
	if err != nil || exp.IsZero() {
		return false
	}
	return time.Now().Add(skew).After(exp)
}
