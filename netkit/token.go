package netkit

import (
	"context"
	"fmt"
	"sync"
)

// Pull-style credential capability. At most one provider is registered with a [Factory]; it is
// consulted for the Authorization header and refreshed when a request fails with 401.
type TokenProvider interface {
	AccessToken() string
	RefreshToken() string

	// Called exactly once, when the provider is registered and before any refresh. A place for
	// one-time initialization, such as loading a persisted session.
	SetUp() error

	// Refreshes the access token. Returning is the completion signal: nil means success. The
	// factory never refreshes concurrently for a single request, but different requests may
	// refresh concurrently; implementations should de-duplicate if that is undesired.
	Refresh(ctx context.Context) error
}

// Push-style credential capability: current token values are published on channels, which never
// carry errors. Use [FromPublisher] to register one with a [Factory].
type TokenPublisher interface {
	AccessTokens() <-chan string
	RefreshTokens() <-chan string
	SetUp() error
	Refresh(ctx context.Context) error
}

// FromPublisher adapts a [TokenPublisher] to a [TokenProvider]. The adapter follows both channels
// (starting in SetUp) and serves the latest published values.
//
// Refresh returns only once the publisher has pushed an access token after the refresh began, so
// a retried request carries the new token. It waits for as long as 'ctx' allows.
func FromPublisher(p TokenPublisher) TokenProvider {
	return &publisherProvider{pub: p, accessChanged: make(chan struct{})}
}

type publisherProvider struct {
	pub TokenPublisher

	lk      sync.RWMutex
	access  string
	refresh string

	// closed and replaced whenever an access token is published
	accessChanged chan struct{}
}

func (pp *publisherProvider) SetUp() error {
	if err := pp.pub.SetUp(); err != nil {
		return err
	}
	go pp.follow(pp.pub.AccessTokens(), pp.setAccess)
	go pp.follow(pp.pub.RefreshTokens(), pp.setRefresh)
	return nil
}

func (pp *publisherProvider) follow(ch <-chan string, set func(string)) {
	if ch == nil {
		return
	}
	for v := range ch {
		set(v)
	}
}

func (pp *publisherProvider) setAccess(v string) {
	pp.lk.Lock()
	defer pp.lk.Unlock()
	pp.access = v
	close(pp.accessChanged)
	pp.accessChanged = make(chan struct{})
}

func (pp *publisherProvider) setRefresh(v string) {
	pp.lk.Lock()
	defer pp.lk.Unlock()
	pp.refresh = v
}

func (pp *publisherProvider) AccessToken() string {
	pp.lk.RLock()
	defer pp.lk.RUnlock()
	return pp.access
}

func (pp *publisherProvider) RefreshToken() string {
	pp.lk.RLock()
	defer pp.lk.RUnlock()
	return pp.refresh
}

func (pp *publisherProvider) Refresh(ctx context.Context) error {
	pp.lk.RLock()
	changed := pp.accessChanged
	pp.lk.RUnlock()

	if err := pp.pub.Refresh(ctx); err != nil {
		return err
	}
	select {
	case <-changed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for refreshed access token: %w", ctx.Err())
	}
}
