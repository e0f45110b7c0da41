package netkit

import (
	"context"
	"fmt"
	"sync"
)

// Completion handler of a [DecodedRequest]. 'value' is the zero value when 'err' is non-nil.
type DecodedHandler[T any] func(value T, err *NetworkError)

// A request which decodes successful responses in to a T. A body which fails to decode is
// delivered as an [Unknown] error wrapping the decode error. Build one with [Decoded].
type DecodedRequest[T any] struct {
	exchange

	lk         sync.Mutex
	completion DecodedHandler[T]
}

func (r *DecodedRequest[T]) Perform(ctx context.Context, completion DecodedHandler[T]) {
	r.setCompletion(completion)
	go r.run(ctx, r)
}

// Do sends the request and waits for the decoded value. A non-nil error is always a *NetworkError.
func (r *DecodedRequest[T]) Do(ctx context.Context) (T, error) {
	var (
		out  T
		nerr *NetworkError
	)
	r.setCompletion(func(v T, err *NetworkError) {
		out, nerr = v, err
	})
	r.run(ctx, r)
	if nerr != nil {
		var zero T
		return zero, nerr
	}
	return out, nil
}

func (r *DecodedRequest[T]) setCompletion(completion DecodedHandler[T]) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.completion = completion
}

func (r *DecodedRequest[T]) takeCompletion() DecodedHandler[T] {
	r.lk.Lock()
	defer r.lk.Unlock()
	c := r.completion
	r.completion = nil
	return c
}

func (r *DecodedRequest[T]) handleResponse(resp *NetworkResponse) {
	v, err := Decode[T](resp.Data)
	if err != nil {
		r.logger.Warn("failed to decode response", "route", r.endpoint.RawRoute(), "status", resp.StatusCode, "err", err)
		r.handleError(Unknown(fmt.Errorf("decoding %T: %w", v, err)))
		return
	}
	if c := r.takeCompletion(); c != nil {
		c(v, nil)
	}
}

func (r *DecodedRequest[T]) handleError(err *NetworkError) {
	if c := r.takeCompletion(); c != nil {
		var zero T
		c(zero, err)
	}
}
