package netkit

import (
	"context"
	"sync"
)

// Completion handler of a [Request]. Exactly one of 'resp' and 'err' is non-nil.
type ResponseHandler func(resp *NetworkResponse, err *NetworkError)

// A request which delivers the raw [NetworkResponse]. Build one with [Factory.Request] or
// [Factory.Upload].
//
// A Request may be performed several times, but only one call should be in flight at a time: the
// completion handler is held by the request until the call finishes. Every perform gets the full
// retry budget.
type Request struct {
	exchange

	lk         sync.Mutex
	completion ResponseHandler
}

// Perform sends the request in a new goroutine, and calls 'completion' once with the outcome.
func (r *Request) Perform(ctx context.Context, completion ResponseHandler) {
	r.setCompletion(completion)
	go r.run(ctx, r)
}

// Do sends the request and waits for the outcome. A non-nil error is always a *NetworkError.
func (r *Request) Do(ctx context.Context) (*NetworkResponse, error) {
	var (
		out  *NetworkResponse
		nerr *NetworkError
	)
	r.setCompletion(func(resp *NetworkResponse, err *NetworkError) {
		out, nerr = resp, err
	})
	r.run(ctx, r)
	if nerr != nil {
		return nil, nerr
	}
	return out, nil
}

func (r *Request) setCompletion(completion ResponseHandler) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.completion = completion
}

// takes the handler, so that it fires at most once
func (r *Request) takeCompletion() ResponseHandler {
	r.lk.Lock()
	defer r.lk.Unlock()
	c := r.completion
	r.completion = nil
	return c
}

func (r *Request) handleResponse(resp *NetworkResponse) {
	if c := r.takeCompletion(); c != nil {
		c(resp, nil)
	}
}

func (r *Request) handleError(err *NetworkError) {
	if c := r.takeCompletion(); c != nil {
		c(nil, err)
	}
}
