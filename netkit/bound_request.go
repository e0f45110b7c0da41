package netkit

import (
	"context"
	"fmt"
	"sync"
	"weak"
)

// A request which writes its outcome in to a root object (eg, a view model) through setter
// functions, instead of calling a completion handler. Build one with [Bound].
//
// The root is held weakly: if it has been garbage collected by the time the response arrives,
// nothing is written. Setters must not capture the root themselves, or it can never be released.
//
// Each setter is used at most once, and the root is forgotten after the first delivery. A missing
// setter means the outcome is dropped.
type BoundRequest[R any, T any] struct {
	exchange

	lk       sync.Mutex
	root     weak.Pointer[R]
	setValue func(root *R, value T)
	setError func(root *R, err *NetworkError)
}

func newBoundRequest[R any, T any](x exchange, root *R) *BoundRequest[R, T] {
	r := &BoundRequest[R, T]{exchange: x}
	if root != nil {
		r.root = weak.Make(root)
	}
	return r
}

// AssignValue sets the function which stores the decoded value on the root.
func (r *BoundRequest[R, T]) AssignValue(set func(root *R, value T)) *BoundRequest[R, T] {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.setValue = set
	return r
}

// AssignError sets the function which stores a failure on the root.
func (r *BoundRequest[R, T]) AssignError(set func(root *R, err *NetworkError)) *BoundRequest[R, T] {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.setError = set
	return r
}

// Perform sends the request in a new goroutine.
func (r *BoundRequest[R, T]) Perform(ctx context.Context) {
	go r.run(ctx, r)
}

// Do sends the request, and returns once the outcome has been written (or dropped).
func (r *BoundRequest[R, T]) Do(ctx context.Context) {
	r.run(ctx, r)
}

func (r *BoundRequest[R, T]) handleResponse(resp *NetworkResponse) {
	v, err := Decode[T](resp.Data)
	if err != nil {
		r.logger.Warn("failed to decode response", "route", r.endpoint.RawRoute(), "status", resp.StatusCode, "err", err)
		r.handleError(Unknown(fmt.Errorf("decoding %T: %w", v, err)))
		return
	}

	r.lk.Lock()
	set := r.setValue
	root := r.root.Value()
	r.setValue = nil
	r.root = weak.Pointer[R]{}
	r.lk.Unlock()

	switch {
	case set == nil:
		r.logger.Debug("no value setter assigned, dropping response", "route", r.endpoint.RawRoute())
	case root == nil:
		r.logger.Debug("root released, dropping response", "route", r.endpoint.RawRoute())
	default:
		set(root, v)
	}
}

func (r *BoundRequest[R, T]) handleError(nerr *NetworkError) {
	r.lk.Lock()
	set := r.setError
	root := r.root.Value()
	r.setError = nil
	r.root = weak.Pointer[R]{}
	r.lk.Unlock()

	switch {
	case set == nil:
		r.logger.Debug("no error setter assigned, dropping error", "route", r.endpoint.RawRoute(), "err", nerr)
	case root == nil:
		r.logger.Debug("root released, dropping error", "route", r.endpoint.RawRoute())
	default:
		set(root, nerr)
	}
}
