package container

import (
	"sync"
	"time"
)

// AsyncContext controls a suspended request. It may be used from any
// goroutine until the request completes.
type AsyncContext struct {
	req  *Request
	resp *Response

	mu         sync.Mutex
	onComplete []func()
	onTimeout  []func()
	onError    []func(error)
}

// Request returns the suspended request.
func (a *AsyncContext) Request() *Request { return a.req }

// Response returns the response of the suspended request.
func (a *AsyncContext) Response() *Response { return a.resp }

// Dispatch runs fn on a connector worker inside the pipeline error
// boundary. The request stays async unless fn calls Complete.
func (a *AsyncContext) Dispatch(fn func()) error {
	return a.req.proto.Hook.AsyncDispatch(fn)
}

// Complete finishes the request. The response is written out on a worker.
func (a *AsyncContext) Complete() error {
	return a.req.proto.Hook.AsyncComplete()
}

// Fail finishes the request with err. An uncommitted response becomes a
// 500; a committed one aborts the connection.
func (a *AsyncContext) Fail(err error) error {
	return a.req.proto.Hook.AsyncError(err)
}

// SetTimeout replaces the async deadline. Zero disables it.
func (a *AsyncContext) SetTimeout(d time.Duration) {
	a.req.proto.Hook.SetAsyncTimeout(d)
}

// OnComplete registers fn to run after the response is finished.
func (a *AsyncContext) OnComplete(fn func()) {
	a.mu.Lock()
	a.onComplete = append(a.onComplete, fn)
	a.mu.Unlock()
}

// OnTimeout registers fn to run when the deadline expires. A listener may
// write the response and call Complete; otherwise the request ends with 500.
func (a *AsyncContext) OnTimeout(fn func()) {
	a.mu.Lock()
	a.onTimeout = append(a.onTimeout, fn)
	a.mu.Unlock()
}

// OnError registers fn to run when the request fails.
func (a *AsyncContext) OnError(fn func(error)) {
	a.mu.Lock()
	a.onError = append(a.onError, fn)
	a.mu.Unlock()
}

// FireComplete runs the complete listeners. Called by the adapter.
func (a *AsyncContext) FireComplete() {
	a.mu.Lock()
	listeners := a.onComplete
	a.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// FireTimeout runs the timeout listeners. Called by the adapter.
func (a *AsyncContext) FireTimeout() {
	a.mu.Lock()
	listeners := a.onTimeout
	a.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// FireError runs the error listeners. Called by the adapter.
func (a *AsyncContext) FireError(err error) {
	a.mu.Lock()
	listeners := a.onError
	a.mu.Unlock()
	for _, fn := range listeners {
		fn(err)
	}
}
