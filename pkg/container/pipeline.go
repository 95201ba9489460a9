package container

import (
	"sync"
	"sync/atomic"
)

// Next invokes the remainder of a pipeline.
type Next func(req *Request, resp *Response) error

// Valve is one processing stage of a pipeline. A valve either calls next to
// pass the request on, or returns without calling it to short-circuit.
type Valve interface {
	Invoke(req *Request, resp *Response, next Next) error
}

// ValveFunc adapts a function to the Valve interface.
type ValveFunc func(req *Request, resp *Response, next Next) error

// Invoke calls f.
func (f ValveFunc) Invoke(req *Request, resp *Response, next Next) error {
	return f(req, resp, next)
}

// Handler produces the response at a Wrapper.
type Handler interface {
	Serve(req *Request, resp *Response) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(req *Request, resp *Response) error

// Serve calls f.
func (f HandlerFunc) Serve(req *Request, resp *Response) error {
	return f(req, resp)
}

// Pipeline is an ordered list of valves ending in a basic valve.
//
// Valves are added before Start. Start compiles the chain into nested
// closures so invocation allocates nothing per request.
//
// Thread safety:
// AddValve and SetBasic are safe for concurrent use with each other.
// Invoke reads the compiled chain without locking.
type Pipeline struct {
	mu       sync.Mutex
	valves   []Valve
	basic    Valve
	sealed   bool
	compiled atomic.Pointer[Next]
}

// NewPipeline returns an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// AddValve appends v. Returns ErrPipelineSealed once the owner started.
func (p *Pipeline) AddValve(v Valve) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return ErrPipelineSealed
	}
	p.valves = append(p.valves, v)
	return nil
}

// SetBasic replaces the terminal valve.
func (p *Pipeline) SetBasic(v Valve) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return ErrPipelineSealed
	}
	p.basic = v
	return nil
}

// Valves returns the non-basic valves in order.
func (p *Pipeline) Valves() []Valve {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Valve, len(p.valves))
	copy(out, p.valves)
	return out
}

// Sealed reports whether the pipeline is compiled.
func (p *Pipeline) Sealed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sealed
}

// Invoke runs the compiled chain.
func (p *Pipeline) Invoke(req *Request, resp *Response) error {
	chain := p.compiled.Load()
	if chain == nil {
		return ErrNotStarted
	}
	return (*chain)(req, resp)
}

func (p *Pipeline) seal() {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := Next(func(*Request, *Response) error { return nil })
	if p.basic != nil {
		basic := p.basic
		tail := next
		next = func(req *Request, resp *Response) error {
			return basic.Invoke(req, resp, tail)
		}
	}
	for i := len(p.valves) - 1; i >= 0; i-- {
		v, tail := p.valves[i], next
		next = func(req *Request, resp *Response) error {
			return v.Invoke(req, resp, tail)
		}
	}
	p.compiled.Store(&next)
	p.sealed = true
}

func (p *Pipeline) unseal() {
	p.mu.Lock()
	p.sealed = false
	p.mu.Unlock()
}

// basicValve returns the terminal valve of c: forward to the mapped child,
// or call the handler at a Wrapper.
func basicValve(c *Container) Valve {
	return ValveFunc(func(req *Request, resp *Response, _ Next) error {
		m := req.Mapping()
		switch c.level {
		case LevelEngine:
			if m.Host == nil {
				return resp.SendError(400)
			}
			return m.Host.pipeline.Invoke(req, resp)
		case LevelHost:
			if m.Context == nil {
				return resp.SendError(404)
			}
			return m.Context.pipeline.Invoke(req, resp)
		case LevelContext:
			if m.Wrapper == nil {
				return resp.SendError(404)
			}
			return m.Wrapper.pipeline.Invoke(req, resp)
		default:
			return c.handler.Serve(req, resp)
		}
	})
}
