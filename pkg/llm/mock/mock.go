// Package mock provides a test double for the llm.Provider interface.
//
// Set Response/Err for a fixed outcome, or CompleteFunc to script per-call
// behavior. Every invocation is recorded for later inspection.
package mock

import (
	"context"
	"sync"

	"github.com/sublexa/sublexa/pkg/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the Request passed to Complete.
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Response is returned by Complete when CompleteFunc is nil.
	Response string

	// Err, if non-nil, is returned as the error from Complete when
	// CompleteFunc is nil.
	Err error

	// CompleteFunc, if non-nil, handles every call instead of Response/Err.
	CompleteFunc func(ctx context.Context, req llm.Request) (string, error)

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// Complete records the call and returns the scripted result.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (string, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	fn := p.CompleteFunc
	resp, err := p.Response, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// CallCount returns the number of Complete calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
