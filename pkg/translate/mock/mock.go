// Package mock provides a test double for the translate.Translator
// interface.
//
// Set Response/Err for a fixed outcome, or TranslateFunc to script
// per-call behavior. Every invocation is recorded for later inspection.
package mock

import (
	"context"
	"sync"

	"github.com/sublexa/sublexa/pkg/translate"
)

// TranslateCall records a single invocation of Translate.
type TranslateCall struct {
	// Ctx is the context passed to Translate.
	Ctx context.Context
	// Req is the Request passed to Translate.
	Req translate.Request
}

// Translator is a mock implementation of translate.Translator.
type Translator struct {
	mu sync.Mutex

	// Response is returned by Translate when TranslateFunc is nil. When
	// Response is empty the mock echoes the source text wrapped in
	// guillemets, which keeps pipeline assertions readable.
	Response string

	// Err, if non-nil, is returned as the error from Translate when
	// TranslateFunc is nil.
	Err error

	// TranslateFunc, if non-nil, handles every call instead of
	// Response/Err.
	TranslateFunc func(ctx context.Context, req translate.Request) (string, error)

	// TranslateCalls records every invocation of Translate in order.
	TranslateCalls []TranslateCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Echo is the default translation for source text when neither Response
// nor TranslateFunc is set.
func Echo(source string) string {
	return "«" + source + "»"
}

// Translate records the call and returns the scripted result.
func (m *Translator) Translate(ctx context.Context, req translate.Request) (string, error) {
	m.mu.Lock()
	m.TranslateCalls = append(m.TranslateCalls, TranslateCall{Ctx: ctx, Req: req})
	fn := m.TranslateFunc
	resp, err := m.Response, m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return "", err
	}
	if resp == "" {
		return Echo(req.Text), nil
	}
	return resp, nil
}

// Close records the call.
func (m *Translator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCallCount++
	return nil
}

// CallCount returns the number of Translate calls. Thread-safe.
func (m *Translator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.TranslateCalls)
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (m *Translator) Calls() []TranslateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TranslateCall, len(m.TranslateCalls))
	copy(out, m.TranslateCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (m *Translator) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TranslateCalls = nil
	m.CloseCallCount = 0
}

// Ensure Translator implements translate.Translator at compile time.
var _ translate.Translator = (*Translator)(nil)
