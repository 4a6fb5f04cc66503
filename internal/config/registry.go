package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sublexa/sublexa/pkg/asr"
	"github.com/sublexa/sublexa/pkg/llm"
	"github.com/sublexa/sublexa/pkg/translate"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// pipeline stage. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	asr        map[string]func(VendorEntry) (asr.Provider, error)
	translator map[string]func(BackendEntry) (translate.Translator, error)
	llm        map[string]func(ProviderEntry) (llm.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		asr:        make(map[string]func(VendorEntry) (asr.Provider, error)),
		translator: make(map[string]func(BackendEntry) (translate.Translator, error)),
		llm:        make(map[string]func(ProviderEntry) (llm.Provider, error)),
	}
}

// RegisterASR registers a speech vendor factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterASR(name string, factory func(VendorEntry) (asr.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr[name] = factory
}

// RegisterTranslator registers a translation backend factory under name.
func (r *Registry) RegisterTranslator(name string, factory func(BackendEntry) (translate.Translator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translator[name] = factory
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// CreateASR instantiates the speech vendor registered under name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateASR(name string, entry VendorEntry) (asr.Provider, error) {
	r.mu.RLock()
	factory, ok := r.asr[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr/%q", ErrProviderNotRegistered, name)
	}
	return factory(entry)
}

// CreateTranslator instantiates the translation backend registered under name.
func (r *Registry) CreateTranslator(name string, entry BackendEntry) (translate.Translator, error) {
	r.mu.RLock()
	factory, ok := r.translator[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: translator/%q", ErrProviderNotRegistered, name)
	}
	return factory(entry)
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
