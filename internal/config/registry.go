package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/llm"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/stt"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested implementation name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps implementation names to constructor functions per provider
// kind. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	stt   map[string]func(ProviderEntry) (stt.Provider, error)
	llm   map[string]func(ProviderEntry) (llm.Provider, error)
	tts   map[string]func(ProviderEntry) (tts.Provider, error)
	agent map[string]func(ProviderEntry) (provider.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:   make(map[string]func(ProviderEntry) (stt.Provider, error)),
		llm:   make(map[string]func(ProviderEntry) (llm.Provider, error)),
		tts:   make(map[string]func(ProviderEntry) (tts.Provider, error)),
		agent: make(map[string]func(ProviderEntry) (provider.Provider, error)),
	}
}

// RegisterSTT registers a speech-to-text factory under impl. Subsequent calls
// with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(impl string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[impl] = factory
}

// RegisterLLM registers a language-model factory under impl.
func (r *Registry) RegisterLLM(impl string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[impl] = factory
}

// RegisterTTS registers a text-to-speech factory under impl.
func (r *Registry) RegisterTTS(impl string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[impl] = factory
}

// RegisterAgent registers a full-agent provider factory under impl.
func (r *Registry) RegisterAgent(impl string, factory func(ProviderEntry) (provider.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent[impl] = factory
}

// CreateSTT instantiates the speech-to-text backend entry.Impl names.
// Returns [ErrProviderNotRegistered] when no factory matches.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Impl]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Impl)
	}
	return factory(entry)
}

// CreateLLM instantiates the language-model backend entry.Impl names.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Impl]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Impl)
	}
	return factory(entry)
}

// CreateTTS instantiates the text-to-speech backend entry.Impl names.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Impl]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Impl)
	}
	return factory(entry)
}

// CreateAgent instantiates the full-agent backend entry.Impl names.
func (r *Registry) CreateAgent(entry ProviderEntry) (provider.Provider, error) {
	r.mu.RLock()
	factory, ok := r.agent[entry.Impl]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: full_agent/%q", ErrProviderNotRegistered, entry.Impl)
	}
	return factory(entry)
}
