package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/marketvox/marketvox/pkg/provider/embeddings"
	"github.com/marketvox/marketvox/pkg/provider/llm"
	"github.com/marketvox/marketvox/pkg/provider/marketdata"
	"github.com/marketvox/marketvox/pkg/provider/stt"
	"github.com/marketvox/marketvox/pkg/provider/tts"
	"github.com/marketvox/marketvox/pkg/provider/vad"
	"github.com/marketvox/marketvox/pkg/provider/websearch"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(ProviderEntry) (llm.Provider, error)
	stt        map[string]func(ProviderEntry) (stt.Provider, error)
	tts        map[string]func(ProviderEntry) (tts.Provider, error)
	vad        map[string]func(ProviderEntry) (vad.Engine, error)
	embeddings map[string]func(ProviderEntry) (embeddings.Provider, error)
	marketdata map[string]func(ProviderEntry) (marketdata.Provider, error)
	websearch  map[string]func(ProviderEntry) (websearch.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(ProviderEntry) (llm.Provider, error)),
		stt:        make(map[string]func(ProviderEntry) (stt.Provider, error)),
		tts:        make(map[string]func(ProviderEntry) (tts.Provider, error)),
		vad:        make(map[string]func(ProviderEntry) (vad.Engine, error)),
		embeddings: make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
		marketdata: make(map[string]func(ProviderEntry) (marketdata.Provider, error)),
		websearch:  make(map[string]func(ProviderEntry) (websearch.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterMarketData registers a market-data provider factory under name.
func (r *Registry) RegisterMarketData(name string, factory func(ProviderEntry) (marketdata.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marketdata[name] = factory
}

// RegisterWebSearch registers a web-search provider factory under name.
func (r *Registry) RegisterWebSearch(name string, factory func(ProviderEntry) (websearch.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.websearch[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateMarketData instantiates a market-data provider using the factory registered under entry.Name.
func (r *Registry) CreateMarketData(entry ProviderEntry) (marketdata.Provider, error) {
	r.mu.RLock()
	factory, ok := r.marketdata[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: marketdata/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateWebSearch instantiates a web-search provider using the factory registered under entry.Name.
func (r *Registry) CreateWebSearch(entry ProviderEntry) (websearch.Provider, error) {
	r.mu.RLock()
	factory, ok := r.websearch[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: websearch/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
