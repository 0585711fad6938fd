// Package pipeline composes modular speech-to-text, language-model, and
// text-to-speech backends into one conversational provider. The composition
// is invisible to the engine: a pipeline session satisfies the same handle
// surface a full-agent backend does, emitting transcripts, assistant text,
// synthesized audio, and tool calls as typed events.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/audio"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/llm"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/stt"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/tts"
)

// maxToolRounds bounds LLM re-invocation after tool results within one turn,
// preventing tool-call loops.
const maxToolRounds = 3

// completionRetries bounds in-turn retries of a failed completion request.
const completionRetries = 2

// defaultCompletionBackoff is the delay before the first completion retry;
// it doubles per attempt.
const defaultCompletionBackoff = 500 * time.Millisecond

// Config tunes one pipeline.
type Config struct {
	// Language is passed to the speech recognizer.
	Language string

	// Temperature and MaxTokens tune the language model.
	Temperature float64
	MaxTokens   int

	// ToolPolicy says how tool calls are recognised: strict trusts only the
	// native protocol, compatible additionally parses fenced JSON out of
	// assistant text, off disables tools entirely.
	ToolPolicy provider.ToolPolicy

	// HistoryLimit bounds the conversation history. Zero uses the default.
	HistoryLimit int

	// CompletionBackoff is the delay before the first retry of a failed
	// completion request; it doubles per attempt. Zero uses the default.
	CompletionBackoff time.Duration

	// Voice selects the synthesis voice.
	Voice tts.Voice

	Logger *slog.Logger
}

// Provider wires an STT, LLM, and TTS backend into a [provider.Provider].
type Provider struct {
	name   string
	sttP   stt.Provider
	llmP   llm.Provider
	ttsP   tts.Provider
	cfg    Config
	logger *slog.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New builds a pipeline provider. name is the configured pipeline name, used
// in logs and capability reporting.
func New(name string, sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, cfg Config) (*Provider, error) {
	if sttP == nil || llmP == nil || ttsP == nil {
		return nil, fmt.Errorf("pipeline %s: stt, llm, and tts backends are all required", name)
	}
	if cfg.ToolPolicy == "" {
		cfg.ToolPolicy = provider.ToolPolicyStrict
	}
	if !cfg.ToolPolicy.IsValid() {
		return nil, fmt.Errorf("pipeline %s: invalid tool policy %q", name, cfg.ToolPolicy)
	}
	if cfg.CompletionBackoff <= 0 {
		cfg.CompletionBackoff = defaultCompletionBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provider{
		name:   name,
		sttP:   sttP,
		llmP:   llmP,
		ttsP:   ttsP,
		cfg:    cfg,
		logger: cfg.Logger.With("pipeline", name),
	}, nil
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return p.name }

// Capabilities implements provider.Provider. Stage adapters resample at their
// own boundaries, so the pipeline accepts any internal rate; egress audio is
// emitted at the synthesizer's output rate.
func (p *Provider) Capabilities() provider.Capabilities {
	caps := provider.Capabilities{
		IngressEncodings: []audio.Encoding{audio.EncodingSLin16},
		EgressEncodings:  []audio.Encoding{audio.EncodingSLin16},
		EgressRates:      []int{p.ttsP.Output().SampleRate},
		PreferredChunkMs: 20,
		ToolPolicy:       p.cfg.ToolPolicy,
	}
	if seg, ok := p.sttP.(stt.Segmenter); ok {
		caps.SegmentedSTT = seg.Segmented()
	}
	return caps
}

// Open implements provider.Provider. It starts the recognizer stream and the
// turn driver; the greeting, when set, is synthesized before the first caller
// turn.
func (p *Provider) Open(ctx context.Context, cfg provider.OpenConfig) (provider.Handle, error) {
	sttSession, err := p.sttP.StartStream(ctx, stt.StreamConfig{
		SampleRate: cfg.Profile.InternalRate,
		Language:   p.cfg.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: start recognizer: %w", p.name, err)
	}

	h := newHandle(p, sttSession, cfg)
	h.wg.Add(1)
	go h.run()
	return h, nil
}

// toolDefinitions converts the offered catalog to model form. Nil under the
// off policy so backends never see tools.
func (p *Provider) toolDefinitions(schemas []provider.ToolSchema) []llm.ToolDefinition {
	if p.cfg.ToolPolicy == provider.ToolPolicyOff || len(schemas) == 0 {
		return nil
	}
	out := make([]llm.ToolDefinition, len(schemas))
	for i, s := range schemas {
		out[i] = llm.ToolDefinition{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.Parameters,
		}
	}
	return out
}
