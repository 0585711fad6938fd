package call

import (
	"fmt"
	"log/slog"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/config"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/pipeline"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/profile"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/tools"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/audio"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/tts"
)

// ContextRuntime is one fully resolved conversational context: the backend
// instance, the profile negotiated against it, and the tool setup. Built at
// load and reload, immutable afterwards.
type ContextRuntime struct {
	Name         string
	Spec         config.ContextSpec
	Provider     provider.Provider
	Profile      audio.Profile
	PipelineName string

	// ToolAllow filters the in-call catalog; empty allows everything.
	ToolAllow []string

	Guardrail *tools.Guardrail
}

// Runtime is the read-only snapshot the controller serves calls from. Reload
// builds a fresh Runtime and swaps it atomically; in-flight calls keep the
// snapshot they started on.
type Runtime struct {
	Config   *config.Config
	Contexts map[string]*ContextRuntime
}

// BuildRuntime resolves every context against the provider registry and
// negotiates its audio profile. Any failure aborts the whole build, so a
// broken reload never half-applies.
func BuildRuntime(cfg *config.Config, reg *config.Registry, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	caps := transportCaps(cfg.Telephony.Transport)
	candidates := cfg.ProfileCandidates()

	rt := &Runtime{
		Config:   cfg,
		Contexts: make(map[string]*ContextRuntime, len(cfg.Contexts)),
	}
	for name, spec := range cfg.Contexts {
		cr, err := buildContext(cfg, reg, name, spec, candidates, caps, logger)
		if err != nil {
			return nil, fmt.Errorf("call: context %q: %w", name, err)
		}
		rt.Contexts[name] = cr
	}
	return rt, nil
}

// ResolveContext picks the context for an inbound call: an explicit Stasis
// argument wins, then the called number as a context name, then "default".
func (rt *Runtime) ResolveContext(stasisArgs []string, calleeNumber string) (*ContextRuntime, error) {
	if len(stasisArgs) > 0 && stasisArgs[0] != "" {
		if cr, ok := rt.Contexts[stasisArgs[0]]; ok {
			return cr, nil
		}
		return nil, fmt.Errorf("call: unknown context %q in stasis args", stasisArgs[0])
	}
	if cr, ok := rt.Contexts[calleeNumber]; ok {
		return cr, nil
	}
	if cr, ok := rt.Contexts["default"]; ok {
		return cr, nil
	}
	return nil, fmt.Errorf("call: no context for callee %q and no default", calleeNumber)
}

func buildContext(cfg *config.Config, reg *config.Registry, name string, spec config.ContextSpec,
	candidates []audio.Profile, caps profile.TransportCaps, logger *slog.Logger) (*ContextRuntime, error) {

	cr := &ContextRuntime{Name: name, Spec: spec}

	switch {
	case spec.Pipeline != "":
		ps := cfg.Pipelines[spec.Pipeline]
		prov, err := buildPipeline(cfg, reg, spec.Pipeline, ps, logger)
		if err != nil {
			return nil, err
		}
		cr.Provider = prov
		cr.PipelineName = spec.Pipeline
		cr.ToolAllow = ps.Tools
		cr.Guardrail = tools.NewGuardrail(ps.HangupPolicy, cfg.Tools)

	case spec.Provider != "":
		entry := cfg.Providers[spec.Provider]
		prov, err := reg.CreateAgent(entry)
		if err != nil {
			return nil, err
		}
		cr.Provider = prov
		cr.Guardrail = tools.NewGuardrail(config.HangupAuto, cfg.Tools)
	}

	negotiated, err := profile.Negotiate(candidates, spec.Profile, cr.Provider.Capabilities(), caps)
	if err != nil {
		return nil, err
	}
	cr.Profile = negotiated
	logger.Debug("context resolved",
		"context", name,
		"provider", cr.Provider.Name(),
		"profile", negotiated.Name)
	return cr, nil
}

func buildPipeline(cfg *config.Config, reg *config.Registry, name string, ps config.PipelineSpec, logger *slog.Logger) (provider.Provider, error) {
	sttEntry := cfg.Providers[ps.STT]
	llmEntry := cfg.Providers[ps.LLM]
	ttsEntry := cfg.Providers[ps.TTS]

	sttP, err := reg.CreateSTT(sttEntry)
	if err != nil {
		return nil, err
	}
	llmP, err := reg.CreateLLM(llmEntry)
	if err != nil {
		return nil, err
	}
	ttsP, err := reg.CreateTTS(ttsEntry)
	if err != nil {
		return nil, err
	}

	return pipeline.New(name, sttP, llmP, ttsP, pipeline.Config{
		Temperature: ps.Temperature,
		MaxTokens:   ps.MaxTokens,
		ToolPolicy:  toolPolicyFor(llmEntry.Impl),
		Voice:       tts.Voice{ID: ttsEntry.Voice},
		Logger:      logger,
	})
}

// toolPolicyFor maps the model backend to a tool-call recognition mode.
// Hosted APIs speak the native protocol; self-hosted models often emit tool
// calls as fenced JSON in plain text.
func toolPolicyFor(impl string) provider.ToolPolicy {
	switch impl {
	case "ollama", "llamacpp":
		return provider.ToolPolicyCompatible
	}
	return provider.ToolPolicyStrict
}

// transportCaps lists the wire formats each media path carries. RTP covers
// the G.711 pair and linear PCM at both telephony rates; AudioSocket frames
// are PCM16 at 8 kHz.
func transportCaps(t config.Transport) profile.TransportCaps {
	if t == config.TransportAudioSocket {
		return profile.TransportCaps{
			Encodings: []audio.Encoding{audio.EncodingSLin16},
			Rates:     []int{8000},
		}
	}
	return profile.TransportCaps{
		Encodings: []audio.Encoding{audio.EncodingULaw, audio.EncodingALaw, audio.EncodingSLin16},
		Rates:     []int{8000, 16000},
	}
}
