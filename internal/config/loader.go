package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/audio"
)

// ValidImplNames lists known implementation names per provider kind.
// Used by [Validate] to warn about likely typos.
var ValidImplNames = map[ProviderKind][]string{
	KindSTT:       {"deepgram"},
	KindLLM:       {"openai", "anthropic", "gemini", "ollama", "mistral", "groq", "llamacpp"},
	KindTTS:       {"elevenlabs"},
	KindFullAgent: {"openai_realtime"},
	KindLocalSTT:  {"local"},
	KindLocalTTS:  {"local"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes is LoadFromReader over an in-memory document.
func LoadFromBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxActiveCalls < 0 {
		errs = append(errs, fmt.Errorf("server.max_active_calls %d must not be negative", cfg.Server.MaxActiveCalls))
	}

	errs = append(errs, validateTelephony(&cfg.Telephony)...)
	errs = append(errs, validateProviders(cfg.Providers)...)
	errs = append(errs, validatePipelines(cfg)...)
	errs = append(errs, validateProfiles(cfg.Profiles)...)
	errs = append(errs, validateContexts(cfg)...)
	errs = append(errs, validateTools(&cfg.Tools)...)

	return errors.Join(errs...)
}

func validateTelephony(t *TelephonyConfig) []error {
	var errs []error
	if t.ARIURL == "" {
		errs = append(errs, errors.New("telephony.ari_url is required"))
	}
	if t.App == "" {
		errs = append(errs, errors.New("telephony.app is required"))
	}
	if t.Transport != "" && !t.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("telephony.transport %q is invalid; valid values: rtp, audiosocket", t.Transport))
	}
	if t.Transport == TransportAudioSocket && t.AudioSocketAddr == "" {
		errs = append(errs, errors.New("telephony.audiosocket_addr is required when transport is audiosocket"))
	}
	if (t.RTPPortMin == 0) != (t.RTPPortMax == 0) {
		errs = append(errs, errors.New("telephony.rtp_port_min and rtp_port_max must be set together"))
	}
	if t.RTPPortMin > t.RTPPortMax {
		errs = append(errs, fmt.Errorf("telephony.rtp_port_min %d exceeds rtp_port_max %d", t.RTPPortMin, t.RTPPortMax))
	}
	return errs
}

func validateProviders(providers map[string]ProviderEntry) []error {
	var errs []error
	for name, p := range providers {
		prefix := fmt.Sprintf("providers.%s", name)
		if !p.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid", prefix, p.Kind))
			continue
		}
		if p.Impl == "" {
			errs = append(errs, fmt.Errorf("%s.impl is required", prefix))
			continue
		}
		if known, ok := ValidImplNames[p.Kind]; ok && !slices.Contains(known, p.Impl) {
			slog.Warn("unknown provider implementation, may be a typo or third-party",
				"provider", name,
				"kind", p.Kind,
				"impl", p.Impl,
				"known", known,
			)
		}
		if (p.Kind == KindLocalSTT || p.Kind == KindLocalTTS) && p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for local providers", prefix))
		}
	}
	return errs
}

func validatePipelines(cfg *Config) []error {
	var errs []error
	for name, p := range cfg.Pipelines {
		prefix := fmt.Sprintf("pipelines.%s", name)
		errs = append(errs, requireProvider(cfg, prefix+".stt", p.STT, KindSTT, KindLocalSTT)...)
		errs = append(errs, requireProvider(cfg, prefix+".llm", p.LLM, KindLLM)...)
		errs = append(errs, requireProvider(cfg, prefix+".tts", p.TTS, KindTTS, KindLocalTTS)...)
		if p.HangupPolicy != "" && !p.HangupPolicy.IsValid() {
			errs = append(errs, fmt.Errorf("%s.hangup_policy %q is invalid; valid values: auto, relaxed, normal, strict", prefix, p.HangupPolicy))
		}
		if p.Temperature < 0 || p.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, p.Temperature))
		}
	}
	return errs
}

// requireProvider checks that field names an existing provider of one of the
// accepted kinds.
func requireProvider(cfg *Config, field, name string, kinds ...ProviderKind) []error {
	if name == "" {
		return []error{fmt.Errorf("%s is required", field)}
	}
	p, ok := cfg.Providers[name]
	if !ok {
		return []error{fmt.Errorf("%s references unknown provider %q", field, name)}
	}
	if !slices.Contains(kinds, p.Kind) {
		return []error{fmt.Errorf("%s references provider %q of kind %q, want one of %v", field, name, p.Kind, kinds)}
	}
	return nil
}

func validateProfiles(profiles map[string]ProfileSpec) []error {
	var errs []error
	for name, p := range profiles {
		prof := p.ToProfile(name)
		if err := prof.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("profiles.%s: %w", name, err))
		}
	}
	return errs
}

func validateContexts(cfg *Config) []error {
	var errs []error
	for name, c := range cfg.Contexts {
		prefix := fmt.Sprintf("contexts.%s", name)
		switch {
		case c.Pipeline == "" && c.Provider == "":
			errs = append(errs, fmt.Errorf("%s must name a pipeline or a provider", prefix))
		case c.Pipeline != "" && c.Provider != "":
			errs = append(errs, fmt.Errorf("%s names both a pipeline and a provider; pick one", prefix))
		case c.Pipeline != "":
			if _, ok := cfg.Pipelines[c.Pipeline]; !ok {
				errs = append(errs, fmt.Errorf("%s.pipeline references unknown pipeline %q", prefix, c.Pipeline))
			}
		default:
			errs = append(errs, requireProvider(cfg, prefix+".provider", c.Provider, KindFullAgent)...)
		}
		if c.Profile != "" {
			if _, ok := cfg.Profiles[c.Profile]; !ok {
				errs = append(errs, fmt.Errorf("%s.profile references unknown profile %q", prefix, c.Profile))
			}
		}
		if c.SystemPrompt == "" {
			slog.Warn("context has no system prompt", "context", name)
		}
		errs = append(errs, validateBargeIn(prefix+".barge_in", c.BargeIn)...)
	}
	return errs
}

func validateBargeIn(prefix string, b BargeInSpec) []error {
	var errs []error
	if b.SpeechThreshold < 0 || b.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("%s.speech_threshold %g is out of range [0, 1]", prefix, b.SpeechThreshold))
	}
	if b.SilenceThreshold < 0 || b.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("%s.silence_threshold %g is out of range [0, 1]", prefix, b.SilenceThreshold))
	}
	if b.SpeechThreshold > 0 && b.SilenceThreshold > b.SpeechThreshold {
		errs = append(errs, fmt.Errorf("%s.silence_threshold %g exceeds speech_threshold %g", prefix, b.SilenceThreshold, b.SpeechThreshold))
	}
	if b.OnsetMs < 0 {
		errs = append(errs, fmt.Errorf("%s.onset_ms must not be negative", prefix))
	}
	if b.TailWaitMs < 0 {
		errs = append(errs, fmt.Errorf("%s.tail_wait_ms must not be negative", prefix))
	}
	return errs
}

func validateTools(t *ToolsConfig) []error {
	var errs []error
	if t.DefaultHangupPolicy != "" {
		if !t.DefaultHangupPolicy.IsValid() || t.DefaultHangupPolicy == HangupAuto {
			errs = append(errs, fmt.Errorf("tools.default_hangup_policy %q is invalid; valid values: relaxed, normal, strict", t.DefaultHangupPolicy))
		}
	}
	seen := make(map[string]int, len(t.HTTP))
	for i, h := range t.HTTP {
		prefix := fmt.Sprintf("tools.http[%d]", i)
		if h.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[h.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.http[%d]", prefix, h.Name, prev))
			}
			seen[h.Name] = i
		}
		if h.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required", prefix))
		}
		if h.Phase != "" && !h.Phase.IsValid() {
			errs = append(errs, fmt.Errorf("%s.phase %q is invalid; valid values: pre_call, in_call, post_call", prefix, h.Phase))
		}
		if h.TimeoutMs < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout_ms must not be negative", prefix))
		}
	}
	if t.FarewellHangupDelayMs < 0 {
		errs = append(errs, errors.New("tools.farewell_hangup_delay_ms must not be negative"))
	}
	return errs
}

// ProfileCandidates resolves the named profiles into runtime values, sorted
// by name for deterministic negotiation.
func (c *Config) ProfileCandidates() []audio.Profile {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	slices.Sort(names)
	out := make([]audio.Profile, 0, len(names))
	for _, name := range names {
		out = append(out, c.Profiles[name].ToProfile(name))
	}
	return out
}
