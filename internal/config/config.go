// Package config provides the configuration schema, loader, watcher, and
// provider registry for the voice agent.
package config

import (
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ProviderKind is the tagged-variant discriminator for a provider entry.
type ProviderKind string

const (
	// KindSTT, KindLLM, and KindTTS are modular stage backends referenced
	// by pipelines.
	KindSTT ProviderKind = "stt"
	KindLLM ProviderKind = "llm"
	KindTTS ProviderKind = "tts"

	// KindFullAgent is a single duplex speech-to-speech backend referenced
	// directly by contexts.
	KindFullAgent ProviderKind = "full_agent"

	// KindLocalSTT and KindLocalTTS are self-hosted WebSocket inference
	// servers.
	KindLocalSTT ProviderKind = "local_stt"
	KindLocalTTS ProviderKind = "local_tts"
)

// IsValid reports whether k is a recognised provider kind.
func (k ProviderKind) IsValid() bool {
	switch k {
	case KindSTT, KindLLM, KindTTS, KindFullAgent, KindLocalSTT, KindLocalTTS:
		return true
	}
	return false
}

// Transport selects the per-call media path to the switch.
type Transport string

const (
	TransportRTP         Transport = "rtp"
	TransportAudioSocket Transport = "audiosocket"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportRTP || t == TransportAudioSocket
}

// HangupPolicy controls the guardrail applied to agent-initiated hangups.
type HangupPolicy string

const (
	// HangupAuto defers to the global default in ToolsConfig.
	HangupAuto    HangupPolicy = "auto"
	HangupRelaxed HangupPolicy = "relaxed"
	HangupNormal  HangupPolicy = "normal"
	HangupStrict  HangupPolicy = "strict"
)

// IsValid reports whether p is a recognised hangup policy.
func (p HangupPolicy) IsValid() bool {
	switch p {
	case HangupAuto, HangupRelaxed, HangupNormal, HangupStrict:
		return true
	}
	return false
}

// ToolPhase says when a tool runs relative to the conversation.
type ToolPhase string

const (
	PhasePreCall  ToolPhase = "pre_call"
	PhaseInCall   ToolPhase = "in_call"
	PhasePostCall ToolPhase = "post_call"
)

// IsValid reports whether p is a recognised tool phase.
func (p ToolPhase) IsValid() bool {
	switch p {
	case PhasePreCall, PhaseInCall, PhasePostCall:
		return true
	}
	return false
}

// Config is the root configuration, loaded from YAML via [Load] or
// [LoadFromReader]. Maps are keyed by the name other sections reference.
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Telephony TelephonyConfig          `yaml:"telephony"`
	Providers map[string]ProviderEntry `yaml:"providers"`
	Pipelines map[string]PipelineSpec  `yaml:"pipelines"`
	Contexts  map[string]ContextSpec   `yaml:"contexts"`
	Profiles  map[string]ProfileSpec   `yaml:"profiles"`
	Tools     ToolsConfig              `yaml:"tools"`
}

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// HealthAddr is the TCP address of the health/metrics/reload endpoint
	// (e.g., ":8088").
	HealthAddr string `yaml:"health_addr"`

	// ReloadToken, when set, is the bearer token required by POST /reload.
	ReloadToken string `yaml:"reload_token"`

	// MaxActiveCalls is the admission ceiling. New calls above it are
	// rejected with a busy signal. Zero means unlimited.
	MaxActiveCalls int `yaml:"max_active_calls"`

	// RecordPath is the directory call records are written to. Empty
	// disables call records.
	RecordPath string `yaml:"record_path"`
}

// TelephonyConfig holds switch connectivity and media settings.
type TelephonyConfig struct {
	// ARIURL is the HTTP base of the switch control API
	// (e.g., "http://asterisk:8088/ari"). The event WebSocket is derived
	// from it.
	ARIURL string `yaml:"ari_url"`

	// Username and Password authenticate against the control API.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// App is the Stasis application name calls are routed to.
	App string `yaml:"app"`

	// Transport selects the media path for all calls.
	Transport Transport `yaml:"transport"`

	// AdvertiseHost is the address handed to the switch for media. Behind
	// NAT it differs from the bind host.
	AdvertiseHost string `yaml:"advertise_host"`

	// BindHost is the local interface media sockets bind on. Empty binds
	// all interfaces.
	BindHost string `yaml:"bind_host"`

	// RTPPortMin and RTPPortMax bound the per-call UDP port range. Zero
	// means any free port.
	RTPPortMin int `yaml:"rtp_port_min"`
	RTPPortMax int `yaml:"rtp_port_max"`

	// AudioSocketAddr is the framed-TCP listen address when Transport is
	// audiosocket.
	AudioSocketAddr string `yaml:"audiosocket_addr"`

	// MOHClass is the music-on-hold class played during attended transfers.
	MOHClass string `yaml:"moh_class"`
}

// ProviderEntry is one backend endpoint. Kind discriminates how the rest of
// the fields are interpreted.
type ProviderEntry struct {
	// Kind discriminates the variant.
	Kind ProviderKind `yaml:"kind"`

	// Impl selects the registered implementation (e.g., "deepgram",
	// "openai", "elevenlabs", "openai_realtime", "local").
	Impl string `yaml:"impl"`

	// APIKey authenticates against hosted backends.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the implementation's default endpoint. For local
	// providers it is the WebSocket URL of the inference server.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the backend (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Voice is the TTS voice identifier, where applicable.
	Voice string `yaml:"voice"`

	// Options holds implementation-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// PipelineSpec composes three modular stage providers into one conversational
// pipeline.
type PipelineSpec struct {
	// STT, LLM, and TTS name entries in Providers with the matching kind.
	STT string `yaml:"stt"`
	LLM string `yaml:"llm"`
	TTS string `yaml:"tts"`

	// Tools is the allowlist of tool names this pipeline may invoke. Empty
	// allows every enabled in-call tool.
	Tools []string `yaml:"tools"`

	// HangupPolicy is the guardrail mode for agent-initiated hangups.
	// Empty means auto.
	HangupPolicy HangupPolicy `yaml:"hangup_policy"`

	// Temperature and MaxTokens tune the language model.
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// ContextSpec maps a class of callers onto a conversational setup. Exactly
// one of Pipeline or Provider must be set: Pipeline names a modular pipeline,
// Provider names a full-agent entry.
type ContextSpec struct {
	Pipeline string `yaml:"pipeline"`
	Provider string `yaml:"provider"`

	// SystemPrompt is the persona instruction sent at session open.
	SystemPrompt string `yaml:"system_prompt"`

	// Greeting is spoken before the first caller turn. Empty skips it.
	Greeting string `yaml:"greeting"`

	// Profile names the preferred audio profile in Profiles.
	Profile string `yaml:"profile"`

	// BargeIn tunes the caller-speech detector for this context.
	BargeIn BargeInSpec `yaml:"barge_in"`
}

// BargeInSpec tunes the detector that lets a caller interrupt agent playback.
// Zero values use the detector defaults.
type BargeInSpec struct {
	// SpeechThreshold and SilenceThreshold are normalised energies in (0, 1].
	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// OnsetMs is the sustained speech required before playback is cut.
	OnsetMs int `yaml:"onset_ms"`

	// TailWaitMs delays gate re-opening past the projected playback end,
	// absorbing transport jitter.
	TailWaitMs int `yaml:"tail_wait_ms"`
}

// ProfileSpec is a named audio contract candidate.
type ProfileSpec struct {
	InternalRate    int    `yaml:"internal_rate"`
	IngressEncoding string `yaml:"ingress_encoding"`
	IngressRate     int    `yaml:"ingress_rate"`
	EgressEncoding  string `yaml:"egress_encoding"`
	EgressRate      int    `yaml:"egress_rate"`
	ChunkMs         int    `yaml:"chunk_ms"`
}

// ToProfile converts the spec to the runtime profile value.
func (p ProfileSpec) ToProfile(name string) audio.Profile {
	return audio.Profile{
		Name:            name,
		InternalRate:    p.InternalRate,
		IngressEncoding: audio.Encoding(p.IngressEncoding),
		IngressRate:     p.IngressRate,
		EgressEncoding:  audio.Encoding(p.EgressEncoding),
		EgressRate:      p.EgressRate,
		ChunkMs:         p.ChunkMs,
	}
}

// ToolsConfig declares the tool catalog.
type ToolsConfig struct {
	// Enabled lists built-in telephony tools to register, with per-tool
	// options (e.g., transfer destinations, voicemail extension).
	Enabled map[string]ToolOptions `yaml:"enabled"`

	// HTTP declares generic outbound HTTP tools.
	HTTP []HTTPToolSpec `yaml:"http"`

	// EndCallMarkers are the caller phrases the hangup guardrail accepts as
	// end-of-call intent.
	EndCallMarkers []string `yaml:"end_call_markers"`

	// FarewellMarkers are assistant phrases that count as a spoken goodbye.
	FarewellMarkers []string `yaml:"farewell_markers"`

	// DefaultHangupPolicy backs pipelines whose policy is auto. Empty means
	// normal.
	DefaultHangupPolicy HangupPolicy `yaml:"default_hangup_policy"`

	// FarewellHangupDelayMs bounds how long an agent-initiated hangup waits
	// for the goodbye playback to drain. Zero uses the built-in default.
	FarewellHangupDelayMs int `yaml:"farewell_hangup_delay_ms"`
}

// ToolOptions is the per-tool option bag for built-in tools.
type ToolOptions struct {
	// TimeoutMs overrides the default execution timeout.
	TimeoutMs int `yaml:"timeout_ms"`

	// Options holds tool-specific values (destinations, templates, ...).
	Options map[string]any `yaml:"options"`
}

// HTTPToolSpec declares one generic HTTP tool. Template variables of the form
// {caller_number}, {called_number}, {call_id}, {pre_call_results.*}, and
// {env.*} are substituted into URL, headers, and body at invocation time.
type HTTPToolSpec struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Phase       ToolPhase         `yaml:"phase"`
	URL         string            `yaml:"url"`
	Method      string            `yaml:"method"`
	Headers     map[string]string `yaml:"headers"`

	// Body is the request body template.
	Body string `yaml:"body"`

	// Parameters is a JSON Schema (as YAML) describing the AI-supplied
	// arguments for in-call tools.
	Parameters map[string]any `yaml:"parameters"`

	// TimeoutMs overrides the default execution timeout.
	TimeoutMs int `yaml:"timeout_ms"`
}
