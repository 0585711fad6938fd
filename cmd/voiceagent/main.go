// Command voiceagent runs the per-call AI conversation engine against an
// Asterisk switch.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/ari"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/call"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/config"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/health"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/observe"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/transport"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/agent/openairt"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/llm"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/llm/anyllm"
	oallm "github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/llm/openai"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/local"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/stt"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/stt/deepgram"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/tts"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/tts/elevenlabs"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/vad"
)

// Exit codes follow the sysexits convention where one applies.
const (
	exitOK          = 0
	exitConfig      = 64 // configuration could not be loaded or is invalid
	exitUnavailable = 69 // the switch never became reachable
	exitInternal    = 70 // an unrecoverable internal fault
)

// switchGrace is how long startup waits for the switch control API to answer
// before giving up, probing every switchProbe.
const (
	switchGrace = 30 * time.Second
	switchProbe = 2 * time.Second
)

// AudioSocket frames are fixed: PCM16 at 8 kHz in 20 ms chunks.
const (
	audioSocketChunkBytes = 320
	audioSocketChunkDur   = 20 * time.Millisecond
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voiceagent: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voiceagent: %v\n", err)
		}
		return exitConfig
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voiceagent starting",
		"config", *configPath,
		"ari_url", cfg.Telephony.ARIURL,
		"app", cfg.Telephony.App,
		"transport", cfg.Telephony.Transport,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voiceagent"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return exitInternal
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry and runtime ─────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	rt, err := call.BuildRuntime(cfg, reg, logger)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		return exitConfig
	}

	// ── Switch control ────────────────────────────────────────────────────────
	ctrl, err := ari.NewClient(
		cfg.Telephony.ARIURL,
		cfg.Telephony.Username,
		cfg.Telephony.Password,
		cfg.Telephony.App,
		ari.WithLogger(logger),
	)
	if err != nil {
		slog.Error("invalid switch settings", "err", err)
		return exitConfig
	}
	if err := waitForSwitch(ctx, ctrl); err != nil {
		slog.Error("switch unreachable", "url", cfg.Telephony.ARIURL, "err", err)
		return exitUnavailable
	}

	stream, err := ari.Connect(ctx,
		cfg.Telephony.ARIURL,
		cfg.Telephony.Username,
		cfg.Telephony.Password,
		cfg.Telephony.App,
		logger,
	)
	if err != nil {
		slog.Error("event stream connect failed", "err", err)
		return exitUnavailable
	}
	defer stream.Close()

	// ── Media listener ────────────────────────────────────────────────────────
	var asServer *transport.AudioSocketServer
	if cfg.Telephony.Transport == config.TransportAudioSocket {
		asServer, err = transport.NewAudioSocketServer(
			cfg.Telephony.AudioSocketAddr,
			audioSocketChunkBytes,
			audioSocketChunkDur,
			logger,
		)
		if err != nil {
			slog.Error("audiosocket listen failed", "addr", cfg.Telephony.AudioSocketAddr, "err", err)
			return exitInternal
		}
		slog.Info("audiosocket listening", "addr", asServer.Addr())
	}

	// ── Call records ──────────────────────────────────────────────────────────
	records, err := call.NewRecordWriter(cfg.Server.RecordPath)
	if err != nil {
		slog.Error("record directory unusable", "path", cfg.Server.RecordPath, "err", err)
		return exitConfig
	}

	// ── Call manager ──────────────────────────────────────────────────────────
	mgr := call.NewManager(call.ManagerConfig{
		Control:     ctrl,
		Runtime:     rt,
		VAD:         vad.NewEnergyEngine(),
		Records:     records,
		AudioSocket: asServer,
		Logger:      logger,
	})

	// ── Config reload ─────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		nextRT, err := call.BuildRuntime(next, reg, logger)
		if err != nil {
			slog.Error("config reload rejected, keeping running configuration", "err", err)
			return
		}
		mgr.SwapRuntime(nextRT)
		slog.Info("configuration reloaded", "contexts", len(nextRT.Contexts))
	})
	if err != nil {
		slog.Error("config watcher failed", "err", err)
		return exitConfig
	}
	defer watcher.Stop()

	// ── Health endpoint ───────────────────────────────────────────────────────
	probes := health.New(
		health.Checker{Name: "switch", Check: ctrl.Ping},
		health.Checker{Name: "contexts", Check: func(context.Context) error {
			if len(mgr.Runtime().Contexts) == 0 {
				return errors.New("no contexts configured")
			}
			return nil
		}},
	)
	probes.EnableReload(cfg.Server.ReloadToken, watcher.Reload)

	// Admission consults the same checkers as /ready: a call arriving while
	// the switch API or the context table is unhealthy is rejected busy.
	mgr.SetReady(func() bool {
		readyCtx, cancel := context.WithTimeout(ctx, switchProbe)
		defer cancel()
		return probes.Healthy(readyCtx)
	})

	mux := http.NewServeMux()
	probes.Register(mux)
	healthSrv := &http.Server{
		Addr:              cfg.Server.HealthAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	healthErr := make(chan error, 1)
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			healthErr <- err
		}
	}()

	// ── Serve calls ───────────────────────────────────────────────────────────
	slog.Info("engine ready", "health_addr", cfg.Server.HealthAddr, "max_active_calls", cfg.Server.MaxActiveCalls)

	runDone := make(chan error, 1)
	go func() { runDone <- mgr.Run(ctx, stream.Events()) }()

	code := exitOK
	select {
	case err := <-healthErr:
		slog.Error("health server failed", "err", err)
		code = exitInternal
		stop()
		<-runDone
	case err := <-runDone:
		switch {
		case errors.Is(err, context.Canceled):
			slog.Info("shutdown signal received, calls drained")
		case err != nil:
			slog.Error("run error", "err", err)
			code = exitInternal
		default:
			// A closed event stream with no cancellation means the switch
			// dropped the WebSocket and in-flight calls have drained.
			slog.Error("event stream lost")
			code = exitUnavailable
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// waitForSwitch probes the control API until it answers or the grace period
// runs out. A switch that is still booting when the engine starts is normal
// in containerised deployments.
func waitForSwitch(ctx context.Context, ctrl *ari.Client) error {
	deadline := time.Now().Add(switchGrace)
	for {
		pingCtx, cancel := context.WithTimeout(ctx, switchProbe)
		err := ctrl.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		slog.Debug("switch not ready, retrying", "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(switchProbe):
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmVendors lists the hosted backends that share the APIKey + BaseURL
// construction pattern. Ollama is registered separately because it is a local
// server addressed by BaseURL alone.
var anyllmVendors = []string{"anthropic", "gemini", "mistral", "groq", "llamacpp"}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the backend
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, vendor := range anyllmVendors {
		reg.RegisterLLM(vendor, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(vendor, entry.Model, opts...)
		})
	}

	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if ms := optInt(entry.Options, "endpointing_ms"); ms > 0 {
			opts = append(opts, deepgram.WithEndpointing(ms))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("local", func(entry config.ProviderEntry) (stt.Provider, error) {
		return local.NewSTT(entry.BaseURL)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.Voice != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(entry.Voice))
		}
		if hz := optInt(entry.Options, "output_rate"); hz > 0 {
			opts = append(opts, elevenlabs.WithOutputRate(hz))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("local", func(entry config.ProviderEntry) (tts.Provider, error) {
		rate := optInt(entry.Options, "sample_rate")
		if rate == 0 {
			rate = 16000
		}
		return local.NewTTS(entry.BaseURL, rate)
	})

	// ── Full agent ────────────────────────────────────────────────────────────

	reg.RegisterAgent("openai_realtime", func(entry config.ProviderEntry) (provider.Provider, error) {
		var opts []openairt.Option
		if entry.Model != "" {
			opts = append(opts, openairt.WithModel(entry.Model))
		}
		if entry.Voice != "" {
			opts = append(opts, openairt.WithVoice(entry.Voice))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openairt.WithBaseURL(entry.BaseURL))
		}
		return openairt.New("openai_realtime", entry.APIKey, opts...)
	})
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// bare numbers as int. Returns 0 when absent or not an int.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	n, _ := opts[key].(int)
	return n
}
