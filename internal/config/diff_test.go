package config_test

import (
	"testing"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/config"
)

// ─── TestDiff ────────────────────────────────────────────────────────────────

func TestDiffNoChanges(t *testing.T) {
	t.Parallel()

	a := loadValid(t)
	b := loadValid(t)

	d := config.Diff(a, b)
	if d.ContextsChanged || d.ToolsChanged || d.LogLevelChanged || d.CeilingChanged {
		t.Fatalf("identical configs should diff empty, got %+v", d)
	}
}

func TestDiffLogLevelAndCeiling(t *testing.T) {
	t.Parallel()

	a := loadValid(t)
	b := loadValid(t)
	b.Server.LogLevel = config.LogDebug
	b.Server.MaxActiveCalls = 5

	d := config.Diff(a, b)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level change not detected: %+v", d)
	}
	if !d.CeilingChanged || d.NewCeiling != 5 {
		t.Errorf("ceiling change not detected: %+v", d)
	}
}

func TestDiffContexts(t *testing.T) {
	t.Parallel()

	a := loadValid(t)
	b := loadValid(t)

	ctx := b.Contexts["default"]
	ctx.SystemPrompt = "You are a different receptionist."
	b.Contexts["default"] = ctx
	delete(b.Contexts, "realtime")
	b.Contexts["afterhours"] = config.ContextSpec{
		Pipeline:     "default",
		SystemPrompt: "The office is closed.",
		Profile:      "narrowband",
	}

	d := config.Diff(a, b)
	if !d.ContextsChanged {
		t.Fatal("context changes not detected")
	}

	byName := make(map[string]config.ContextDiff)
	for _, cd := range d.ContextChanges {
		byName[cd.Name] = cd
	}
	if !byName["default"].PromptChanged {
		t.Error("prompt change not detected for default")
	}
	if !byName["realtime"].Removed {
		t.Error("removal not detected for realtime")
	}
	if !byName["afterhours"].Added {
		t.Error("addition not detected for afterhours")
	}
}

func TestDiffTools(t *testing.T) {
	t.Parallel()

	a := loadValid(t)
	b := loadValid(t)
	b.Tools.EndCallMarkers = append(b.Tools.EndCallMarkers, "that is all")

	if d := config.Diff(a, b); !d.ToolsChanged {
		t.Fatal("marker change not detected")
	}

	c := loadValid(t)
	c.Tools.HTTP = []config.HTTPToolSpec{{Name: "crm", URL: "http://crm/lookup"}}
	if d := config.Diff(a, c); !d.ToolsChanged {
		t.Fatal("http tool addition not detected")
	}
}
