package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs. Only fields that can
// be hot-reloaded are tracked; in-flight calls keep the snapshot they opened
// with, so transport and provider endpoint changes apply to new calls only.
type ConfigDiff struct {
	ContextsChanged bool
	ContextChanges  []ContextDiff
	ToolsChanged    bool
	LogLevelChanged bool
	NewLogLevel     LogLevel
	CeilingChanged  bool
	NewCeiling      int
}

// ContextDiff describes what changed for a single context between two configs.
type ContextDiff struct {
	Name            string
	PromptChanged   bool
	GreetingChanged bool
	ProfileChanged  bool
	RoutingChanged  bool
	Added           bool
	Removed         bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.MaxActiveCalls != new.Server.MaxActiveCalls {
		d.CeilingChanged = true
		d.NewCeiling = new.Server.MaxActiveCalls
	}

	for name, oldCtx := range old.Contexts {
		newCtx, exists := new.Contexts[name]
		if !exists {
			d.ContextChanges = append(d.ContextChanges, ContextDiff{Name: name, Removed: true})
			d.ContextsChanged = true
			continue
		}
		cd := diffContext(name, oldCtx, newCtx)
		if cd.PromptChanged || cd.GreetingChanged || cd.ProfileChanged || cd.RoutingChanged {
			d.ContextChanges = append(d.ContextChanges, cd)
			d.ContextsChanged = true
		}
	}
	for name := range new.Contexts {
		if _, exists := old.Contexts[name]; !exists {
			d.ContextChanges = append(d.ContextChanges, ContextDiff{Name: name, Added: true})
			d.ContextsChanged = true
		}
	}

	d.ToolsChanged = toolsChanged(&old.Tools, &new.Tools)

	return d
}

func diffContext(name string, old, new ContextSpec) ContextDiff {
	return ContextDiff{
		Name:            name,
		PromptChanged:   old.SystemPrompt != new.SystemPrompt,
		GreetingChanged: old.Greeting != new.Greeting,
		ProfileChanged:  old.Profile != new.Profile,
		RoutingChanged:  old.Pipeline != new.Pipeline || old.Provider != new.Provider,
	}
}

func toolsChanged(old, new *ToolsConfig) bool {
	if old.DefaultHangupPolicy != new.DefaultHangupPolicy {
		return true
	}
	if !slices.Equal(old.EndCallMarkers, new.EndCallMarkers) ||
		!slices.Equal(old.FarewellMarkers, new.FarewellMarkers) {
		return true
	}
	if len(old.HTTP) != len(new.HTTP) {
		return true
	}
	for i := range old.HTTP {
		if !httpToolEqual(&old.HTTP[i], &new.HTTP[i]) {
			return true
		}
	}
	if len(old.Enabled) != len(new.Enabled) {
		return true
	}
	for name := range old.Enabled {
		if _, ok := new.Enabled[name]; !ok {
			return true
		}
	}
	return false
}

func httpToolEqual(a, b *HTTPToolSpec) bool {
	return a.Name == b.Name &&
		a.Description == b.Description &&
		a.Phase == b.Phase &&
		a.URL == b.URL &&
		a.Method == b.Method &&
		a.Body == b.Body &&
		a.TimeoutMs == b.TimeoutMs &&
		maps.Equal(a.Headers, b.Headers)
}
