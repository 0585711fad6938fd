package tools

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/config"
)

// markerThreshold is the minimum Jaro-Winkler similarity for a caller phrase
// to count as an end-call marker. Telephony transcripts are noisy; exact
// substring matches are checked first and fuzzy matching covers the rest.
// 0.92 accepts a dropped trailing letter but keeps "good" from matching
// "goodbye".
const markerThreshold = 0.92

// Guardrail decides whether a model-emitted hangup is backed by actual
// caller intent. It is read-only after construction and safe for concurrent
// use.
type Guardrail struct {
	policy          config.HangupPolicy
	endMarkers      []string
	farewellMarkers []string
}

// NewGuardrail resolves the effective policy: auto defers to the global
// default, an empty default means normal.
func NewGuardrail(policy config.HangupPolicy, cfg config.ToolsConfig) *Guardrail {
	if policy == config.HangupAuto || policy == "" {
		policy = cfg.DefaultHangupPolicy
	}
	if policy == "" || policy == config.HangupAuto {
		policy = config.HangupNormal
	}
	return &Guardrail{
		policy:          policy,
		endMarkers:      normalizeAll(cfg.EndCallMarkers),
		farewellMarkers: normalizeAll(cfg.FarewellMarkers),
	}
}

// Policy returns the resolved policy.
func (g *Guardrail) Policy() config.HangupPolicy { return g.policy }

// Check returns an empty string when the hangup may proceed, otherwise the
// reject message to feed back to the model.
//
// Relaxed always allows. Normal requires either a caller end-call marker or
// an assistant farewell immediately before the hangup. Strict requires the
// caller marker regardless of what the assistant said.
func (g *Guardrail) Check(inv Invocation) string {
	if g.policy == config.HangupRelaxed {
		return ""
	}

	callerDone := g.MatchesEndMarker(inv.LastUtterance)
	if callerDone {
		return ""
	}
	if g.policy == config.HangupNormal && inv.AssistantFarewell {
		return ""
	}
	return "hangup rejected: the caller has not indicated the conversation is over; " +
		"continue assisting or ask if there is anything else"
}

// MatchesEndMarker reports whether the utterance carries end-of-call intent.
func (g *Guardrail) MatchesEndMarker(utterance string) bool {
	return matchesAny(utterance, g.endMarkers)
}

// MatchesFarewell reports whether assistant text contains a goodbye phrase.
func (g *Guardrail) MatchesFarewell(text string) bool {
	return matchesAny(text, g.farewellMarkers)
}

func normalizeAll(markers []string) []string {
	out := make([]string, 0, len(markers))
	for _, m := range markers {
		if n := normalize(m); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// normalize lowercases and strips punctuation so "Goodbye!" and "goodbye"
// compare equal.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == '\'':
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// matchesAny tests the text against each marker: exact substring first, then
// Jaro-Winkler over token windows of the marker's length, so "okay bye bye
// now" matches the marker "bye bye" even with transcription noise.
func matchesAny(text string, markers []string) bool {
	norm := normalize(text)
	if norm == "" {
		return false
	}
	tokens := strings.Fields(norm)

	for _, marker := range markers {
		if strings.Contains(norm, marker) {
			return true
		}
		width := len(strings.Fields(marker))
		for i := 0; i+width <= len(tokens); i++ {
			window := strings.Join(tokens[i:i+width], " ")
			if matchr.JaroWinkler(window, marker, false) >= markerThreshold {
				return true
			}
		}
	}
	return false
}
