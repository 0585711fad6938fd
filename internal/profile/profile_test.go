package profile

import (
	"testing"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/audio"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider"
)

func testCandidates() []audio.Profile {
	return []audio.Profile{
		{
			Name:            "ulaw8",
			InternalRate:    8000,
			IngressEncoding: audio.EncodingULaw,
			IngressRate:     8000,
			EgressEncoding:  audio.EncodingULaw,
			EgressRate:      8000,
			ChunkMs:         20,
		},
		{
			Name:            "slin16",
			InternalRate:    16000,
			IngressEncoding: audio.EncodingSLin16,
			IngressRate:     16000,
			EgressEncoding:  audio.EncodingSLin16,
			EgressRate:      16000,
			ChunkMs:         20,
		},
		{
			Name:            "alaw8",
			InternalRate:    8000,
			IngressEncoding: audio.EncodingALaw,
			IngressRate:     8000,
			EgressEncoding:  audio.EncodingALaw,
			EgressRate:      8000,
			ChunkMs:         20,
		},
	}
}

func rtpCaps() TransportCaps {
	return TransportCaps{
		Encodings: []audio.Encoding{audio.EncodingULaw, audio.EncodingALaw, audio.EncodingSLin16},
		Rates:     []int{8000, 16000},
	}
}

// ─── TestNegotiatePreferred ──────────────────────────────────────────────────

func TestNegotiatePreferred(t *testing.T) {
	t.Parallel()

	got, err := Negotiate(testCandidates(), "ulaw8", provider.Capabilities{}, rtpCaps())
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if got.Name != "ulaw8" {
		t.Fatalf("want preferred ulaw8, got %q", got.Name)
	}
}

// ─── TestNegotiateHighestRateWins ────────────────────────────────────────────

// When the preferred profile is not viable, the highest internal rate wins.
func TestNegotiateHighestRateWins(t *testing.T) {
	t.Parallel()

	got, err := Negotiate(testCandidates(), "missing", provider.Capabilities{}, rtpCaps())
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if got.Name != "slin16" {
		t.Fatalf("want slin16 (16 kHz beats 8 kHz), got %q", got.Name)
	}
}

// ─── TestNegotiateProviderRateRestriction ────────────────────────────────────

// A provider that only accepts 8 kHz ingress rules out the 16 kHz profile,
// and the preferred profile still wins within the restricted set.
func TestNegotiateProviderRateRestriction(t *testing.T) {
	t.Parallel()

	prov := provider.Capabilities{
		IngressEncodings: []audio.Encoding{audio.EncodingSLin16},
		IngressRates:     []int{8000},
	}
	got, err := Negotiate(testCandidates(), "slin16", prov, rtpCaps())
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if got.InternalRate != 8000 {
		t.Fatalf("provider limited to 8 kHz, got %q at %d Hz", got.Name, got.InternalRate)
	}
}

// ─── TestNegotiateNameTieBreak ───────────────────────────────────────────────

// ulaw8 and alaw8 are equal on rate and transcoding steps; the name decides.
func TestNegotiateNameTieBreak(t *testing.T) {
	t.Parallel()

	prov := provider.Capabilities{IngressRates: []int{8000}}
	got, err := Negotiate(testCandidates(), "missing", prov, rtpCaps())
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if got.Name != "alaw8" {
		t.Fatalf("tie-break: want alaw8 (alphabetical), got %q", got.Name)
	}
}

// ─── TestNegotiateNoIntersection ─────────────────────────────────────────────

func TestNegotiateNoIntersection(t *testing.T) {
	t.Parallel()

	transport := TransportCaps{
		Encodings: []audio.Encoding{audio.EncodingSLin16},
		Rates:     []int{48000},
	}
	if _, err := Negotiate(testCandidates(), "ulaw8", provider.Capabilities{}, transport); err == nil {
		t.Fatal("no intersection should be an error")
	}
}

// ─── TestNegotiateInvalidCandidate ───────────────────────────────────────────

func TestNegotiateInvalidCandidate(t *testing.T) {
	t.Parallel()

	bad := []audio.Profile{{Name: "broken"}}
	if _, err := Negotiate(bad, "broken", provider.Capabilities{}, rtpCaps()); err == nil {
		t.Fatal("invalid candidate should be an error")
	}
}

// ─── TestTransportCapsSupports ───────────────────────────────────────────────

func TestTransportCapsSupports(t *testing.T) {
	t.Parallel()

	caps := rtpCaps()
	if !caps.Supports(audio.EncodingULaw, 8000) {
		t.Error("ulaw@8000 should be supported")
	}
	if caps.Supports(audio.EncodingULaw, 48000) {
		t.Error("ulaw@48000 should not be supported")
	}
}
