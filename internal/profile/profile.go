// Package profile negotiates the concrete audio contract for a call from
// three inputs: the provider's capabilities, the transport's capabilities,
// and the context's preferred profile. Negotiation runs at configuration load
// and reload, never at call time, so an impossible combination is a fatal
// configuration error instead of a failed call.
package profile

import (
	"fmt"
	"slices"
	"sort"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/audio"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider"
)

// TransportCaps lists the wire formats a transport can carry. The switch side
// of the profile (ingress and egress encoding/rate) must fall inside these.
type TransportCaps struct {
	Encodings []audio.Encoding
	Rates     []int
}

// Supports reports whether the transport carries the given pair.
func (c TransportCaps) Supports(enc audio.Encoding, rate int) bool {
	return slices.Contains(c.Encodings, enc) && slices.Contains(c.Rates, rate)
}

// Negotiate picks one profile from the named candidates.
//
// A candidate is viable when the transport carries both its switch-side pairs
// and the provider accepts PCM16 at its internal rate. Empty provider
// capability lists mean unconstrained; modular pipelines resample at the
// adapter boundary, so only explicit limits restrict the choice.
//
// The preferred profile wins when viable. Otherwise the viable candidate with
// the highest internal rate wins; ties break on fewest transcoding steps,
// then on name.
func Negotiate(candidates []audio.Profile, preferred string, prov provider.Capabilities, transport TransportCaps) (audio.Profile, error) {
	var viable []audio.Profile
	for _, p := range candidates {
		if err := p.Validate(); err != nil {
			return audio.Profile{}, fmt.Errorf("profile %q: %w", p.Name, err)
		}
		if isViable(p, prov, transport) {
			viable = append(viable, p)
		}
	}
	if len(viable) == 0 {
		return audio.Profile{}, fmt.Errorf(
			"profile: no viable profile among %d candidates for provider caps %v/%v and transport caps %v/%v",
			len(candidates), prov.IngressEncodings, prov.IngressRates, transport.Encodings, transport.Rates)
	}

	for _, p := range viable {
		if p.Name == preferred {
			return p, nil
		}
	}

	sort.Slice(viable, func(i, j int) bool {
		a, b := viable[i], viable[j]
		if a.InternalRate != b.InternalRate {
			return a.InternalRate > b.InternalRate
		}
		ta, tb := transcodeSteps(a, prov), transcodeSteps(b, prov)
		if ta != tb {
			return ta < tb
		}
		return a.Name < b.Name
	})
	return viable[0], nil
}

// isViable checks a candidate against both capability sets.
func isViable(p audio.Profile, prov provider.Capabilities, transport TransportCaps) bool {
	if !transport.Supports(p.IngressEncoding, p.IngressRate) {
		return false
	}
	if !transport.Supports(p.EgressEncoding, p.EgressRate) {
		return false
	}
	if len(prov.IngressEncodings) > 0 && !slices.Contains(prov.IngressEncodings, audio.EncodingSLin16) {
		return false
	}
	if len(prov.IngressRates) > 0 && !slices.Contains(prov.IngressRates, p.InternalRate) {
		return false
	}
	return true
}

// transcodeSteps counts the conversions a profile forces on the hot path.
// Each decode/encode and each resample between mismatched rates is one step.
func transcodeSteps(p audio.Profile, prov provider.Capabilities) int {
	steps := 0
	if p.IngressEncoding != audio.EncodingSLin16 {
		steps++
	}
	if p.IngressRate != p.InternalRate {
		steps++
	}
	if p.EgressEncoding != audio.EncodingSLin16 {
		steps++
	}
	if p.EgressRate != p.InternalRate {
		steps++
	}
	if len(prov.EgressRates) > 0 && !slices.Contains(prov.EgressRates, p.InternalRate) {
		steps++
	}
	return steps
}
