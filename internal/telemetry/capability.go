package telemetry

import "strings"

// Capability describes the negotiated radio generation of a client. The
// per-stream ceiling is the realistic upper bound for one spatial stream at
// typical widths, used to judge observed throughput against what the client
// itself is capable of rather than against the network maximum.
type Capability struct {
	Standard             string `json:"standard"`
	PerStreamCeilingKbps int64  `json:"per_stream_ceiling_kbps"`
	Supports6E           bool   `json:"supports_6e"`
	Supports7            bool   `json:"supports_7"`
}

// CeilingKbps returns the capability ceiling for the given stream count.
func (c Capability) CeilingKbps(streams int) int64 {
	if streams < 1 {
		streams = 1
	}
	return c.PerStreamCeilingKbps * int64(streams)
}

// CapabilityRule maps a normalized substring pattern to a capability. Rules
// are evaluated in order; the first match wins.
type CapabilityRule struct {
	Pattern string
	Cap     Capability
}

// CapabilityMatcher resolves radio protocol strings to capabilities. It is
// built once and never mutated.
type CapabilityMatcher struct {
	rules    []CapabilityRule
	fallback Capability
}

// NewCapabilityMatcher builds a matcher from an ordered rule list. Patterns
// are normalized at construction so callers may supply them in any casing.
func NewCapabilityMatcher(rules []CapabilityRule, fallback Capability) *CapabilityMatcher {
	normalized := make([]CapabilityRule, len(rules))
	for i, r := range rules {
		normalized[i] = CapabilityRule{Pattern: NormalizeProto(r.Pattern), Cap: r.Cap}
	}
	return &CapabilityMatcher{rules: normalized, fallback: fallback}
}

// NormalizeProto lowercases a protocol string and collapses separator runs
// (dashes, underscores, dots, slashes, spaces) into single spaces. Matching
// always happens on the normalized form.
func NormalizeProto(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	lastSep := false
	for _, r := range s {
		switch r {
		case '-', '_', '.', '/', ' ':
			if !lastSep && b.Len() > 0 {
				b.WriteRune(' ')
			}
			lastSep = true
		default:
			b.WriteRune(r)
			lastSep = false
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Match resolves a raw protocol string against the rule list.
func (m *CapabilityMatcher) Match(proto string) Capability {
	norm := NormalizeProto(proto)
	for _, r := range m.rules {
		if strings.Contains(norm, r.Pattern) {
			return r.Cap
		}
	}
	return m.fallback
}

// DefaultCapabilityRules covers the protocol names UniFi controllers report.
// Order matters: newer generations first, since "be" reports also mention
// backwards-compatible modes.
func DefaultCapabilityRules() []CapabilityRule {
	return []CapabilityRule{
		{Pattern: "be", Cap: Capability{Standard: "802.11be", PerStreamCeilingKbps: 1440000, Supports6E: true, Supports7: true}},
		{Pattern: "ax 6e", Cap: Capability{Standard: "802.11ax-6e", PerStreamCeilingKbps: 1200000, Supports6E: true}},
		{Pattern: "6e", Cap: Capability{Standard: "802.11ax-6e", PerStreamCeilingKbps: 1200000, Supports6E: true}},
		{Pattern: "ax", Cap: Capability{Standard: "802.11ax", PerStreamCeilingKbps: 600000}},
		{Pattern: "ac", Cap: Capability{Standard: "802.11ac", PerStreamCeilingKbps: 433000}},
		{Pattern: "ng", Cap: Capability{Standard: "802.11n", PerStreamCeilingKbps: 72000}},
		{Pattern: "na", Cap: Capability{Standard: "802.11n", PerStreamCeilingKbps: 150000}},
		{Pattern: "n", Cap: Capability{Standard: "802.11n", PerStreamCeilingKbps: 72000}},
		{Pattern: "g", Cap: Capability{Standard: "802.11g", PerStreamCeilingKbps: 54000}},
		{Pattern: "a", Cap: Capability{Standard: "802.11a", PerStreamCeilingKbps: 54000}},
		{Pattern: "b", Cap: Capability{Standard: "802.11b", PerStreamCeilingKbps: 11000}},
	}
}

// DefaultCapability is used when no rule matches.
func DefaultCapability() Capability {
	return Capability{Standard: "unknown", PerStreamCeilingKbps: 72000}
}
