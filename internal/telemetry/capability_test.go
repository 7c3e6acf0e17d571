package telemetry

import "testing"

func TestNormalizeProto(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"802.11ax", "802 11ax"},
		{"802-11AX", "802 11ax"},
		{"  WiFi_6E / ax  ", "wifi 6e ax"},
		{"ng", "ng"},
		{"", ""},
		{"a---b", "a b"},
	}
	for _, tt := range tests {
		if got := NormalizeProto(tt.in); got != tt.want {
			t.Errorf("NormalizeProto(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCapabilityMatcherOrder(t *testing.T) {
	m := NewCapabilityMatcher(DefaultCapabilityRules(), DefaultCapability())

	tests := []struct {
		proto string
		want  string
	}{
		{"802.11be", "802.11be"},
		{"802.11ax (WiFi 6E)", "802.11ax-6e"},
		{"802.11ax", "802.11ax"},
		{"802.11ac", "802.11ac"},
		{"ng", "802.11n"},
		{"na", "802.11n"},
		{"802.11b", "802.11b"},
	}
	for _, tt := range tests {
		t.Run(tt.proto, func(t *testing.T) {
			got := m.Match(tt.proto)
			if got.Standard != tt.want {
				t.Errorf("Match(%q).Standard = %q, want %q", tt.proto, got.Standard, tt.want)
			}
		})
	}
}

func TestCapabilityMatcherFallback(t *testing.T) {
	m := NewCapabilityMatcher(DefaultCapabilityRules(), DefaultCapability())

	got := m.Match("proprietary-thing")
	if got.Standard != "unknown" {
		t.Errorf("Unmatched proto should fall back, got %q", got.Standard)
	}
	if got.PerStreamCeilingKbps <= 0 {
		t.Error("Fallback capability must still carry a usable ceiling")
	}
}

func TestCapabilityMatcherFirstMatchWins(t *testing.T) {
	rules := []CapabilityRule{
		{Pattern: "ax", Cap: Capability{Standard: "first"}},
		{Pattern: "ax", Cap: Capability{Standard: "second"}},
	}
	m := NewCapabilityMatcher(rules, DefaultCapability())

	if got := m.Match("802.11ax"); got.Standard != "first" {
		t.Errorf("First matching rule should win, got %q", got.Standard)
	}
}

func TestCeilingKbps(t *testing.T) {
	cap := Capability{PerStreamCeilingKbps: 600000}

	if got := cap.CeilingKbps(2); got != 1200000 {
		t.Errorf("CeilingKbps(2) = %d, want 1200000", got)
	}
	if got := cap.CeilingKbps(0); got != 600000 {
		t.Errorf("CeilingKbps(0) should assume one stream, got %d", got)
	}
}
