package sipfront

import (
	"testing"

	"github.com/stellarvoice/voicegw/internal/config"
)

func TestTrunkForSource(t *testing.T) {
	s := &Server{
		sipCfg: &config.SIPConfig{
			Trunks: []config.TrunkConfig{
				{Name: "provider-a", Host: "sip.provider-a.example"},
				{Name: "provider-b", Host: "10.20.30.40"},
				{Name: "provider-v6", Host: "2001:db8::10"},
			},
		},
	}

	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"hostname with port", "sip.provider-a.example:5060", "provider-a"},
		{"ip with port", "10.20.30.40:5080", "provider-b"},
		{"bare host", "sip.provider-a.example", "provider-a"},
		{"bracketed ipv6 with port", "[2001:db8::10]:5060", "provider-v6"},
		{"bare ipv6", "2001:db8::10", "provider-v6"},
		{"unknown source", "203.0.113.9:5060", ""},
		{"empty source", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.trunkForSource(tt.source); got != tt.want {
				t.Errorf("trunkForSource(%q) = %q, want %q", tt.source, got, tt.want)
			}
		})
	}
}
