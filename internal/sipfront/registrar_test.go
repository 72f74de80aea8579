package sipfront

import (
	"testing"
	"time"
)

func TestParseContactExpires(t *testing.T) {
	tests := []struct {
		name    string
		contact string
		want    int
	}{
		{"plain", "<sip:gw@sip.example.com>;expires=3600", 3600},
		{"trailing params", "<sip:gw@sip.example.com>;expires=120;q=0.5", 120},
		{"upper case", "<sip:gw@sip.example.com>;EXPIRES=60", 60},
		{"spaces", "<sip:gw@sip.example.com>;expires= 90 ", 90},
		{"multiple contacts", "<sip:a@h>;expires=45,<sip:b@h>;expires=600", 45},
		{"no expires", "<sip:gw@sip.example.com>", 0},
		{"not a number", "<sip:gw@sip.example.com>;expires=soon", 0},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseContactExpires(tt.contact); got != tt.want {
				t.Errorf("parseContactExpires(%q) = %d, want %d", tt.contact, got, tt.want)
			}
		})
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := newBackoff()

	// Jitter is at most ±20%, so each delay stays within a known band.
	wantBase := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
	}
	for i, base := range wantBase {
		d := b.next()
		lo := time.Duration(float64(base) * 0.79)
		hi := time.Duration(float64(base) * 1.21)
		if d < lo || d > hi {
			t.Errorf("delay %d = %v, want within [%v, %v]", i, d, lo, hi)
		}
	}

	// Many more attempts never exceed the jittered cap.
	for i := 0; i < 10; i++ {
		if d := b.next(); d > time.Duration(float64(5*time.Minute)*1.21) {
			t.Errorf("delay after cap = %v", d)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := newBackoff()
	b.next()
	b.next()
	b.next()
	b.reset()

	d := b.next()
	lo := time.Duration(float64(5*time.Second) * 0.79)
	hi := time.Duration(float64(5*time.Second) * 1.21)
	if d < lo || d > hi {
		t.Errorf("delay after reset = %v, want within [%v, %v]", d, lo, hi)
	}
}
