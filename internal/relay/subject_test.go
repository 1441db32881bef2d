package relay

import "testing"

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		ok      bool
	}{
		{"relay.agent.claude", true},
		{"relay.system.pulse.abc-123", true},
		{"a", true},
		{"a.b_c.d-e", true},
		{"", false},
		{".", false},
		{"a..b", false},
		{"a.b.", false},
		{".a.b", false},
		{"a.*.b", false}, // wildcards are for patterns only
		{"a.>", false},
		{"a.b c", false},
		{"a.b!", false},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			err := ValidateSubject(tt.subject)
			if (err == nil) != tt.ok {
				t.Fatalf("ValidateSubject(%q) = %v, want ok=%v", tt.subject, err, tt.ok)
			}
		})
	}
}

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		pattern string
		ok      bool
	}{
		{"relay.agent.*", true},
		{"relay.agent.>", true},
		{">", true},
		{"*", true},
		{"relay.*.pulse", true},
		{"relay.agent.claude", true},
		{"a.>.c", false}, // > only as the final token
		{">.a", false},
		{"", false},
		{"a..b", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			err := ValidatePattern(tt.pattern)
			if (err == nil) != tt.ok {
				t.Fatalf("ValidatePattern(%q) = %v, want ok=%v", tt.pattern, err, tt.ok)
			}
		})
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"relay.agent.claude", "relay.agent.claude", true},
		{"relay.agent.claude", "relay.agent.other", false},
		{"relay.agent.*", "relay.agent.claude", true},
		{"relay.agent.*", "relay.agent.a.b", false}, // * is exactly one segment
		{"relay.*.claude", "relay.agent.claude", true},
		{"relay.agent.>", "relay.agent.claude", true},
		{"relay.agent.>", "relay.agent.a.b.c", true},
		{"relay.agent.>", "relay.agent", false}, // > needs at least one segment
		{">", "anything.at.all", true},
		{"*", "one", true},
		{"*", "one.two", false},
		{"relay.agent.*", "relay.human.claude", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.subject, func(t *testing.T) {
			if got := MatchSubject(tt.pattern, tt.subject); got != tt.want {
				t.Fatalf("MatchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
			}
		})
	}
}

func TestTailSegment(t *testing.T) {
	if got := TailSegment("relay.agent.claude"); got != "claude" {
		t.Fatalf("TailSegment = %q", got)
	}
	if got := TailSegment("solo"); got != "solo" {
		t.Fatalf("TailSegment = %q", got)
	}
}
