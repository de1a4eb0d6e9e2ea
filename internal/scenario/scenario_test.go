package scenario

import (
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestRegistry_FallsBackToDefault(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	tests := []struct {
		name string
		id   string
		want string
	}{
		{"known id", "custom", "custom"},
		{"unknown id", "no-such-scenario", "default"},
		{"empty id", "", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Get(tt.id).ID(); got != tt.want {
				t.Errorf("Get(%q).ID() = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestDefaultScenario_UsesConfig(t *testing.T) {
	s := NewDefaultScenario()

	instr := s.Instructions(Config{"caller_name": "Ada", "topic": "billing"}, "alloy")
	if !strings.Contains(instr, "Ada") || !strings.Contains(instr, "billing") {
		t.Errorf("instructions ignore config: %q", instr)
	}

	if !s.ShouldAutoStart(nil) {
		t.Error("default scenario must speak first")
	}
	if errs := s.Validate(nil); len(errs) != 0 {
		t.Errorf("default scenario must accept any config, got %v", errs)
	}
}

func TestCustomScenario_RequiresInstructions(t *testing.T) {
	s := NewCustomScenario()

	if errs := s.Validate(nil); len(errs) == 0 {
		t.Error("nil config must fail validation")
	}
	if errs := s.Validate(Config{"instructions": "be brief"}); len(errs) != 0 {
		t.Errorf("valid config rejected: %v", errs)
	}
	if errs := s.Validate(Config{"instructions": strings.Repeat("x", 8001)}); len(errs) == 0 {
		t.Error("oversized instructions must fail validation")
	}

	if s.ShouldAutoStart(nil) {
		t.Error("custom scenario must stay silent until configured")
	}
	if !s.ShouldAutoStart(Config{"instructions": "be brief"}) {
		t.Error("configured custom scenario should speak")
	}

	if got := s.Instructions(Config{"instructions": "be brief"}, "alloy"); got != "be brief" {
		t.Errorf("Instructions = %q, want operator text verbatim", got)
	}
}

func TestDeclineLine_IncludesReason(t *testing.T) {
	line := DeclineLine("too many calls from this address")
	if !strings.Contains(line, "too many calls from this address") {
		t.Errorf("decline line drops the reason: %q", line)
	}
	if !strings.Contains(DeclineLine(""), "call limit") {
		t.Error("empty reason must fall back to a generic message")
	}
}

func TestFunctions_Dispatch(t *testing.T) {
	f := NewFunctions()
	f.Register("echo", func(args string) (string, error) {
		return args, nil
	})

	if got := f.Dispatch("echo", `{"a":1}`); got != `{"a":1}` {
		t.Errorf("Dispatch(echo) = %q", got)
	}

	got := f.Dispatch("missing", "{}")
	if !strings.Contains(got, "error") || !strings.Contains(got, "missing") {
		t.Errorf("unknown function should return an error payload, got %q", got)
	}
}
