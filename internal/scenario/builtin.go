package scenario

import (
	"fmt"
	"strings"
)

// DeclineInstructions scripts the model for rate-limited sessions: say the
// decline message once, then stop talking. The relay arms a hard hangup timer
// in case the model ignores it.
const DeclineInstructions = "You are a polite assistant. The caller has reached " +
	"their call limit. Deliver the decline message you are given, apologize " +
	"briefly, and do not continue the conversation."

// DeclineLine builds the single scripted opening line for a rate-limited call.
func DeclineLine(reason string) string {
	if reason == "" {
		reason = "the call limit has been reached"
	}
	return fmt.Sprintf("Tell the caller: \"Sorry, this call can't continue because %s. Please try again later. Goodbye!\" Then say nothing more.", reason)
}

func getString(cfg Config, key string) string {
	if cfg == nil {
		return ""
	}
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}

// defaultScenario is a general-purpose assistant that starts talking as soon
// as the call connects.
type defaultScenario struct{}

func NewDefaultScenario() Scenario { return &defaultScenario{} }

func (s *defaultScenario) ID() string { return "default" }

func (s *defaultScenario) Instructions(cfg Config, voice string) string {
	var b strings.Builder
	b.WriteString("You are a friendly assistant on a phone call. Keep responses short and conversational; you are talking out loud, not writing.")
	if name := getString(cfg, "caller_name"); name != "" {
		b.WriteString(" The person you are speaking with is called " + name + ".")
	}
	if topic := getString(cfg, "topic"); topic != "" {
		b.WriteString(" The call is about: " + topic + ".")
	}
	return b.String()
}

func (s *defaultScenario) OpeningLine(cfg Config) string {
	greeting := "Greet the caller warmly and ask how you can help."
	if name := getString(cfg, "caller_name"); name != "" {
		greeting = "Greet " + name + " by name and ask how you can help."
	}
	return greeting
}

func (s *defaultScenario) ShouldAutoStart(cfg Config) bool { return true }

func (s *defaultScenario) Validate(cfg Config) []string { return nil }

// customScenario runs entirely on operator-supplied text. It must not speak
// until the observer leg has delivered its configuration.
type customScenario struct{}

func NewCustomScenario() Scenario { return &customScenario{} }

func (s *customScenario) ID() string { return "custom" }

func (s *customScenario) Instructions(cfg Config, voice string) string {
	if instr := getString(cfg, "instructions"); instr != "" {
		return instr
	}
	return "You are a helpful assistant on a phone call. Keep responses short."
}

func (s *customScenario) OpeningLine(cfg Config) string {
	if line := getString(cfg, "opening_line"); line != "" {
		return line
	}
	return "Greet the caller and ask how you can help."
}

func (s *customScenario) ShouldAutoStart(cfg Config) bool {
	// Only speak once the operator has supplied instructions.
	return getString(cfg, "instructions") != ""
}

func (s *customScenario) Validate(cfg Config) []string {
	var errs []string
	if cfg == nil || getString(cfg, "instructions") == "" {
		errs = append(errs, "instructions is required")
	}
	if instr := getString(cfg, "instructions"); len(instr) > 8000 {
		errs = append(errs, "instructions exceeds 8000 characters")
	}
	return errs
}
