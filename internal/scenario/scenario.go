package scenario

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Config is the opaque configuration bag chosen by the caller (or the
// operator through the log viewer). Scenarios decide which keys matter.
type Config map[string]interface{}

// Scenario turns a configuration bag into model instructions. The relay is
// agnostic to how many variants exist or how they build their text.
type Scenario interface {
	ID() string
	Instructions(cfg Config, voice string) string
	OpeningLine(cfg Config) string
	// ShouldAutoStart reports whether the opening line may be injected
	// before the observer has supplied configuration.
	ShouldAutoStart(cfg Config) bool
	Validate(cfg Config) []string
}

// Registry holds the available scenario variants.
type Registry struct {
	mu        sync.RWMutex
	scenarios map[string]Scenario
	fallback  string
	logger    *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		scenarios: make(map[string]Scenario),
		logger:    logger,
	}
	r.Register(NewDefaultScenario())
	r.Register(NewCustomScenario())
	r.fallback = "default"
	return r
}

func (r *Registry) Register(s Scenario) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.scenarios[s.ID()]; exists {
		r.logger.Warn("Scenario registered twice, replacing", zap.String("scenario", s.ID()))
	}
	r.scenarios[s.ID()] = s
}

// Get resolves a scenario id, falling back to the default variant for
// unknown or empty ids so a bad query parameter never kills a call.
func (r *Registry) Get(id string) Scenario {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.scenarios[id]; ok {
		return s
	}
	return r.scenarios[r.fallback]
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.scenarios))
	for id := range r.scenarios {
		ids = append(ids, id)
	}
	return ids
}

// FunctionHandler resolves one model tool call; the result is fed back to the
// model verbatim as the function output.
type FunctionHandler func(args string) (string, error)

// Functions dispatches model function calls by name.
type Functions struct {
	mu       sync.RWMutex
	handlers map[string]FunctionHandler
}

func NewFunctions() *Functions {
	return &Functions{handlers: make(map[string]FunctionHandler)}
}

func (f *Functions) Register(name string, h FunctionHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
}

// Dispatch runs the named handler. Unknown functions return an error payload
// instead of an error so the model can recover in-conversation.
func (f *Functions) Dispatch(name, args string) string {
	f.mu.RLock()
	h, ok := f.handlers[name]
	f.mu.RUnlock()

	if !ok {
		return fmt.Sprintf(`{"error":"unknown function %q"}`, name)
	}
	out, err := h(args)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return out
}
