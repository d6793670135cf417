package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/ushercli/usher/internal/policy"
)

// ErrToolNotFound is returned for calls naming an unregistered tool.
var ErrToolNotFound = errors.New("tool not found")

// Param declares one argument of a tool for schema validation.
type Param struct {
	Type     string
	Required bool
}

// Definition couples an invokable tool with the orchestration metadata the
// scheduler needs: argument validation, policy-overlay category, and the
// shared-resource key the call would mutate (empty = no serialization).
type Definition struct {
	Tool        tool.InvokableTool
	Category    policy.Category
	Params      map[string]Param
	ResourceKey func(args map[string]any) string
}

// Registry manages tool definitions by name, in registration order.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]Definition
	names []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition; the name comes from the tool's own info.
func (r *Registry) Register(def Definition) error {
	if def.Tool == nil {
		return fmt.Errorf("definition has no tool")
	}
	info, err := def.Tool.Info(context.Background())
	if err != nil {
		return err
	}
	if info == nil || info.Name == "" {
		return fmt.Errorf("tool info missing name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[info.Name]; exists {
		return fmt.Errorf("tool already registered: %s", info.Name)
	}
	r.defs[info.Name] = def
	r.names = append(r.names, info.Name)
	return nil
}

// Get retrieves a definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// Profiles returns name and category per tool, for mode overlay rules.
func (r *Registry) Profiles() []policy.ToolProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]policy.ToolProfile, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, policy.ToolProfile{Name: name, Category: r.defs[name].Category})
	}
	return out
}

// Infos collects tool infos for model binding.
func (r *Registry) Infos(ctx context.Context) ([]*schema.ToolInfo, error) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.defs[name])
	}
	r.mu.RUnlock()

	infos := make([]*schema.ToolInfo, 0, len(defs))
	for _, def := range defs {
		info, err := def.Tool.Info(ctx)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Validate checks a call's args JSON against the tool's declared params.
func (r *Registry) Validate(name, argsJSON string) error {
	def, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	args, err := parseArgs(argsJSON)
	if err != nil {
		return err
	}

	for param, decl := range def.Params {
		value, present := args[param]
		if !present {
			if decl.Required {
				return fmt.Errorf("missing required argument %q", param)
			}
			continue
		}
		if value == nil {
			continue
		}
		if !typeMatches(decl.Type, value) {
			return fmt.Errorf("argument %q must be of type %s", param, decl.Type)
		}
	}
	return nil
}

// ResourceKeyFor derives the shared-resource key for a call, or "" when
// the tool declares none or the args cannot be parsed.
func (r *Registry) ResourceKeyFor(name, argsJSON string) string {
	def, ok := r.Get(name)
	if !ok || def.ResourceKey == nil {
		return ""
	}
	args, err := parseArgs(argsJSON)
	if err != nil {
		return ""
	}
	return def.ResourceKey(args)
}

// Execute invokes an already-approved call. Cancellation arrives through
// the context; the tool is expected to honor it.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) (string, error) {
	def, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return def.Tool.InvokableRun(ctx, argsJSON)
}

func parseArgs(argsJSON string) (map[string]any, error) {
	if argsJSON == "" {
		argsJSON = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	return args, nil
}

func typeMatches(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == math.Trunc(f)
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}

// stringArg reads a string argument for resource key derivation.
func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
