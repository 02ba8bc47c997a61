// Package registry loads tool definitions extracted from GAP package
// documentation and derives their public MCP names and input schemas.
package registry

import (
	"io"
	"sync"

	"github.com/charmbracelet/log"
)

const (
	// ToolRestart is the reserved tool that restarts the engine session.
	ToolRestart = "GAP_Restart"
	// ToolEvalCode is the reserved tool that evaluates raw GAP code.
	ToolEvalCode = "GAP_EvalCode"

	// prefixLimit caps the derived package prefix length.
	prefixLimit = 6
	// nameLimit caps the original tool name portion of a public name.
	nameLimit = 50

	genericArgumentDescription = "Argument (in the GAP System)"
	typeHintFormat             = "The type of this argument in the GAP-System is `%s`"
)

// Argument is one named, ordered tool argument. Every argument is a string
// and every argument is required.
type Argument struct {
	Name        string
	Description string
}

// Definition is one dispatchable tool: the prefixed public name exposed over
// MCP plus the original engine name used to synthesize calls.
type Definition struct {
	Name         string
	OriginalName string
	Package      string
	Description  string
	Arguments    []Argument
	Reserved     bool

	schema map[string]any
}

// InputSchema returns the JSON schema advertised for this tool. Definitions
// loaded with a prebuilt schema return it unchanged; others synthesize one
// from the argument list.
func (d *Definition) InputSchema() map[string]any {
	if d.schema != nil {
		return d.schema
	}
	properties := make(map[string]any, len(d.Arguments))
	required := make([]string, 0, len(d.Arguments))
	for _, argument := range d.Arguments {
		properties[argument.Name] = map[string]any{
			"type":        "string",
			"description": argument.Description,
		}
		required = append(required, argument.Name)
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// Registry holds tool definitions keyed by public name, preserving insertion
// order for listing.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]*Definition
	logger *log.Logger
}

// New creates a registry pre-seeded with the reserved built-in tools, so
// restart and raw evaluation are always available even before any definition
// file is loaded.
func New(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	registry := &Registry{
		byName: map[string]*Definition{},
		logger: logger,
	}
	for _, definition := range builtinDefinitions() {
		registry.add(definition)
	}
	return registry
}

func builtinDefinitions() []*Definition {
	return []*Definition{
		{
			Name:         ToolRestart,
			OriginalName: "Restart",
			Package:      "GAP",
			Reserved:     true,
			Description: "Restart the GAP session. All variables and loaded packages " +
				"are discarded and a fresh session is initialized.",
		},
		{
			Name:         ToolEvalCode,
			OriginalName: "EvalCode",
			Package:      "GAP",
			Reserved:     true,
			Description: "Evaluate raw GAP code in the shared session and return its " +
				"output. Variable bindings persist until the session is restarted.",
			Arguments: []Argument{{
				Name:        "code",
				Description: "The GAP code to evaluate. A trailing semicolon is appended when missing.",
			}},
		},
	}
}

// add registers a definition. A name collision keeps the first position and
// the last definition.
func (r *Registry) add(definition *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[definition.Name]; exists {
		r.logger.Warn("tool redefined",
			"tool", definition.Name,
			"package", definition.Package,
		)
	} else {
		r.order = append(r.order, definition.Name)
	}
	r.byName[definition.Name] = definition
}

// Get returns the definition registered under the given public name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	definition, ok := r.byName[name]
	return definition, ok
}

// Definitions returns all registered definitions in insertion order.
func (r *Registry) Definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Names returns all public tool names in insertion order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
