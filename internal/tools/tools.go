// Package tools holds the tool registry: the set of named operations the
// agent backend may invoke during a turn, their argument schemas, and the
// dispatcher that validates arguments and runs handlers.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ServerName is the namespace tool names are qualified with when advertised
// to an agent backend that groups tools by server.
const ServerName = "research-tools"

// ParamType is the declared JSON type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// Param describes one named argument.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	// Enum restricts string values.
	Enum []string
	// Items is the element schema for arrays. Nil means any.
	Items map[string]any
}

// Content is one block of a tool result envelope.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is the envelope every handler returns.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"is_error,omitempty"`
}

// TextResult wraps text in a single-block envelope.
func TextResult(text string) Result {
	return Result{Content: []Content{{Type: "text", Text: text}}}
}

// ErrorResult wraps text in an envelope flagged as an error.
func ErrorResult(text string) Result {
	r := TextResult(text)
	r.IsError = true
	return r
}

// TextOnly reports whether every block is text.
func (r Result) TextOnly() bool {
	if len(r.Content) == 0 {
		return false
	}
	for _, c := range r.Content {
		if c.Type != "text" {
			return false
		}
	}
	return true
}

// Text joins the text blocks.
func (r Result) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Handler runs a tool. Validated arguments are passed as decoded JSON values.
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Descriptor is a registered tool.
type Descriptor struct {
	Name        string
	Description string
	Params      []Param
	Handler     Handler
}

// QualifiedName is the server-namespaced name, e.g. mcp__research-tools__web_search.
func (d Descriptor) QualifiedName() string {
	return fmt.Sprintf("mcp__%s__%s", ServerName, d.Name)
}

var ErrRegistrySealed = errors.New("tool registry is sealed")

// DuplicateToolError is returned when a name is registered twice.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q already registered", e.Name)
}

// UnknownToolError is returned when dispatching a name that was never registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// InvalidArgumentsError names the first argument that failed validation.
type InvalidArgumentsError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *InvalidArgumentsError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("invalid arguments for %s: %s: %s", e.Tool, e.Field, e.Reason)
}

type entry struct {
	desc   Descriptor
	schema *jsonschema.Schema
}

// Registry holds tools in registration order. Register is only valid until
// Seal; after that the registry is immutable and safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries []*entry
	byName  map[string]*entry
	sealed  atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*entry)}
}

// Register adds d. The argument schema is compiled up front so a malformed
// descriptor fails here rather than at first dispatch.
func (r *Registry) Register(d Descriptor) error {
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if d.Handler == nil {
		return fmt.Errorf("register tool %s: nil handler", d.Name)
	}
	schema, err := compileSchema(d)
	if err != nil {
		return fmt.Errorf("register tool %s: %w", d.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[d.Name]; exists {
		return &DuplicateToolError{Name: d.Name}
	}
	e := &entry{desc: d, schema: schema}
	r.entries = append(r.entries, e)
	r.byName[d.Name] = e
	return nil
}

// MustRegister panics on error. Built-in tools use it during startup.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.sealed.Store(true)
}

func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// All returns the descriptors in registration order.
func (r *Registry) All() []Descriptor {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	out := make([]Descriptor, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.desc
	}
	return out
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	e := r.lookup(name)
	if e == nil {
		return Descriptor{}, false
	}
	return e.desc, true
}

func (r *Registry) lookup(name string) *entry {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	if e, ok := r.byName[name]; ok {
		return e
	}
	// Backends that namespace tools by server echo the qualified name back.
	if trimmed := strings.TrimPrefix(name, "mcp__"+ServerName+"__"); trimmed != name {
		return r.byName[trimmed]
	}
	return nil
}

// Dispatch validates args against the named tool's parameters and runs its
// handler. A nil args map is treated as empty.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (Result, error) {
	e := r.lookup(name)
	if e == nil {
		return Result{}, &UnknownToolError{Name: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArgs(e.desc, args); err != nil {
		return Result{}, err
	}
	if err := validateSchema(e, args); err != nil {
		return Result{}, err
	}
	return e.desc.Handler(ctx, args)
}
