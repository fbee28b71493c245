// Package tools implements C6, the ToolExecutor: a compile-time tool
// registry (per design note §9(a), chosen over reflection-based
// discovery), call dispatch, system-parameter injection, and pool
// recording of function_calling/tool_response turns.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/s-age/takt/internal/config"
	"github.com/s-age/takt/internal/session"
	"github.com/s-age/takt/internal/sessionservice"
)

// SystemContext carries the values a tool may ask to have injected
// (session service, session id, settings, project root) without forcing
// every tool signature to thread them individually — the context struct
// design note §9 recommends to break cyclic service references.
type SystemContext struct {
	Sessions    *sessionservice.Service
	SessionID   string
	Settings    config.Settings
	ProjectRoot string
}

// ParamType enumerates the schema primitive types a tool parameter may
// advertise.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamArray   ParamType = "array"
	ParamObject  ParamType = "object"
)

// ParamSpec describes one advertised (non-system-injected) parameter.
type ParamSpec struct {
	Name     string
	Type     ParamType
	ItemType ParamType // populated when Type == ParamArray
	Required bool
}

// Func is a tool's executable body. args contains only the
// model-supplied, non-system parameters; sys carries the
// system-injected ones.
type Func func(ctx context.Context, sys SystemContext, args map[string]interface{}) (interface{}, error)

// Definition is one compile-time registry row.
type Definition struct {
	Name        string
	Description string
	Params      []ParamSpec
	Fn          Func
}

// Schema renders Definition's advertised parameters as a JSON-schema
// shaped map, suitable for modelclient.ToolDefinition.Parameters.
func (d Definition) Schema() map[string]interface{} {
	props := make(map[string]interface{}, len(d.Params))
	var required []string
	for _, p := range d.Params {
		prop := map[string]interface{}{"type": string(p.Type)}
		if p.Type == ParamArray {
			prop["items"] = map[string]interface{}{"type": string(p.ItemType)}
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Registry is the compile-time table of available tools, keyed by name.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry builds a Registry from defs, the table of tool rows.
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		r.defs[d.Name] = d
	}
	return r
}

// Definitions returns all registered tool definitions, stable-ordered by
// name, for advertising schemas to the model.
func (r *Registry) Definitions() []Definition {
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sortStrings(names)
	out := make([]Definition, len(names))
	for i, n := range names {
		out[i] = r.defs[n]
	}
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// ErrToolNotFound is returned when a call names an unregistered tool.
type ErrToolNotFound struct{ Name string }

func (e ErrToolNotFound) Error() string { return fmt.Sprintf("tools: tool not found: %q", e.Name) }

// ErrInvalidToolName is returned when a call name contains a path
// separator or "..", which would otherwise let a crafted tool name act
// as a path-traversal vector into the tools directory (§4.6 step 1).
type ErrInvalidToolName struct{ Name string }

func (e ErrInvalidToolName) Error() string {
	return fmt.Sprintf("tools: invalid tool name: %q", e.Name)
}

// Executor is the ToolExecutor: dispatches named calls against a
// Registry and records the call/response pair on the active session's
// pool.
type Executor struct {
	registry *Registry
	sys      SystemContext
}

// NewExecutor builds an Executor over registry, using sys for
// system-parameter injection and pool writes.
func NewExecutor(registry *Registry, sys SystemContext) *Executor {
	return &Executor{registry: registry, sys: sys}
}

// Execute runs the §4.6 call-dispatch contract for name/args against the
// session named by sys.SessionID, and returns the raw tool result.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return nil, ErrInvalidToolName{Name: name}
	}

	def, ok := e.registry.defs[name]
	if !ok {
		return nil, ErrToolNotFound{Name: name}
	}

	if _, err := e.appendFunctionCalling(name, args); err != nil {
		slog.Warn("tools: failed to record function_calling turn, continuing", "tool", name, "error", err)
	}

	result, execErr := e.runTool(ctx, def, args)

	normalized := normalize(result, execErr)

	if _, err := e.appendToolResponse(name, normalized); err != nil {
		slog.Warn("tools: failed to record tool_response turn, continuing", "tool", name, "error", err)
	}

	return result, execErr
}

// runTool executes the tool body, converting a panic or error into a
// failed-status result rather than letting it escape (§4.6 step "Any
// exception during tool execution yields status:failed").
func (e *Executor) runTool(ctx context.Context, def Definition, args map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tools: panic in %s: %v", def.Name, r)
		}
	}()
	return def.Fn(ctx, e.sys, args)
}

func normalize(result interface{}, execErr error) session.ToolResponsePayload {
	if execErr != nil {
		return session.ToolResponsePayload{Status: "failed", Message: execErr.Error()}
	}
	if m, ok := result.(map[string]interface{}); ok {
		if errVal, ok := m["error"]; ok {
			if s, ok := errVal.(string); ok && s != "" {
				return session.ToolResponsePayload{Status: "failed", Message: s, Extra: m}
			}
		}
		msg, _ := m["message"].(string)
		return session.ToolResponsePayload{Status: "succeeded", Message: msg, Extra: m}
	}
	return session.ToolResponsePayload{Status: "succeeded", Message: fmt.Sprint(result)}
}

func (e *Executor) appendFunctionCalling(name string, args map[string]interface{}) (*session.Session, error) {
	display := fmt.Sprintf("%s(%s)", name, renderArgs(args))
	turn := session.NewFunctionCalling(display, nil, time.Now())
	return e.sys.Sessions.AddToPool(e.sys.SessionID, turn)
}

func (e *Executor) appendToolResponse(name string, payload session.ToolResponsePayload) (*session.Session, error) {
	turn := session.NewToolResponse(name, payload, time.Now())
	return e.sys.Sessions.AddToPool(e.sys.SessionID, turn)
}

func renderArgs(args map[string]interface{}) string {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprint(args)
	}
	return string(data)
}
