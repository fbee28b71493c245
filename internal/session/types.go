// Package session defines the persistent data model shared by the
// repository, service, and agent loop: the Session aggregate, its Turn
// variants, the session index, the cache registry entry shape, and the
// task-list / pipeline-result contracts used by the serial pipeline.
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reference is a file the agent should treat as context.
type Reference struct {
	Path     string `json:"path"`
	Disabled bool   `json:"disabled"`
	TTL      *int64 `json:"ttl,omitempty"` // unix seconds; nil = no expiry
	Persist  bool   `json:"persist"`
}

// Expired reports whether r's TTL has passed as of now.
func (r Reference) Expired(now time.Time) bool {
	if r.TTL == nil {
		return false
	}
	return now.Unix() >= *r.TTL
}

// Todo is one item on a session's todo list.
type Todo struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Checked     bool   `json:"checked"`
}

// Hyperparameters holds optional per-session model overrides.
type Hyperparameters struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
}

// TurnKind discriminates the Turn tagged union.
type TurnKind string

const (
	TurnUserTask          TurnKind = "user_task"
	TurnModelResponse     TurnKind = "model_response"
	TurnFunctionCalling   TurnKind = "function_calling"
	TurnToolResponse      TurnKind = "tool_response"
	TurnCompressedHistory TurnKind = "compressed_history"
)

// ToolResponsePayload is the normalized shape a tool_response turn carries.
type ToolResponsePayload struct {
	Status  string                 `json:"status"` // "succeeded" | "failed"
	Message string                 `json:"message"`
	Extra   map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Extra alongside the fixed fields, matching the
// "…extra" shape in spec §3.
func (p ToolResponsePayload) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"status":  p.Status,
		"message": p.Message,
	}
	for k, v := range p.Extra {
		if k == "status" || k == "message" {
			continue
		}
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON recovers Status/Message plus whatever else was present.
func (p *ToolResponsePayload) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if s, ok := raw["status"].(string); ok {
		p.Status = s
	}
	if m, ok := raw["message"].(string); ok {
		p.Message = m
	}
	p.Extra = make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if k == "status" || k == "message" {
			continue
		}
		p.Extra[k] = v
	}
	return nil
}

// Turn is a discriminated union over the five turn kinds. Exactly the
// fields relevant to Kind are populated; the rest are zero.
type Turn struct {
	Kind      TurnKind  `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// user_task
	Instruction string `json:"instruction,omitempty"`

	// model_response
	Content string `json:"content,omitempty"`

	// model_response / function_calling: opaque JSON preserving
	// thought-signature chunks, reconstructed by the prompt assembler.
	RawResponse json.RawMessage `json:"raw_response,omitempty"`

	// function_calling
	Response string `json:"response,omitempty"`

	// tool_response
	Name         string               `json:"name,omitempty"`
	ToolResponse *ToolResponsePayload `json:"tool_response,omitempty"`

	// compressed_history. Fixed-size arrays always marshal both elements
	// regardless of value, so this has no omitempty.
	OriginalTurnsRange [2]int `json:"original_turns_range"`
}

// NewUserTask builds a user_task turn.
func NewUserTask(instruction string, ts time.Time) Turn {
	return Turn{Kind: TurnUserTask, Instruction: instruction, Timestamp: ts}
}

// NewModelResponse builds a model_response turn.
func NewModelResponse(content string, raw json.RawMessage, ts time.Time) Turn {
	return Turn{Kind: TurnModelResponse, Content: content, RawResponse: raw, Timestamp: ts}
}

// NewFunctionCalling builds a function_calling turn.
func NewFunctionCalling(display string, raw json.RawMessage, ts time.Time) Turn {
	return Turn{Kind: TurnFunctionCalling, Response: display, RawResponse: raw, Timestamp: ts}
}

// NewToolResponse builds a tool_response turn.
func NewToolResponse(name string, payload ToolResponsePayload, ts time.Time) Turn {
	return Turn{Kind: TurnToolResponse, Name: name, ToolResponse: &payload, Timestamp: ts}
}

// NewCompressedHistory builds a compressed_history turn summarizing
// turns[lo..hi].
func NewCompressedHistory(summary string, lo, hi int, ts time.Time) Turn {
	return Turn{Kind: TurnCompressedHistory, Content: summary, OriginalTurnsRange: [2]int{lo, hi}, Timestamp: ts}
}

// Session is the persistent aggregate root.
type Session struct {
	SessionID  string    `json:"session_id"`
	ParentID   string    `json:"parent_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Purpose    string    `json:"purpose"`
	Background string    `json:"background"`
	Roles      []string  `json:"roles"`

	MultiStepReasoningEnabled bool   `json:"multi_step_reasoning_enabled"`
	Procedure                 string `json:"procedure,omitempty"`

	References []Reference `json:"references"`
	Artifacts  []string    `json:"artifacts"`
	Todos      []Todo      `json:"todos"`

	Turns []Turn `json:"turns"`
	Pools []Turn `json:"pools"`

	// PromptTokenCount is the last observed *prompt* token count, fed
	// back into cache decisions (split from total per SPEC_FULL §13.2).
	PromptTokenCount int `json:"prompt_token_count"`
	// TotalTokenCount is the last observed total token count, used for
	// display/accounting only.
	TotalTokenCount int `json:"total_token_count"`

	CachedContentTokenCount int `json:"cached_content_token_count"`
	CachedTurnCount         int `json:"cached_turn_count"`

	Hyperparameters *Hyperparameters `json:"hyperparameters,omitempty"`
}

// IsChild reports whether this session has a parent.
func (s *Session) IsChild() bool { return s.ParentID != "" }

// SessionOverview is the shape recorded in the index per session.
type SessionOverview struct {
	Purpose     string    `json:"purpose"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// Index is the single JSON file tracking all known sessions.
type Index struct {
	Sessions map[string]SessionOverview `json:"sessions"`
}

// NewIndex returns an empty index, matching the "default-empty structure
// if the file is missing" contract in §4.2.
func NewIndex() *Index {
	return &Index{Sessions: make(map[string]SessionOverview)}
}

// CacheEntry is one row of the local CacheRegistry.
type CacheEntry struct {
	Name       string    `json:"name"`
	ExpireTime time.Time `json:"expire_time"`
	SessionID  string    `json:"session_id"`
}

// CacheRegistry is the on-disk `{entries: {content_hash → CacheEntry}}`.
type CacheRegistry struct {
	Entries map[string]CacheEntry `json:"entries"`
}

// NewCacheRegistry returns an empty registry.
func NewCacheRegistry() *CacheRegistry {
	return &CacheRegistry{Entries: make(map[string]CacheEntry)}
}

// AgentTask asks the serial pipeline to run (or resume) an agent.
type AgentTask struct {
	Type              string   `json:"type"` // always "agent"
	Instruction       string   `json:"instruction"`
	Roles             []string `json:"roles,omitempty"`
	ReferencesPersist []string `json:"references_persist,omitempty"`
	Procedure         string   `json:"procedure,omitempty"`
}

// ScriptTask asks the serial pipeline to run a validation script.
type ScriptTask struct {
	Type       string   `json:"type"` // always "script"
	Script     string   `json:"script"`
	Args       []string `json:"args,omitempty"`
	MaxRetries int      `json:"max_retries"`
}

// Task is a sum type over AgentTask and ScriptTask, discriminated by the
// shared "type" field on decode.
type Task struct {
	Agent  *AgentTask
	Script *ScriptTask
}

// MarshalJSON emits whichever concrete task is set.
func (t Task) MarshalJSON() ([]byte, error) {
	switch {
	case t.Agent != nil:
		return json.Marshal(t.Agent)
	case t.Script != nil:
		return json.Marshal(t.Script)
	default:
		return nil, fmt.Errorf("session: empty Task has neither Agent nor Script set")
	}
}

// UnmarshalJSON dispatches on the "type" discriminator.
func (t *Task) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.Type {
	case "agent":
		var a AgentTask
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		t.Agent = &a
	case "script":
		var s ScriptTask
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t.Script = &s
	default:
		return fmt.Errorf("session: unknown task type %q", head.Type)
	}
	return nil
}

// TaskList is written by an agent to disk to invoke the serial pipeline.
type TaskList struct {
	ChildSessionID string `json:"child_session_id,omitempty"`
	Purpose        string `json:"purpose,omitempty"`
	Background     string `json:"background,omitempty"`
	Tasks          []Task `json:"tasks"`
}

// TaskExecutionResult records the outcome of one task in a pipeline run.
type TaskExecutionResult struct {
	TaskIndex int    `json:"task_index"`
	Type      string `json:"type"`
	Status    string `json:"status"` // "succeeded" | "failed"
	Detail    string `json:"detail,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
}

// PipelineResult is written by the serial executor for the parent.
type PipelineResult struct {
	Status         string                 `json:"status"` // "success" | "failed"
	TotalTasks     int                    `json:"total_tasks"`
	CompletedTasks int                    `json:"completed_tasks"`
	ChildSessionIDs []string              `json:"child_session_ids"`
	Results        []TaskExecutionResult  `json:"results"`
	Timestamp      time.Time              `json:"timestamp"`
}
