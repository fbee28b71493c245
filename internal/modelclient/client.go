// Package modelclient defines the wire-protocol contract the core
// consumes (§6 "Wire protocol contract") and a google.golang.org/genai
// backed implementation of it.
package modelclient

import "context"

// Content is one message in a request's content list.
type Content struct {
	Role  string // "user" | "model"
	Parts []Part
}

// Part is one piece of a Content: plain text, a thought-bearing text
// fragment, a function call, or a function response.
type Part struct {
	Text           string
	IsThought      bool
	FunctionCall   *FunctionCall
	FunctionResult *FunctionResult
}

// FunctionCall names a model-issued tool invocation.
type FunctionCall struct {
	Name string
	Args map[string]interface{}
}

// FunctionResult carries a tool's normalized result back to the model.
type FunctionResult struct {
	Name     string
	Response map[string]interface{}
}

// ToolDefinition describes one callable tool's schema to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON-schema-shaped
}

// GenerationConfig carries per-request hyperparameters.
type GenerationConfig struct {
	Temperature *float64
	TopP        *float64
	TopK        *int
}

// Request is one outgoing model call.
type Request struct {
	Contents   []Content
	Tools      []ToolDefinition
	Config     GenerationConfig
	CacheName  string // "" if no cache applies
	Model      string
}

// TextChunk carries model-generated text, flagged if it is "thought"
// (reasoning) text rather than output text.
type TextChunk struct {
	Content   string
	IsThought bool
}

// ToolCallChunk carries one model-issued tool invocation.
type ToolCallChunk struct {
	Name string
	Args map[string]interface{}
}

// Usage is the final chunk's usage metadata.
type Usage struct {
	PromptTokenCount        int
	CandidatesTokenCount    int
	TotalTokenCount         int
	CachedContentTokenCount int
}

// MetadataChunk is always the last chunk of a stream and carries usage.
type MetadataChunk struct {
	Usage Usage
}

// Chunk is exactly one of TextChunk, ToolCallChunk, or MetadataChunk.
type Chunk struct {
	Text     *TextChunk
	ToolCall *ToolCallChunk
	Metadata *MetadataChunk
	// RawJSON preserves the provider's native chunk encoding so the
	// prompt assembler can later reconstruct thought-signature parts
	// verbatim (§4.5).
	RawJSON []byte
}

// Client is the model adapter the core consumes. The core is otherwise
// model-agnostic (§6).
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
