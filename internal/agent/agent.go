// Package agent implements C7, the StreamingAgent: the bounded
// tool-call loop of §4.7.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/s-age/takt/internal/cache"
	"github.com/s-age/takt/internal/modelclient"
	"github.com/s-age/takt/internal/prompt"
	"github.com/s-age/takt/internal/session"
	"github.com/s-age/takt/internal/sessionservice"
	"github.com/s-age/takt/internal/tools"
)

// Canned texts for the failure/boundary cases named in §4.7 and §8.
const (
	TextStreamEmpty    = "API Error: Model stream was empty."
	TextThoughtsOnly   = "The model generated thoughts only."
	TextToolCallsLimit = "Maximum number of tool calls reached"
)

// Agent drives one streaming invocation for a session.
type Agent struct {
	Sessions     *sessionservice.Service
	Assembler    *prompt.Assembler
	CacheManager *cache.Manager
	ToolRegistry *tools.Registry
	ToolExecutor *tools.Executor
	Client       modelclient.Client
	Model        string
	MaxToolCalls int
	Hyperparams  *session.Hyperparameters
}

// Request is one invocation's parameters.
type Request struct {
	SessionID   string
	Instruction string
}

// Result is what one invocation yields.
type Result struct {
	Text               string
	ThoughtText        string
	PromptTokenCount   int
	TotalTokenCount    int
	CachedContentCount int
	ToolCallsExecuted  int
}

// OnChunk, if set, is called for every text chunk and status line the
// agent would otherwise only return at the end — the streaming form
// named in §4.7 ("Yielded values").
type OnChunk func(string)

// Run drives the bounded tool-call loop described in §4.7 and returns
// the final text plus token bookkeeping. emit, if non-nil, receives
// incremental output exactly as the streaming CLI form would.
func (a *Agent) Run(ctx context.Context, req Request, emit OnChunk) (Result, error) {
	if emit == nil {
		emit = func(string) {}
	}

	toolDefsJSON := toolDefinitionsJSON(a.ToolRegistry)

	var lastPromptTokens, lastCachedTokens, lastTotalTokens *int
	toolCalls := 0

	if req.Instruction != "" {
		if _, err := a.Sessions.AddTurnToSession(req.SessionID, session.NewUserTask(req.Instruction, time.Now())); err != nil {
			return Result{}, fmt.Errorf("agent: append user_task: %w", err)
		}
	}

	for {
		if _, err := a.Sessions.MergePoolIntoTurns(req.SessionID); err != nil {
			return Result{}, fmt.Errorf("agent: merge pool: %w", err)
		}
		sess, err := a.Sessions.Resume(req.SessionID)
		if err != nil {
			return Result{}, fmt.Errorf("agent: reload session: %w", err)
		}

		if lastPromptTokens != nil {
			sess.PromptTokenCount = *lastPromptTokens
			sess.CachedContentTokenCount = *lastCachedTokens
		}
		priorCachedTokens := sess.CachedContentTokenCount

		staticContent, err := a.Assembler.StaticContent(sess)
		if err != nil {
			return Result{}, fmt.Errorf("agent: render static content: %w", err)
		}
		decision, err := a.CacheManager.Decide(ctx, sess, staticContent, toolDefsJSON)
		if err != nil {
			return Result{}, fmt.Errorf("agent: cache decision: %w", err)
		}

		payload, err := a.Assembler.Assemble(sess, "", time.Now(), decision.OmitStaticContent)
		if err != nil {
			return Result{}, fmt.Errorf("agent: assemble payload: %w", err)
		}
		if decision.NewCachedTurnCount != nil {
			if _, err := a.Sessions.UpdateCachedTurnCount(req.SessionID, *decision.NewCachedTurnCount); err != nil {
				slog.Warn("agent: failed to persist advanced cached_turn_count", "error", err)
			}
		}

		modelReq := modelclient.Request{
			Contents:  payload.Contents,
			Tools:     toolDefinitions(a.ToolRegistry),
			Model:     a.Model,
			CacheName: decision.CacheName,
			Config:    hyperparamsToConfig(a.Hyperparams),
		}

		stream, err := a.Client.Stream(ctx, modelReq)
		if err != nil {
			return Result{}, fmt.Errorf("agent: stream request: %w", err)
		}

		var text, thoughtText string
		var usage modelclient.Usage
		var sawText, sawThought, sawToolCall, sawUsage bool
		var toolCallChunks []modelclient.ToolCallChunk
		var lastRaw json.RawMessage

		for chunk := range stream {
			switch {
			case chunk.Text != nil:
				if chunk.Text.IsThought {
					sawThought = true
					thoughtText += chunk.Text.Content
				} else {
					sawText = true
					text += chunk.Text.Content
					emit(chunk.Text.Content)
				}
			case chunk.ToolCall != nil:
				sawToolCall = true
				toolCallChunks = append(toolCallChunks, *chunk.ToolCall)
				lastRaw = chunk.RawJSON
			case chunk.Metadata != nil:
				sawUsage = true
				usage = chunk.Metadata.Usage
			}
		}

		if sawUsage {
			prompt := usage.PromptTokenCount
			cached := usage.CachedContentTokenCount
			// Observable total per §4.7: the raw total double-counts cached
			// content already billed in a prior call, so subtract the
			// growth in cached tokens since the last observation.
			observable := usage.TotalTokenCount - (cached - priorCachedTokens)
			lastPromptTokens = &prompt
			lastCachedTokens = &cached
			lastTotalTokens = &observable
		}

		if sawToolCall {
			if toolCalls >= a.MaxToolCalls {
				return a.finish(req.SessionID, TextToolCallsLimit, thoughtText, lastPromptTokens, lastTotalTokens, lastCachedTokens, toolCalls)
			}

			for _, tc := range toolCallChunks {
				if toolCalls >= a.MaxToolCalls {
					break
				}
				emit(fmt.Sprintf("calling %s(%v)", tc.Name, tc.Args))
				result, execErr := a.ToolExecutor.Execute(ctx, tc.Name, tc.Args)
				if len(lastRaw) > 0 {
					if err := a.stampLastFunctionCalling(req.SessionID, lastRaw); err != nil {
						slog.Warn("agent: failed to stamp raw_response on function_calling turn", "error", err)
					}
				}
				toolCalls++
				if execErr != nil {
					emit(fmt.Sprintf("%s failed: %v", tc.Name, execErr))
				} else {
					emit(fmt.Sprintf("%s succeeded: %v", tc.Name, result))
				}
			}
			continue
		}

		if !sawText && !sawThought {
			return a.finish(req.SessionID, TextStreamEmpty, thoughtText, lastPromptTokens, lastTotalTokens, lastCachedTokens, toolCalls)
		}
		if !sawText && sawThought {
			return a.finish(req.SessionID, TextThoughtsOnly, thoughtText, lastPromptTokens, lastTotalTokens, lastCachedTokens, toolCalls)
		}

		return a.finish(req.SessionID, text, thoughtText, lastPromptTokens, lastTotalTokens, lastCachedTokens, toolCalls)
	}
}

// finish records the final model_response turn, writes back token
// counters, and builds the Result. totalTokens is the observable total
// computed in Run (§4.7), not the raw model-reported total.
func (a *Agent) finish(sessionID, text, thoughtText string, promptTokens, totalTokens, cachedTokens *int, toolCalls int) (Result, error) {
	if _, err := a.Sessions.AddToPool(sessionID, session.NewModelResponse(text, nil, time.Now())); err != nil {
		return Result{}, fmt.Errorf("agent: record model_response: %w", err)
	}
	if _, err := a.Sessions.MergePoolIntoTurns(sessionID); err != nil {
		return Result{}, fmt.Errorf("agent: final merge: %w", err)
	}

	result := Result{Text: text, ThoughtText: thoughtText, ToolCallsExecuted: toolCalls}
	if promptTokens != nil {
		result.PromptTokenCount = *promptTokens
		result.CachedContentCount = *cachedTokens
		result.TotalTokenCount = *totalTokens
		if _, err := a.Sessions.UpdateTokenCounts(sessionID, promptTokens, totalTokens, cachedTokens); err != nil {
			return Result{}, fmt.Errorf("agent: write back token counts: %w", err)
		}
	}
	return result, nil
}

// stampLastFunctionCalling attaches raw to the most recently pooled
// function_calling turn so the prompt assembler can reconstruct
// thought-signature parts on the next request (§4.7).
func (a *Agent) stampLastFunctionCalling(sessionID string, raw json.RawMessage) error {
	_, err := a.Sessions.Repository().Update(sessionID, func(sess *session.Session) error {
		for i := len(sess.Pools) - 1; i >= 0; i-- {
			if sess.Pools[i].Kind == session.TurnFunctionCalling {
				sess.Pools[i].RawResponse = raw
				return nil
			}
		}
		return nil
	})
	return err
}

func toolDefinitions(r *tools.Registry) []modelclient.ToolDefinition {
	defs := r.Definitions()
	out := make([]modelclient.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = modelclient.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Schema()}
	}
	return out
}

func toolDefinitionsJSON(r *tools.Registry) string {
	data, err := json.Marshal(toolDefinitions(r))
	if err != nil {
		return ""
	}
	return string(data)
}

func hyperparamsToConfig(h *session.Hyperparameters) modelclient.GenerationConfig {
	if h == nil {
		return modelclient.GenerationConfig{}
	}
	return modelclient.GenerationConfig{Temperature: h.Temperature, TopP: h.TopP, TopK: h.TopK}
}
