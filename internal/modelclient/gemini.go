package modelclient

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"
)

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	APIKey       string
	DefaultModel string
}

// GeminiClient streams model responses via google.golang.org/genai,
// adapting its chunk shape onto the three-variant Chunk contract.
type GeminiClient struct {
	client  *genai.Client
	model   string
}

// NewGeminiClient constructs a client against the Gemini API.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("modelclient: create genai client: %w", err)
	}
	return &GeminiClient{client: c, model: cfg.DefaultModel}, nil
}

// Stream issues req and translates the genai response stream into Chunk
// values on the returned channel. The channel is closed when the stream
// ends or the context is cancelled.
func (g *GeminiClient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	contents := toGenaiContents(req.Contents)
	genConfig := toGenaiConfig(req)

	out := make(chan Chunk)

	iter := g.client.Models.GenerateContentStream(ctx, model, contents, genConfig)

	go func() {
		defer close(out)
		for result, err := range iter {
			if err != nil {
				return
			}
			for _, c := range streamChunksFromResult(result) {
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func streamChunksFromResult(resp *genai.GenerateContentResponse) []Chunk {
	var chunks []Chunk
	raw, _ := json.Marshal(resp)

	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			switch {
			case part.FunctionCall != nil:
				chunks = append(chunks, Chunk{
					ToolCall: &ToolCallChunk{Name: part.FunctionCall.Name, Args: part.FunctionCall.Args},
					RawJSON:  raw,
				})
			case part.Text != "":
				chunks = append(chunks, Chunk{
					Text:    &TextChunk{Content: part.Text, IsThought: part.Thought},
					RawJSON: raw,
				})
			}
		}
	}

	if resp.UsageMetadata != nil {
		chunks = append(chunks, Chunk{
			Metadata: &MetadataChunk{Usage: Usage{
				PromptTokenCount:        int(resp.UsageMetadata.PromptTokenCount),
				CandidatesTokenCount:    int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokenCount:         int(resp.UsageMetadata.TotalTokenCount),
				CachedContentTokenCount: int(resp.UsageMetadata.CachedContentTokenCount),
			}},
			RawJSON: raw,
		})
	}

	return chunks
}

func toGenaiContents(contents []Content) []*genai.Content {
	out := make([]*genai.Content, 0, len(contents))
	for _, c := range contents {
		parts := make([]*genai.Part, 0, len(c.Parts))
		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: p.FunctionCall.Name, Args: p.FunctionCall.Args}})
			case p.FunctionResult != nil:
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{Name: p.FunctionResult.Name, Response: p.FunctionResult.Response}})
			default:
				parts = append(parts, &genai.Part{Text: p.Text, Thought: p.IsThought})
			}
		}
		out = append(out, &genai.Content{Role: c.Role, Parts: parts})
	}
	return out
}

func toGenaiConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.Config.Temperature != nil {
		t := float32(*req.Config.Temperature)
		cfg.Temperature = &t
	}
	if req.Config.TopP != nil {
		p := float32(*req.Config.TopP)
		cfg.TopP = &p
	}
	if req.Config.TopK != nil {
		k := float32(*req.Config.TopK)
		cfg.TopK = &k
	}
	if req.CacheName != "" {
		cfg.CachedContent = req.CacheName
	}
	for _, t := range req.Tools {
		cfg.Tools = append(cfg.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaFromMap(t.Parameters),
			}},
		})
	}
	return cfg
}

func schemaFromMap(m map[string]interface{}) *genai.Schema {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var schema genai.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil
	}
	return &schema
}
