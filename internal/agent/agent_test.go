package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/s-age/takt/internal/cache"
	"github.com/s-age/takt/internal/config"
	"github.com/s-age/takt/internal/modelclient"
	"github.com/s-age/takt/internal/prompt"
	"github.com/s-age/takt/internal/session"
	"github.com/s-age/takt/internal/sessionservice"
	"github.com/s-age/takt/internal/sessionstore"
	"github.com/s-age/takt/internal/tools"
)

// fakeClient replays a fixed sequence of per-call chunk batches. Each
// element of responses is one call to Stream.
type fakeClient struct {
	responses [][]modelclient.Chunk
	calls     int
}

func (f *fakeClient) Stream(ctx context.Context, req modelclient.Request) (<-chan modelclient.Chunk, error) {
	idx := f.calls
	f.calls++
	out := make(chan modelclient.Chunk, len(f.responses[idx]))
	for _, c := range f.responses[idx] {
		out <- c
	}
	close(out)
	return out, nil
}

func textChunk(s string) modelclient.Chunk {
	return modelclient.Chunk{Text: &modelclient.TextChunk{Content: s}}
}

func thoughtChunk(s string) modelclient.Chunk {
	return modelclient.Chunk{Text: &modelclient.TextChunk{Content: s, IsThought: true}}
}

func usageChunk(prompt, cached int) modelclient.Chunk {
	return modelclient.Chunk{Metadata: &modelclient.MetadataChunk{Usage: modelclient.Usage{
		PromptTokenCount:        prompt,
		TotalTokenCount:         prompt,
		CachedContentTokenCount: cached,
	}}}
}

func toolCallChunk(name string, args map[string]interface{}) modelclient.Chunk {
	return modelclient.Chunk{ToolCall: &modelclient.ToolCallChunk{Name: name, Args: args}, RawJSON: []byte(`{}`)}
}

func newTestAgent(t *testing.T, client modelclient.Client, maxToolCalls int, defs ...tools.Definition) (*Agent, *sessionservice.Service, string) {
	t.Helper()
	repo, err := sessionstore.New(t.TempDir())
	require.NoError(t, err)
	svc := sessionservice.New(repo, time.UTC)
	sess, err := svc.CreateNewSession(sessionservice.NewSessionParams{Purpose: "demo"})
	require.NoError(t, err)

	reg, err := cache.NewRegistry(t.TempDir())
	require.NoError(t, err)
	mgr := cache.NewManager(reg, noopRemote{}, 1_000_000)

	registry := tools.NewRegistry(defs...)
	sys := tools.SystemContext{Sessions: svc, SessionID: sess.SessionID, Settings: config.Settings{}}
	executor := tools.NewExecutor(registry, sys)

	a := &Agent{
		Sessions:     svc,
		Assembler:    prompt.New(noopFiles{}, time.UTC),
		CacheManager: mgr,
		ToolRegistry: registry,
		ToolExecutor: executor,
		Client:       client,
		Model:        "test-model",
		MaxToolCalls: maxToolCalls,
	}
	return a, svc, sess.SessionID
}

type noopRemote struct{}

func (noopRemote) Create(ctx context.Context, content, toolDefs string, ttl time.Duration) (string, time.Time, error) {
	return "cache-noop", time.Now().Add(ttl), nil
}
func (noopRemote) Get(ctx context.Context, name string) error    { return nil }
func (noopRemote) Delete(ctx context.Context, name string) error { return nil }

type noopFiles struct{}

func (noopFiles) ReadFile(path string) (string, error) { return "", nil }

func echoingTool() tools.Definition {
	return tools.Definition{
		Name: "lookup",
		Fn: func(ctx context.Context, sys tools.SystemContext, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"message": "ok"}, nil
		},
	}
}

func TestRunSingleTurnNoTools(t *testing.T) {
	client := &fakeClient{responses: [][]modelclient.Chunk{
		{textChunk("hello there"), usageChunk(100, 0)},
	}}
	a, svc, sessID := newTestAgent(t, client, 5)

	result, err := a.Run(context.Background(), Request{SessionID: sessID, Instruction: "hi"}, nil)
	require.NoError(t, err)
	require.Equal(t, "hello there", result.Text)
	require.Equal(t, 0, result.ToolCallsExecuted)

	sess, err := svc.Resume(sessID)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 2)
	require.Equal(t, session.TurnUserTask, sess.Turns[0].Kind)
	require.Equal(t, session.TurnModelResponse, sess.Turns[1].Kind)
	require.Equal(t, 100, sess.PromptTokenCount)
	require.Equal(t, 100, sess.TotalTokenCount)
}

func TestRunObservableTotalSubtractsCachedGrowth(t *testing.T) {
	client := &fakeClient{responses: [][]modelclient.Chunk{
		{toolCallChunk("lookup", map[string]interface{}{"q": "x"}), usageChunk(100, 40)},
		{textChunk("done"), usageChunk(120, 90)},
	}}
	a, svc, sessID := newTestAgent(t, client, 5, echoingTool())

	_, err := a.Run(context.Background(), Request{SessionID: sessID, Instruction: "do it"}, nil)
	require.NoError(t, err)

	sess, err := svc.Resume(sessID)
	require.NoError(t, err)
	// Second call's raw total (120) double-counts the 50-token growth in
	// cached content since the first call's 40, so the observable total
	// is 120 - (90 - 40) = 70.
	require.Equal(t, 90, sess.CachedContentTokenCount)
	require.Equal(t, 70, sess.TotalTokenCount)
}

func TestRunSingleToolCall(t *testing.T) {
	client := &fakeClient{responses: [][]modelclient.Chunk{
		{toolCallChunk("lookup", map[string]interface{}{"q": "x"}), usageChunk(50, 0)},
		{textChunk("done"), usageChunk(80, 0)},
	}}
	a, svc, sessID := newTestAgent(t, client, 5, echoingTool())

	result, err := a.Run(context.Background(), Request{SessionID: sessID, Instruction: "do it"}, nil)
	require.NoError(t, err)
	require.Equal(t, "done", result.Text)
	require.Equal(t, 1, result.ToolCallsExecuted)

	sess, err := svc.Resume(sessID)
	require.NoError(t, err)
	// user_task, function_calling, tool_response, model_response
	require.Len(t, sess.Turns, 4)
	require.Equal(t, session.TurnFunctionCalling, sess.Turns[1].Kind)
	require.Equal(t, session.TurnToolResponse, sess.Turns[2].Kind)
}

func TestRunHitsToolCallCap(t *testing.T) {
	client := &fakeClient{responses: [][]modelclient.Chunk{
		{toolCallChunk("lookup", nil)},
	}}
	a, svc, sessID := newTestAgent(t, client, 0, echoingTool())

	result, err := a.Run(context.Background(), Request{SessionID: sessID, Instruction: "do it"}, nil)
	require.NoError(t, err)
	require.Equal(t, TextToolCallsLimit, result.Text)
	require.Equal(t, 0, result.ToolCallsExecuted)

	sess, err := svc.Resume(sessID)
	require.NoError(t, err)
	require.Equal(t, session.TurnModelResponse, sess.Turns[len(sess.Turns)-1].Kind)
}

func TestRunEmptyStreamYieldsCannedText(t *testing.T) {
	client := &fakeClient{responses: [][]modelclient.Chunk{
		{usageChunk(10, 0)},
	}}
	a, _, sessID := newTestAgent(t, client, 5)

	result, err := a.Run(context.Background(), Request{SessionID: sessID, Instruction: "hi"}, nil)
	require.NoError(t, err)
	require.Equal(t, TextStreamEmpty, result.Text)
}

func TestRunThoughtsOnlyYieldsCannedText(t *testing.T) {
	client := &fakeClient{responses: [][]modelclient.Chunk{
		{thoughtChunk("pondering..."), usageChunk(10, 0)},
	}}
	a, _, sessID := newTestAgent(t, client, 5)

	result, err := a.Run(context.Background(), Request{SessionID: sessID, Instruction: "hi"}, nil)
	require.NoError(t, err)
	require.Equal(t, TextThoughtsOnly, result.Text)
	require.Equal(t, "pondering...", result.ThoughtText)
}

func TestRunEmitsIncrementalText(t *testing.T) {
	client := &fakeClient{responses: [][]modelclient.Chunk{
		{textChunk("a"), textChunk("b"), usageChunk(5, 0)},
	}}
	a, _, sessID := newTestAgent(t, client, 5)

	var chunks []string
	_, err := a.Run(context.Background(), Request{SessionID: sessID, Instruction: "hi"}, func(s string) {
		chunks = append(chunks, s)
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, chunks)
}
