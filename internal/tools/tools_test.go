package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s-age/takt/internal/config"
	"github.com/s-age/takt/internal/sessionservice"
	"github.com/s-age/takt/internal/sessionstore"
)

func newTestExecutor(t *testing.T, defs ...Definition) (*Executor, *sessionservice.Service, string) {
	t.Helper()
	repo, err := sessionstore.New(t.TempDir())
	require.NoError(t, err)
	svc := sessionservice.New(repo, nil)
	sess, err := svc.CreateNewSession(sessionservice.NewSessionParams{Purpose: "demo"})
	require.NoError(t, err)

	sys := SystemContext{Sessions: svc, SessionID: sess.SessionID, Settings: config.Settings{}}
	return NewExecutor(NewRegistry(defs...), sys), svc, sess.SessionID
}

func echoTool() Definition {
	return Definition{
		Name:        "echo",
		Description: "echoes args",
		Params:      []ParamSpec{{Name: "text", Type: ParamString, Required: true}},
		Fn: func(ctx context.Context, sys SystemContext, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"message": args["text"]}, nil
		},
	}
}

func failingTool() Definition {
	return Definition{
		Name: "boom",
		Fn: func(ctx context.Context, sys SystemContext, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"error": "kaboom"}, nil
		},
	}
}

func TestExecuteSucceedsAndRecordsPoolTurns(t *testing.T) {
	exec, svc, sessID := newTestExecutor(t, echoTool())

	result, err := exec.Execute(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"message": "hi"}, result)

	sess, err := svc.Resume(sessID)
	require.NoError(t, err)
	require.Len(t, sess.Pools, 2, "function_calling then tool_response")
	require.Equal(t, "function_calling", string(sess.Pools[0].Kind))
	require.Equal(t, "tool_response", string(sess.Pools[1].Kind))
	require.Equal(t, "succeeded", sess.Pools[1].ToolResponse.Status)
}

func TestExecuteNormalizesErrorKeyAsFailed(t *testing.T) {
	exec, svc, sessID := newTestExecutor(t, failingTool())

	_, err := exec.Execute(context.Background(), "boom", nil)
	require.NoError(t, err) // tool errors never escape the agent loop (§4.6)

	sess, err := svc.Resume(sessID)
	require.NoError(t, err)
	require.Equal(t, "failed", sess.Pools[1].ToolResponse.Status)
}

func TestExecuteRejectsPathLikeNames(t *testing.T) {
	exec, _, _ := newTestExecutor(t, echoTool())
	_, err := exec.Execute(context.Background(), "../etc/passwd", nil)
	require.Error(t, err)
	var invalid ErrInvalidToolName
	require.ErrorAs(t, err, &invalid)
}

func TestExecuteUnknownToolFails(t *testing.T) {
	exec, _, _ := newTestExecutor(t, echoTool())
	_, err := exec.Execute(context.Background(), "ghost", nil)
	require.Error(t, err)
	var notFound ErrToolNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestSchemaMarksRequiredParams(t *testing.T) {
	def := echoTool()
	schema := def.Schema()
	require.Equal(t, []string{"text"}, schema["required"])
}
