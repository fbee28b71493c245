package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/s-age/takt/internal/pipeline"
	"github.com/s-age/takt/internal/session"
)

// DelegateTool is the delegation primitive (§2): it writes a TaskList to
// the well-known pipeline location for the current session, to be picked
// up by a SerialPipelineExecutor subprocess. The tool itself does not
// spawn the executor — that is TaktRunner's job once the agent loop
// observes the written task list and ends its turn.
func DelegateTool() Definition {
	return Definition{
		Name:        "delegate",
		Description: "Hand a list of agent and script tasks to the serial pipeline executor.",
		Params: []ParamSpec{
			{Name: "purpose", Type: ParamString},
			{Name: "background", Type: ParamString},
			{Name: "child_session_id", Type: ParamString},
			{Name: "tasks", Type: ParamArray, ItemType: ParamObject, Required: true},
		},
		Fn: delegateFn,
	}
}

func delegateFn(ctx context.Context, sys SystemContext, args map[string]interface{}) (interface{}, error) {
	rawTasks, ok := args["tasks"]
	if !ok {
		return map[string]interface{}{"error": "delegate: missing required \"tasks\" argument"}, nil
	}
	tasksJSON, err := json.Marshal(rawTasks)
	if err != nil {
		return map[string]interface{}{"error": fmt.Sprintf("delegate: invalid tasks payload: %v", err)}, nil
	}
	var tasks []session.Task
	if err := json.Unmarshal(tasksJSON, &tasks); err != nil {
		return map[string]interface{}{"error": fmt.Sprintf("delegate: could not parse tasks: %v", err)}, nil
	}

	list := &session.TaskList{
		Purpose:    stringArg(args, "purpose"),
		Background: stringArg(args, "background"),
		ChildSessionID: stringArg(args, "child_session_id"),
		Tasks:      tasks,
	}

	pipeRoot := filepath.Join(sys.ProjectRoot, pipeline.Root)
	if err := pipeline.WriteTaskList(pipeRoot, sys.SessionID, list); err != nil {
		return map[string]interface{}{"error": fmt.Sprintf("delegate: failed to write task list: %v", err)}, nil
	}

	return map[string]interface{}{"message": fmt.Sprintf("task list written for %d task(s)", len(tasks))}, nil
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
