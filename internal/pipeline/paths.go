// Package pipeline implements C8, the SerialPipelineExecutor: a
// subprocess-based sequential task runner with retry-with-backtrack on
// script failure, and the well-known filesystem channel (§6) it shares
// with the parent session.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/s-age/takt/internal/session"
)

// Root is the ".pipe_sessions" directory's conventional name, relative
// to the configured project root.
const Root = ".pipe_sessions"

func taskListPath(root, parentID string) string {
	return filepath.Join(root, fmt.Sprintf("%s_tasks.json", sanitize(parentID)))
}

func resultPath(root, parentID string) string {
	return filepath.Join(root, fmt.Sprintf("%s_serial_result.json", sanitize(parentID)))
}

func todosPath(root, parentID string) string {
	return filepath.Join(root, fmt.Sprintf("%s_todos.json", sanitize(parentID)))
}

// sanitize mirrors the session path-safety invariant (§3.6) for the
// flat, underscore-joined filenames this directory uses instead of
// nested directories.
func sanitize(id string) string {
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c == '/' {
			out = append(out, '_')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

// WriteTaskList writes list to the well-known location keyed by
// parentID.
func WriteTaskList(root, parentID string, list *session.TaskList) error {
	return writeJSON(taskListPath(root, parentID), list)
}

// ReadTaskList reads the task list an agent wrote for parentID.
func ReadTaskList(root, parentID string) (*session.TaskList, error) {
	var out session.TaskList
	if err := readJSON(taskListPath(root, parentID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskListExists reports whether an agent has delegated work for
// parentID, without the caller having to parse the file.
func TaskListExists(root, parentID string) bool {
	_, err := os.Stat(taskListPath(root, parentID))
	return err == nil
}

// WritePipelineResult writes result to the well-known location keyed by
// parentID.
func WritePipelineResult(root, parentID string, result *session.PipelineResult) error {
	return writeJSON(resultPath(root, parentID), result)
}

// ReadPipelineResult reads the result a serial executor wrote for
// parentID.
func ReadPipelineResult(root, parentID string) (*session.PipelineResult, error) {
	var out session.PipelineResult
	if err := readJSON(resultPath(root, parentID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MirrorTodos writes an optional mirror of a session's todos for
// external orchestrators.
func MirrorTodos(root, parentID string, todos []session.Todo) error {
	return writeJSON(todosPath(root, parentID), todos)
}

func writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("pipeline: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: marshal %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pipeline: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("pipeline: parse %s: %w", path, err)
	}
	return nil
}
