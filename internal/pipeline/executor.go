package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/s-age/takt/internal/session"
)

// Exit codes, per §6.
const (
	ExitSuccess         = 0
	ExitRetryableFailure = 1
	ExitPermanentFailure = 2
)

const (
	scriptFailureMarkerBegin = "----- SCRIPT FAILURE OUTPUT BEGIN -----"
	scriptFailureMarkerEnd   = "----- SCRIPT FAILURE OUTPUT END -----"
)

// Executor runs a parsed TaskList sequentially on behalf of a parent
// session, per §4.8.
type Executor struct {
	root       string // project root, containing Root (.pipe_sessions)
	spawner    *Spawner
	parentID   string
}

// NewExecutor builds an Executor for parentID, reading/writing under
// root/Root and spawning subprocesses via spawner.
func NewExecutor(root string, spawner *Spawner, parentID string) *Executor {
	return &Executor{root: root, spawner: spawner, parentID: parentID}
}

type completedAgent struct {
	instruction string
	sessionID   string
}

// childTracker records child session ids in first-seen order, deduped,
// so PipelineResult.ChildSessionIDs is deterministic (§8 S6).
type childTracker struct {
	seen  map[string]struct{}
	order []string
}

func (t *childTracker) add(id string) {
	if id == "" {
		return
	}
	if t.seen == nil {
		t.seen = make(map[string]struct{})
	}
	if _, ok := t.seen[id]; ok {
		return
	}
	t.seen[id] = struct{}{}
	t.order = append(t.order, id)
}

// Run executes the task list written for e.parentID and returns the
// process exit code the CLI should use (§6 0/1/2).
func (e *Executor) Run(ctx context.Context) int {
	pipeRoot := filepath.Join(e.root, Root)

	list, err := ReadTaskList(pipeRoot, e.parentID)
	if err != nil {
		slog.Error("pipeline: failed to read task list", "parent", e.parentID, "error", err)
		return ExitRetryableFailure
	}

	result := &session.PipelineResult{Timestamp: time.Now(), TotalTasks: len(list.Tasks)}
	childID := list.ChildSessionID
	var completedAgents []completedAgent
	children := &childTracker{}
	abortReason := ""
	permanentFailure := false

	for i, task := range list.Tasks {
		switch {
		case task.Agent != nil:
			instruction := task.Agent.Instruction
			var run AgentRunResult
			if childID == "" {
				run = e.spawner.SpawnCreate(ctx, list.Purpose, list.Background, task.Agent.Roles, task.Agent.Procedure, instruction)
			} else {
				run = e.spawner.SpawnResume(ctx, childID, instruction)
			}
			if run.SessionID != "" {
				childID = run.SessionID
				children.add(childID)
			}
			status := "succeeded"
			if run.Err != nil {
				status = "failed"
			}
			completedAgents = append(completedAgents, completedAgent{instruction: instruction, sessionID: childID})
			result.Results = append(result.Results, session.TaskExecutionResult{
				TaskIndex: i, Type: "agent", Status: status, SessionID: childID, Detail: run.Stderr,
			})
			result.CompletedTasks++
			if run.Err != nil {
				abortReason = fmt.Sprintf("agent task %d failed: %v\n%s", i, run.Err, run.Stderr)
				break
			}

		case task.Script != nil:
			status, attempts, detail, exitCode := e.runScriptWithRetry(ctx, i, *task.Script, &completedAgents, &childID, children)
			result.Results = append(result.Results, session.TaskExecutionResult{
				TaskIndex: i, Type: "script", Status: status, Detail: detail, Attempts: attempts,
			})
			result.CompletedTasks++
			if status == "failed" {
				if exitCode == ExitPermanentFailure {
					permanentFailure = true
					abortReason = fmt.Sprintf("script task %d exited with permanent failure (2): %s", i, detail)
				} else {
					abortReason = fmt.Sprintf("script task %d failed after retries: %s", i, detail)
				}
			}
		}

		if abortReason != "" {
			break
		}
	}

	result.ChildSessionIDs = children.order

	exitCode := ExitSuccess
	if abortReason != "" {
		result.Status = "failed"
		if permanentFailure {
			exitCode = ExitPermanentFailure
		} else {
			exitCode = ExitRetryableFailure
		}
	} else {
		result.Status = "success"
	}

	pipeRoot = filepath.Join(e.root, Root)
	if err := WritePipelineResult(pipeRoot, e.parentID, result); err != nil {
		slog.Error("pipeline: failed to write pipeline result", "error", err)
	}

	e.invokeParent(ctx, result, abortReason, permanentFailure)

	return exitCode
}

// runScriptWithRetry runs a script up to max_retries+1 total attempts,
// backtracking to the nearest preceding AgentTask on ordinary failure.
func (e *Executor) runScriptWithRetry(ctx context.Context, taskIndex int, task session.ScriptTask, completedAgents *[]completedAgent, childID *string, children *childTracker) (status string, attempts int, detail string, exitCode int) {
	totalAttempts := task.MaxRetries + 1
	var lastDetail string

	for attempt := 1; attempt <= totalAttempts; attempt++ {
		stdout, stderr, code, _ := e.spawner.RunScript(ctx, task.Script, task.Args)
		attempts = attempt
		lastDetail = fmt.Sprintf("exit=%d stdout=%s stderr=%s", code, stdout, stderr)

		if code == ExitSuccess {
			return "succeeded", attempts, lastDetail, ExitSuccess
		}
		if code == ExitPermanentFailure {
			// Permanent failure disables retries regardless of
			// max_retries (§4.8, boundary behavior §8).
			return "failed", attempts, lastDetail, ExitPermanentFailure
		}

		if attempt == totalAttempts {
			break
		}

		// Ordinary failure with attempts remaining: backtrack to the
		// nearest preceding AgentTask and re-run it with the script's
		// diagnostic output appended, then retry the script.
		if len(*completedAgents) > 0 {
			last := (*completedAgents)[len(*completedAgents)-1]
			augmented := fmt.Sprintf("%s\n%s\n%s\n%s", last.instruction, scriptFailureMarkerBegin, stderr+stdout, scriptFailureMarkerEnd)
			run := e.spawner.SpawnResume(ctx, last.sessionID, augmented)
			if run.SessionID != "" {
				*childID = run.SessionID
				children.add(*childID)
			}
			*completedAgents = append(*completedAgents, completedAgent{instruction: augmented, sessionID: *childID})
		}
	}

	return "failed", attempts, lastDetail, ExitRetryableFailure
}

// invokeParent runs the CLI once more against the parent session with a
// completion instruction (§4.8 step 4).
func (e *Executor) invokeParent(ctx context.Context, result *session.PipelineResult, abortReason string, permanent bool) {
	var instruction string
	switch {
	case permanent:
		instruction = fmt.Sprintf("The serial pipeline aborted with a permanent failure: %s", abortReason)
	case abortReason != "":
		instruction = fmt.Sprintf("The serial pipeline failed: %s", abortReason)
	case len(result.ChildSessionIDs) == 0:
		instruction = "The serial pipeline completed successfully with no child sessions created."
	default:
		instruction = fmt.Sprintf("The serial pipeline completed successfully. Child sessions created: %v. Retrieve their final turns as needed.", result.ChildSessionIDs)
	}

	run := e.spawner.SpawnResume(ctx, e.parentID, instruction)
	if run.Err != nil {
		slog.Error("pipeline: failed to invoke parent session with completion instruction", "error", run.Err, "stderr", run.Stderr)
	}
}
