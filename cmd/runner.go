package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/s-age/takt/internal/agent"
	"github.com/s-age/takt/internal/cache"
	"github.com/s-age/takt/internal/config"
	"github.com/s-age/takt/internal/modelclient"
	"github.com/s-age/takt/internal/pipeline"
	"github.com/s-age/takt/internal/procregistry"
	"github.com/s-age/takt/internal/prompt"
	"github.com/s-age/takt/internal/session"
	"github.com/s-age/takt/internal/sessionservice"
	"github.com/s-age/takt/internal/sessionstore"
	"github.com/s-age/takt/internal/tools"
)

// SessionIDEnvVar carries the active session id into tool subprocesses
// that need to find "the current session" without being passed one
// explicitly (§5 "Shared resources").
const SessionIDEnvVar = "TAKT_SESSION_ID"

// RunnerArgs mirrors the CLI flag surface of §6 that affects the core.
type RunnerArgs struct {
	Purpose                   string
	Background                string
	Roles                     []string
	Procedure                 string
	SessionID                 string
	Instruction               string
	References                []string
	Artifacts                 []string
	MultiStepReasoningEnabled bool
	OutputJSON                bool
	DryRun                    bool
}

// osFileReader reads reference/artifact files relative to the process's
// working directory — the production FileReader behind PromptAssembler.
type osFileReader struct{}

func (osFileReader) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Runner is C10, TaktRunner: the top-level orchestration for a single
// agent invocation (§4.10).
type Runner struct {
	Settings     config.Settings
	ProjectRoot  string
	Sessions     *sessionservice.Service
	ProcRegistry *procregistry.Registry
	Agent        *agent.Agent
}

// NewRunner wires the full dependency graph from loaded settings.
func NewRunner(ctx context.Context, settings config.Settings) (*Runner, error) {
	root := settings.ProjectRoot
	if root == "" {
		root = "."
	}

	sessionsRoot := filepath.Join(root, settings.SessionsRoot)
	repo, err := sessionstore.New(sessionsRoot)
	if err != nil {
		return nil, fmt.Errorf("runner: open session repository: %w", err)
	}
	sessions := sessionservice.New(repo, settings.Location())

	procReg, err := procregistry.New(filepath.Join(root, ".processes"))
	if err != nil {
		return nil, fmt.Errorf("runner: open process registry: %w", err)
	}

	cacheReg, err := cache.NewRegistry(sessionsRoot)
	if err != nil {
		return nil, fmt.Errorf("runner: open cache registry: %w", err)
	}

	geminiClient, err := modelclient.NewGeminiClient(ctx, modelclient.GeminiConfig{
		APIKey:       os.Getenv("GEMINI_API_KEY"),
		DefaultModel: settings.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("runner: create model client: %w", err)
	}
	cacheManager := cache.NewManager(cacheReg, modelclient.NewGeminiCacheClient(geminiClient), settings.CacheUpdateThreshold)

	registry := tools.NewRegistry(tools.DelegateTool())

	a := &agent.Agent{
		Sessions:     sessions,
		Assembler:    prompt.New(osFileReader{}, settings.Location()),
		CacheManager: cacheManager,
		ToolRegistry: registry,
		Client:       geminiClient,
		Model:        settings.Model,
		MaxToolCalls: settings.MaxToolCalls,
		Hyperparams:  hyperparamsFromSettings(settings),
	}

	return &Runner{
		Settings:     settings,
		ProjectRoot:  root,
		Sessions:     sessions,
		ProcRegistry: procReg,
		Agent:        a,
	}, nil
}

func hyperparamsFromSettings(s config.Settings) *session.Hyperparameters {
	if s.Temperature == nil && s.TopP == nil && s.TopK == nil {
		return nil
	}
	return &session.Hyperparameters{Temperature: s.Temperature, TopP: s.TopP, TopK: s.TopK}
}

// Run executes one invocation per §4.10: resolve/create the session,
// register the process, run the agent loop, write back, and print the
// machine-parseable identity line.
func (r *Runner) Run(ctx context.Context, args RunnerArgs) (*session.Session, error) {
	sess, err := r.resolveSession(args)
	if err != nil {
		return nil, err
	}

	applyReferencesAndArtifacts(sess, args.References, args.Artifacts)
	if err := r.Sessions.Repository().Save(sess); err != nil {
		return nil, fmt.Errorf("runner: persist reference/artifact updates: %w", err)
	}

	if err := r.ProcRegistry.Register(sess.SessionID, os.Getpid()); err != nil {
		return nil, fmt.Errorf("runner: register process: %w", err)
	}
	defer func() {
		if err := r.ProcRegistry.Cleanup(sess.SessionID); err != nil {
			slog.Warn("runner: failed to clean up process registry entry", "session_id", sess.SessionID, "error", err)
		}
	}()

	os.Setenv(SessionIDEnvVar, sess.SessionID)
	r.Agent.ToolExecutor = tools.NewExecutor(r.Agent.ToolRegistry, tools.SystemContext{
		Sessions:    r.Sessions,
		SessionID:   sess.SessionID,
		Settings:    r.Settings,
		ProjectRoot: r.ProjectRoot,
	})

	if args.DryRun {
		return r.dryRun(sess)
	}

	// resolveSession already appended the user_task turn (for both the
	// new-session and resumed-session paths via GetOrCreateSessionData),
	// so agent.Run must not be given an instruction to append again.
	if _, err := r.Agent.Run(ctx, agent.Request{SessionID: sess.SessionID}, func(chunk string) {
		fmt.Print(chunk)
	}); err != nil {
		return nil, fmt.Errorf("runner: agent loop: %w", err)
	}

	final, err := r.Sessions.Resume(sess.SessionID)
	if err != nil {
		return nil, fmt.Errorf("runner: reload final session: %w", err)
	}

	if err := r.spawnPipelineIfDelegated(final.SessionID); err != nil {
		slog.Warn("runner: failed to spawn serial pipeline executor", "session_id", final.SessionID, "error", err)
	}

	printIdentity(final.SessionID, args.OutputJSON)
	return final, nil
}

// spawnPipelineIfDelegated looks for a task list the agent loop wrote via
// the delegate tool (§2) and, if present, hands it off to a detached
// SerialPipelineExecutor subprocess — the process model is multi-process
// with single-threaded agent loops (§5), so the pipeline runs on its own
// rather than blocking this invocation.
func (r *Runner) spawnPipelineIfDelegated(sessionID string) error {
	pipeRoot := filepath.Join(r.ProjectRoot, pipeline.Root)
	if !pipeline.TaskListExists(pipeRoot, sessionID) {
		return nil
	}

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own binary path: %w", err)
	}

	if err := os.MkdirAll(pipeRoot, 0o755); err != nil {
		return fmt.Errorf("prepare pipeline directory: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(pipeRoot, sessionID+"_serial.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open pipeline log: %w", err)
	}

	cmd := exec.Command(binary, "serial", "--parent", sessionID)
	cmd.Dir = r.ProjectRoot
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start serial pipeline executor: %w", err)
	}

	go func() {
		defer logFile.Close()
		if err := cmd.Wait(); err != nil {
			slog.Warn("runner: serial pipeline executor exited with error", "session_id", sessionID, "error", err)
		}
	}()
	return nil
}

func (r *Runner) resolveSession(args RunnerArgs) (*session.Session, error) {
	data, err := r.Sessions.GetOrCreateSessionData(args.SessionID, args.Purpose, args.Background, args.Roles, args.MultiStepReasoningEnabled, args.Instruction)
	if err != nil {
		return nil, fmt.Errorf("runner: resolve session: %w", err)
	}
	if data.Session != nil {
		return data.Session, nil
	}

	sess, err := r.Sessions.CreateNewSession(sessionservice.NewSessionParams{
		Purpose:                   data.Purpose,
		Background:                data.Background,
		Roles:                     data.Roles,
		MultiStepReasoningEnabled: data.MultiStep,
		Procedure:                 args.Procedure,
	})
	if err != nil {
		return nil, fmt.Errorf("runner: create session: %w", err)
	}
	if data.StartingTask != nil {
		if sess, err = r.Sessions.AddTurnToSession(sess.SessionID, *data.StartingTask); err != nil {
			return nil, fmt.Errorf("runner: append starting task: %w", err)
		}
	}
	return sess, nil
}

// dryRun prints the assembled payload. The instruction is already the
// session's last user_task turn, so it is not passed to Assemble again.
func (r *Runner) dryRun(sess *session.Session) (*session.Session, error) {
	payload, err := r.Agent.Assembler.Assemble(sess, "", time.Now(), false)
	if err != nil {
		return nil, fmt.Errorf("runner: assemble dry-run payload: %w", err)
	}
	fmt.Println("--- static content ---")
	fmt.Println(payload.StaticContent)
	fmt.Println("--- contents ---")
	for _, c := range payload.Contents {
		fmt.Printf("[%s]\n", c.Role)
		for _, p := range c.Parts {
			if p.Text != "" {
				fmt.Println(p.Text)
			}
		}
	}
	return sess, nil
}

func applyReferencesAndArtifacts(sess *session.Session, references, artifacts []string) {
	existing := make(map[string]bool, len(sess.References))
	for _, r := range sess.References {
		existing[r.Path] = true
	}
	for _, path := range references {
		if !existing[path] {
			sess.References = append(sess.References, session.Reference{Path: path})
			existing[path] = true
		}
	}
	existingArtifacts := make(map[string]bool, len(sess.Artifacts))
	for _, a := range sess.Artifacts {
		existingArtifacts[a] = true
	}
	for _, path := range artifacts {
		if !existingArtifacts[path] {
			sess.Artifacts = append(sess.Artifacts, path)
			existingArtifacts[path] = true
		}
	}
}

// printIdentity always prints the cosmetic [CREATED_SESSION:...] marker
// (kept only for human-readable continuity with older tooling) and, when
// requested, the machine-parseable JSON line that subprocess callers
// actually parse (internal/pipeline.parseSessionID reads this, never the
// marker — REDESIGN FLAG §13 item 3).
func printIdentity(sessionID string, asJSON bool) {
	fmt.Printf("[CREATED_SESSION:%s]\n", sessionID)
	if asJSON {
		fmt.Printf("{\"session_id\":%q}\n", sessionID)
	}
}
