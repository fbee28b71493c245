// Package config loads and hot-reloads takt's settings file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Settings are the runtime-tunable knobs loaded from the settings file.
type Settings struct {
	Model                string        `json:"model"`
	ContextWindow        int           `json:"context_window"`
	CacheUpdateThreshold int           `json:"cache_update_threshold"`
	MaxToolCalls         int           `json:"max_tool_calls"`
	Timezone             string        `json:"timezone"`
	ProjectRoot          string        `json:"project_root"`
	SessionsRoot         string        `json:"sessions_root"`

	LockTimeoutSeconds int `json:"lock_timeout_seconds"`
	StaleThresholdSeconds int `json:"stale_threshold_seconds"`

	PipelinePollIntervalSeconds int `json:"pipeline_poll_interval_seconds"`
	PipelineTimeoutSeconds      int `json:"pipeline_timeout_seconds"`

	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
}

// applyDefaults fills in the settings the spec recommends when the file
// omits them (§4.1 stale threshold 300s; §5 poll 5s/timeout 600s).
func (s *Settings) applyDefaults() {
	if s.ContextWindow == 0 {
		s.ContextWindow = 200000
	}
	if s.CacheUpdateThreshold == 0 {
		s.CacheUpdateThreshold = 2000
	}
	if s.MaxToolCalls == 0 {
		s.MaxToolCalls = 25
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if s.SessionsRoot == "" {
		s.SessionsRoot = "sessions"
	}
	if s.LockTimeoutSeconds == 0 {
		s.LockTimeoutSeconds = 10
	}
	if s.StaleThresholdSeconds == 0 {
		s.StaleThresholdSeconds = 300
	}
	if s.PipelinePollIntervalSeconds == 0 {
		s.PipelinePollIntervalSeconds = 5
	}
	if s.PipelineTimeoutSeconds == 0 {
		s.PipelineTimeoutSeconds = 600
	}
}

// Load reads a json5-tolerant settings file at path, applying defaults
// for anything omitted.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var s Settings
	if err := json5.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	s.applyDefaults()
	return &s, nil
}

// applyHotReloadable copies the fields applied when the watcher detects
// a change; structural fields (project root, sessions root) are
// intentionally excluded — changing those under a running process would
// leave in-flight locks and session handles pointed at the wrong place.
func applyHotReloadable(dst *Settings, src *Settings) {
	dst.CacheUpdateThreshold = src.CacheUpdateThreshold
	dst.MaxToolCalls = src.MaxToolCalls
	dst.LockTimeoutSeconds = src.LockTimeoutSeconds
	dst.StaleThresholdSeconds = src.StaleThresholdSeconds
	dst.PipelinePollIntervalSeconds = src.PipelinePollIntervalSeconds
	dst.PipelineTimeoutSeconds = src.PipelineTimeoutSeconds
	dst.Temperature = src.Temperature
	dst.TopP = src.TopP
	dst.TopK = src.TopK
}

// Watcher holds the live Settings and refreshes the hot-reloadable
// fields whenever the backing file changes.
type Watcher struct {
	mu   sync.RWMutex
	path string
	cur  *Settings
	w    *fsnotify.Watcher
}

// NewWatcher loads path and starts watching it for changes.
func NewWatcher(path string) (*Watcher, error) {
	initial, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	cw := &Watcher{path: path, cur: initial, w: fw}
	go cw.loop()
	return cw, nil
}

func (cw *Watcher) loop() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(200 * time.Millisecond)
		case <-debounce.C:
			cw.reload()
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watcher error", "error", err)
		}
	}
}

func (cw *Watcher) reload() {
	fresh, err := Load(cw.path)
	if err != nil {
		slog.Warn("config: hot-reload failed, keeping previous settings", "error", err)
		return
	}
	cw.mu.Lock()
	applyHotReloadable(cw.cur, fresh)
	cw.mu.Unlock()
	slog.Info("config: reloaded settings", "path", cw.path)
}

// Current returns a snapshot of the current settings.
func (cw *Watcher) Current() Settings {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return *cw.cur
}

// Close stops watching.
func (cw *Watcher) Close() error {
	return cw.w.Close()
}

// Location parses Settings.Timezone into a *time.Location, defaulting to
// UTC on any error.
func (s *Settings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		slog.Warn("config: unknown timezone, defaulting to UTC", "timezone", s.Timezone, "error", err)
		return time.UTC
	}
	return loc
}
