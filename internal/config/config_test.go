package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 20 * time.Millisecond
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "takt.json5")
	require.NoError(t, writeFile(path, body))
	return path
}

func writeFile(path, body string) error {
	return os.WriteFile(path, []byte(body), 0o644)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeSettings(t, `{model: "gemini-2.5-pro"}`)
	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "gemini-2.5-pro", s.Model)
	require.Equal(t, 200000, s.ContextWindow)
	require.Equal(t, 2000, s.CacheUpdateThreshold)
	require.Equal(t, 25, s.MaxToolCalls)
	require.Equal(t, "UTC", s.Timezone)
	require.Equal(t, 10, s.LockTimeoutSeconds)
	require.Equal(t, 300, s.StaleThresholdSeconds)
	require.Equal(t, 5, s.PipelinePollIntervalSeconds)
	require.Equal(t, 600, s.PipelineTimeoutSeconds)
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	path := writeSettings(t, `{
		model: "gemini-2.5-flash",
		context_window: 50000,
		max_tool_calls: 3,
		timezone: "America/New_York",
	}`)
	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 50000, s.ContextWindow)
	require.Equal(t, 3, s.MaxToolCalls)
	require.Equal(t, "America/New_York", s.Timezone)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	require.Error(t, err)
}

func TestLocationDefaultsToUTCOnUnknownTimezone(t *testing.T) {
	s := &Settings{Timezone: "Not/AZone"}
	require.Equal(t, "UTC", s.Location().String())
}

func TestWatcherReloadsHotReloadableFields(t *testing.T) {
	path := writeSettings(t, `{model: "gemini-2.5-pro", max_tool_calls: 5}`)
	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Close()

	require.Equal(t, 5, w.Current().MaxToolCalls)

	require.NoError(t, writeFile(path, `{model: "gemini-2.5-pro", max_tool_calls: 9}`))
	require.Eventually(t, func() bool {
		return w.Current().MaxToolCalls == 9
	}, waitFor, tick)
}
