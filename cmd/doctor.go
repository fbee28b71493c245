package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/s-age/takt/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the local environment and configuration",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("takt doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, takt cannot load its settings)")
	} else {
		fmt.Println(" (OK)")
	}

	settings, err := config.Load(cfgPath)
	if err != nil {
		fmt.Println("  (using built-in defaults: could not load settings file)")
		settings = &config.Settings{}
	}

	root := settings.ProjectRoot
	if root == "" {
		root, _ = os.Getwd()
	}

	fmt.Println()
	fmt.Println("  Provider:")
	checkEnvVar("GEMINI_API_KEY")

	fmt.Println()
	fmt.Println("  Filesystem:")
	checkWritable("Sessions root", filepath.Join(root, valueOr(settings.SessionsRoot, "sessions")))
	checkWritable("Pipeline dir", filepath.Join(root, ".pipe_sessions"))
	checkWritable("Process dir", filepath.Join(root, ".processes"))

	fmt.Println()
	fmt.Println("  External tools:")
	checkBinary("git")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkEnvVar(name string) {
	v := os.Getenv(name)
	if v == "" {
		fmt.Printf("    %-18s (not set)\n", name+":")
		return
	}
	masked := "****"
	if len(v) > 8 {
		masked = v[:4] + "..." + v[len(v)-4:]
	}
	fmt.Printf("    %-18s %s\n", name+":", masked)
}

func checkWritable(label, path string) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		fmt.Printf("    %-18s NOT WRITABLE (%s)\n", label+":", err)
		return
	}
	fmt.Printf("    %-18s %s (OK)\n", label+":", path)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
