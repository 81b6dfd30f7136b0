// kengine is the kernel-engine CLI: a daemon that orchestrates
// code-execution kernels behind an HTTP surface, plus a one-shot runner
// for local use.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oeway/kernel-engine/internal/config"
	"github.com/oeway/kernel-engine/internal/driver"
	"github.com/oeway/kernel-engine/internal/driver/inproc"
	"github.com/oeway/kernel-engine/internal/driver/sandbox"
	"github.com/oeway/kernel-engine/internal/kernel"
)

var version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "kengine",
		Short: "kengine - multi-tenant code-execution kernel orchestrator",
		Long:  "Creates, pools, supervises, and tears down isolated Python and JavaScript execution kernels, streaming their structured output to callers",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (YAML or JSON)")

	rootCmd.AddCommand(
		daemonCmd(),
		runCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit code: 1 configuration
// error, 2 policy violation, 3 resource exhaustion.
func exitCode(err error) int {
	switch {
	case errors.Is(err, kernel.ErrPolicy):
		return 2
	case errors.Is(err, kernel.ErrKernelLimit):
		return 3
	default:
		return 1
	}
}

// loadConfig resolves the effective config: defaults, then the optional
// file, then environment overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// newDriverFactory binds the configured runtime locations to the two
// driver implementations.
func newDriverFactory(cfg *config.Config) kernel.DriverFactory {
	return func(key kernel.TypeKey, kernelID string) driver.Driver {
		modulePath := cfg.Runtime.PythonModule
		if key.Language == kernel.LanguageJavascript {
			modulePath = cfg.Runtime.JavascriptModule
		}
		if key.Mode == kernel.ModeInProc {
			return inproc.New(string(key.Language), modulePath)
		}
		return sandbox.New(sandbox.Config{
			WorkerBin:  cfg.Runtime.WorkerBin,
			ModulePath: modulePath,
			Language:   string(key.Language),
			WorkDir:    cfg.Runtime.WorkDir,
			KernelID:   kernelID,
		})
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kengine %s\n", version)
		},
	}
}
