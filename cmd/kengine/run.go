package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oeway/kernel-engine/internal/event"
	"github.com/oeway/kernel-engine/internal/kernel"
	"github.com/oeway/kernel-engine/internal/logging"
)

func runCmd() *cobra.Command {
	var (
		mode     string
		language string
		codeFile string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "run [code]",
		Short: "Run a code fragment in a fresh kernel and stream its output",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Daemon.LogLevel = logLevel
			}
			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.Default().SetConsole(false)

			code, err := readCode(args, codeFile)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.Runtime.WorkDir, 0o755); err != nil {
				return err
			}

			key, err := kernel.ParseTypeKey(mode + "-" + language)
			if err != nil {
				return fmt.Errorf("%w: %v", kernel.ErrPolicy, err)
			}

			// One-shot kernels have no reason to outlive the run; pooling
			// stays off regardless of config.
			cfg.Pool.Enabled = false
			bus := event.NewBus(0)
			mgr := kernel.NewManager(cfg, bus, newDriverFactory(cfg))
			defer mgr.Close()

			id, err := mgr.Create(context.Background(), kernel.CreateOptions{
				Mode:     key.Mode,
				Language: key.Language,
			})
			if err != nil {
				return err
			}
			defer mgr.Destroy(id)

			stream, _, err := mgr.ExecuteStream(id, code)
			if err != nil {
				return err
			}
			defer stream.Cancel()

			return render(cmd.Context(), mgr, id, stream)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(kernel.ModeSandboxed), "Kernel mode (inproc, sandboxed)")
	cmd.Flags().StringVar(&language, "language", string(kernel.LanguagePython), "Kernel language (python, javascript)")
	cmd.Flags().StringVarP(&codeFile, "file", "f", "", "Read code from a file ('-' for stdin)")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level")

	return cmd
}

func readCode(args []string, codeFile string) (string, error) {
	if len(args) == 1 && codeFile == "" {
		return args[0], nil
	}
	if codeFile == "" {
		return "", fmt.Errorf("provide code as an argument or with --file")
	}
	if codeFile == "-" {
		var sb strings.Builder
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			sb.WriteString(scanner.Text())
			sb.WriteByte('\n')
		}
		return sb.String(), scanner.Err()
	}
	data, err := os.ReadFile(codeFile)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// render consumes the event stream, mapping records to the terminal:
// stream text goes to stdout/stderr, results and errors are printed, and
// input requests are answered from the local stdin.
func render(ctx context.Context, mgr *kernel.Manager, id string, stream *kernel.Stream) error {
	stdin := bufio.NewReader(os.Stdin)
	var execErr error

	for {
		rec, ok := stream.Recv(ctx)
		if !ok {
			return execErr
		}

		switch rec.Type {
		case event.TypeStream:
			if rec.Name == event.StreamStderr {
				fmt.Fprint(os.Stderr, rec.Text)
			} else {
				fmt.Print(rec.Text)
			}

		case event.TypeDisplayData, event.TypeUpdateDisplayData, event.TypeExecuteResult:
			if text, ok := rec.Data["text/plain"].(string); ok {
				fmt.Println(text)
			}

		case event.TypeExecuteError:
			fmt.Fprintf(os.Stderr, "%s: %s\n", rec.Ename, rec.Evalue)
			for _, line := range rec.Traceback {
				fmt.Fprintln(os.Stderr, line)
			}
			execErr = fmt.Errorf("execution failed: %s", rec.Ename)

		case event.TypeInputRequest:
			fmt.Print(rec.Prompt)
			line, err := stdin.ReadString('\n')
			if err != nil {
				line = ""
			}
			if err := mgr.InputReply(id, strings.TrimRight(line, "\n")); err != nil {
				fmt.Fprintf(os.Stderr, "input reply failed: %v\n", err)
			}

		case event.TypeBackpressureDrop:
			fmt.Fprintf(os.Stderr, "[%d output events dropped]\n", rec.DroppedCount)
		}
	}
}
