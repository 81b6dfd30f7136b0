package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ExecutionLog records a single finished kernel execution.
type ExecutionLog struct {
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	KernelID    string    `json:"kernel_id"`
	Mode        string    `json:"mode,omitempty"`
	Language    string    `json:"language,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	FromPool    bool      `json:"from_pool,omitempty"`
	Success     bool      `json:"success"`
	Ename       string    `json:"ename,omitempty"`
	Evalue      string    `json:"evalue,omitempty"`
	EventCount  int       `json:"event_count"`
	CodeSize    int       `json:"code_size"`
	Interrupted bool      `json:"interrupted,omitempty"`
}

// Logger handles execution logging to console and an optional JSON file.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default execution logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes an execution log entry.
func (l *Logger) Log(entry *ExecutionLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	// Console output (human-readable)
	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		intr := ""
		if entry.Interrupted {
			intr = " [interrupted]"
		}
		warm := ""
		if entry.FromPool {
			warm = " [pooled]"
		}
		fmt.Printf("[exec] %s %s kernel=%s %dms events=%d%s%s\n",
			status, entry.ExecutionID, entry.KernelID, entry.DurationMs, entry.EventCount, warm, intr)
		if entry.Ename != "" {
			fmt.Printf("[exec]   error: %s: %s\n", entry.Ename, entry.Evalue)
		}
	}

	// File output (JSON)
	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
