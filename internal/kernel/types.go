// Package kernel implements the manager-side kernel lifecycle: instances,
// the warm pool, execution tracking, streaming, and the top-level manager
// that coordinates them.
package kernel

import (
	"fmt"
	"strings"
	"time"

	"github.com/oeway/kernel-engine/internal/driver"
)

// Mode selects the isolation boundary of a kernel.
type Mode string

const (
	ModeInProc    Mode = "inproc"
	ModeSandboxed Mode = "sandboxed"
)

// Language selects the interpreter runtime.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavascript Language = "javascript"
)

// TypeKey identifies a kernel flavor. Its string form "mode-language"
// appears in configuration, pool keys, and metrics labels.
type TypeKey struct {
	Mode     Mode
	Language Language
}

func (k TypeKey) String() string {
	return string(k.Mode) + "-" + string(k.Language)
}

// ParseTypeKey parses a "mode-language" string.
func ParseTypeKey(s string) (TypeKey, error) {
	mode, lang, ok := strings.Cut(s, "-")
	if !ok {
		return TypeKey{}, fmt.Errorf("invalid kernel type %q", s)
	}
	key := TypeKey{Mode: Mode(mode), Language: Language(lang)}
	if key.Mode != ModeInProc && key.Mode != ModeSandboxed {
		return TypeKey{}, fmt.Errorf("invalid kernel mode %q", mode)
	}
	if key.Language != LanguagePython && key.Language != LanguageJavascript {
		return TypeKey{}, fmt.Errorf("invalid kernel language %q", lang)
	}
	return key, nil
}

// Options is the per-kernel configuration a caller may supply at create
// time. A kernel created with any non-default option skips the pool.
type Options struct {
	Filesystem    *driver.FilesystemMount `json:"filesystem,omitempty"`
	Capabilities  driver.Capabilities     `json:"capabilities,omitempty"`
	Env           map[string]string       `json:"env,omitempty"`
	StartupScript string                  `json:"startup_script,omitempty"`

	// Per-kernel timer overrides; 0 inherits the manager default.
	InactivityTimeoutMs int64 `json:"inactivity_timeout_ms,omitempty"`
	MaxExecutionTimeMs  int64 `json:"max_execution_time_ms,omitempty"`
}

// PoolEligible reports whether a request with these options may be served
// from the warm pool. Pooled kernels were created with defaults; any
// customization requires a cold start.
func (o Options) PoolEligible() bool {
	return o.Filesystem == nil &&
		o.Capabilities.Default() &&
		len(o.Env) == 0 &&
		o.StartupScript == "" &&
		o.InactivityTimeoutMs == 0 &&
		o.MaxExecutionTimeMs == 0
}

// Summary is the listing view of a live kernel.
type Summary struct {
	ID        string    `json:"id"`
	Mode      Mode      `json:"mode"`
	Language  Language  `json:"language"`
	Status    string    `json:"status"`
	Created   time.Time `json:"created"`
	Namespace string    `json:"namespace,omitempty"`
}

// Info is the introspection view of a live kernel.
type Info struct {
	ID               string    `json:"id"`
	Status           string    `json:"status"`
	Created          time.Time `json:"created"`
	LastActivity     time.Time `json:"last_activity"`
	Ongoing          int       `json:"ongoing"`
	Stuck            bool      `json:"stuck"`
	LongestRunningMs int64     `json:"longest_running_ms,omitempty"`
}

// PoolStat is one pool key's occupancy.
type PoolStat struct {
	Available int `json:"available"`
	Cap       int `json:"cap"`
}

// Namespace splits an effective id into its namespace, or "" when the id
// is unnamespaced.
func Namespace(id string) string {
	if ns, _, ok := strings.Cut(id, ":"); ok {
		return ns
	}
	return ""
}
