// Package driver defines the abstraction layer for kernel sandbox drivers.
//
// A driver owns one interpreter in an isolated context: either a worker
// subprocess with restricted filesystem capabilities (sandboxed mode) or a
// WASM instance hosted inside the manager process (in-process mode). The
// manager never talks to a driver directly; every driver is wrapped in a
// bridge that tags its events and serializes control messages.
package driver

import (
	"context"
	"errors"

	"github.com/oeway/kernel-engine/internal/event"
)

// Common errors returned by Driver implementations.
var (
	// ErrAlreadyInitialized indicates Initialize was called twice.
	ErrAlreadyInitialized = errors.New("driver already initialized")

	// ErrNotInitialized indicates an operation before Initialize succeeded.
	ErrNotInitialized = errors.New("driver not initialized")

	// ErrDriverClosed indicates the driver reached its terminal error or
	// closed state; further execute calls reject immediately.
	ErrDriverClosed = errors.New("driver closed")

	// ErrNoPendingInput indicates an input reply arrived while no input
	// request was outstanding. Callers may ignore it; the reply is dropped.
	ErrNoPendingInput = errors.New("no pending input request")
)

// Status is the driver's interpreter status.
type Status string

const (
	StatusStarting Status = "starting"
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusError    Status = "error"
)

// FilesystemMount maps a host directory into the sandbox.
type FilesystemMount struct {
	HostRoot   string `json:"host_root" yaml:"host_root"`
	GuestMount string `json:"guest_mount" yaml:"guest_mount"`
}

// Capabilities are per-kernel capability grants. Empty lists grant
// nothing beyond the filesystem mount.
type Capabilities struct {
	Read  []string `json:"read,omitempty" yaml:"read,omitempty"`
	Write []string `json:"write,omitempty" yaml:"write,omitempty"`
	Net   []string `json:"net,omitempty" yaml:"net,omitempty"`
	Env   []string `json:"env,omitempty" yaml:"env,omitempty"`
	Run   []string `json:"run,omitempty" yaml:"run,omitempty"`
}

// Default reports whether no capability beyond the defaults is granted.
func (c Capabilities) Default() bool {
	return len(c.Read) == 0 && len(c.Write) == 0 && len(c.Net) == 0 &&
		len(c.Env) == 0 && len(c.Run) == 0
}

// InitOptions configure a driver's one-shot initialization.
type InitOptions struct {
	Filesystem    *FilesystemMount  `json:"filesystem,omitempty"`
	Capabilities  Capabilities      `json:"capabilities,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	StartupScript string            `json:"startup_script,omitempty"`
}

// ExecResult is the terminal outcome of one execute call. Side-effect
// events (stream output, display data) flow through the EventSink during
// execution; the result only carries the final status.
type ExecResult struct {
	Status       string   `json:"status" msgpack:"status"` // "ok" | "error"
	Ename        string   `json:"ename,omitempty" msgpack:"ename,omitempty"`
	Evalue       string   `json:"evalue,omitempty" msgpack:"evalue,omitempty"`
	Traceback    []string `json:"traceback,omitempty" msgpack:"traceback,omitempty"`
	StreamBuffer string   `json:"stream_buffer,omitempty" msgpack:"stream_buffer,omitempty"`
}

// OK reports whether the execution completed without an error.
func (r *ExecResult) OK() bool { return r != nil && r.Status == "ok" }

// EventSink receives events emitted during an execute call, in the order
// the interpreter produced them. The sink must not block.
type EventSink func(event.Record)

// Driver owns one interpreter in an isolated context.
//
// The contract:
//   - Initialize is one-shot; a second call returns ErrAlreadyInitialized.
//     Initialization failure is fatal; the driver must be discarded.
//   - Execute runs a code fragment, emitting events through sink as they
//     are produced. All events of a call are emitted before Execute
//     returns, and the final stream flush precedes the result. Execution
//     errors are not fatal; the driver stays usable.
//   - A panic inside the execute path surfaces as
//     execute_error{ename:"DriverPanic"} followed by a terminal error
//     status; subsequent Execute calls return ErrDriverClosed.
//   - InputReply delivers the caller's answer to an outstanding input
//     request and is discarded when none is pending.
//   - Interrupt signals cooperative interruption; it reports whether a
//     signal could be delivered at all (in-process drivers return false).
type Driver interface {
	Initialize(ctx context.Context, opts InitOptions) error
	Execute(ctx context.Context, code, parent string, sink EventSink) (*ExecResult, error)
	InputReply(value string) error
	Interrupt() bool
	Status() Status
	Close() error
}
