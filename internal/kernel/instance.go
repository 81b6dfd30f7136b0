package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/oeway/kernel-engine/internal/bridge"
	"github.com/oeway/kernel-engine/internal/driver"
)

// StatusUnknown is reported when the driver cannot be queried.
const StatusUnknown = "unknown"

// Instance is the manager-side handle of one live kernel: identity,
// flavor, configuration, and the owning reference to its driver bridge.
// The id and creation time are mutable only through Rebrand (pool
// hand-out); everything else is fixed between creation and destruction.
type Instance struct {
	mu       sync.Mutex
	id       string
	created  time.Time
	opts     Options
	fromPool bool

	key TypeKey
	br  *bridge.Bridge

	// destroyFn releases the driver-side resources (bridge, worker,
	// interrupt channel, scratch dir). Exactly-once; the manager's
	// Destroy removes timers and subscriptions before invoking it.
	destroyFn   func()
	destroyOnce sync.Once
	destroyed   bool
}

// NewInstance binds a bridge to a manager-side handle. destroyFn must be
// non-nil; losing the destroy closure would leak the driver.
func NewInstance(id string, key TypeKey, opts Options, br *bridge.Bridge, destroyFn func()) *Instance {
	if destroyFn == nil {
		panic("kernel: instance created without destroy closure")
	}
	return &Instance{
		id:        id,
		created:   time.Now(),
		opts:      opts,
		key:       key,
		br:        br,
		destroyFn: destroyFn,
	}
}

// ID returns the effective (namespaced) kernel id.
func (in *Instance) ID() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.id
}

// TypeKey returns the instance's (mode, language) flavor.
func (in *Instance) TypeKey() TypeKey { return in.key }

// Created returns the creation (or rebranding) time.
func (in *Instance) Created() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.created
}

// Options returns the instance's configuration.
func (in *Instance) Options() Options {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.opts
}

// FromPool reports whether the instance was served from the warm pool.
func (in *Instance) FromPool() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.fromPool
}

// Rebrand binds a pool-sourced instance to the caller's effective id,
// merges the caller's options, and refreshes the creation time. The
// destroy closure survives unchanged; it was created with the driver and
// must outlive every identity the instance wears.
func (in *Instance) Rebrand(id string, opts Options) {
	in.mu.Lock()
	if in.destroyFn == nil {
		in.mu.Unlock()
		panic("kernel: rebrand lost destroy closure")
	}
	in.id = id
	in.created = time.Now()
	in.fromPool = true
	in.opts = opts
	in.mu.Unlock()

	in.br.SetKernelID(id)
}

// Execute runs one code fragment through the bridge, awaiting the
// terminal result. Side-effect events are observable through the bus.
func (in *Instance) Execute(ctx context.Context, code, parent string) (*driver.ExecResult, error) {
	return in.br.Execute(ctx, code, parent)
}

// InputReply forwards a stdin answer to the driver.
func (in *Instance) InputReply(value string) error {
	return in.br.InputReply(value)
}

// Interrupt requests cooperative interruption; false means this kernel
// mode has no interrupt path.
func (in *Instance) Interrupt() bool {
	return in.br.Interrupt()
}

// SynthesizeTerminal publishes a terminal execute_error for one of this
// kernel's executions through the bridge, which records it so the
// driver's teardown error cannot add a second terminal.
func (in *Instance) SynthesizeTerminal(parent, ename, evalue string) {
	in.br.SynthesizeTerminal(parent, ename, evalue)
}

// Busy reports whether an execution is in flight.
func (in *Instance) Busy() bool {
	return in.br.Busy()
}

// Status returns the driver status as a string, falling back to unknown
// after destruction.
func (in *Instance) Status() string {
	in.mu.Lock()
	destroyed := in.destroyed
	in.mu.Unlock()
	if destroyed {
		return StatusUnknown
	}
	return string(in.br.Status())
}

// Destroy releases the driver-side resources. Idempotent from the
// caller's perspective; the closure runs exactly once.
func (in *Instance) Destroy() {
	in.mu.Lock()
	in.destroyed = true
	in.mu.Unlock()
	in.destroyOnce.Do(in.destroyFn)
}
