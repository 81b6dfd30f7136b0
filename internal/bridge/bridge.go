// Package bridge adapts a raw kernel driver to the event bus. The bridge
// owns the kernel identity: it stamps every record with the kernel id
// before publishing, and it guarantees the terminal-event contract when
// the driver itself cannot (a worker that dies mid-execution emits
// nothing, so the bridge speaks for it).
package bridge

import (
	"context"
	"sync"

	"github.com/oeway/kernel-engine/internal/driver"
	"github.com/oeway/kernel-engine/internal/event"
	"github.com/oeway/kernel-engine/internal/logging"
)

// Publisher receives the bridge's tagged records. In production this is
// Bus.Publish.
type Publisher func(event.Record)

// Bridge wraps one driver for one kernel.
type Bridge struct {
	drv     driver.Driver
	publish Publisher

	// execMu serializes executions through the bridge so terminal
	// bookkeeping matches one execution at a time.
	execMu sync.Mutex

	mu       sync.Mutex
	kernelID string
	closed   bool
	inFlight bool
	// terminalSeen records whether the current execution already produced
	// its terminal event; a driver failure after that must not add a
	// second one.
	terminalSeen bool
	parent       string
}

// New wraps drv for kernelID, publishing tagged records through publish.
func New(kernelID string, drv driver.Driver, publish Publisher) *Bridge {
	return &Bridge{
		kernelID: kernelID,
		drv:      drv,
		publish:  publish,
	}
}

// KernelID returns the namespaced kernel id this bridge speaks for.
func (b *Bridge) KernelID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kernelID
}

// SetKernelID rebinds the bridge to a new kernel id. Pool hand-out
// rebrands a warm kernel with the caller's effective id; events emitted
// after the rebind carry the new id. Must not be called while an
// execution is in flight.
func (b *Bridge) SetKernelID(id string) {
	b.mu.Lock()
	b.kernelID = id
	b.mu.Unlock()
}

// Initialize forwards to the driver.
func (b *Bridge) Initialize(ctx context.Context, opts driver.InitOptions) error {
	return b.drv.Initialize(ctx, opts)
}

// Execute runs one code fragment, publishing every event tagged with the
// kernel id. If the driver fails without emitting a terminal event, the
// bridge synthesizes an execute_error so subscribers always see the
// execution end.
func (b *Bridge) Execute(ctx context.Context, code, parent string) (*driver.ExecResult, error) {
	b.execMu.Lock()
	defer b.execMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, driver.ErrDriverClosed
	}
	b.inFlight = true
	b.terminalSeen = false
	b.parent = parent
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inFlight = false
		b.parent = ""
		b.mu.Unlock()
	}()

	res, err := b.drv.Execute(ctx, code, parent, b.sink)
	if err != nil {
		b.synthesizeGone(parent, err.Error())
		return nil, err
	}
	return res, nil
}

// sink is the driver.EventSink handed to the driver: it stamps the kernel
// id and records terminal passage. A terminal arriving after the current
// execution already ended is dropped; one terminal per execution.
func (b *Bridge) sink(rec event.Record) {
	b.mu.Lock()
	if rec.Terminal() {
		if b.terminalSeen {
			b.mu.Unlock()
			return
		}
		b.terminalSeen = true
	}
	rec.KernelID = b.kernelID
	b.mu.Unlock()
	b.publish(rec)
}

// SynthesizeTerminal publishes a terminal execute_error for an execution
// the manager is ending on the driver's behalf (forced termination).
// Recording it here keeps the driver's own failure path from adding a
// second terminal for the same execution. No-op when the in-flight
// execution already produced its terminal.
func (b *Bridge) SynthesizeTerminal(parent, ename, evalue string) {
	b.mu.Lock()
	if b.inFlight && b.parent == parent {
		if b.terminalSeen {
			b.mu.Unlock()
			return
		}
		b.terminalSeen = true
	}
	kernelID := b.kernelID
	b.mu.Unlock()

	b.publish(event.Record{
		Type:     event.TypeExecuteError,
		KernelID: kernelID,
		Parent:   parent,
		Ename:    ename,
		Evalue:   evalue,
	})
}

// synthesizeGone publishes the terminal execute_error for an execution the
// driver abandoned. No-op when the terminal event already went out.
func (b *Bridge) synthesizeGone(parent, detail string) {
	b.mu.Lock()
	if b.terminalSeen {
		b.mu.Unlock()
		return
	}
	b.terminalSeen = true
	kernelID := b.kernelID
	b.mu.Unlock()

	logging.Op().Warn("driver lost mid-execution",
		"kernel_id", kernelID, "error", detail)
	b.publish(event.Record{
		Type:     event.TypeExecuteError,
		KernelID: kernelID,
		Parent:   parent,
		Ename:    event.ErrNameDriverGone,
		Evalue:   detail,
	})
}

// InputReply forwards a stdin answer to the driver.
func (b *Bridge) InputReply(value string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return driver.ErrDriverClosed
	}
	b.mu.Unlock()
	return b.drv.InputReply(value)
}

// Interrupt forwards the interrupt request; false means the driver has no
// interrupt path.
func (b *Bridge) Interrupt() bool {
	return b.drv.Interrupt()
}

// Status returns the driver status.
func (b *Bridge) Status() driver.Status {
	return b.drv.Status()
}

// Busy reports whether an execution is in flight through this bridge.
func (b *Bridge) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight
}

// Close tears down the driver. An execution in flight gets its DriverGone
// terminal from the Execute error path once the driver unblocks it.
// Idempotent.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.drv.Close()
}
