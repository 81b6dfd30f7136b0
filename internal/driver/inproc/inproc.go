// Package inproc implements the in-process kernel driver: the interpreter
// module runs inside the manager process. Execution is cooperative and
// cannot be interrupted; sandboxed mode exists for workloads that need
// that.
package inproc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oeway/kernel-engine/internal/driver"
	"github.com/oeway/kernel-engine/internal/event"
	"github.com/oeway/kernel-engine/internal/logging"
	"github.com/oeway/kernel-engine/internal/runtime"
)

// Driver hosts one runtime.Interpreter in the manager process.
type Driver struct {
	modulePath string
	language   string

	mu          sync.Mutex
	status      driver.Status
	initialized bool
	closed      bool
	interp      *runtime.Interpreter

	// sink receives events for the execute call in flight. Execute holds
	// execMu for its whole duration, so one sink is live at a time.
	sinkMu sync.Mutex
	sink   driver.EventSink
	execMu sync.Mutex

	inputMu      sync.Mutex
	inputCh      chan string
	inputPending bool

	closeCh   chan struct{}
	closeOnce sync.Once

	// interruptCheck is nil for true in-process kernels. The sandbox
	// worker wires it to the shared interrupt byte so the guest's
	// polling hook and blocked input reads can observe signals.
	interruptCheck func() bool
}

// New creates an uninitialized in-process driver for a language's
// interpreter module.
func New(language, modulePath string) *Driver {
	return &Driver{
		modulePath: modulePath,
		language:   language,
		status:     driver.StatusStarting,
		inputCh:    make(chan string, 1),
		closeCh:    make(chan struct{}),
	}
}

// Initialize loads and instantiates the interpreter. One-shot.
func (d *Driver) Initialize(ctx context.Context, opts driver.InitOptions) error {
	d.mu.Lock()
	if d.initialized {
		d.mu.Unlock()
		return driver.ErrAlreadyInitialized
	}
	if d.closed {
		d.mu.Unlock()
		return driver.ErrDriverClosed
	}
	d.mu.Unlock()

	interp, err := runtime.Open(runtime.Options{
		ModulePath:    d.modulePath,
		Filesystem:    opts.Filesystem,
		Capabilities:  opts.Capabilities,
		Env:           opts.Env,
		StartupScript: opts.StartupScript,
	}, d)
	if err != nil {
		d.mu.Lock()
		d.status = driver.StatusError
		d.mu.Unlock()
		return fmt.Errorf("open %s interpreter: %w", d.language, err)
	}

	d.mu.Lock()
	d.interp = interp
	d.initialized = true
	d.status = driver.StatusIdle
	d.mu.Unlock()
	return nil
}

// Execute runs one code fragment on the interpreter. Calls are serialized;
// an in-process kernel shares the manager's scheduler and must yield
// between fragments, not within one.
func (d *Driver) Execute(ctx context.Context, code, parent string, sink driver.EventSink) (res *driver.ExecResult, err error) {
	d.mu.Lock()
	if !d.initialized {
		d.mu.Unlock()
		return nil, driver.ErrNotInitialized
	}
	if d.closed || d.status == driver.StatusError {
		d.mu.Unlock()
		return nil, driver.ErrDriverClosed
	}
	d.mu.Unlock()

	d.execMu.Lock()
	defer d.execMu.Unlock()

	d.setStatus(driver.StatusBusy)
	defer func() {
		// A panic in the eval path is fatal for the driver but must
		// surface as an execute_error first.
		if r := recover(); r != nil {
			logging.Op().Error("in-process driver panic", "language", d.language, "panic", fmt.Sprint(r))
			sink(event.Record{
				Type:   event.TypeExecuteError,
				Parent: parent,
				Ename:  event.ErrNameDriverPanic,
				Evalue: fmt.Sprint(r),
			})
			d.setStatus(driver.StatusError)
			res = &driver.ExecResult{Status: "error", Ename: event.ErrNameDriverPanic, Evalue: fmt.Sprint(r)}
			err = nil
			return
		}
		if d.Status() == driver.StatusBusy {
			d.setStatus(driver.StatusIdle)
		}
	}()

	d.setSink(sink)
	defer d.setSink(nil)

	sink(event.Record{
		Type:           event.TypeExecuteInput,
		Parent:         parent,
		Code:           code,
		ExecutionCount: d.interp.ExecutionCount() + 1,
	})

	out, evalErr := d.interp.Eval(code, parent)
	if evalErr != nil {
		return nil, fmt.Errorf("eval: %w", evalErr)
	}

	if out.Result.OK() {
		if out.HasValue() {
			sink(event.Record{
				Type:           event.TypeExecuteResult,
				Parent:         parent,
				ExecutionCount: out.ExecutionCount,
				Data:           out.Data,
				Metadata:       out.Metadata,
			})
		}
	} else {
		sink(event.Record{
			Type:      event.TypeExecuteError,
			Parent:    parent,
			Ename:     out.Result.Ename,
			Evalue:    out.Result.Evalue,
			Traceback: out.Result.Traceback,
		})
	}

	return &out.Result, nil
}

// InputReply delivers an answer to the interpreter's pending input
// request. Discarded when nothing is waiting.
func (d *Driver) InputReply(value string) error {
	d.inputMu.Lock()
	pending := d.inputPending
	d.inputMu.Unlock()
	if !pending {
		return driver.ErrNoPendingInput
	}
	select {
	case d.inputCh <- value:
		return nil
	default:
		return driver.ErrNoPendingInput
	}
}

// Interrupt is unsupported for in-process kernels; the interpreter shares
// the manager's thread and has no polling boundary to signal across.
func (d *Driver) Interrupt() bool {
	return false
}

// Status returns the current interpreter status.
func (d *Driver) Status() driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Close tears down the interpreter instance. Idempotent.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.status = driver.StatusError
	interp := d.interp
	d.mu.Unlock()

	d.closeOnce.Do(func() { close(d.closeCh) })

	if interp != nil {
		interp.Close()
	}
	return nil
}

func (d *Driver) setStatus(s driver.Status) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

func (d *Driver) setSink(sink driver.EventSink) {
	d.sinkMu.Lock()
	d.sink = sink
	d.sinkMu.Unlock()
}

// EmitEvent implements runtime.Host.
func (d *Driver) EmitEvent(rec event.Record) {
	d.sinkMu.Lock()
	sink := d.sink
	d.sinkMu.Unlock()
	if sink != nil {
		sink(rec)
	}
}

// ReadInput implements runtime.Host. Blocks until InputReply arrives.
// There is no interrupt path for in-process kernels, so the only exits
// are a reply or driver close.
func (d *Driver) ReadInput() (string, bool) {
	d.inputMu.Lock()
	d.inputPending = true
	d.inputMu.Unlock()
	defer func() {
		d.inputMu.Lock()
		d.inputPending = false
		d.inputMu.Unlock()
	}()

	if d.interruptCheck == nil {
		select {
		case value := <-d.inputCh:
			return value, true
		case <-d.closeCh:
			return "", false
		}
	}

	// With an interrupt source wired, a blocked input read must also
	// observe interrupt signals.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case value := <-d.inputCh:
			return value, true
		case <-d.closeCh:
			return "", false
		case <-ticker.C:
			if d.interruptCheck() {
				return "", false
			}
		}
	}
}

// SetInterruptCheck wires a cooperative interrupt source. Must be called
// before Initialize.
func (d *Driver) SetInterruptCheck(f func() bool) {
	d.interruptCheck = f
}

// CheckInterrupt implements runtime.Host. Always false for true
// in-process kernels; inside a sandbox worker it consults the shared
// interrupt byte.
func (d *Driver) CheckInterrupt() bool {
	if d.interruptCheck == nil {
		return false
	}
	return d.interruptCheck()
}
