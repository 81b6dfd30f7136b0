// Package sandbox implements the sandboxed kernel driver. Each kernel
// owns a kengine-worker subprocess that hosts the interpreter module with
// restricted filesystem capabilities; the driver speaks length-prefixed
// msgpack frames over the worker's stdio and signals interrupts through
// the shared byte channel.
package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/oeway/kernel-engine/internal/driver"
	"github.com/oeway/kernel-engine/internal/interrupt"
	"github.com/oeway/kernel-engine/internal/ipc"
	"github.com/oeway/kernel-engine/internal/logging"
)

const (
	initTimeout = 30 * time.Second
	pingTimeout = 3 * time.Second
)

// Config locates the worker binary and the interpreter module.
type Config struct {
	WorkerBin  string
	ModulePath string
	Language   string
	// WorkDir hosts the per-kernel interrupt channel file.
	WorkDir string
	// KernelID names the interrupt file; informational otherwise.
	KernelID string
}

// Driver drives one kengine-worker subprocess.
type Driver struct {
	cfg Config

	mu          sync.Mutex
	status      driver.Status
	initialized bool
	closed      bool

	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *ipc.Encoder
	intr  *interrupt.Channel

	// sink receives events for the execute in flight; execMu serializes
	// execute calls so one sink is live at a time.
	sinkMu sync.Mutex
	sink   driver.EventSink
	execMu sync.Mutex

	resultCh chan *ipc.ResultPayload
	readyCh  chan *ipc.ReadyPayload
	pongCh   chan struct{}
	// done closes when the read loop exits: the worker is gone.
	done     chan struct{}
	doneOnce sync.Once
}

// New creates an uninitialized sandboxed driver.
func New(cfg Config) *Driver {
	return &Driver{
		cfg:      cfg,
		status:   driver.StatusStarting,
		resultCh: make(chan *ipc.ResultPayload, 1),
		readyCh:  make(chan *ipc.ReadyPayload, 1),
		pongCh:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Initialize spawns the worker, sends the one-shot init frame, and waits
// for the ready acknowledgement. Failure is fatal: the driver must be
// discarded.
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

	// Interrupt channel creation is best-effort: a kernel without one
	// simply cannot be interrupted.
	intr, err := interrupt.Create(d.cfg.WorkDir, d.cfg.KernelID)
	if err != nil {
		logging.Op().Warn("interrupt channel unavailable",
			"kernel_id", d.cfg.KernelID, "error", err)
		intr = nil
	}

	cmd := exec.Command(d.cfg.WorkerBin)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if intr != nil {
			intr.Close()
			intr.Remove()
		}
		return fmt.Errorf("start worker: %w", err)
	}

	d.mu.Lock()
	d.cmd = cmd
	d.stdin = stdin
	d.enc = ipc.NewEncoder(stdin)
	d.intr = intr
	d.mu.Unlock()

	go d.readLoop(stdout)
	go d.logStderr(stderr)

	initMsg := &ipc.Message{
		Type: ipc.MsgTypeInit,
		Init: &ipc.InitPayload{
			Language:      d.cfg.Language,
			ModulePath:    d.cfg.ModulePath,
			Filesystem:    opts.Filesystem,
			Capabilities:  opts.Capabilities,
			Env:           opts.Env,
			StartupScript: opts.StartupScript,
		},
	}
	if intr != nil {
		initMsg.Init.InterruptPath = intr.Path()
	}
	if err := d.enc.Encode(initMsg); err != nil {
		d.teardown()
		return fmt.Errorf("send init: %w", err)
	}

	timer := time.NewTimer(initTimeout)
	defer timer.Stop()
	select {
	case ready := <-d.readyCh:
		if !ready.OK {
			d.teardown()
			return fmt.Errorf("worker init failed: %s", ready.Error)
		}
	case <-d.done:
		d.teardown()
		return errors.New("worker exited during init")
	case <-timer.C:
		d.teardown()
		return errors.New("worker init timed out")
	case <-ctx.Done():
		d.teardown()
		return ctx.Err()
	}

	d.mu.Lock()
	d.initialized = true
	d.status = driver.StatusIdle
	d.mu.Unlock()
	return nil
}

// readLoop pumps worker frames: events to the live sink, results to the
// waiting execute, control acks to their channels. Exits when the worker
// closes its stdout (death or clean stop).
func (d *Driver) readLoop(stdout io.Reader) {
	dec := ipc.NewDecoder(stdout)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logging.Op().Debug("worker stream closed",
					"kernel_id", d.cfg.KernelID, "error", err)
			}
			d.markGone()
			return
		}

		switch msg.Type {
		case ipc.MsgTypeEvent:
			if msg.Event != nil {
				d.sinkMu.Lock()
				sink := d.sink
				d.sinkMu.Unlock()
				if sink != nil {
					sink(*msg.Event)
				}
			}
		case ipc.MsgTypeResult:
			if msg.Result != nil {
				select {
				case d.resultCh <- msg.Result:
				default:
				}
			}
		case ipc.MsgTypeReady:
			if msg.Ready != nil {
				select {
				case d.readyCh <- msg.Ready:
				default:
				}
			}
		case ipc.MsgTypePong:
			select {
			case d.pongCh <- struct{}{}:
			default:
			}
		default:
			logging.Op().Warn("unexpected worker frame",
				"kernel_id", d.cfg.KernelID, "type", msg.Type)
		}
	}
}

func (d *Driver) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logging.Op().Debug("worker stderr",
			"kernel_id", d.cfg.KernelID, "line", scanner.Text())
	}
}

func (d *Driver) markGone() {
	d.doneOnce.Do(func() { close(d.done) })
	d.mu.Lock()
	if !d.closed {
		d.status = driver.StatusError
	}
	d.mu.Unlock()
}

// Execute forwards one code fragment to the worker and streams its events
// to sink until the terminal result frame arrives. The worker emits the
// execute_input echo and the terminal execute_result/execute_error event;
// this side only relays.
func (d *Driver) Execute(ctx context.Context, code, parent string, sink driver.EventSink) (*driver.ExecResult, error) {
	d.mu.Lock()
	if !d.initialized {
		d.mu.Unlock()
		return nil, driver.ErrNotInitialized
	}
	if d.closed || d.status == driver.StatusError {
		d.mu.Unlock()
		return nil, driver.ErrDriverClosed
	}
	enc := d.enc
	d.mu.Unlock()

	d.execMu.Lock()
	defer d.execMu.Unlock()

	d.setStatus(driver.StatusBusy)
	defer func() {
		if d.Status() == driver.StatusBusy {
			d.setStatus(driver.StatusIdle)
		}
	}()

	d.setSink(sink)
	defer d.setSink(nil)

	err := enc.Encode(&ipc.Message{
		Type: ipc.MsgTypeExec,
		Exec: &ipc.ExecPayload{Parent: parent, Code: code},
	})
	if err != nil {
		d.markGone()
		return nil, fmt.Errorf("send exec: %w", err)
	}

	select {
	case res := <-d.resultCh:
		if res.Error != "" {
			return nil, fmt.Errorf("worker exec: %s", res.Error)
		}
		return &res.Result, nil
	case <-d.done:
		return nil, driver.ErrDriverClosed
	case <-ctx.Done():
		// The worker cannot abort mid-expression; the caller's wait ends
		// but the execution continues until interrupted or terminated.
		return nil, ctx.Err()
	}
}

// InputReply forwards the caller's answer to the worker. The worker drops
// it if no input request is pending.
func (d *Driver) InputReply(value string) error {
	d.mu.Lock()
	if !d.initialized || d.closed {
		d.mu.Unlock()
		return driver.ErrNotInitialized
	}
	enc := d.enc
	d.mu.Unlock()

	return enc.Encode(&ipc.Message{
		Type:       ipc.MsgTypeInputReply,
		InputReply: &ipc.InputReplyPayload{Value: value},
	})
}

// Interrupt writes the sentinel byte to the shared channel. Delivery is
// cooperative: the interpreter observes it at its next polling point.
func (d *Driver) Interrupt() bool {
	d.mu.Lock()
	intr := d.intr
	d.mu.Unlock()
	if intr == nil {
		return false
	}
	intr.Signal()
	return true
}

// Ping checks worker liveness.
func (d *Driver) Ping() error {
	d.mu.Lock()
	if !d.initialized || d.closed {
		d.mu.Unlock()
		return driver.ErrNotInitialized
	}
	enc := d.enc
	d.mu.Unlock()

	if err := enc.Encode(&ipc.Message{Type: ipc.MsgTypePing}); err != nil {
		return err
	}
	timer := time.NewTimer(pingTimeout)
	defer timer.Stop()
	select {
	case <-d.pongCh:
		return nil
	case <-d.done:
		return driver.ErrDriverClosed
	case <-timer.C:
		return errors.New("worker ping timed out")
	}
}

// Status returns the current driver status.
func (d *Driver) Status() driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Gone reports worker loss; the bridge uses it to synthesize a terminal
// event for in-flight executions.
func (d *Driver) Gone() <-chan struct{} {
	return d.done
}

// Close stops the worker and releases the interrupt channel. Idempotent.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.status = driver.StatusError
	enc := d.enc
	d.mu.Unlock()

	if enc != nil {
		// Best-effort polite stop; the kill below is the backstop.
		_ = enc.Encode(&ipc.Message{Type: ipc.MsgTypeStop})
	}
	d.teardown()
	return nil
}

func (d *Driver) teardown() {
	d.mu.Lock()
	cmd := d.cmd
	stdin := d.stdin
	intr := d.intr
	d.intr = nil
	d.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		waited := make(chan struct{})
		go func() {
			cmd.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(2 * time.Second):
			cmd.Process.Kill()
			<-waited
		}
	}
	if intr != nil {
		intr.Close()
		intr.Remove()
	}
	d.markGone()
}

func (d *Driver) setStatus(s driver.Status) {
	d.mu.Lock()
	// error is terminal; a late idle transition must not resurrect it
	if d.status == driver.StatusError && s != driver.StatusError {
		d.mu.Unlock()
		return
	}
	d.status = s
	d.mu.Unlock()
}

func (d *Driver) setSink(sink driver.EventSink) {
	d.sinkMu.Lock()
	d.sink = sink
	d.sinkMu.Unlock()
}

// compile-time interface check
var _ driver.Driver = (*Driver)(nil)
