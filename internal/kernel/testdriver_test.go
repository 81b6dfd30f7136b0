package kernel

import (
	"context"
	"sync"

	"github.com/oeway/kernel-engine/internal/driver"
	"github.com/oeway/kernel-engine/internal/event"
)

// fakeDriver is a scripted driver for manager, pool, and stream tests.
// The run hook decides what each Execute emits and returns; the default
// echoes execute_input and completes with an ok result and no value.
type fakeDriver struct {
	mu          sync.Mutex
	initialized bool
	closed      bool
	status      driver.Status
	interrupted int

	initErr     error
	interruptOK bool
	run         func(ctx context.Context, code, parent string, sink driver.EventSink) (*driver.ExecResult, error)

	// release, when non-nil, blocks Execute until closed. Used by the
	// eviction and stall tests to hold an execution in flight.
	release chan struct{}

	// closeGate, when non-nil, blocks Close until closed. Used to hold a
	// kernel teardown mid-flight.
	closeGate chan struct{}
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{status: driver.StatusStarting}
}

func (f *fakeDriver) Initialize(ctx context.Context, opts driver.InitOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initialized {
		return driver.ErrAlreadyInitialized
	}
	if f.initErr != nil {
		f.status = driver.StatusError
		return f.initErr
	}
	f.initialized = true
	f.status = driver.StatusIdle
	return nil
}

func (f *fakeDriver) Execute(ctx context.Context, code, parent string, sink driver.EventSink) (*driver.ExecResult, error) {
	f.mu.Lock()
	if !f.initialized {
		f.mu.Unlock()
		return nil, driver.ErrNotInitialized
	}
	if f.closed {
		f.mu.Unlock()
		return nil, driver.ErrDriverClosed
	}
	f.status = driver.StatusBusy
	run := f.run
	release := f.release
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		if f.status == driver.StatusBusy {
			f.status = driver.StatusIdle
		}
		f.mu.Unlock()
	}()

	if release != nil {
		<-release
	}
	if run != nil {
		return run(ctx, code, parent, sink)
	}

	sink(event.Record{Type: event.TypeExecuteInput, Parent: parent, Code: code, ExecutionCount: 1})
	return &driver.ExecResult{Status: "ok"}, nil
}

func (f *fakeDriver) InputReply(value string) error { return nil }

func (f *fakeDriver) Interrupt() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interruptOK {
		f.interrupted++
		return true
	}
	return false
}

func (f *fakeDriver) Status() driver.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeDriver) Close() error {
	f.mu.Lock()
	gate := f.closeGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.status = driver.StatusError
	return nil
}

func (f *fakeDriver) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeFactory hands out fakeDrivers and remembers them by kernel id.
type fakeFactory struct {
	mu      sync.Mutex
	drivers map[string][]*fakeDriver
	next    func() *fakeDriver
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{drivers: make(map[string][]*fakeDriver)}
}

func (ff *fakeFactory) factory(key TypeKey, kernelID string) driver.Driver {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	var d *fakeDriver
	if ff.next != nil {
		d = ff.next()
	} else {
		d = newFakeDriver()
	}
	ff.drivers[kernelID] = append(ff.drivers[kernelID], d)
	return d
}

func (ff *fakeFactory) driverFor(kernelID string) *fakeDriver {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ds := ff.drivers[kernelID]
	if len(ds) == 0 {
		return nil
	}
	return ds[len(ds)-1]
}

func (ff *fakeFactory) created() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	n := 0
	for _, ds := range ff.drivers {
		n += len(ds)
	}
	return n
}
