package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/oeway/kernel-engine/internal/driver"
	"github.com/oeway/kernel-engine/internal/event"
)

// scriptDriver runs a per-test hook on Execute.
type scriptDriver struct {
	run    func(ctx context.Context, code, parent string, sink driver.EventSink) (*driver.ExecResult, error)
	closed bool
}

func (d *scriptDriver) Initialize(ctx context.Context, opts driver.InitOptions) error { return nil }

func (d *scriptDriver) Execute(ctx context.Context, code, parent string, sink driver.EventSink) (*driver.ExecResult, error) {
	return d.run(ctx, code, parent, sink)
}

func (d *scriptDriver) InputReply(value string) error { return nil }
func (d *scriptDriver) Interrupt() bool               { return true }
func (d *scriptDriver) Status() driver.Status         { return driver.StatusIdle }
func (d *scriptDriver) Close() error                  { d.closed = true; return nil }

type recorder struct {
	mu   sync.Mutex
	recs []event.Record
}

func (r *recorder) publish(rec event.Record) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
}

func (r *recorder) all() []event.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Record(nil), r.recs...)
}

func TestBridgeStampsKernelID(t *testing.T) {
	drv := &scriptDriver{run: func(ctx context.Context, code, parent string, sink driver.EventSink) (*driver.ExecResult, error) {
		sink(event.Record{Type: event.TypeStream, Parent: parent, Name: event.StreamStdout, Text: "hi"})
		sink(event.Record{Type: event.TypeExecuteResult, Parent: parent})
		return &driver.ExecResult{Status: "ok"}, nil
	}}
	rec := &recorder{}
	b := New("ns:k1", drv, rec.publish)

	if _, err := b.Execute(context.Background(), "code", "e1"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got := rec.all()
	if len(got) != 2 {
		t.Fatalf("published %d records, want 2", len(got))
	}
	for i, r := range got {
		if r.KernelID != "ns:k1" {
			t.Fatalf("record %d kernel id = %q, want ns:k1", i, r.KernelID)
		}
		if r.Parent != "e1" {
			t.Fatalf("record %d parent = %q, want e1", i, r.Parent)
		}
	}
}

func TestBridgeSynthesizesDriverGone(t *testing.T) {
	drv := &scriptDriver{run: func(ctx context.Context, code, parent string, sink driver.EventSink) (*driver.ExecResult, error) {
		sink(event.Record{Type: event.TypeExecuteInput, Parent: parent, Code: code})
		return nil, errors.New("worker pipe broke")
	}}
	rec := &recorder{}
	b := New("ns:k1", drv, rec.publish)

	if _, err := b.Execute(context.Background(), "code", "e1"); err == nil {
		t.Fatal("Execute succeeded, want error")
	}

	got := rec.all()
	last := got[len(got)-1]
	if last.Type != event.TypeExecuteError {
		t.Fatalf("last record = %s, want execute_error", last.Type)
	}
	if last.Ename != event.ErrNameDriverGone {
		t.Fatalf("ename = %q, want %q", last.Ename, event.ErrNameDriverGone)
	}
	if last.Parent != "e1" || last.KernelID != "ns:k1" {
		t.Fatalf("terminal tagged %q/%q", last.KernelID, last.Parent)
	}
}

func TestBridgeNoDoubleTerminal(t *testing.T) {
	// Driver emits its own terminal and then fails; the bridge must not add
	// a second one.
	drv := &scriptDriver{run: func(ctx context.Context, code, parent string, sink driver.EventSink) (*driver.ExecResult, error) {
		sink(event.Record{Type: event.TypeExecuteError, Parent: parent, Ename: "RuntimeError", Evalue: "boom"})
		return nil, errors.New("late failure")
	}}
	rec := &recorder{}
	b := New("ns:k1", drv, rec.publish)

	b.Execute(context.Background(), "code", "e1")

	terminals := 0
	for _, r := range rec.all() {
		if r.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal events = %d, want 1", terminals)
	}
}

func TestBridgeSynthesizeTerminalEndsExecution(t *testing.T) {
	// The manager force-terminates mid-execution: the synthesized terminal
	// goes out, and neither the driver's late error nor a late terminal of
	// its own may add a second one.
	started := make(chan struct{})
	died := make(chan struct{})
	drv := &scriptDriver{run: func(ctx context.Context, code, parent string, sink driver.EventSink) (*driver.ExecResult, error) {
		close(started)
		<-died
		return nil, errors.New("worker exited")
	}}
	rec := &recorder{}
	b := New("ns:k1", drv, rec.publish)

	execDone := make(chan struct{})
	go func() {
		b.Execute(context.Background(), "code", "e1")
		close(execDone)
	}()
	<-started

	b.SynthesizeTerminal("e1", "KernelForcedTermination", "stuck")
	close(died)
	<-execDone

	var terminals []string
	for _, r := range rec.all() {
		if r.Terminal() {
			terminals = append(terminals, r.Ename)
		}
	}
	if len(terminals) != 1 || terminals[0] != "KernelForcedTermination" {
		t.Fatalf("terminal events = %v, want [KernelForcedTermination]", terminals)
	}

	// A terminal synthesized for an execution the bridge never saw is
	// still published and tagged.
	b.SynthesizeTerminal("e2", "KernelForcedTermination", "stuck")
	got := rec.all()
	last := got[len(got)-1]
	if last.Parent != "e2" || last.KernelID != "ns:k1" {
		t.Fatalf("synthesized terminal tagged %q/%q", last.KernelID, last.Parent)
	}
}

func TestBridgeSetKernelIDRetags(t *testing.T) {
	drv := &scriptDriver{run: func(ctx context.Context, code, parent string, sink driver.EventSink) (*driver.ExecResult, error) {
		sink(event.Record{Type: event.TypeExecuteResult, Parent: parent})
		return &driver.ExecResult{Status: "ok"}, nil
	}}
	rec := &recorder{}
	b := New("pool:warm", drv, rec.publish)

	b.SetKernelID("tenant1:real")
	if b.KernelID() != "tenant1:real" {
		t.Fatalf("KernelID = %q", b.KernelID())
	}

	b.Execute(context.Background(), "code", "e1")
	got := rec.all()
	if got[0].KernelID != "tenant1:real" {
		t.Fatalf("record kernel id = %q, want tenant1:real", got[0].KernelID)
	}
}

func TestBridgeCloseRefusesExecute(t *testing.T) {
	drv := &scriptDriver{run: func(ctx context.Context, code, parent string, sink driver.EventSink) (*driver.ExecResult, error) {
		return &driver.ExecResult{Status: "ok"}, nil
	}}
	b := New("ns:k1", drv, func(event.Record) {})

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !drv.closed {
		t.Fatal("driver not closed")
	}
	if _, err := b.Execute(context.Background(), "code", "e1"); !errors.Is(err, driver.ErrDriverClosed) {
		t.Fatalf("Execute after close = %v, want ErrDriverClosed", err)
	}
	if err := b.InputReply("x"); !errors.Is(err, driver.ErrDriverClosed) {
		t.Fatalf("InputReply after close = %v, want ErrDriverClosed", err)
	}
}
