// Package runtime hosts a portable-VM interpreter module (a Python
// scientific-computing build or a JS/TS runtime compiled to WASM/WASI)
// and drives it through the kengine guest ABI. Both the in-process driver
// and the sandbox worker embed an Interpreter; the isolation boundary is
// chosen by the caller, not here.
package runtime

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	wasmer "github.com/wasmerio/wasmer-go/wasmer"

	"github.com/oeway/kernel-engine/internal/driver"
	"github.com/oeway/kernel-engine/internal/event"
)

// Host supplies the interpreter's callbacks into its embedding context.
// EmitEvent must not block; ReadInput blocks until a reply or interrupt
// arrives.
type Host interface {
	// EmitEvent receives one event produced during Eval, in production
	// order.
	EmitEvent(rec event.Record)
	// ReadInput blocks for the answer to an input request. ok=false means
	// the wait was interrupted; the guest sees an empty reply.
	ReadInput() (value string, ok bool)
	// CheckInterrupt reports (and consumes) a pending interrupt signal.
	CheckInterrupt() bool
}

// Options configure interpreter instantiation.
type Options struct {
	ModulePath    string
	Filesystem    *driver.FilesystemMount
	Capabilities  driver.Capabilities
	Env           map[string]string
	StartupScript string
}

// Interpreter is one live interpreter instance. Eval calls are serialized
// by the caller; the interpreter itself is single-threaded.
type Interpreter struct {
	engine   *wasmer.Engine
	store    *wasmer.Store
	module   *wasmer.Module
	instance *wasmer.Instance
	memory   *wasmer.Memory

	allocFn wasmer.NativeFunction
	freeFn  wasmer.NativeFunction
	evalFn  wasmer.NativeFunction

	host Host

	mu             sync.Mutex
	closed         bool
	executionCount int
	// activeParent tags events emitted by host callbacks during the
	// current Eval. Guarded by mu, which Eval holds throughout.
	activeParent string
}

// Open loads and instantiates the interpreter module, wiring the kengine
// host imports and the WASI capability grants.
func Open(opts Options, host Host) (*Interpreter, error) {
	wasmBytes, err := os.ReadFile(opts.ModulePath)
	if err != nil {
		return nil, fmt.Errorf("read interpreter module: %w", err)
	}

	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	module, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile interpreter module: %w", err)
	}

	interp := &Interpreter{
		engine: engine,
		store:  store,
		module: module,
		host:   host,
	}

	importObject, err := interp.buildImports(opts)
	if err != nil {
		return nil, err
	}

	instance, err := wasmer.NewInstance(module, importObject)
	if err != nil {
		return nil, fmt.Errorf("instantiate interpreter: %w", err)
	}
	interp.instance = instance

	memory, err := instance.Exports.GetMemory(exportMemory)
	if err != nil {
		return nil, fmt.Errorf("interpreter exports no memory: %w", err)
	}
	interp.memory = memory

	if interp.allocFn, err = instance.Exports.GetFunction(exportAlloc); err != nil {
		return nil, fmt.Errorf("interpreter missing %s: %w", exportAlloc, err)
	}
	if interp.freeFn, err = instance.Exports.GetFunction(exportFree); err != nil {
		return nil, fmt.Errorf("interpreter missing %s: %w", exportFree, err)
	}
	if interp.evalFn, err = instance.Exports.GetFunction(exportEval); err != nil {
		return nil, fmt.Errorf("interpreter missing %s: %w", exportEval, err)
	}

	// Reactor-style modules expose _initialize instead of a main entry.
	if initFn, err := instance.Exports.GetFunction("_initialize"); err == nil {
		if _, err := initFn(); err != nil {
			return nil, fmt.Errorf("interpreter _initialize: %w", err)
		}
	}

	if opts.StartupScript != "" {
		out, err := interp.Eval(opts.StartupScript, "startup")
		if err != nil {
			return nil, fmt.Errorf("startup script: %w", err)
		}
		if !out.Result.OK() {
			return nil, fmt.Errorf("startup script failed: %s: %s", out.Result.Ename, out.Result.Evalue)
		}
	}

	return interp, nil
}

// buildImports assembles the WASI environment (capability grants become
// preopened directories and the env allow-list) plus the kengine host
// functions under the "env" namespace.
func (i *Interpreter) buildImports(opts Options) (*wasmer.ImportObject, error) {
	builder := wasmer.NewWasiStateBuilder("kengine")
	if opts.Filesystem != nil {
		builder = builder.MapDirectory(opts.Filesystem.GuestMount, opts.Filesystem.HostRoot)
	}
	for _, p := range opts.Capabilities.Read {
		builder = builder.PreopenDirectory(p)
	}
	for _, p := range opts.Capabilities.Write {
		builder = builder.PreopenDirectory(p)
	}
	for k, v := range opts.Env {
		builder = builder.Environment(k, v)
	}

	wasiEnv, err := builder.Finalize()
	if err != nil {
		return nil, fmt.Errorf("build wasi state: %w", err)
	}
	importObject, err := wasiEnv.GenerateImportObject(i.store, i.module)
	if err != nil {
		return nil, fmt.Errorf("generate wasi imports: %w", err)
	}

	importObject.Register("env", map[string]wasmer.IntoExtern{
		importEmit: wasmer.NewFunction(
			i.store,
			wasmer.NewFunctionType(
				wasmer.NewValueTypes(wasmer.I32, wasmer.I32),
				wasmer.NewValueTypes(),
			),
			i.hostEmit,
		),
		importReadInput: wasmer.NewFunction(
			i.store,
			wasmer.NewFunctionType(
				wasmer.NewValueTypes(wasmer.I32, wasmer.I32),
				wasmer.NewValueTypes(wasmer.I32),
			),
			i.hostReadInput,
		),
		importCheckInterrupt: wasmer.NewFunction(
			i.store,
			wasmer.NewFunctionType(
				wasmer.NewValueTypes(),
				wasmer.NewValueTypes(wasmer.I32),
			),
			i.hostCheckInterrupt,
		),
	})

	return importObject, nil
}

var errClosed = errors.New("interpreter closed")

func (i *Interpreter) hostEmit(args []wasmer.Value) ([]wasmer.Value, error) {
	ptr, length := args[0].I32(), args[1].I32()
	raw := i.readGuestBytes(uint32(ptr), uint32(length))
	rec, err := decodeEmittedEvent(raw)
	if err != nil {
		return nil, err
	}
	rec.Parent = i.activeParent
	if i.host != nil {
		i.host.EmitEvent(rec)
	}
	return []wasmer.Value{}, nil
}

func (i *Interpreter) hostReadInput(args []wasmer.Value) ([]wasmer.Value, error) {
	ptr, capacity := args[0].I32(), args[1].I32()
	if i.host == nil {
		return []wasmer.Value{wasmer.NewI32(int32(-1))}, nil
	}
	value, ok := i.host.ReadInput()
	if !ok {
		return []wasmer.Value{wasmer.NewI32(int32(-1))}, nil
	}
	data := []byte(value)
	if len(data) > int(capacity) {
		data = data[:capacity]
	}
	i.writeGuestBytes(uint32(ptr), data)
	return []wasmer.Value{wasmer.NewI32(int32(len(data)))}, nil
}

func (i *Interpreter) hostCheckInterrupt(args []wasmer.Value) ([]wasmer.Value, error) {
	v := int32(0)
	if i.host != nil && i.host.CheckInterrupt() {
		v = 1
	}
	return []wasmer.Value{wasmer.NewI32(v)}, nil
}

// readGuestBytes copies out of guest memory. Memory.Data must be fetched
// fresh on every access because growth moves the backing array.
func (i *Interpreter) readGuestBytes(ptr, length uint32) []byte {
	mem := i.memory.Data()
	if int(ptr)+int(length) > len(mem) {
		return nil
	}
	out := make([]byte, length)
	copy(out, mem[ptr:ptr+length])
	return out
}

func (i *Interpreter) writeGuestBytes(ptr uint32, data []byte) {
	mem := i.memory.Data()
	if int(ptr)+len(data) > len(mem) {
		return
	}
	copy(mem[ptr:], data)
}

// Eval runs one code fragment. Events stream through the Host while the
// guest executes; the returned outcome is terminal. parent tags every
// emitted event.
func (i *Interpreter) Eval(code, parent string) (*Outcome, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, errClosed
	}

	i.executionCount++
	i.activeParent = parent
	defer func() { i.activeParent = "" }()

	payload, err := msgpack.Marshal(map[string]interface{}{
		"code":            code,
		"execution_count": i.executionCount,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal eval payload: %w", err)
	}

	ptr, err := i.guestAlloc(len(payload))
	if err != nil {
		return nil, err
	}
	i.writeGuestBytes(ptr, payload)

	ret, err := i.evalFn(int32(ptr), int32(len(payload)))
	// The guest owns the input buffer once eval is entered; free it
	// regardless of outcome.
	_, _ = i.freeFn(int32(ptr), int32(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("eval trapped: %w", err)
	}

	packed, ok := ret.(int64)
	if !ok {
		return nil, fmt.Errorf("eval returned %T, want i64", ret)
	}
	resPtr, resLen := unpackPtrLen(packed)
	raw := i.readGuestBytes(resPtr, resLen)
	_, _ = i.freeFn(int32(resPtr), int32(resLen))

	return decodeEvalResult(raw)
}

// ExecutionCount returns the number of Eval calls so far.
func (i *Interpreter) ExecutionCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.executionCount
}

func (i *Interpreter) guestAlloc(size int) (uint32, error) {
	ret, err := i.allocFn(int32(size))
	if err != nil {
		return 0, fmt.Errorf("guest alloc: %w", err)
	}
	ptr, ok := ret.(int32)
	if !ok {
		return 0, fmt.Errorf("guest alloc returned %T, want i32", ret)
	}
	return uint32(ptr), nil
}

// Close releases the instance. Idempotent.
func (i *Interpreter) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.closed = true
	if i.instance != nil {
		i.instance.Close()
	}
}
