package kernel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oeway/kernel-engine/internal/bridge"
	"github.com/oeway/kernel-engine/internal/config"
	"github.com/oeway/kernel-engine/internal/driver"
	"github.com/oeway/kernel-engine/internal/event"
	"github.com/oeway/kernel-engine/internal/logging"
	"github.com/oeway/kernel-engine/internal/metrics"
	"github.com/oeway/kernel-engine/internal/observability"
)

// DriverFactory creates the raw driver for one kernel. Injected so tests
// can substitute a scripted driver for the interpreter-backed ones.
type DriverFactory func(key TypeKey, kernelID string) driver.Driver

// CreateOptions parameterize one kernel creation.
type CreateOptions struct {
	// ID is the caller-chosen base id; empty means generate one. The base
	// must not contain the namespace delimiter ":".
	ID        string
	Namespace string
	Mode      Mode
	Language  Language
	Options   Options
}

// Manager is the top-level coordinator: it owns the live-kernel map,
// enforces the allowed-type policy, namespaces ids, tracks activity and
// in-flight executions, schedules inactivity eviction and stall alarms,
// and exposes streaming execution over the event bus.
type Manager struct {
	cfg     *config.Config
	bus     *event.Bus
	tracker *Tracker
	pool    *Pool
	factory DriverFactory
	allowed map[TypeKey]bool

	mu         sync.Mutex
	kernels    map[string]*Instance
	inactivity map[string]*time.Timer
	closed     bool
}

// NewManager wires a manager from its injected collaborators. The allowed
// policy and pool settings come from cfg; unparseable allowed-type
// entries are skipped with a warning.
func NewManager(cfg *config.Config, bus *event.Bus, factory DriverFactory) *Manager {
	m := &Manager{
		cfg:        cfg,
		bus:        bus,
		tracker:    NewTracker(),
		factory:    factory,
		allowed:    make(map[TypeKey]bool),
		kernels:    make(map[string]*Instance),
		inactivity: make(map[string]*time.Timer),
	}
	for _, s := range cfg.AllowedKernelTypes {
		key, err := ParseTypeKey(s)
		if err != nil {
			logging.Op().Warn("skipping invalid allowed kernel type", "type", s, "error", err)
			continue
		}
		m.allowed[key] = true
	}

	capPerKey := 0
	if cfg.Pool.Enabled {
		capPerKey = cfg.Pool.SizePerKey
	}
	m.pool = NewPool(m.poolFactory, capPerKey, cfg.Pool.AutoRefill)
	return m
}

// Preload warms the pool for the configured preload keys. Blocks until
// warm-up finishes; the daemon calls it on a background goroutine.
func (m *Manager) Preload(ctx context.Context) {
	if !m.cfg.Pool.Enabled {
		return
	}
	var keys []TypeKey
	for _, s := range m.cfg.Pool.PreloadKeys {
		key, err := ParseTypeKey(s)
		if err != nil {
			logging.Op().Warn("skipping invalid preload key", "key", s, "error", err)
			continue
		}
		if !m.allowed[key] {
			logging.Op().Warn("preload key outside allowed policy", "key", s)
			continue
		}
		keys = append(keys, key)
	}
	m.pool.Preload(ctx, keys)
}

// poolFactory builds one warm default-configured instance for the pool.
// Pooled kernels get a provisional id; hand-out rebrands them.
func (m *Manager) poolFactory(ctx context.Context, key TypeKey) (*Instance, error) {
	id := "pool:" + uuid.NewString()
	return m.buildInstance(ctx, id, key, m.defaultOptions())
}

// defaultOptions derives the per-kernel options from the manager config.
func (m *Manager) defaultOptions() Options {
	opts := Options{
		Capabilities: m.cfg.Caps,
		Env:          m.cfg.Env,
	}
	if m.cfg.Filesystem.Enabled {
		opts.Filesystem = &driver.FilesystemMount{
			HostRoot:   m.cfg.Filesystem.HostRoot,
			GuestMount: m.cfg.Filesystem.GuestMount,
		}
	}
	if m.cfg.Startup != "" {
		opts.StartupScript = m.cfg.Startup
	}
	return opts
}

// buildInstance creates, bridges, and initializes one driver. On failure
// every resource allocated for the attempt is released.
func (m *Manager) buildInstance(ctx context.Context, id string, key TypeKey, opts Options) (*Instance, error) {
	drv := m.factory(key, id)
	br := bridge.New(id, drv, m.bus.Publish)

	initOpts := driver.InitOptions{
		Filesystem:    opts.Filesystem,
		Capabilities:  opts.Capabilities,
		Env:           opts.Env,
		StartupScript: opts.StartupScript,
	}
	if err := br.Initialize(ctx, initOpts); err != nil {
		br.Close()
		return nil, fmt.Errorf("%w: %v", ErrInitFailed, err)
	}

	inst := NewInstance(id, key, opts, br, func() {
		if err := br.Close(); err != nil {
			logging.Op().Warn("driver close failed", "kernel_id", id, "error", err)
		}
	})
	return inst, nil
}

// Create allocates a kernel and returns its effective id.
//
// The pipeline: validate the id and policy, try the pool when the request
// carries only default options, otherwise cold-start; initialize; install
// bookkeeping and the inactivity timer.
func (m *Manager) Create(ctx context.Context, req CreateOptions) (string, error) {
	start := time.Now()

	base := req.ID
	if base == "" {
		base = uuid.NewString()
	}
	if strings.Contains(base, ":") {
		return "", fmt.Errorf("%w: id %q contains ':'", ErrPolicy, base)
	}
	effective := base
	if req.Namespace != "" {
		effective = req.Namespace + ":" + base
	}

	key := TypeKey{Mode: req.Mode, Language: req.Language}
	if !m.allowed[key] {
		return "", fmt.Errorf("%w: type %s not allowed", ErrPolicy, key)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: manager closed", ErrNotInitialized)
	}
	if _, exists := m.kernels[effective]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: id %q already exists", ErrPolicy, effective)
	}
	if m.cfg.MaxKernels > 0 && len(m.kernels) >= m.cfg.MaxKernels {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %d live kernels", ErrKernelLimit, m.cfg.MaxKernels)
	}
	// Reserve the id so a concurrent create with the same id fails fast
	// while this one initializes off-lock.
	m.kernels[effective] = nil
	m.mu.Unlock()

	ctx, span := observability.StartSpan(ctx, "kernel.create",
		observability.AttrKernelID.String(effective),
		observability.AttrMode.String(string(key.Mode)),
		observability.AttrLanguage.String(string(key.Language)),
		observability.AttrNamespace.String(req.Namespace),
	)
	defer span.End()

	var (
		inst     *Instance
		fromPool bool
	)
	if req.Options.PoolEligible() {
		if inst = m.pool.Take(key); inst != nil {
			inst.Rebrand(effective, m.defaultOptions())
			fromPool = true
			m.pool.Refill(key)
		}
	}
	if inst == nil {
		var err error
		inst, err = m.buildInstance(ctx, effective, key, m.mergeOptions(req.Options))
		if err != nil {
			m.mu.Lock()
			delete(m.kernels, effective)
			m.mu.Unlock()
			observability.SetSpanError(span, err)
			return "", err
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		inst.Destroy()
		return "", fmt.Errorf("%w: manager closed", ErrNotInitialized)
	}
	m.kernels[effective] = inst
	active := len(m.kernels)
	m.mu.Unlock()

	m.tracker.Touch(effective)
	m.scheduleEviction(effective)

	durMs := time.Since(start).Milliseconds()
	metrics.RecordKernelCreated(string(key.Mode), string(key.Language), fromPool, durMs)
	metrics.SetActiveKernels(active)
	observability.SetSpanOK(span)
	span.SetAttributes(
		observability.AttrFromPool.Bool(fromPool),
		observability.AttrDurationMs.Int64(durMs),
	)
	logging.Op().Info("kernel created",
		"kernel_id", effective, "type", key.String(),
		"from_pool", fromPool, "duration_ms", durMs)
	return effective, nil
}

// mergeOptions overlays the caller's options on the manager defaults.
func (m *Manager) mergeOptions(opts Options) Options {
	merged := m.defaultOptions()
	if opts.Filesystem != nil {
		merged.Filesystem = opts.Filesystem
	}
	if !opts.Capabilities.Default() {
		merged.Capabilities = opts.Capabilities
	}
	if len(opts.Env) > 0 {
		if merged.Env == nil {
			merged.Env = make(map[string]string, len(opts.Env))
		} else {
			base := merged.Env
			merged.Env = make(map[string]string, len(base)+len(opts.Env))
			for k, v := range base {
				merged.Env[k] = v
			}
		}
		for k, v := range opts.Env {
			merged.Env[k] = v
		}
	}
	if opts.StartupScript != "" {
		merged.StartupScript = opts.StartupScript
	}
	merged.InactivityTimeoutMs = opts.InactivityTimeoutMs
	merged.MaxExecutionTimeMs = opts.MaxExecutionTimeMs
	return merged
}

// get resolves a live instance.
func (m *Manager) get(id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.kernels[id]
	if inst == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return inst, nil
}

// inactivityTimeout resolves the eviction interval for one kernel.
func (m *Manager) inactivityTimeout(inst *Instance) time.Duration {
	if ms := inst.Options().InactivityTimeoutMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return m.cfg.InactivityTimeout()
}

// maxExecutionTime resolves the stall threshold for one kernel.
func (m *Manager) maxExecutionTime(inst *Instance) time.Duration {
	if ms := inst.Options().MaxExecutionTimeMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return m.cfg.MaxExecutionTime()
}

// scheduleEviction (re)arms the kernel's single inactivity timer. A zero
// timeout cancels any existing timer and disables eviction.
func (m *Manager) scheduleEviction(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleEvictionLocked(id)
}

func (m *Manager) scheduleEvictionLocked(id string) {
	if timer, ok := m.inactivity[id]; ok {
		timer.Stop()
		delete(m.inactivity, id)
	}
	inst := m.kernels[id]
	if inst == nil || m.closed {
		return
	}
	timeout := m.inactivityTimeout(inst)
	if timeout <= 0 {
		return
	}
	m.inactivity[id] = time.AfterFunc(timeout, func() { m.evict(id) })
}

// evict fires when the inactivity timer elapses. A kernel with ongoing
// executions is never torn down; the timer rearms for a full interval.
// teardown re-checks the count after the kernel leaves the live map, so
// an execution that begins concurrently with the timer also aborts it.
func (m *Manager) evict(id string) {
	if m.tracker.Count(id) > 0 {
		logging.Op().Debug("inactivity eviction deferred, executions ongoing",
			"kernel_id", id)
		m.scheduleEviction(id)
		return
	}
	logging.Op().Info("evicting inactive kernel", "kernel_id", id)
	if m.teardown(id, "eviction", true) {
		metrics.RecordKernelDestroyed("eviction")
	}
}

// touchActivity refreshes the activity clock and reschedules eviction.
func (m *Manager) touchActivity(id string) {
	m.tracker.Touch(id)
	m.scheduleEviction(id)
}

// beginExecution allocates the execution id, arms the stall alarm, and
// refreshes activity.
func (m *Manager) beginExecution(inst *Instance) string {
	id := inst.ID()
	execID := m.tracker.Begin(id)
	m.scheduleEviction(id)

	if maxExec := m.maxExecutionTime(inst); maxExec > 0 {
		m.tracker.ArmDeadline(id, execID, maxExec, func() {
			logging.Op().Warn("execution stalled",
				"kernel_id", id, "execution_id", execID,
				"max_execution_time_ms", maxExec.Milliseconds())
			metrics.RecordStall()
			m.bus.Publish(event.Record{
				Type:               event.TypeExecutionStalled,
				KernelID:           id,
				ExecutionID:        execID,
				MaxExecutionTimeMs: maxExec.Milliseconds(),
			})
		})
	}
	return execID
}

// endExecution releases bookkeeping for one finished (or abandoned)
// execution. Safe to call twice; the tracker ignores unknown ids.
func (m *Manager) endExecution(id, execID string) {
	m.tracker.End(id, execID)
	m.scheduleEviction(id)
}

// Execute runs code fire-and-record: the call returns the execution id
// immediately; events flow to bus subscribers, and completion is logged.
func (m *Manager) Execute(id, code string) (string, error) {
	inst, err := m.get(id)
	if err != nil {
		return "", err
	}

	execID := m.beginExecution(inst)
	go func() {
		m.runExecution(inst, code, execID, len(code))
		m.endExecution(id, execID)
	}()
	return execID, nil
}

// ExecuteStream runs code and returns the lazy event stream of the
// execution plus its id. Cancelling the stream releases the manager's
// bookkeeping but lets the driver finish.
func (m *Manager) ExecuteStream(id, code string) (*Stream, string, error) {
	inst, err := m.get(id)
	if err != nil {
		return nil, "", err
	}

	execID := m.beginExecution(inst)

	var (
		stream *Stream
		subs   []event.Subscription
	)
	stream = newStream(func() {
		m.bus.UnsubscribeAll(subs)
		m.endExecution(id, execID)
	})

	// Per-kernel events are filtered down to this execution by the parent
	// tag; the stalled advisory is keyed by execution id instead.
	handler := func(rec event.Record) {
		if rec.Parent == execID ||
			(rec.Type == event.TypeExecutionStalled && rec.ExecutionID == execID) {
			stream.push(rec)
		}
	}
	subs = m.bus.SubscribeTypes(id, []event.Type{
		event.TypeStream,
		event.TypeDisplayData,
		event.TypeUpdateDisplayData,
		event.TypeExecuteInput,
		event.TypeExecuteResult,
		event.TypeExecuteError,
		event.TypeInputRequest,
		event.TypeExecutionStalled,
	}, handler)

	go func() {
		m.runExecution(inst, code, execID, len(code))
		// The driver emits every event before Execute returns, so the
		// buffer is complete here.
		m.bus.UnsubscribeAll(subs)
		stream.finish()
		m.endExecution(id, execID)
	}()

	return stream, execID, nil
}

// runExecution awaits the terminal result and records metrics and the
// execution log. Bridge-level errors already produced the DriverGone
// terminal event; here they only shape the log entry.
func (m *Manager) runExecution(inst *Instance, code, execID string, codeSize int) {
	id := inst.ID()
	key := inst.TypeKey()
	start := time.Now()

	ctx, span := observability.StartSpan(context.Background(), "kernel.execute",
		observability.AttrKernelID.String(id),
		observability.AttrExecutionID.String(execID),
		observability.AttrMode.String(string(key.Mode)),
		observability.AttrLanguage.String(string(key.Language)),
	)
	defer span.End()

	res, err := inst.Execute(ctx, code, execID)
	durMs := time.Since(start).Milliseconds()

	entry := &logging.ExecutionLog{
		ExecutionID: execID,
		KernelID:    id,
		Mode:        string(key.Mode),
		Language:    string(key.Language),
		DurationMs:  durMs,
		FromPool:    inst.FromPool(),
		CodeSize:    codeSize,
	}
	switch {
	case err != nil:
		entry.Ename = event.ErrNameDriverGone
		entry.Evalue = err.Error()
		observability.SetSpanError(span, err)
	case res.OK():
		entry.Success = true
		observability.SetSpanOK(span)
	default:
		entry.Ename = res.Ename
		entry.Evalue = res.Evalue
		observability.SetSpanOK(span)
	}
	span.SetAttributes(observability.AttrDurationMs.Int64(durMs))

	metrics.RecordExecution(string(key.Mode), string(key.Language), durMs, entry.Success)
	logging.Default().Log(entry)
}

// InputReply answers a kernel's pending input request.
func (m *Manager) InputReply(id, value string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	m.touchActivity(id)
	return inst.InputReply(value)
}

// Interrupt signals cooperative interruption. Only sandboxed kernels have
// an interrupt path; in-process kernels report false.
func (m *Manager) Interrupt(id string) (bool, error) {
	inst, err := m.get(id)
	if err != nil {
		return false, err
	}
	ok := inst.Interrupt()
	if ok {
		metrics.RecordInterrupt()
		logging.Op().Info("interrupt signaled", "kernel_id", id)
	}
	return ok, nil
}

// Restart tears down the kernel's driver and builds a fresh one with the
// same id and configuration. Subscriptions on the old instance are
// dropped; callers resubscribe. Tracking state restarts clean.
func (m *Manager) Restart(ctx context.Context, id string) error {
	m.mu.Lock()
	inst := m.kernels[id]
	if inst == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	key := inst.TypeKey()
	opts := inst.Options()
	if timer, ok := m.inactivity[id]; ok {
		timer.Stop()
		delete(m.inactivity, id)
	}
	// Hold the slot so a concurrent create cannot steal the id while the
	// new driver initializes.
	m.kernels[id] = nil
	m.mu.Unlock()

	m.bus.DropKernel(id)
	m.tracker.DropKernel(id)
	inst.Destroy()

	fresh, err := m.buildInstance(ctx, id, key, opts)
	if err != nil {
		m.mu.Lock()
		delete(m.kernels, id)
		active := len(m.kernels)
		m.mu.Unlock()
		metrics.SetActiveKernels(active)
		return err
	}

	m.mu.Lock()
	m.kernels[id] = fresh
	m.mu.Unlock()

	m.tracker.Touch(id)
	m.scheduleEviction(id)
	metrics.RecordKernelRestarted()
	logging.Op().Info("kernel restarted", "kernel_id", id, "type", key.String())
	return nil
}

// ForceTerminate destroys a kernel immediately, delivering a terminal
// execute_error for every in-flight execution first. Returns false for an
// unknown id.
func (m *Manager) ForceTerminate(id, reason string) bool {
	m.mu.Lock()
	inst := m.kernels[id]
	m.mu.Unlock()
	if inst == nil {
		return false
	}

	if reason == "" {
		reason = "forced termination requested"
	}
	// The terminal goes through the bridge so the in-flight execution is
	// marked ended; the driver's teardown error must not produce a second
	// terminal for it.
	for _, execID := range m.tracker.ExecIDs(id) {
		inst.SynthesizeTerminal(execID, event.ErrNameForcedTermination, reason)
	}

	logging.Op().Warn("force terminating kernel", "kernel_id", id, "reason", reason)
	if m.destroy(id, "forced") {
		metrics.RecordKernelDestroyed("forced")
	}
	return true
}

// Destroy tears down one kernel. Idempotent from the caller's view:
// destroying an unknown id is a no-op.
func (m *Manager) Destroy(id string) {
	if m.destroy(id, "caller") {
		metrics.RecordKernelDestroyed("caller")
	}
}

func (m *Manager) destroy(id, reason string) bool {
	return m.teardown(id, reason, false)
}

// teardown takes the kernel out of circulation and releases it. The live
// slot holds a nil reservation until the subscriptions and tracking state
// are gone, so a concurrent create cannot adopt the id and then lose its
// bookkeeping to the stale cleanup; the slot is deleted last. With
// idleOnly set, an execution that began after the caller's idle check
// aborts the teardown and reinstates the kernel.
func (m *Manager) teardown(id, reason string, idleOnly bool) bool {
	m.mu.Lock()
	inst := m.kernels[id]
	if inst == nil {
		m.mu.Unlock()
		return false
	}
	m.kernels[id] = nil
	if timer, ok := m.inactivity[id]; ok {
		timer.Stop()
		delete(m.inactivity, id)
	}
	m.mu.Unlock()

	if idleOnly && m.tracker.Count(id) > 0 {
		logging.Op().Debug("eviction aborted, execution began concurrently",
			"kernel_id", id)
		m.mu.Lock()
		m.kernels[id] = inst
		m.scheduleEvictionLocked(id)
		m.mu.Unlock()
		return false
	}

	m.bus.DropKernel(id)
	m.tracker.DropKernel(id)
	inst.Destroy()

	m.mu.Lock()
	delete(m.kernels, id)
	active := len(m.kernels)
	m.mu.Unlock()

	metrics.SetActiveKernels(active)
	logging.Op().Info("kernel destroyed", "kernel_id", id, "reason", reason)
	return true
}

// DestroyAll tears down every kernel in a namespace; an empty namespace
// means all kernels. Returns the number destroyed.
func (m *Manager) DestroyAll(namespace string) int {
	prefix := ""
	if namespace != "" {
		prefix = namespace + ":"
	}

	m.mu.Lock()
	var ids []string
	for id := range m.kernels {
		if prefix == "" || strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, id := range ids {
		if m.destroy(id, "caller") {
			metrics.RecordKernelDestroyed("caller")
			n++
		}
	}
	return n
}

// List returns summaries of live kernels, optionally filtered by
// namespace prefix, ordered by id.
func (m *Manager) List(namespace string) []Summary {
	prefix := ""
	if namespace != "" {
		prefix = namespace + ":"
	}

	m.mu.Lock()
	insts := make([]*Instance, 0, len(m.kernels))
	for id, inst := range m.kernels {
		if inst == nil {
			continue // reserved slot: initializing or tearing down
		}
		if prefix == "" || strings.HasPrefix(id, prefix) {
			insts = append(insts, inst)
		}
	}
	m.mu.Unlock()

	out := make([]Summary, 0, len(insts))
	for _, inst := range insts {
		key := inst.TypeKey()
		out = append(out, Summary{
			ID:        inst.ID(),
			Mode:      key.Mode,
			Language:  key.Language,
			Status:    inst.Status(),
			Created:   inst.Created(),
			Namespace: Namespace(inst.ID()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Info reports one kernel's status and execution state.
func (m *Manager) Info(id string) (Info, error) {
	inst, err := m.get(id)
	if err != nil {
		return Info{}, err
	}
	exec := m.tracker.Info(id, m.maxExecutionTime(inst))
	return Info{
		ID:               id,
		Status:           inst.Status(),
		Created:          inst.Created(),
		LastActivity:     m.tracker.LastActivity(id),
		Ongoing:          exec.Count,
		Stuck:            exec.Stuck,
		LongestRunningMs: exec.LongestRunningMs,
	}, nil
}

// PoolStats reports warm-pool occupancy per key.
func (m *Manager) PoolStats() map[string]PoolStat {
	return m.pool.Stats()
}

// Close destroys every kernel and the pool. The manager accepts no new
// work afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var ids []string
	for id := range m.kernels {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if m.destroy(id, "shutdown") {
			metrics.RecordKernelDestroyed("shutdown")
		}
	}
	m.pool.Close()
}
