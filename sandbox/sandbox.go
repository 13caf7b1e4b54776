package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"

	"github.com/brian14708/isola/internal/telemetry"
)

// sandboxState is the explicit lifecycle state machine names.
// Transitions are one-directional except Running<->Idle, which cycles once
// per Run/RunStream call.
type sandboxState int

const (
	stateFresh sandboxState = iota
	stateConfigured
	stateStarted
	stateRunning
	stateIdle
	stateClosed
)

// Sandbox is a single, exclusively-owned guest runtime instance derived
// from a Context's compiled template. Operations on a Sandbox are
// serialized through its own mutex-guarded state machine; only the
// goroutine executing a Run/RunStream call touches the guest module
// concurrently with the caller.
//
// The state machine generalizes a mutex-guarded per-execution handle (state
// plus a done channel observed by both the owning goroutine and outside
// callers) into named Fresh/Configured/Started/Running/Idle/Closed states
// instead of a two-state running/done model.
type Sandbox struct {
	parent *Context

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu    sync.Mutex
	state sandboxState
	cfg   SandboxConfig

	bus    *eventBus
	bridge *httpBridge

	module guestModule

	currentArgs    *ArgList
	streamByHandle map[string]*Stream
}

func newSandbox(parent *Context, inherited ContextConfig, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Sandbox {
	sb := &Sandbox{
		parent:  parent,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		state:   stateFresh,
		bus:     newEventBus(),
		cfg: SandboxConfig{
			MaxMemoryBytes: inherited.MaxMemoryBytes,
			Mounts:         inherited.Mounts,
			Env:            inherited.Env,
		},
		streamByHandle: make(map[string]*Stream),
	}
	return sb
}

// Configure accepts max_memory, timeout, mounts, and env. Timeout given as
// a duration is canonicalized: reject non-finite, non-positive, or any
// value rounding down to zero milliseconds; store as integer milliseconds.
func (sb *Sandbox) Configure(patch SandboxConfig) error {
	if err := validateMounts(patch.Mounts); err != nil {
		return err
	}
	if err := validateEnv(patch.Env); err != nil {
		return err
	}
	var canonicalTimeout *time.Duration
	if patch.Timeout != nil {
		millis, err := canonicalTimeoutMillis(*patch.Timeout)
		if err != nil {
			return err
		}
		d := time.Duration(millis) * time.Millisecond
		canonicalTimeout = &d
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.state == stateClosed {
		return fmt.Errorf("configure: %w", ErrClosed)
	}
	if patch.MaxMemoryBytes != nil {
		sb.cfg.MaxMemoryBytes = patch.MaxMemoryBytes
	}
	if canonicalTimeout != nil {
		sb.cfg.Timeout = canonicalTimeout
	}
	if patch.Mounts != nil {
		sb.cfg.Mounts = patch.Mounts
	}
	if patch.Env != nil {
		if sb.cfg.Env == nil {
			sb.cfg.Env = make(map[string]string, len(patch.Env))
		}
		for k, v := range patch.Env {
			sb.cfg.Env[k] = v
		}
	}
	if sb.state == stateFresh {
		sb.state = stateConfigured
	}
	return nil
}

// SetCallback registers or clears the user event callback. If cb panics
// synchronously, the panic is recovered and funnelled to the logger rather
// than aborting the run.
func (sb *Sandbox) SetCallback(cb Callback) Callback {
	if cb != nil {
		user := cb
		cb = func(evt Event) {
			defer func() {
				if r := recover(); r != nil {
					sb.logger.Error(context.Background(), "event callback panicked", "panic", r)
				}
			}()
			user(evt)
		}
	}
	return sb.bus.swap(cb)
}

// SetHTTPHandler installs the async HTTP handler guest code reaches through
// the bridge. Passing a nil handler clears it.
func (sb *Sandbox) SetHTTPHandler(handler HTTPHandler) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if handler == nil {
		sb.bridge = nil
		return
	}
	var timeout time.Duration
	if sb.cfg.Timeout != nil {
		timeout = *sb.cfg.Timeout
	}
	sb.bridge = newHTTPBridge(handler, timeout)
}

// Start performs guest-side initialization: instantiating the guest module
// from the parent Context's compiled template, wired against this
// Sandbox's host import surface. A second Start call is an error.
func (sb *Sandbox) Start(ctx context.Context) error {
	sb.mu.Lock()
	if sb.state == stateClosed {
		sb.mu.Unlock()
		return fmt.Errorf("start: %w", ErrClosed)
	}
	if sb.state == stateStarted || sb.state == stateRunning || sb.state == stateIdle {
		sb.mu.Unlock()
		return fmt.Errorf("%w: sandbox already started", ErrInvalidArgument)
	}
	mounts := sb.cfg.Mounts
	env := sb.cfg.Env
	maxMemory := sb.cfg.MaxMemoryBytes
	sb.mu.Unlock()

	sb.logger.Debug(ctx, "starting sandbox", "mounts", len(mounts), "env", len(env))
	if maxMemory != nil {
		sb.metrics.RecordGauge("sandbox.memory_limit_bytes", float64(*maxMemory))
	}

	rt := sb.parent.runtime
	if _, err := sb.buildHostModule(rt).Instantiate(ctx); err != nil {
		return fmt.Errorf("%w: instantiating host import module: %s", ErrInternal, err)
	}

	modCfg := wazero.NewModuleConfig().WithStartFunctions("_initialize")
	for k, v := range env {
		modCfg = modCfg.WithEnv(k, v)
	}
	fsCfg := wazero.NewFSConfig()
	for _, m := range mounts {
		switch m.DirPerms {
		case PermRead:
			fsCfg = fsCfg.WithReadOnlyDirMount(m.HostPath, m.GuestPath)
		default:
			fsCfg = fsCfg.WithDirMount(m.HostPath, m.GuestPath)
		}
	}
	modCfg = modCfg.WithFSConfig(fsCfg)

	mod, err := rt.InstantiateModule(ctx, sb.parent.template, modCfg)
	if err != nil {
		return fmt.Errorf("%w: instantiating guest module: %s", ErrInternal, err)
	}

	sb.mu.Lock()
	sb.module = wazeroGuestModule{mod}
	sb.state = stateStarted
	sb.mu.Unlock()
	sb.logger.Info(ctx, "sandbox started")
	return nil
}

// LoadScript delivers source to the guest. The Context's prelude, if
// configured, is prepended before delivery.
func (sb *Sandbox) LoadScript(ctx context.Context, source string) error {
	sb.mu.Lock()
	if sb.state != stateStarted && sb.state != stateIdle {
		sb.mu.Unlock()
		return fmt.Errorf("%w: load_script requires a started sandbox", ErrInvalidArgument)
	}
	mod := sb.module
	sb.mu.Unlock()

	sb.parent.mu.RLock()
	prelude := sb.parent.cfg.Prelude
	sb.parent.mu.RUnlock()
	full := source
	if prelude != "" {
		full = prelude + "\n" + source
	}
	sb.logger.Debug(ctx, "loading script", "bytes", len(full))

	loadFn := mod.ExportedFunction("isola_load_script")
	if loadFn == nil {
		return fmt.Errorf("%w: guest image does not export isola_load_script", ErrInternal)
	}
	packed, err := writeToGuest(ctx, mod, []byte(full))
	if err != nil {
		return fmt.Errorf("%w: staging script for guest: %s", ErrInternal, err)
	}
	if _, err := loadFn.Call(ctx, packed); err != nil {
		return fmt.Errorf("%w: guest rejected script: %s", ErrInternal, err)
	}
	return nil
}

// Run invokes name in the guest with the encoded args and returns only
// after the call has terminated and all producer tasks have joined (or
// been cancelled, on failure).
func (sb *Sandbox) Run(ctx context.Context, name string, args []Arg) (*RunResult, error) {
	orc, err := sb.beginCall(ctx, name, args)
	if err != nil {
		return nil, err
	}
	return orc.runCollecting(ctx)
}

// RunStream invokes name like Run but yields Events as they arrive instead
// of collecting a RunResult, terminating after the guest call ends and the
// event queue has been drained. The returned channel is always closed.
func (sb *Sandbox) RunStream(ctx context.Context, name string, args []Arg) (<-chan Event, <-chan error) {
	orc, err := sb.beginCall(ctx, name, args)
	if err != nil {
		errCh := make(chan error, 1)
		errCh <- err
		close(errCh)
		evCh := make(chan Event)
		close(evCh)
		return evCh, errCh
	}
	return orc.runStreaming(ctx)
}

func (sb *Sandbox) beginCall(ctx context.Context, name string, args []Arg) (*runOrchestrator, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.state == stateClosed {
		return nil, fmt.Errorf("run: %w", ErrClosed)
	}
	if sb.state != stateStarted && sb.state != stateIdle {
		return nil, fmt.Errorf("%w: run requires a started sandbox", ErrInvalidArgument)
	}

	encoded, err := EncodeArgs(args)
	if err != nil {
		return nil, err
	}
	for _, a := range args {
		if a.isStream {
			sb.streamByHandle[streamHandleID(a.stream)] = a.stream
		}
	}
	sb.currentArgs = &encoded
	sb.state = stateRunning

	var timeout time.Duration
	if sb.cfg.Timeout != nil {
		timeout = *sb.cfg.Timeout
	}

	return newRunOrchestrator(sb, name, &encoded, timeout), nil
}

func (sb *Sandbox) finishCall() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.currentArgs = nil
	sb.streamByHandle = make(map[string]*Stream)
	if sb.state == stateRunning {
		sb.state = stateIdle
	}
}

// Close releases this Sandbox's guest module and event bus, cancelling any
// in-flight call. Equivalent to cancelling an in-flight run plus releasing
// resources.
func (sb *Sandbox) Close(ctx context.Context) error {
	sb.mu.Lock()
	if sb.state == stateClosed {
		sb.mu.Unlock()
		return nil
	}
	sb.state = stateClosed
	mod := sb.module
	bridge := sb.bridge
	sb.mu.Unlock()

	sb.bus.close()
	if bridge != nil {
		_ = bridge.wait()
	}
	if mod != nil {
		return mod.Close(ctx)
	}
	return nil
}

// CloseNow is a non-awaiting best-effort variant of Close: it marks the
// sandbox closed and signals the guest module to close without blocking
// for in-flight HTTP handlers to join. Rendering of the source's
// close/aclose split into Go: Close always awaits full teardown; CloseNow
// exists for shutdown paths that cannot block.
func (sb *Sandbox) CloseNow() {
	sb.mu.Lock()
	if sb.state == stateClosed {
		sb.mu.Unlock()
		return
	}
	sb.state = stateClosed
	mod := sb.module
	sb.mu.Unlock()

	sb.bus.close()
	if mod != nil {
		go func() {
			_ = mod.Close(context.Background())
		}()
	}
}
