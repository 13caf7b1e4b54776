package sandbox

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/brian14708/isola/internal/telemetry"
)

// Context prepares a reusable compiled guest template once and derives
// cheaply-instantiated Sandboxes from it. The template is immutable after
// InitializeTemplate and shared read-only across every Sandbox instantiated
// from it.
//
// The configure-then-use lifecycle, guarded by a mutex until first use, is
// layered over wazero's own compile-once/instantiate-many split, which
// directly supplies the "template state is not copied, only referenced"
// property.
type Context struct {
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu          sync.RWMutex
	cfg         ContextConfig
	initialized bool
	closed      bool

	runtime  wazero.Runtime
	template wazero.CompiledModule
}

// ContextOption configures optional dependencies on a new Context.
type ContextOption func(*Context)

// WithTelemetry installs a non-default telemetry stack. Callers that omit
// this option get the no-op implementations, leaving observability inert
// until explicitly wired.
func WithTelemetry(logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) ContextOption {
	return func(c *Context) {
		c.logger = logger
		c.metrics = metrics
		c.tracer = tracer
	}
}

// New allocates a fresh template holder. The returned Context has no
// runtime yet; call Configure (optional) and InitializeTemplate before
// Instantiate.
func New(opts ...ContextOption) *Context {
	c := &Context{
		logger:  telemetry.NoopLogger{},
		metrics: telemetry.NoopMetrics{},
		tracer:  telemetry.NoopTracer{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configure merges patch into the Context's configuration. Repeated calls
// before InitializeTemplate are permitted; after initialization, only
// non-template fields (memory ceiling, env, mounts used at instantiation)
// may change.
func (c *Context) Configure(patch ContextConfig) error {
	if err := validateMounts(patch.Mounts); err != nil {
		return err
	}
	if err := validateEnv(patch.Env); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("configure: %w", ErrClosed)
	}
	if c.initialized && (patch.Prelude != "" || patch.RuntimeLibDir != "" || patch.CacheDir != "") {
		return fmt.Errorf("%w: prelude, runtime_lib_dir and cache_dir are template fields and cannot change after initialize_template", ErrInvalidArgument)
	}

	if patch.CacheDir != "" {
		c.cfg.CacheDir = patch.CacheDir
	}
	if patch.MaxMemoryBytes != nil {
		c.cfg.MaxMemoryBytes = patch.MaxMemoryBytes
	}
	if patch.Prelude != "" {
		c.cfg.Prelude = patch.Prelude
	}
	if patch.RuntimeLibDir != "" {
		c.cfg.RuntimeLibDir = patch.RuntimeLibDir
	}
	if patch.Mounts != nil {
		c.cfg.Mounts = patch.Mounts
	}
	if patch.Env != nil {
		if c.cfg.Env == nil {
			c.cfg.Env = make(map[string]string, len(patch.Env))
		}
		for k, v := range patch.Env {
			c.cfg.Env[k] = v
		}
	}
	return nil
}

// InitializeTemplate loads and compiles the guest interpreter image at
// runtimePath. Must be called exactly once before any Instantiate. This is
// a blocking, potentially expensive operation: the module is fully
// compiled (not merely parsed) so that every later Instantiate is cheap.
func (c *Context) InitializeTemplate(ctx context.Context, runtimePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("initialize_template: %w", ErrClosed)
	}
	if c.initialized {
		return fmt.Errorf("%w: initialize_template already called", ErrInvalidArgument)
	}

	image, err := os.ReadFile(runtimePath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: runtime image %q not found", ErrInvalidArgument, runtimePath)
		}
		return fmt.Errorf("%w: reading runtime image %q: %s", ErrInternal, runtimePath, err)
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if c.cfg.MaxMemoryBytes != nil {
		const wasmPageSize = 65536
		pages := *c.cfg.MaxMemoryBytes / wasmPageSize
		if *c.cfg.MaxMemoryBytes%wasmPageSize != 0 {
			pages++
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(uint32(pages))
	}
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return fmt.Errorf("%w: instantiating WASI imports: %s", ErrInternal, err)
	}

	compiled, err := rt.CompileModule(ctx, image)
	if err != nil {
		rt.Close(ctx)
		return fmt.Errorf("%w: compiling runtime image: %s", ErrInternal, err)
	}

	c.runtime = rt
	c.template = compiled
	c.initialized = true
	c.logger.Info(ctx, "sandbox context template initialized", "runtime_path", runtimePath)
	return nil
}

// Instantiate derives a new Sandbox from the template with the Context's
// current defaults. Cheap: the compiled template is referenced, not
// copied.
func (c *Context) Instantiate(ctx context.Context) (*Sandbox, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, fmt.Errorf("instantiate: %w", ErrInternal)
	}
	if !c.initialized {
		return nil, fmt.Errorf("%w: instantiate called before initialize_template", ErrInternal)
	}

	sb := newSandbox(c, c.cfg, c.logger, c.metrics, c.tracer)
	return sb, nil
}

// Close releases the template and marks the Context unusable. It closes
// the shared wazero runtime, which also closes every guest module that
// Sandboxes instantiated from it; those Sandboxes cannot be (re)started
// afterwards.
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.runtime != nil {
		return c.runtime.Close(ctx)
	}
	return nil
}
