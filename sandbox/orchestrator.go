package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/brian14708/isola/internal/telemetry"
)

// runOrchestrator schedules one guest call on a dedicated worker goroutine,
// pumps events through the Sandbox's bus, joins or cancels every attached
// stream producer, and collates the outcome for either Run (a RunResult)
// or RunStream (a live Event channel).
//
// This combines a cancellation signal drained alongside worker completion
// with a goroutine-per-execution shape, wired onto golang.org/x/sync/errgroup
// so the guest worker and every stream producer share one
// cancellation-propagating group instead of hand-rolled done-channel
// bookkeeping.
type runOrchestrator struct {
	sb      *Sandbox
	name    string
	args    *ArgList
	timeout time.Duration
}

func newRunOrchestrator(sb *Sandbox, name string, args *ArgList, timeout time.Duration) *runOrchestrator {
	return &runOrchestrator{sb: sb, name: name, args: args, timeout: timeout}
}

// callContext derives the context the guest worker and stream producers
// run under: it carries the caller's cancellation plus, if the sandbox has
// a configured timeout, an additional deadline. The per-sandbox timeout is
// treated identically to caller cancellation for cleanup purposes.
func (o *runOrchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc, bool) {
	if o.timeout <= 0 {
		c, cancel := context.WithCancel(ctx)
		return c, cancel, false
	}
	c, cancel := context.WithTimeout(ctx, o.timeout)
	return c, cancel, true
}

// invokeGuest calls the guest's exported entry point for name and waits
// for it to return or the context to be cancelled. wazero's
// WithCloseOnContextDone tears the module down when ctx is done, which
// unblocks any in-progress guest call.
func (o *runOrchestrator) invokeGuest(ctx context.Context, hasTimeout bool) error {
	sb := o.sb
	sb.mu.Lock()
	mod := sb.module
	sb.mu.Unlock()

	callFn := mod.ExportedFunction("isola_call")
	if callFn == nil {
		return fmt.Errorf("%w: guest image does not export isola_call", ErrInternal)
	}
	namePacked, err := writeToGuest(ctx, mod, []byte(o.name))
	if err != nil {
		return fmt.Errorf("%w: staging call name: %s", ErrInternal, err)
	}

	_, err = callFn.Call(ctx, namePacked)
	if err != nil {
		if hasTimeout && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrInternal, errTimeout)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: guest call %q failed: %s", ErrInternal, o.name, err)
	}
	return nil
}

// runCollecting implements Run: it installs a collecting callback in front
// of whatever user callback is already registered for the duration of the
// call, invokes the guest, joins every stream producer, and returns the
// aggregated RunResult. The previously-registered callback still receives
// every event, so SetCallback and Run compose rather than one silencing the
// other.
func (o *runOrchestrator) runCollecting(ctx context.Context) (*RunResult, error) {
	defer o.sb.finishCall()
	start := time.Now()
	ctx, span := o.sb.tracer.Start(ctx, "sandbox.run")
	defer span.End()
	span.AddEvent("guest.call", "name", o.name)
	o.sb.metrics.IncCounter("sandbox.run.started", 1, "name", o.name)

	result := newRunResult()
	var prev Callback
	prev = o.sb.SetCallback(func(evt Event) {
		result.collect(evt)
		if prev != nil {
			prev(evt)
		}
	})
	defer o.sb.SetCallback(prev)

	callCtx, cancel, hasTimeout := o.callContext(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(callCtx)
	g.Go(func() error {
		return o.invokeGuest(gctx, hasTimeout)
	})
	for _, producer := range o.args.producers {
		p := producer
		g.Go(p)
	}

	// g.Wait() runs on its own goroutine whose only job is to signal
	// completion by closing stop; it never touches the bus or invokes a
	// callback. The bus itself is drained by runUntil below, on this very
	// goroutine -- the caller's own goroutine driving Run, not the guest
	// worker g.Go spawned above. That's the hand-off spec.md requires:
	// every cb invocation happens here, off the guest worker entirely.
	waitErr := make(chan error, 1)
	stop := make(chan struct{})
	go func() {
		waitErr <- g.Wait()
		close(stop)
	}()
	o.sb.bus.runUntil(stop)
	err := <-waitErr

	telemetry.RecordRunOutcome(o.sb.metrics, "sandbox.run", o.name, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

// runStreaming implements RunStream: events are forwarded onto the
// returned channel as they arrive; the channel closes once the guest call
// ends and the event queue has drained. A single error, if any, is sent on
// the error channel before it closes.
func (o *runOrchestrator) runStreaming(ctx context.Context) (<-chan Event, <-chan error) {
	events := make(chan Event, 64)
	errs := make(chan error, 1)
	start := time.Now()

	// Backpressure is intentional: a full buffer blocks the dedicated
	// goroutine below until the consumer catches up, preserving emission
	// order rather than dropping events. The previously-registered
	// callback, if any, still runs so SetCallback and RunStream observe
	// the same events rather than one replacing the other. Both run on
	// the goroutine spawned below, not on the guest worker.
	var prev Callback
	prev = o.sb.SetCallback(func(evt Event) {
		events <- evt
		if prev != nil {
			prev(evt)
		}
	})

	go func() {
		defer close(events)
		defer close(errs)
		defer o.sb.SetCallback(prev)
		defer o.sb.finishCall()

		ctx, span := o.sb.tracer.Start(ctx, "sandbox.run_stream")
		defer span.End()
		span.AddEvent("guest.call", "name", o.name)
		o.sb.metrics.IncCounter("sandbox.run_stream.started", 1, "name", o.name)

		callCtx, cancel, hasTimeout := o.callContext(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(callCtx)
		g.Go(func() error {
			return o.invokeGuest(gctx, hasTimeout)
		})
		for _, producer := range o.args.producers {
			p := producer
			g.Go(p)
		}

		// As in runCollecting: g.Wait() happens on its own goroutine that
		// never touches the bus, while this goroutine -- itself distinct
		// from the guest worker g.Go spawned -- drains the bus and
		// delivers every event via runUntil.
		waitErr := make(chan error, 1)
		stop := make(chan struct{})
		go func() {
			waitErr <- g.Wait()
			close(stop)
		}()
		o.sb.bus.runUntil(stop)
		err := <-waitErr

		telemetry.RecordRunOutcome(o.sb.metrics, "sandbox.run_stream", o.name, start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			errs <- err
			return
		}
	}()

	return events, errs
}

// marshalEvent builds an Event whose Data is the JSON encoding of v, or an
// Event with empty Data if v cannot be encoded. Nothing in this package
// calls it: the orchestrator reports timeouts and other failures as
// errors, not as synthesized events.
func marshalEvent(kind EventKind, v any) Event {
	data, err := json.Marshal(v)
	if err != nil {
		return Event{Kind: kind}
	}
	return Event{Kind: kind, Data: string(data)}
}
