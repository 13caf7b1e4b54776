package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Host import module name and function names the guest interpreter image
// links against. The guest calls these with the ptr+len linear-memory
// calling convention: a request is a byte slice the guest already has; a
// response the host must hand back is written into guest memory by calling
// the guest's exported allocator and returned as a packed (ptr<<32 | len)
// uint64.
const (
	hostModuleName = "isola_host"

	fnPostEvent    = "post_event"
	fnHTTPDispatch = "http_dispatch"
	fnGetArg       = "get_arg"
	fnStreamTake   = "stream_take"
	fnSleepMS      = "sleep_ms"
	fnNowMonoMS    = "now_monotonic_ms"

	guestAllocFn = "isola_alloc"
)

// buildHostModule registers the host import surface a Sandbox's guest
// module instance links against. Each import closes over sb so host calls
// route straight to that sandbox's event bus, HTTP bridge, argument list,
// and stream registry.
func (sb *Sandbox) buildHostModule(rt wazero.Runtime) wazero.HostModuleBuilder {
	builder := rt.NewHostModuleBuilder(hostModuleName)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {
			sb.handlePostEvent(ctx, wazeroGuestModule{mod}, ptr, length)
		}).
		Export(fnPostEvent)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
			return sb.handleHTTPDispatch(ctx, wazeroGuestModule{mod}, ptr, length)
		}).
		Export(fnHTTPDispatch)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, index uint32) uint64 {
			return sb.handleGetArg(ctx, wazeroGuestModule{mod}, index)
		}).
		Export(fnGetArg)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, handlePtr, handleLen uint32) uint64 {
			return sb.handleStreamTake(ctx, wazeroGuestModule{mod}, handlePtr, handleLen)
		}).
		Export(fnStreamTake)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, millis uint64) {
			select {
			case <-time.After(time.Duration(millis) * time.Millisecond):
			case <-ctx.Done():
			}
		}).
		Export(fnSleepMS)

	epoch := time.Now()
	builder.NewFunctionBuilder().
		WithFunc(func(context.Context) uint64 {
			return uint64(time.Since(epoch).Milliseconds())
		}).
		Export(fnNowMonoMS)

	return builder
}

func readGuestBytes(mod guestIO, ptr, length uint32) ([]byte, error) {
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("%w: guest memory read out of range (ptr=%d len=%d)", ErrInternal, ptr, length)
	}
	// Memory().Read returns a view, not a copy; the guest may reuse or
	// move this region on its next allocation, so copy before returning.
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// writeToGuest asks the guest to allocate len(data) bytes via its exported
// allocator, copies data into that region, and returns the packed
// (ptr<<32 | len) result the guest-side SDK expects.
func writeToGuest(ctx context.Context, mod guestIO, data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	alloc := mod.ExportedFunction(guestAllocFn)
	if alloc == nil {
		return 0, fmt.Errorf("%w: guest image does not export %s", ErrInternal, guestAllocFn)
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0, fmt.Errorf("%w: guest allocator failed: %v", ErrInternal, err)
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("%w: guest memory write out of range (ptr=%d len=%d)", ErrInternal, ptr, len(data))
	}
	return (uint64(ptr) << 32) | uint64(len(data)), nil
}

func (sb *Sandbox) handlePostEvent(ctx context.Context, mod guestIO, ptr, length uint32) {
	data, err := readGuestBytes(mod, ptr, length)
	if err != nil {
		sb.logger.Warn(ctx, "dropping malformed event from guest", "error", err)
		return
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		sb.logger.Warn(ctx, "dropping unparseable event from guest", "error", err)
		return
	}
	sb.bus.post(evt)
	sb.tracer.Span(ctx).AddEvent("guest.post_event", "kind", string(evt.Kind))
}

func (sb *Sandbox) handleHTTPDispatch(ctx context.Context, mod guestIO, ptr, length uint32) uint64 {
	data, err := readGuestBytes(mod, ptr, length)
	if err != nil {
		return sb.encodeHTTPError(ctx, mod, err)
	}
	var req HttpRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return sb.encodeHTTPError(ctx, mod, fmt.Errorf("%w: malformed http request from guest: %s", ErrInvalidArgument, err))
	}

	sb.mu.Lock()
	bridge := sb.bridge
	sb.mu.Unlock()
	if bridge == nil {
		return sb.encodeHTTPError(ctx, mod, fmt.Errorf("%w: no http handler installed", ErrInvalidArgument))
	}

	sb.tracer.Span(ctx).AddEvent("guest.http_dispatch", "method", req.Method, "url", req.URL)
	resp, err := bridge.dispatch(ctx, req)
	if err != nil {
		return sb.encodeHTTPError(ctx, mod, err)
	}

	wire := wireHTTPResponse{Status: resp.Status, Headers: resp.Headers, Mode: string(resp.Mode)}
	switch resp.Mode {
	case BodyBytes:
		wire.Body = resp.Body
	case BodyStream:
		var buf []byte
		for chunk := range resp.Chunks {
			buf = append(buf, chunk...)
		}
		wire.Body = buf
	}

	encoded, err := json.Marshal(wire)
	if err != nil {
		return sb.encodeHTTPError(ctx, mod, fmt.Errorf("%w: encoding http response: %s", ErrInternal, err))
	}
	packed, err := writeToGuest(ctx, mod, encoded)
	if err != nil {
		sb.logger.Error(ctx, "writing http response to guest failed", "error", err)
		return 0
	}
	return packed
}

// wireHTTPResponse is the JSON shape exchanged with the guest for an HTTP
// dispatch result.
type wireHTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Mode    string            `json:"body_mode"`
	Body    []byte            `json:"body_payload,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func (sb *Sandbox) encodeHTTPError(ctx context.Context, mod guestIO, err error) uint64 {
	wire := wireHTTPResponse{Mode: string(BodyNone), Error: err.Error()}
	encoded, marshalErr := json.Marshal(wire)
	if marshalErr != nil {
		return 0
	}
	packed, writeErr := writeToGuest(ctx, mod, encoded)
	if writeErr != nil {
		sb.logger.Error(ctx, "writing http error to guest failed", "error", writeErr)
		return 0
	}
	return packed
}

func (sb *Sandbox) handleGetArg(ctx context.Context, mod guestIO, index uint32) uint64 {
	sb.mu.Lock()
	args := sb.currentArgs
	sb.mu.Unlock()
	if args == nil || int(index) >= len(args.encoded) {
		return 0
	}
	encoded, err := json.Marshal(args.encoded[index])
	if err != nil {
		return 0
	}
	packed, err := writeToGuest(ctx, mod, encoded)
	if err != nil {
		sb.logger.Error(ctx, "writing argument to guest failed", "error", err)
		return 0
	}
	return packed
}

func (sb *Sandbox) handleStreamTake(ctx context.Context, mod guestIO, handlePtr, handleLen uint32) uint64 {
	data, err := readGuestBytes(mod, handlePtr, handleLen)
	if err != nil {
		return 0
	}
	var handle string
	if err := json.Unmarshal(data, &handle); err != nil {
		return 0
	}

	sb.mu.Lock()
	s := sb.streamByHandle[handle]
	sb.mu.Unlock()
	if s == nil {
		return 0
	}

	item, ok, err := s.Take(ctx)
	wire := struct {
		Value json.RawMessage `json:"value,omitempty"`
		Ended bool            `json:"ended"`
		Error string          `json:"error,omitempty"`
	}{Ended: !ok}
	if err != nil {
		wire.Error = err.Error()
	} else if ok {
		wire.Value = item
	}

	encoded, marshalErr := json.Marshal(wire)
	if marshalErr != nil {
		return 0
	}
	packed, writeErr := writeToGuest(ctx, mod, encoded)
	if writeErr != nil {
		sb.logger.Error(ctx, "writing stream item to guest failed", "error", writeErr)
		return 0
	}
	return packed
}
