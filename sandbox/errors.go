package sandbox

import "errors"

// Error taxonomy for the engine. Call sites wrap one of these sentinels with
// fmt.Errorf("...: %w", ...) so callers can classify failures with
// errors.Is without depending on message text.
var (
	// ErrInvalidArgument reports a caller-supplied configuration or argument
	// that is malformed: a non-finite timeout, a bytes-valued path, an
	// unknown mount permission, a non-list mounts value, and similar.
	ErrInvalidArgument = errors.New("sandbox: invalid argument")

	// ErrStreamFull reports a non-blocking Push that found the Stream at
	// capacity. The push has no side effects.
	ErrStreamFull = errors.New("sandbox: stream full")

	// ErrStreamClosed reports a Push (blocking or not) issued after End, or
	// a blocking Push that was unblocked by a concurrent End.
	ErrStreamClosed = errors.New("sandbox: stream closed")

	// ErrInternal reports an unexpected engine failure: a template loader
	// error, a guest trap, or an unrecognized event kind. A guest exception
	// that terminates a run surfaces as ErrInternal wrapping the guest's
	// diagnostic message.
	ErrInternal = errors.New("sandbox: internal error")

	// ErrClosed reports an operation attempted on a Context or Sandbox after
	// Close.
	ErrClosed = errors.New("sandbox: closed")

	// errTimeout is wrapped into ErrInternal when a run is aborted by its
	// configured per-sandbox timeout rather than caller cancellation.
	errTimeout = errors.New("sandbox: run timed out")
)
