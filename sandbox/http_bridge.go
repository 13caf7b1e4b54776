package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// BodyMode classifies how an HttpResponse carries its body back to the
// guest.
type BodyMode string

const (
	BodyNone   BodyMode = "none"
	BodyBytes  BodyMode = "bytes"
	BodyStream BodyMode = "stream"
)

// HttpRequest is the guest-issued request the bridge dispatches to the
// installed handler.
type HttpRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// HttpResponse is the canonical four-tuple a handler returns: status,
// headers, and a body in one of three modes. For BodyBytes, Body carries
// the full buffer. For BodyStream, Chunks is read to exhaustion and each
// chunk is validated as byte-like on the way through; the bridge does not
// require Chunks to be buffered up front.
type HttpResponse struct {
	Status  int
	Headers map[string]string
	Mode    BodyMode
	Body    []byte
	Chunks  <-chan []byte
}

// HTTPHandler is a host-installed async handler. It runs on the scheduler
// captured at SetHTTPHandler time (in Go, on a goroutine the httpBridge
// manages), not on the guest worker.
type HTTPHandler func(ctx context.Context, req HttpRequest) (HttpResponse, error)

// DefaultHTTPHandler dispatches req with an ordinary net/http.Client and
// streams the response back as BodyStream. On any error during
// construction or dispatch, the client's resources are released before the
// error propagates.
func DefaultHTTPHandler(client *http.Client) HTTPHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, req HttpRequest) (HttpResponse, error) {
		var bodyReader io.Reader
		if len(req.Body) > 0 {
			bodyReader = bytes.NewReader(req.Body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
		if err != nil {
			return HttpResponse{}, fmt.Errorf("%w: building request: %s", ErrInvalidArgument, err)
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return HttpResponse{}, fmt.Errorf("%w: dispatching request: %s", ErrInternal, err)
		}

		headers := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}

		chunks := make(chan []byte, 4)
		go func() {
			defer close(chunks)
			defer resp.Body.Close()
			buf := make([]byte, 32*1024)
			for {
				n, readErr := resp.Body.Read(buf)
				if n > 0 {
					chunk := make([]byte, n)
					copy(chunk, buf[:n])
					select {
					case chunks <- chunk:
					case <-ctx.Done():
						return
					}
				}
				if readErr != nil {
					return
				}
			}
		}()

		return HttpResponse{
			Status:  resp.StatusCode,
			Headers: headers,
			Mode:    BodyStream,
			Chunks:  chunks,
		}, nil
	}
}

// httpBridge dispatches guest HTTP requests to a host-installed handler on
// a per-sandbox goroutine group (no concurrency limit is set on it),
// wrapping each dispatch in the
// sandbox's timeout when one is configured. Requests
// complete in FIFO of issuance from the guest's perspective even though the
// bridge may pipeline dispatch internally.
type httpBridge struct {
	handler HTTPHandler
	timeout time.Duration // zero means no per-call timeout
	group   *errgroup.Group
}

func newHTTPBridge(handler HTTPHandler, timeout time.Duration) *httpBridge {
	return &httpBridge{handler: handler, timeout: timeout, group: &errgroup.Group{}}
}

// dispatch constructs the HttpRequest, enqueues the handler invocation, and
// converts its result (or a timeout) into the canonical response tuple.
func (b *httpBridge) dispatch(ctx context.Context, req HttpRequest) (HttpResponse, error) {
	if b.handler == nil {
		return HttpResponse{}, fmt.Errorf("%w: no http handler installed", ErrInvalidArgument)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	type result struct {
		resp HttpResponse
		err  error
	}
	done := make(chan result, 1)
	b.group.Go(func() error {
		resp, err := b.handler(callCtx, req)
		done <- result{resp, err}
		return nil
	})

	select {
	case r := <-done:
		if r.err != nil {
			return HttpResponse{}, fmt.Errorf("%w: http handler: %s", ErrInternal, r.err)
		}
		return r.resp, nil
	case <-callCtx.Done():
		if b.timeout > 0 && ctx.Err() == nil {
			return HttpResponse{}, fmt.Errorf("%w: http handler timed out", ErrInternal)
		}
		return HttpResponse{}, callCtx.Err()
	}
}

// wait blocks until every dispatched handler invocation has returned. Used
// by the orchestrator when joining a completed or cancelled run.
func (b *httpBridge) wait() error {
	return b.group.Wait()
}
