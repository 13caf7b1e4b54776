package sandbox

import (
	"encoding/json"
	"fmt"
)

// argTag is the wire discriminant for an encoded Arg.
type argTag string

const (
	argTagJSON   argTag = "json"
	argTagStream argTag = "stream"
)

// Arg is one element of a run's argument list. Exactly one of the value
// fields is meaningful, selected by how the Arg was constructed: use JSONArg
// for a positional or named JSON value, StreamArg for a Stream handle.
//
// Arg mirrors the host-side union: a JSON value (positional or named), or a
// Stream handle (named or positional) with an optional attached producer
// goroutine the orchestrator joins or cancels.
type Arg struct {
	name     string
	isStream bool

	jsonValue json.RawMessage
	stream    *Stream
	producer  func() error
}

// JSONArg builds a positional JSON-valued argument from v, which is
// marshaled compactly and as UTF-8.
func JSONArg(v any) (Arg, error) {
	return NamedJSONArg("", v)
}

// NamedJSONArg builds a named JSON-valued argument. An empty name encodes as
// positional, matching the host-supplied-ordered-map convention.
func NamedJSONArg(name string, v any) (Arg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Arg{}, fmt.Errorf("%w: encoding argument %q: %s", ErrInvalidArgument, name, err)
	}
	return Arg{name: name, jsonValue: data}, nil
}

// StreamArg builds a Stream-valued argument. producer, if non-nil, is a
// function the orchestrator runs for the lifetime of the call (typically a
// goroutine pushing into s); the orchestrator joins it on success and
// cancels it on failure.
func StreamArg(name string, s *Stream, producer func() error) Arg {
	return Arg{name: name, isStream: true, stream: s, producer: producer}
}

// encodedArg is the wire triple (tag, name, value): value is the serialized
// JSON payload for a JSON arg, or an opaque stream handle identifier for a
// Stream arg.
type encodedArg struct {
	Tag   argTag          `json:"tag"`
	Name  string          `json:"name,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ArgList is an ordered, encoded run argument list plus the producer
// functions the orchestrator must join or cancel alongside the guest call.
type ArgList struct {
	encoded   []encodedArg
	producers []func() error
}

// EncodeArgs validates and encodes args in order, rejecting any argument
// whose name or value cannot be represented on the wire (bytes keys,
// non-string mount paths are caught earlier by config validation; here the
// encoder rejects only what it directly controls: unmarshalable JSON values
// are caught at Arg-construction time, so EncodeArgs itself only assembles
// the ordered wire triples and producer list).
func EncodeArgs(args []Arg) (ArgList, error) {
	out := ArgList{
		encoded:   make([]encodedArg, 0, len(args)),
		producers: make([]func() error, 0),
	}
	for i, a := range args {
		if a.isStream {
			if a.stream == nil {
				return ArgList{}, fmt.Errorf("%w: stream argument %d has no stream handle", ErrInvalidArgument, i)
			}
			handle, err := json.Marshal(streamHandleID(a.stream))
			if err != nil {
				return ArgList{}, fmt.Errorf("%w: encoding stream handle for argument %d: %s", ErrInvalidArgument, i, err)
			}
			out.encoded = append(out.encoded, encodedArg{Tag: argTagStream, Name: a.name, Value: handle})
			if a.producer != nil {
				out.producers = append(out.producers, a.producer)
			}
			continue
		}
		out.encoded = append(out.encoded, encodedArg{Tag: argTagJSON, Name: a.name, Value: a.jsonValue})
	}
	return out, nil
}

// streamHandleID derives a stable identifier for s usable as an opaque
// guest-visible handle. The pointer value is sufficient: handles never
// cross process boundaries and a Stream's identity is fixed for its
// lifetime.
func streamHandleID(s *Stream) string {
	return fmt.Sprintf("stream:%p", s)
}
