package sandbox

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// guestMemory is the slice of wazero's api.Memory the host import surface
// actually touches: reading a guest-owned region and writing a host-owned
// response into one. Declaring it narrowly, rather than depending on
// api.Memory directly, means a test can hand the sandbox a flat byte buffer
// instead of a running WASM instance.
type guestMemory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
}

// guestFunc is the slice of wazero's api.Function the host needs: invoking
// a guest export with the packed ptr+len calling convention and getting its
// raw result words back.
type guestFunc interface {
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// guestIO is the read/write/call surface of a guest instance, independent
// of its lifecycle. Host import handlers take a guestIO rather than a full
// guestModule so tests can exercise them without a Close method to satisfy.
type guestIO interface {
	Memory() guestMemory
	ExportedFunction(name string) guestFunc
}

// guestModule is everything Sandbox needs from an instantiated guest:
// guestIO plus the ability to tear the instance down.
type guestModule interface {
	guestIO
	Close(ctx context.Context) error
}

// wazeroGuestModule adapts a real wazero api.Module to guestModule. Close
// is satisfied by the embedded api.Module directly; Memory and
// ExportedFunction are overridden because wazero declares those methods as
// returning api.Memory/api.Function, not the narrower guestMemory/guestFunc
// types Go's interface-to-interface assignability rules won't convert
// automatically at a field or interface boundary.
type wazeroGuestModule struct {
	api.Module
}

func (w wazeroGuestModule) Memory() guestMemory {
	return w.Module.Memory()
}

func (w wazeroGuestModule) ExportedFunction(name string) guestFunc {
	return w.Module.ExportedFunction(name)
}
