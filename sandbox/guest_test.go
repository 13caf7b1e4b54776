package sandbox

import (
	"context"
	"fmt"
)

// fakeMemory is a flat byte buffer standing in for wazero's linear memory.
type fakeMemory struct {
	buf []byte
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{buf: make([]byte, size)}
}

func (m *fakeMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[offset:end], true
}

func (m *fakeMemory) Write(offset uint32, v []byte) bool {
	end := uint64(offset) + uint64(len(v))
	if end > uint64(len(m.buf)) {
		return false
	}
	copy(m.buf[offset:], v)
	return true
}

// fakeFunc adapts a plain closure to guestFunc.
type fakeFunc func(ctx context.Context, params ...uint64) ([]uint64, error)

func (f fakeFunc) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	return f(ctx, params...)
}

// fakeGuest is a minimal guestModule double: a bump-allocated memory region
// plus a name-to-export table. It stands in for a real instantiated WASM
// module in tests, so the orchestrator and host import handlers can be
// exercised without a compiled interpreter image.
type fakeGuest struct {
	mem     *fakeMemory
	exports map[string]guestFunc
	next    uint32
	closed  bool
}

// newFakeGuest allocates a fakeGuest with memSize bytes of linear memory and
// a bump allocator already registered under the guest allocator export name.
func newFakeGuest(memSize int) *fakeGuest {
	g := &fakeGuest{
		mem:     newFakeMemory(memSize),
		exports: make(map[string]guestFunc),
	}
	g.exports[guestAllocFn] = fakeFunc(func(_ context.Context, params ...uint64) ([]uint64, error) {
		size := uint32(params[0])
		ptr := g.next
		if uint64(ptr)+uint64(size) > uint64(len(g.mem.buf)) {
			return nil, fmt.Errorf("fake guest: out of memory")
		}
		g.next += size
		return []uint64{uint64(ptr)}, nil
	})
	return g
}

// register installs fn under name, overwriting any existing export. Tests
// use this to stand up isola_call/isola_load_script bodies.
func (g *fakeGuest) register(name string, fn fakeFunc) {
	g.exports[name] = fn
}

func (g *fakeGuest) Memory() guestMemory { return g.mem }

func (g *fakeGuest) ExportedFunction(name string) guestFunc {
	fn, ok := g.exports[name]
	if !ok {
		return nil
	}
	return fn
}

func (g *fakeGuest) Close(context.Context) error {
	g.closed = true
	return nil
}

func packPtrLen(ptr, length uint32) uint64 {
	return (uint64(ptr) << 32) | uint64(length)
}

func unpackPtrLen(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}
