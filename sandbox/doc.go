// Package sandbox implements the host-side sandbox execution engine: a
// Context that prepares a reusable WebAssembly guest template once, and
// cheaply-instantiated Sandboxes that load a user script, invoke a named
// function with host-supplied arguments, and stream back results, logs,
// standard I/O, and error events produced by the guest.
//
// The guest is a Python interpreter compiled to WASI and executed with
// wazero. Guest code may reach back into the host through a small set of
// host imports: event posting, HTTP dispatch, argument and stream reads,
// sleep, and a monotonic clock. There is no poll-registration import: each
// host import blocks the guest call until it completes.
package sandbox
