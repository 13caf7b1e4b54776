package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBusDeliversInEmissionOrder(t *testing.T) {
	bus := newEventBus()
	var got []EventKind
	bus.swap(func(e Event) { got = append(got, e.Kind) })

	bus.post(Event{Kind: EventStdout, Data: "a"})
	bus.post(Event{Kind: EventStdout, Data: "b"})
	bus.post(Event{Kind: EventEnd, Data: ""})
	bus.drainAll()

	assert.Equal(t, []EventKind{EventStdout, EventStdout, EventEnd}, got)
}

func TestEventBusNormalizesRawKinds(t *testing.T) {
	bus := newEventBus()
	var got []EventKind
	bus.swap(func(e Event) { got = append(got, e.Kind) })

	bus.post(Event{Kind: eventKindResultRaw, Data: "1"})
	bus.post(Event{Kind: eventKindEndRaw, Data: "2"})
	bus.drainAll()

	assert.Equal(t, []EventKind{EventResult, EventEnd}, got)
}

func TestEventBusSwapSplitsDeliveryAtBoundary(t *testing.T) {
	bus := newEventBus()
	var a, b []EventKind
	bus.swap(func(e Event) { a = append(a, e.Kind) })

	bus.post(Event{Kind: EventStdout})
	bus.post(Event{Kind: EventStdout})

	prev := bus.swap(func(e Event) { b = append(b, e.Kind) })
	assert.NotNil(t, prev)

	bus.post(Event{Kind: EventLog})
	bus.post(Event{Kind: EventEnd})
	bus.drainAll()

	// Both events posted before the swap were already tagged with the old
	// callback at post time (see eventBus.post), so they still land on a
	// even though delivery itself happens after the swap above.
	assert.Equal(t, []EventKind{EventStdout, EventStdout}, a)
	assert.Equal(t, []EventKind{EventLog, EventEnd}, b)
}

func TestEventBusDropsSilentlyAfterClose(t *testing.T) {
	bus := newEventBus()
	called := false
	bus.swap(func(Event) { called = true })
	bus.close()

	bus.post(Event{Kind: EventLog})
	bus.drainAll()
	assert.False(t, called)
}
