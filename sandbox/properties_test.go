package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestStreamFIFOProperty checks that for any capacity c >= 1 and any
// producer sequence, a single consumer observes exactly that sequence in
// order followed by termination, regardless of push mode.
func TestStreamFIFOProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("consumer observes pushed sequence in order then end", prop.ForAll(
		func(capacity uint8, values []int) bool {
			c := int(capacity)%8 + 1
			s := NewStream(c)
			ctx := context.Background()

			go func() {
				for i, v := range values {
					payload, _ := json.Marshal(v)
					blocking := i%2 == 0
					for {
						err := s.PushJSON(ctx, payload, blocking)
						if err == nil {
							break
						}
						if errors.Is(err, ErrStreamFull) {
							continue
						}
						return
					}
				}
				s.End()
			}()

			var got []int
			for {
				item, ok, err := s.Take(ctx)
				if err != nil {
					return false
				}
				if !ok {
					break
				}
				var v int
				if err := json.Unmarshal(item, &v); err != nil {
					return false
				}
				got = append(got, v)
			}
			if len(got) != len(values) {
				return false
			}
			for i := range values {
				if got[i] != values[i] {
					return false
				}
			}
			return true
		},
		gen.UInt8(),
		gen.SliceOf(gen.IntRange(-1000, 1000)),
	))

	properties.TestingRun(t)
}

// TestEventBusOrderProperty checks that the sequence seen by a single
// registered callback equals the emission order.
func TestEventBusOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	kinds := []EventKind{EventStdout, EventStderr, EventLog, EventError}

	properties.Property("callback observes emission order", prop.ForAll(
		func(indices []uint8) bool {
			bus := newEventBus()
			var got []EventKind
			bus.swap(func(e Event) { got = append(got, e.Kind) })

			var want []EventKind
			for _, idx := range indices {
				k := kinds[int(idx)%len(kinds)]
				want = append(want, k)
				bus.post(Event{Kind: k})
			}
			bus.drainAll()

			if len(got) != len(want) {
				return false
			}
			for i := range want {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

// TestEventBusSwapProperty checks that after a callback swap, no event
// emitted strictly after the swap reaches the old callback and every such
// event reaches the new one.
func TestEventBusSwapProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("swap cleanly partitions delivery", prop.ForAll(
		func(beforeCount, afterCount uint8) bool {
			bus := newEventBus()
			var a, b []int
			bus.swap(func(e Event) { a = append(a, 0) })

			for i := 0; i < int(beforeCount)%20; i++ {
				bus.post(Event{Kind: EventLog})
			}
			bus.drainAll()
			before := len(a)

			bus.swap(func(e Event) { b = append(b, 0) })
			for i := 0; i < int(afterCount)%20; i++ {
				bus.post(Event{Kind: EventLog})
			}
			bus.drainAll()

			return len(a) == before && len(b) == int(afterCount)%20
		},
		gen.UInt8(),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

// TestRunAndRunStreamAggregateEquivalently checks that for any sequence of
// guest-emitted events, collecting them via Run's RunResult and collecting
// the same sequence by draining RunStream's channel into a RunResult by
// hand produce byte-identical results.
func TestRunAndRunStreamAggregateEquivalently(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	kinds := []EventKind{EventResult, EventStdout, EventStderr, EventLog, EventError}

	properties.Property("Run and RunStream observe the same events", prop.ForAll(
		func(indices []uint8, final string) bool {
			var events []Event
			for _, idx := range indices {
				k := kinds[int(idx)%len(kinds)]
				events = append(events, Event{Kind: k, Data: "1"})
			}
			events = append(events, Event{Kind: EventEnd, Data: final})

			collectingGuest := newFakeGuest(4096)
			sbCollect := newTestSandbox()
			collectingGuest.register("isola_call", fakeFunc(func(context.Context, ...uint64) ([]uint64, error) {
				for _, e := range events {
					sbCollect.bus.post(e)
				}
				return nil, nil
			}))
			sbCollect.state = stateStarted
			sbCollect.module = collectingGuest
			collected, err := sbCollect.Run(context.Background(), "main", nil)
			if err != nil {
				return false
			}

			streamGuest := newFakeGuest(4096)
			sbStream := newTestSandbox()
			streamGuest.register("isola_call", fakeFunc(func(context.Context, ...uint64) ([]uint64, error) {
				for _, e := range events {
					sbStream.bus.post(e)
				}
				return nil, nil
			}))
			sbStream.state = stateStarted
			sbStream.module = streamGuest
			evCh, errCh := sbStream.RunStream(context.Background(), "main", nil)
			streamed := newRunResult()
			for e := range evCh {
				streamed.collect(e)
			}
			if err := <-errCh; err != nil {
				return false
			}

			return equalRunResults(collected, streamed)
		},
		gen.SliceOfN(6, gen.UInt8()),
		gen.OneConstOf("", "7", "\"done\""),
	))

	properties.TestingRun(t)
}

func equalRunResults(a, b *RunResult) bool {
	encA, errA := json.Marshal(a)
	encB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(encA) == string(encB)
}

// TestCancelRunJoinsStreamProducersProperty checks that cancelling a Run's
// context causes every attached stream producer to return within a bounded
// time, regardless of how many producers are attached.
func TestCancelRunJoinsStreamProducersProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 10
	properties := gopter.NewProperties(parameters)

	properties.Property("every producer terminates after cancellation", prop.ForAll(
		func(n uint8) bool {
			count := int(n)%5 + 1

			guest := newFakeGuest(4096)
			guest.register("isola_call", fakeFunc(func(ctx context.Context, _ ...uint64) ([]uint64, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}))
			sb := newTestSandbox()
			sb.state = stateStarted
			sb.module = guest

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{}, count)
			args := make([]Arg, count)
			for i := 0; i < count; i++ {
				s := NewStream(1)
				args[i] = StreamArg("s", s, func() error {
					defer func() { done <- struct{}{} }()
					for {
						if err := s.PushJSON(ctx, []byte("1"), true); err != nil {
							return err
						}
					}
				})
			}

			go func() {
				time.Sleep(5 * time.Millisecond)
				cancel()
			}()

			_, _ = sb.Run(ctx, "main", args)

			for i := 0; i < count; i++ {
				select {
				case <-done:
				case <-time.After(2 * time.Second):
					return false
				}
			}
			return true
		},
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

// TestTimeoutCanonicalizationProperty checks that for any input t seconds
// with t > 0 and ceil(t*1000) >= 1, the canonicalized value equals
// ceil(t*1000); otherwise the input is rejected as an invalid argument.
func TestTimeoutCanonicalizationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("positive seconds canonicalize to ceil milliseconds", prop.ForAll(
		func(seconds float64) bool {
			if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
				return true
			}
			d := time.Duration(seconds * float64(time.Second))
			if d <= 0 {
				return true
			}
			millis, err := canonicalTimeoutMillis(d)
			if err != nil {
				return math.Ceil(d.Seconds()*1000) < 1
			}
			return millis == int64(math.Ceil(d.Seconds()*1000)) && millis >= 1
		},
		gen.Float64Range(0.0001, 1e6),
	))

	properties.Property("non-positive durations always reject", prop.ForAll(
		func(nanos int64) bool {
			d := time.Duration(nanos)
			if d > 0 {
				return true
			}
			_, err := canonicalTimeoutMillis(d)
			return err != nil
		},
		gen.Int64Range(-1000000000, 0),
	))

	properties.TestingRun(t)
}
