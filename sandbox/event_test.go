package sandbox

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunResultCollectAggregatesByKind(t *testing.T) {
	result := newRunResult()

	result.collect(Event{Kind: EventResult, Data: "1"})
	result.collect(Event{Kind: EventResult, Data: "2"})
	result.collect(Event{Kind: EventStdout, Data: "hello\n"})
	result.collect(Event{Kind: EventStderr, Data: "warn"})
	result.collect(Event{Kind: EventLog, Data: "log line"})
	result.collect(Event{Kind: EventError, Data: "boom"})
	result.collect(Event{Kind: EventEnd, Data: "3"})

	assert.Equal(t, []json.RawMessage{json.RawMessage("1"), json.RawMessage("2")}, result.Results)
	requireFinal(t, result, "3")
	assert.Equal(t, []string{"hello\n"}, result.Stdout)
	assert.Equal(t, []string{"warn"}, result.Stderr)
	assert.Equal(t, []string{"log line"}, result.Logs)
	assert.Equal(t, []string{"boom"}, result.Errors)
}

func TestRunResultCollectEndWithEmptyDataLeavesFinalNil(t *testing.T) {
	result := newRunResult()
	result.collect(Event{Kind: EventEnd, Data: ""})
	assert.Nil(t, result.Final)
}

func TestNormalizeEventKindRewritesRawKinds(t *testing.T) {
	assert.Equal(t, EventResult, normalizeEventKind(eventKindResultRaw))
	assert.Equal(t, EventEnd, normalizeEventKind(eventKindEndRaw))
	assert.Equal(t, EventStdout, normalizeEventKind(EventStdout))
}

func requireFinal(t *testing.T, result *RunResult, want string) {
	t.Helper()
	if result.Final == nil {
		t.Fatalf("expected non-nil Final")
	}
	assert.Equal(t, json.RawMessage(want), *result.Final)
}
