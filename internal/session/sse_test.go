package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, input string) []sseEvent {
	t.Helper()
	var events []sseEvent
	err := readSSE(strings.NewReader(input), func(ev sseEvent) (bool, error) {
		events = append(events, ev)
		return false, nil
	})
	require.NoError(t, err)
	return events
}

func TestReadSSESingleEvent(t *testing.T) {
	events := collectEvents(t, "data: {\"x\":1}\n\n")
	require.Len(t, events, 1)
	assert.Equal(t, `{"x":1}`, events[0].data)
}

func TestReadSSEMultilineData(t *testing.T) {
	events := collectEvents(t, "data: line one\ndata: line two\n\n")
	require.Len(t, events, 1)
	assert.Equal(t, "line one\nline two", events[0].data)
}

func TestReadSSEStickyID(t *testing.T) {
	input := "id: 41\ndata: a\n\ndata: b\n\nid: 42\ndata: c\n\n"
	events := collectEvents(t, input)
	require.Len(t, events, 3)
	assert.Equal(t, "41", events[0].id)
	assert.Equal(t, "41", events[1].id, "id is sticky across events")
	assert.Equal(t, "42", events[2].id)
}

func TestReadSSERetryField(t *testing.T) {
	events := collectEvents(t, "retry: 1500\ndata: a\n\n")
	require.Len(t, events, 1)
	assert.Equal(t, 1500*time.Millisecond, events[0].retry)
}

func TestReadSSECommentsIgnored(t *testing.T) {
	events := collectEvents(t, ": keepalive\ndata: a\n: another\n\n")
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].data)
}

func TestReadSSEEventType(t *testing.T) {
	events := collectEvents(t, "event: message\ndata: hi\n\n")
	require.Len(t, events, 1)
	assert.Equal(t, "message", events[0].event)
}

func TestReadSSECRLF(t *testing.T) {
	events := collectEvents(t, "data: a\r\n\r\n")
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].data)
}

func TestReadSSETrailingEventWithoutBlankLine(t *testing.T) {
	events := collectEvents(t, "data: tail")
	require.Len(t, events, 1)
	assert.Equal(t, "tail", events[0].data)
}

func TestReadSSEHandlerStopsLoop(t *testing.T) {
	count := 0
	err := readSSE(strings.NewReader("data: a\n\ndata: b\n\n"), func(ev sseEvent) (bool, error) {
		count++
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSplitField(t *testing.T) {
	field, value := splitField("data: hello")
	assert.Equal(t, "data", field)
	assert.Equal(t, "hello", value)

	// Only a single leading space is stripped.
	_, value = splitField("data:  padded")
	assert.Equal(t, " padded", value)

	field, value = splitField("data:no-space")
	assert.Equal(t, "data", field)
	assert.Equal(t, "no-space", value)
}
