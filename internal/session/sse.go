package session

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	id    string
	event string
	data  string
	retry time.Duration
}

// sseHandler consumes one dispatched event. Returning done stops the read
// loop; a returned error aborts it.
type sseHandler func(ev sseEvent) (done bool, err error)

// readSSE implements the HTML5 event-stream line format: lines beginning with
// "id:", "event:", "data:", "retry:", comment lines starting with ":", and a
// blank line dispatching the accumulated event. Multiple data lines are
// concatenated with newline separators. The last seen id is sticky across
// events, matching the resumption contract.
func readSSE(r io.Reader, handle sseHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		dataLines []string
		eventType string
		lastID    string
		retry     time.Duration
	)

	dispatch := func() (bool, error) {
		if len(dataLines) == 0 {
			eventType = ""
			return false, nil
		}
		ev := sseEvent{
			id:    lastID,
			event: eventType,
			data:  strings.Join(dataLines, "\n"),
			retry: retry,
		}
		dataLines = nil
		eventType = ""
		return handle(ev)
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		if line == "" {
			done, err := dispatch()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "id":
			// Per the event-stream spec an id containing NUL is ignored.
			if !strings.ContainsRune(value, 0) {
				lastID = value
			}
		case "event":
			eventType = value
		case "data":
			dataLines = append(dataLines, value)
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	// Stream ended without a trailing blank line: dispatch what accumulated.
	_, err := dispatch()
	return err
}

func splitField(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}
