// internal/stream/parser.go
package stream

import (
	"bufio"
	"io"
	"strings"
)

// rawEvent is one server-sent event as framed on the wire, before any
// payload decoding.
type rawEvent struct {
	name string
	data string
}

// readEvents scans an event-stream body and calls emit for each complete
// event. Events without an explicit "event:" field use the protocol
// default name "message". Comment lines (leading ':') are skipped.
// Returns the reader's error, or nil on clean EOF.
func readEvents(r io.Reader, emit func(rawEvent)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var name string
	var data strings.Builder

	flush := func() {
		if name == "" && data.Len() == 0 {
			return
		}
		if name == "" {
			name = "message"
		}
		emit(rawEvent{name: name, data: data.String()})
		name = ""
		data.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	flush()
	return nil
}
