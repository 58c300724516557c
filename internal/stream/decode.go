package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// The reading side of the wire format, for Go clients of the turn stream.

// Frame is one SSE message as a client receives it.
type Frame struct {
	Event string
	Data  string
}

// Decode unmarshals the frame payload into the matching Event type.
func (f Frame) Decode() (Event, error) {
	switch Kind(f.Event) {
	case KindToken:
		var ev Token
		err := json.Unmarshal([]byte(f.Data), &ev)
		return ev, err
	case KindPolicy:
		var ev Policy
		err := json.Unmarshal([]byte(f.Data), &ev)
		return ev, err
	case KindError:
		var ev Error
		err := json.Unmarshal([]byte(f.Data), &ev)
		return ev, err
	case KindDone:
		var ev Done
		err := json.Unmarshal([]byte(f.Data), &ev)
		return ev, err
	default:
		return nil, fmt.Errorf("unknown event %q", f.Event)
	}
}

// ReadFrames parses an event stream until EOF. Comment lines are skipped and
// multi-line data fields are joined with a newline.
func ReadFrames(r io.Reader) ([]Frame, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var (
		frames []Frame
		cur    Frame
		data   []string
	)
	flush := func() {
		if cur.Event == "" && len(data) == 0 {
			return
		}
		cur.Data = strings.Join(data, "\n")
		frames = append(frames, cur)
		cur = Frame{}
		data = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			cur.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return frames, err
	}
	flush()
	return frames, nil
}
