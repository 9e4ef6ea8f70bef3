package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bhardwajRahul/lemonade/pkg/logging"
)

// Decode consumes a framed event stream. onProgress is invoked for every
// well-formed progress frame. Decoding rules:
//
//   - "event:" arms the event name for the following "data:" payload.
//   - A blank line resets the armed name to the default (progress).
//   - Malformed JSON on a non-error frame logs a warning and the stream
//     continues.
//   - An error frame terminates decoding with its carried error.
//   - Completion is defined by the complete frame, not by transport EOF:
//     any read error after complete has been seen is swallowed.
func Decode(r io.Reader, log logging.Logger, onProgress func(Progress)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	event := EventProgress
	completed := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = EventProgress
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch event {
			case EventError:
				var body struct {
					Error string `json:"error"`
				}
				if err := json.Unmarshal([]byte(payload), &body); err != nil || body.Error == "" {
					return fmt.Errorf("stream reported an error: %s", payload)
				}
				return errors.New(body.Error)
			case EventComplete:
				completed = true
			case EventProgress:
				var p Progress
				if err := json.Unmarshal([]byte(payload), &p); err != nil {
					if log != nil {
						log.Warnf("Skipping malformed progress frame: %v", err)
					}
					continue
				}
				if onProgress != nil {
					onProgress(p)
				}
			default:
				// Unknown informational event (e.g. started); ignore the payload.
			}
		}
	}

	if err := scanner.Err(); err != nil && !completed {
		return fmt.Errorf("event stream interrupted: %w", err)
	}
	if !completed {
		return errors.New("event stream ended without completion")
	}
	return nil
}
