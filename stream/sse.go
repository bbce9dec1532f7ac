package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/hupe1980/agentrelay/core"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SSEWriter sends events to an http.ResponseWriter as Server-Sent Events.
// The SSE id field carries the event sequence id so browsers resume with
// Last-Event-ID.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter sets the event-stream headers. It returns nil if w cannot
// flush.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}
}

// Send writes one event frame.
func (s *SSEWriter) Send(e core.Event) error {
	if err := WriteEvent(s.w, e); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SendComment writes an SSE comment line.
func (s *SSEWriter) SendComment(text string) {
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}

// WriteEvent encodes e as one SSE frame: id, event name and the JSON payload.
func WriteEvent(w io.Writer, e core.Event) error {
	data := e.Data
	if data == nil {
		data = struct{}{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Type, payload)
	return err
}

// Decoder reads typed events from an SSE stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next event. Comments and frames without an event name are
// skipped. It returns io.EOF at the end of the stream.
func (d *Decoder) Next() (core.Event, error) {
	var (
		id   int64
		name string
		data bytes.Buffer
	)

	for {
		line, err := d.r.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if name != "" {
					return buildEvent(id, name, data.Bytes())
				}
				data.Reset()
			case strings.HasPrefix(line, ":"):
			default:
				field, value, _ := strings.Cut(line, ":")
				value = strings.TrimPrefix(value, " ")
				switch field {
				case "id":
					if n, perr := strconv.ParseInt(value, 10, 64); perr == nil {
						id = n
					}
				case "event":
					name = value
				case "data":
					if data.Len() > 0 {
						data.WriteByte('\n')
					}
					data.WriteString(value)
				}
			}
		}

		if err != nil {
			if err == io.EOF && name != "" {
				return buildEvent(id, name, data.Bytes())
			}
			return core.Event{}, err
		}
	}
}

func buildEvent(id int64, name string, data []byte) (core.Event, error) {
	typ := core.EventType(name)
	payload, err := core.DecodePayload(typ, data)
	if err != nil {
		return core.Event{}, err
	}
	return core.Event{ID: id, Type: typ, Data: payload}, nil
}
