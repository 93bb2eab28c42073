package stream

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/samber/oops"

	"github.com/hupe1980/actionmesh/core"
)

// Encoder writes SSE frames to an io.Writer. When the writer is an
// http.Flusher every frame is flushed as soon as it is written.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	f, _ := w.(http.Flusher)
	return &Encoder{w: w, flusher: f}
}

// Encode writes ev as one frame.
func (e *Encoder) Encode(ev core.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return oops.In("stream").With("event_type", ev.Type).Wrapf(err, "marshal event")
	}

	buf := make([]byte, 0, len(data)+32)
	if ev.IsError() {
		buf = append(buf, "event: error\n"...)
	}
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)

	return e.write(buf)
}

// Done writes the terminating frame.
func (e *Encoder) Done() error {
	return e.write([]byte("event: done\ndata: {}\n\n"))
}

func (e *Encoder) write(frame []byte) error {
	if _, err := e.w.Write(frame); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
