package stream

import (
	"context"
	"iter"
	"net/http"

	"github.com/hupe1980/actionmesh/core"
)

// SetHeaders sets the SSE response headers.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Serve streams events to w until the iterator ends, ctx is cancelled or a
// write fails. In the latter two cases the iterator is stopped and the
// cause is returned; the done frame is only written after a complete run.
func Serve(ctx context.Context, w http.ResponseWriter, events iter.Seq[core.Event]) error {
	SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	enc := NewEncoder(w)
	if enc.flusher != nil {
		enc.flusher.Flush()
	}

	var stopErr error
	for ev := range events {
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}
		if err := enc.Encode(ev); err != nil {
			stopErr = err
			break
		}
	}
	if stopErr != nil {
		return stopErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return enc.Done()
}
