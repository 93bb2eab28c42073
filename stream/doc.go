// Package stream adapts event iterators to Server-Sent Events.
//
// Each event becomes one frame:
//
//	data: {"type":"text-delta",...}
//
// Error events are additionally tagged with "event: error" and the stream is
// closed with "event: done". Serve pulls the iterator from the HTTP handler
// goroutine, so a slow client slows the run down and a disconnected client
// stops it: the next Emit inside the running action returns
// core.ErrStreamClosed.
package stream
