package events

import (
	"context"
	"time"

	"acme/pkg/logging"
)

const submitTimeout = 10 * time.Second

// Forwarder routes events to streams and falls back to the disk buffer
// when the sink is unreachable. Buffered events are retried on the next
// successful submission and on explicit FlushBuffer calls.
type Forwarder struct {
	routes *RouteMap
	sink   Sink
	buffer *DiskBuffer
}

// NewForwarder wires a route map, sink, and offline buffer.
func NewForwarder(routes *RouteMap, sink Sink, buffer *DiskBuffer) *Forwarder {
	return &Forwarder{routes: routes, sink: sink, buffer: buffer}
}

// Submit resolves the event's stream and delivers it, draining any
// backlog first so ordering stays oldest-first. Delivery failures are
// absorbed into the buffer; Submit itself only fails when the buffer
// cannot be written.
func (f *Forwarder) Submit(ev Event) error {
	stream := f.routes.Resolve(ev.Kind, ev.SubjectArea)

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	if err := f.flush(ctx); err != nil {
		logging.Debug("Events", "Sink offline, buffering %s: %v", ev.Kind, err)
		return f.buffer.Append(stream, ev)
	}
	if err := f.sink.Send(ctx, stream, []Event{ev}); err != nil {
		logging.Debug("Events", "Delivery of %s failed, buffering: %v", ev.Kind, err)
		return f.buffer.Append(stream, ev)
	}
	return nil
}

// FlushBuffer retries the offline backlog, oldest-first.
func (f *Forwarder) FlushBuffer(ctx context.Context) (int, error) {
	flushed, err := f.buffer.Flush(func(stream string, ev Event) error {
		return f.sink.Send(ctx, stream, []Event{ev})
	})
	if flushed > 0 {
		logging.Info("Events", "Flushed %d buffered events", flushed)
	}
	return flushed, err
}

// Pending reports the offline backlog size.
func (f *Forwarder) Pending() int { return f.buffer.Len() }

func (f *Forwarder) flush(ctx context.Context) error {
	_, err := f.buffer.Flush(func(stream string, ev Event) error {
		return f.sink.Send(ctx, stream, []Event{ev})
	})
	return err
}

// Emit adapts the forwarder to the EventFunc shape the compliance and
// registration subsystems expect. Failures are logged, never fatal.
func (f *Forwarder) Emit(subjectArea string) func(kind string, payload map[string]interface{}) {
	return func(kind string, payload map[string]interface{}) {
		if err := f.Submit(New(kind, subjectArea, payload)); err != nil {
			logging.Error("Events", err, "Failed to submit %s", kind)
		}
	}
}
