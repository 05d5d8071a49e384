// Package notify delivers workflow state change events to interested
// parties: logs, Redis subscribers and connected WebSocket clients.
package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/rcmflow/model"
)

// Sink receives a StateChangedEvent after every successful instance
// mutation. Implementations must be safe for concurrent use.
type Sink interface {
	Publish(ctx context.Context, event model.StateChangedEvent) error
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging at info level on logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish implements Sink.
func (s *LogSink) Publish(_ context.Context, event model.StateChangedEvent) error {
	s.logger.Info("workflow state changed",
		zap.String("instance_id", event.InstanceID),
		zap.String("template_id", event.TemplateID),
		zap.String("claim_id", event.ClaimID),
		zap.String("status", event.Status),
		zap.String("current_step", event.CurrentStep),
		zap.Int("progress", event.Progress),
		zap.Bool("is_blocked", event.IsBlocked),
		zap.String("block_reason", event.BlockReason),
		zap.Int("version", event.Version),
	)
	return nil
}

// Fanout publishes every event to all of its sinks.
type Fanout []Sink

// Publish implements Sink. Every sink is attempted; their errors are joined.
func (f Fanout) Publish(ctx context.Context, event model.StateChangedEvent) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []model.StateChangedEvent
	err    error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent Publish calls return err after recording.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Publish implements Sink.
func (r *Recorder) Publish(_ context.Context, event model.StateChangedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.StateChangedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.StateChangedEvent, len(r.events))
	copy(out, r.events)
	return out
}

// For returns the recorded events of one instance.
func (r *Recorder) For(instanceID string) []model.StateChangedEvent {
	var out []model.StateChangedEvent
	for _, e := range r.Events() {
		if e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	return out
}
