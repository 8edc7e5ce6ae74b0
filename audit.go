package identity

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

const (
	auditEventSignInSuccess        = "identity.sign_in.success"
	auditEventSignInFailure        = "identity.sign_in.failure"
	auditEventSignUpSuccess        = "identity.sign_up.success"
	auditEventSignUpFailure        = "identity.sign_up.failure"
	auditEventSignOut              = "identity.sign_out"
	auditEventSessionHydrated      = "identity.session.hydrated"
	auditEventSessionCleared       = "identity.session.cleared"
	auditEventAuthEventApplied     = "identity.auth_event.applied"
	auditEventProfileFetchFailure  = "identity.profile.fetch_failure"
	auditEventImplicitSignOut      = "identity.sign_out.implicit"
	auditEventProfileUpdateSuccess = "identity.profile.update.success"
	auditEventProfileUpdateFailure = "identity.profile.update.failure"
	auditEventStaleResultDiscarded = "identity.stale_result.discarded"
)

// AuditEvent is a structured record of one identity state change or denied
// attempt. Events are emitted asynchronously; sinks must not assume
// delivery before the triggering call returns.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	Email     string            `json:"email,omitempty"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives audit events from the store's dispatcher.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink writes audit events into a buffered channel.
type ChannelSink struct {
	events chan AuditEvent
}

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// Events exposes the receiving side of the sink.
func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
