package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes every notification to a structured log.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink.
func (s *LogSink) Deliver(_ context.Context, n Notification) error {
	ev := s.log.Info()
	if n.Type == TypeDispatchFailed || n.Type == TypeManualAssignmentNeeded {
		ev = s.log.Warn()
	}
	ev.Str("notification_id", n.ID).
		Str("type", string(n.Type)).
		Str("request_id", n.RequestID).
		Str("recipient_id", n.RecipientID).
		Interface("data", n.Data).
		Msg(n.Title)
	return nil
}
