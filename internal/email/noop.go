package email

import (
	"context"

	"go.uber.org/zap"
)

// LogSender records would-be mail in the log instead of delivering it. It
// is the default sender when no relay is configured.
type LogSender struct {
	log *zap.Logger
}

// NewLogSender builds a LogSender.
func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log}
}

// Send logs the message headers and reports success. The body is omitted;
// it can carry sponsor addresses and revocation reasons.
func (s *LogSender) Send(_ context.Context, to, subject, _ string) error {
	s.log.Info("sponsor notice not sent, no smtp relay configured",
		zap.String("to", to),
		zap.String("subject", subject),
	)
	return nil
}
