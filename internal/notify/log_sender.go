package notify

import (
	"context"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// LogSender renders messages and writes them to the log instead of
// delivering them. It is used when no mail transport is configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) (string, error) {
	subject, body, err := Render(msg)
	if err != nil {
		return "", err
	}

	id := "log-" + ulid.Make().String()
	s.logger.Info("logging notification (development mode)",
		zap.String("message_id", id),
		zap.String("kind", msg.Kind),
		zap.String("to", msg.To),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return id, nil
}
