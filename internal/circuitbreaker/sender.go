package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/notify"
)

// Sender wraps a notify.Sender so that a dead mail transport fails fast
// instead of holding every confirmation and reminder on a timeout.
type Sender struct {
	next    notify.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewSender(next notify.Sender, breaker *CircuitBreaker, logger *zap.Logger) *Sender {
	return &Sender{next: next, breaker: breaker, logger: logger}
}

func (s *Sender) Send(ctx context.Context, msg notify.Message) (string, error) {
	var id string
	err := s.breaker.Execute(func() error {
		var err error
		id, err = s.next.Send(ctx, msg)
		return err
	})
	if err != nil {
		s.logger.Debug("protected send failed",
			zap.String("breaker", s.breaker.Name()),
			zap.String("kind", msg.Kind),
			zap.Error(err),
		)
		return "", err
	}
	return id, nil
}

func (s *Sender) Breaker() *CircuitBreaker {
	return s.breaker
}
