package notify

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/db"
	"github.com/lalithlochan/preorder/internal/metrics"
)

// LogStore appends to the notification log.
type LogStore interface {
	InsertNotificationLog(ctx context.Context, entry *db.NotificationLog) error
}

// RetryQueue hands failed deliveries to the out-of-band retry job.
type RetryQueue interface {
	EnqueueRetry(ctx context.Context, entry *db.NotificationLog, msg Message) error
}

// Notifier sends a message and records the attempt in the notification log.
// A failed delivery is logged with status failed and queued for retry; it
// is never retried synchronously.
type Notifier struct {
	sender Sender
	logs   LogStore
	retry  RetryQueue
	logger *zap.Logger
}

// NewNotifier wires a sender to the log store. retry may be nil.
func NewNotifier(sender Sender, logs LogStore, retry RetryQueue, logger *zap.Logger) *Notifier {
	return &Notifier{
		sender: sender,
		logs:   logs,
		retry:  retry,
		logger: logger,
	}
}

// Notify delivers msg and returns the log entry written for it. On a
// transport failure the entry is still written and the returned error wraps
// ErrDeliveryFailed.
func (n *Notifier) Notify(ctx context.Context, msg Message) (*db.NotificationLog, error) {
	if !slices.Contains(Kinds, msg.Kind) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, msg.Kind)
	}

	entry := &db.NotificationLog{
		Recipient:      msg.To,
		Kind:           msg.Kind,
		OfferID:        msg.OfferID,
		RegistrationID: msg.RegistrationID,
	}

	messageID, sendErr := n.sender.Send(ctx, msg)
	if sendErr != nil {
		errMsg := sendErr.Error()
		entry.Status = db.StatusFailed
		entry.ErrorMessage = &errMsg
	} else {
		entry.Status = db.StatusSent
		entry.ProviderMessageID = messageID
	}
	metrics.RecordNotification(msg.Kind, entry.Status)

	fields := []zap.Field{
		zap.String("kind", msg.Kind),
		zap.String("to", msg.To),
	}
	if msg.RegistrationID != nil {
		fields = append(fields, zap.String("registration_id", msg.RegistrationID.String()))
	}

	if err := n.logs.InsertNotificationLog(ctx, entry); err != nil {
		n.logger.Error("failed to record notification", append(fields, zap.Error(err))...)
		if sendErr == nil {
			return entry, fmt.Errorf("record notification: %w", err)
		}
	}

	if sendErr != nil {
		n.logger.Warn("notification delivery failed", append(fields, zap.Error(sendErr))...)
		if n.retry != nil {
			if err := n.retry.EnqueueRetry(ctx, entry, msg); err != nil {
				n.logger.Error("failed to queue notification retry", append(fields, zap.Error(err))...)
			}
		}
		return entry, fmt.Errorf("%w: %v", ErrDeliveryFailed, sendErr)
	}

	n.logger.Debug("notification sent", append(fields, zap.String("message_id", messageID))...)
	return entry, nil
}
