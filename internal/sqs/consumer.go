package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/db"
	"github.com/lalithlochan/preorder/internal/metrics"
	"github.com/lalithlochan/preorder/internal/notify"
)

// Consumer reads queued redeliveries with long polling.
type Consumer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("sqs consumer initialized", zap.String("queue_url", cfg.QueueURL))
	return NewConsumerWithClient(client, cfg.QueueURL, logger), nil
}

func NewConsumerWithClient(client API, queueURL string, logger *zap.Logger) *Consumer {
	return &Consumer{client: client, queueURL: queueURL, logger: logger}
}

// Receive returns the next message and its receipt handle, or nil when the
// poll timed out empty.
func (c *Consumer) Receive(ctx context.Context) (*RetryMessage, string, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}
	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	raw := result.Messages[0]
	var msg RetryMessage
	if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
		return nil, aws.ToString(raw.ReceiptHandle), fmt.Errorf("invalid message format: %w", err)
	}
	return &msg, aws.ToString(raw.ReceiptHandle), nil
}

func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// RetryWorker redelivers queued notifications. A successful redelivery is
// appended to the notification log and removed from the queue; a failed one
// stays queued and becomes visible again, so the queue's redrive policy
// decides when to give up.
type RetryWorker struct {
	consumer *Consumer
	sender   notify.Sender
	logs     notify.LogStore
	logger   *zap.Logger
}

func NewRetryWorker(consumer *Consumer, sender notify.Sender, logs notify.LogStore, logger *zap.Logger) *RetryWorker {
	return &RetryWorker{consumer: consumer, sender: sender, logs: logs, logger: logger}
}

// Start polls until ctx is done.
func (w *RetryWorker) Start(ctx context.Context) {
	w.logger.Info("notification retry worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("notification retry worker stopping")
			return
		default:
		}

		if _, err := w.ProcessOne(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("retry poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// ProcessOne handles at most one queued message and reports whether one was
// received.
func (w *RetryWorker) ProcessOne(ctx context.Context) (bool, error) {
	rm, receipt, err := w.consumer.Receive(ctx)
	if err != nil {
		if receipt != "" {
			// Unreadable payloads never become readable; drop them.
			w.logger.Error("dropping malformed retry message", zap.Error(err))
			return true, w.consumer.Delete(ctx, receipt)
		}
		return false, err
	}
	if rm == nil {
		return false, nil
	}

	msg := rm.Message
	fields := []zap.Field{zap.String("log_id", rm.LogID), zap.String("kind", msg.Kind)}

	messageID, sendErr := w.sender.Send(ctx, msg)
	if sendErr != nil {
		metrics.RecordNotification(msg.Kind, db.StatusFailed)
		w.logger.Warn("notification redelivery failed", append(fields, zap.Error(sendErr))...)
		return true, nil
	}
	metrics.RecordNotification(msg.Kind, db.StatusSent)

	entry := &db.NotificationLog{
		Recipient:         msg.To,
		Kind:              msg.Kind,
		OfferID:           msg.OfferID,
		RegistrationID:    msg.RegistrationID,
		Status:            db.StatusSent,
		ProviderMessageID: messageID,
	}
	if err := w.logs.InsertNotificationLog(ctx, entry); err != nil {
		// Stays queued, so the recipient may get it twice.
		return true, fmt.Errorf("record redelivery: %w", err)
	}

	w.logger.Info("notification redelivered", append(fields, zap.String("message_id", messageID))...)
	return true, w.consumer.Delete(ctx, receipt)
}
