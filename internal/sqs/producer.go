package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/db"
	"github.com/lalithlochan/preorder/internal/notify"
)

// RetryMessage is the payload of one queued redelivery.
type RetryMessage struct {
	LogID      string         `json:"log_id"`
	Message    notify.Message `json:"message"`
	LastError  string         `json:"last_error,omitempty"`
	EnqueuedAt int64          `json:"enqueued_at"`
}

// Producer queues failed deliveries. It implements notify.RetryQueue.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("sqs producer initialized", zap.String("queue_url", cfg.QueueURL))
	return NewProducerWithClient(client, cfg.QueueURL, logger), nil
}

func NewProducerWithClient(client API, queueURL string, logger *zap.Logger) *Producer {
	return &Producer{client: client, queueURL: queueURL, logger: logger}
}

func (p *Producer) EnqueueRetry(ctx context.Context, entry *db.NotificationLog, msg notify.Message) error {
	rm := RetryMessage{
		LogID:      entry.ID.String(),
		Message:    msg,
		EnqueuedAt: time.Now().UnixNano(),
	}
	if entry.ErrorMessage != nil {
		rm.LastError = *entry.ErrorMessage
	}

	body, err := json.Marshal(rm)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Kind),
			},
		},
	})
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("log_id", rm.LogID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("notification retry queued",
		zap.String("log_id", rm.LogID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
