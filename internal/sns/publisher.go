// Package sns publishes registration events for downstream consumers.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/offer"
)

// EventRegistrationConfirmed is the event_type attribute of confirmation events.
const EventRegistrationConfirmed = "registration.confirmed"

type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher implements offer.EventPublisher over an SNS topic.
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// Envelope wraps every published event.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func NewPublisher(ctx context.Context, topicARN, region string, logger *zap.Logger) (*Publisher, error) {
	return NewPublisherWithEndpoint(ctx, topicARN, "", region, logger)
}

// NewPublisherWithEndpoint creates a publisher with a custom endpoint (for LocalStack).
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewPublisherWithClient(client, topicARN, logger), nil
}

func NewPublisherWithClient(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, logger: logger}
}

func (p *Publisher) PublishRegistrationConfirmed(ctx context.Context, event offer.ConfirmedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	payload, err := json.Marshal(Envelope{Type: EventRegistrationConfirmed, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(EventRegistrationConfirmed),
			},
			"offer_slug": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.OfferSlug),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("registration event published",
		zap.String("registration_id", event.RegistrationID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
