// Package notifications publishes outbound notification events to SQS for the
// notify worker to deliver. Publishing is fire-and-forget: the payment
// pipeline never fails because a notification could not be enqueued.
package notifications

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"drawclub/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSEmitter serializes NotificationMessages and sends them to the
// notification queue.
type SQSEmitter struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewSQSEmitter creates an emitter publishing to the given queue URL.
func NewSQSEmitter(client SQSSender, queueURL string, logger *slog.Logger) *SQSEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSEmitter{client: client, queueURL: queueURL, logger: logger}
}

// Emit enqueues the message. A missing MessageID is filled in, and failures
// are logged rather than returned: the originating operation has already
// committed and must not be failed or retried over a lost notification.
func (e *SQSEmitter) Emit(ctx context.Context, msg types.NotificationMessage) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to marshal notification message",
			"kind", string(msg.Kind),
			"account_id", msg.AccountID,
			"error", err,
		)
		return
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(e.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Kind)),
			},
		},
	}

	if _, err := e.client.SendMessage(ctx, input); err != nil {
		e.logger.ErrorContext(ctx, "failed to enqueue notification",
			"queue_url", e.queueURL,
			"kind", string(msg.Kind),
			"account_id", msg.AccountID,
			"message_id", msg.MessageID,
			"error", err,
		)
		return
	}

	e.logger.InfoContext(ctx, "notification enqueued",
		"kind", string(msg.Kind),
		"account_id", msg.AccountID,
		"message_id", msg.MessageID,
		"trace_id", msg.TraceID,
	)
}

// NoopEmitter discards notifications. Used in tests and local development.
type NoopEmitter struct{}

// Emit discards the message.
func (NoopEmitter) Emit(context.Context, types.NotificationMessage) {}
