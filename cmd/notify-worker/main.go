// Package main is the entrypoint for the notify-worker Lambda function.
//
// The worker consumes notification events from the SQS queue (published by
// the payments pipeline on benefit grants, payment failures, and
// cancellations) and forwards them to the marketing collaborator's webhook
// endpoint. Each forwarded request is signed with HMAC-SHA256 over the body
// so the collaborator can authenticate the source.
//
// Lambda SQS integration uses partial batch responses: messages that fail
// with a retryable error are reported in batchItemFailures so SQS redelivers
// only those; malformed messages and permanent rejections are acknowledged
// and logged.
package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	awsevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"drawclub/internal/external"
	"drawclub/internal/types"
)

// Handler holds the dependencies for the notify-worker Lambda handler.
type Handler struct {
	client      *external.BaseClient
	endpointURL string
	secret      string
	logger      *slog.Logger
}

// Handle processes one SQS event batch. Messages are independent; a failure
// in one never blocks the others.
func (h *Handler) Handle(ctx context.Context, sqsEvent awsevents.SQSEvent) (awsevents.SQSEventResponse, error) {
	response := awsevents.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to forward notification",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				awsevents.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage forwards a single notification to the marketing endpoint.
// A nil return acknowledges the message; an error requests redelivery.
func (h *Handler) processMessage(ctx context.Context, record awsevents.SQSMessage) error {
	var msg types.NotificationMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		// Permanent parse failure; redelivery cannot fix it.
		h.logger.ErrorContext(ctx, "discarding malformed notification message",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}

	logger := h.logger.With(
		"message_id", msg.MessageID,
		"kind", string(msg.Kind),
		"account_id", msg.AccountID,
	)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpointURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-DrawClub-Signature", signPayload(body, h.secret))

	resp, err := h.client.Do(req)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && !appErr.Code.Retryable() {
			logger.ErrorContext(ctx, "marketing endpoint rejected notification permanently",
				"code", string(appErr.Code),
			)
			return nil
		}
		return fmt.Errorf("forward notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// BaseClient already retried 429/5xx; a 4xx here is a permanent
		// rejection of this payload.
		logger.WarnContext(ctx, "marketing endpoint rejected notification",
			"status", resp.StatusCode,
		)
		return nil
	}

	logger.InfoContext(ctx, "notification forwarded", "status", resp.StatusCode)
	return nil
}

// signPayload computes the hex HMAC-SHA256 of the payload under the shared
// secret.
func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	endpointURL := os.Getenv("MARKETING_WEBHOOK_URL")
	secret := os.Getenv("MARKETING_WEBHOOK_SECRET")
	if endpointURL == "" || secret == "" {
		logger.Error("MARKETING_WEBHOOK_URL and MARKETING_WEBHOOK_SECRET must be set")
		os.Exit(1)
	}

	timeout := 10 * time.Second
	if raw := os.Getenv("MARKETING_WEBHOOK_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			timeout = d
		}
	}

	client := external.NewBaseClient(
		&http.Client{Timeout: timeout},
		"marketing-webhook",
		external.DefaultRetryPolicy(),
		"DrawClub-Notify/1.0",
	)

	handler := &Handler{
		client:      client,
		endpointURL: endpointURL,
		secret:      secret,
		logger:      logger,
	}

	logger.Info("notify-worker initialized", "endpoint", endpointURL, "timeout", timeout.String())

	lambda.Start(handler.Handle)
}
