// Package handlers contains the HTTP handler implementations for the payments
// API: the gateway webhook endpoint, the member-facing subscription endpoints,
// and the operator endpoints.
//
// The webhook handler is NOT behind auth middleware -- it is called directly
// by the payment gateway. Security is provided by verifying the
// Stripe-Signature header using HMAC-SHA256.
package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"drawclub/internal/core"
	"drawclub/internal/event"
	"drawclub/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a webhook payload (64 KB).
// Gateway payloads are small; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// WebhookHandler receives and processes gateway webhook deliveries.
type WebhookHandler struct {
	verifier event.Verifier
	router   *event.Router
	secret   string
	logger   *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(verifier event.Verifier, router *event.Router, secret string, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		verifier: verifier,
		router:   router,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the gateway webhook endpoint. Separate from the
// member-facing registration because webhook routes are public.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/gateway", h.Handle)
}

// Handle processes one inbound webhook delivery:
//
//  1. Reads the raw body with the size limit.
//  2. Verifies the Stripe-Signature header (401 on failure; the gateway does
//     not redeliver on auth failures).
//  3. Parses the envelope into the typed event union.
//  4. Routes the event to its processor.
//
// The response status is the redelivery contract: 200 acknowledges the event
// (including intentional no-ops, duplicates, and stale references); a 5xx is
// returned only when processing failed in a way a redelivery can fix.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing webhook signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	ev, err := event.Parse(payload)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invalid webhook event payload",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "processing webhook event",
		"event_id", ev.EventID(),
		"event_type", ev.EventType(),
	)

	if err := h.router.Route(r.Context(), ev); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", ev.EventID(),
			"event_type", ev.EventType(),
			"error", err,
		)
		if isRetryable(err) {
			// Signal the gateway to redeliver.
			core.Error(w, r, err)
			return
		}
		// Permanent failure: acknowledge so the gateway stops redelivering;
		// the error is logged for investigation.
	}

	w.WriteHeader(http.StatusOK)
}

// isRetryable reports whether the error chain carries a redeliverable code.
// Errors with no AppError in the chain are treated as retryable: an unknown
// failure is more likely transient than permanent.
func isRetryable(err error) bool {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.Code.Retryable()
	}
	return true
}
