package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"drawclub/internal/core"
	"drawclub/internal/types"
)

// SubscriptionService is the member-initiated subscription surface.
// Satisfied by *subscription.Service.
type SubscriptionService interface {
	Subscribe(ctx context.Context, accountID, packageID string) (*types.Account, error)
	Upgrade(ctx context.Context, accountID, packageID string) (*types.Account, error)
	Downgrade(ctx context.Context, accountID, packageID string) (*types.Account, error)
	Renew(ctx context.Context, accountID string) (*types.Account, error)
	Cancel(ctx context.Context, accountID string) (*types.Account, error)
}

// SubscriptionHandler exposes the member-facing subscription endpoints.
type SubscriptionHandler struct {
	svc       SubscriptionService
	validator *core.Validator
	logger    *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(svc SubscriptionService, validator *core.Validator, logger *slog.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionHandler{svc: svc, validator: validator, logger: logger}
}

// RegisterRoutes mounts the subscription endpoints.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/accounts/{accountID}/subscription", func(r chi.Router) {
		r.Post("/", h.HandleSubscribe)
		r.Post("/upgrade", h.HandleUpgrade)
		r.Post("/downgrade", h.HandleDowngrade)
		r.Post("/renew", h.HandleRenew)
		r.Post("/cancel", h.HandleCancel)
	})
}

// changeRequest is the body for subscribe, upgrade, and downgrade.
type changeRequest struct {
	PackageID string `json:"package_id" validate:"required"`
}

// HandleSubscribe starts a new subscription for the account.
func (h *SubscriptionHandler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, h.svc.Subscribe)
}

// HandleUpgrade requests an immediate move to a more expensive package.
func (h *SubscriptionHandler) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, h.svc.Upgrade)
}

// HandleDowngrade schedules a move to a cheaper package at period end.
func (h *SubscriptionHandler) HandleDowngrade(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, h.svc.Downgrade)
}

// HandleRenew re-enables auto-renewal.
func (h *SubscriptionHandler) HandleRenew(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.svc.Renew)
}

// HandleCancel turns off auto-renewal; the subscription runs to period end.
func (h *SubscriptionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.svc.Cancel)
}

func (h *SubscriptionHandler) change(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, accountID, packageID string) (*types.Account, error),
) {
	accountID := chi.URLParam(r, "accountID")

	var req changeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	acct, err := op(r.Context(), accountID, req.PackageID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: acct})
}

func (h *SubscriptionHandler) toggle(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, accountID string) (*types.Account, error),
) {
	accountID := chi.URLParam(r, "accountID")

	acct, err := op(r.Context(), accountID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: acct})
}
