package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/bcrypt"

	"drawclub/internal/core"
	"drawclub/internal/types"
)

// defaultLedgerPageSize is the per-query chunk size for the ledger export and
// the default limit for the per-account ledger listing.
const defaultLedgerPageSize = 500

// AccountReader is the account read surface the operator endpoints need.
type AccountReader interface {
	GetByID(ctx context.Context, accountID string) (*types.Account, error)
}

// LedgerReader is the ledger read surface the operator endpoints need.
type LedgerReader interface {
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*types.LedgerEntry, error)
	ListPage(ctx context.Context, afterID string, limit int) ([]*types.LedgerEntry, error)
}

// AdminHandler exposes the operator endpoints: account inspection, per-account
// ledger history, and a full-ledger export for offline reconciliation.
// All routes require the X-Admin-Key header to match the configured bcrypt
// hash.
type AdminHandler struct {
	accounts   AccountReader
	ledger     LedgerReader
	apiKeyHash string
	logger     *slog.Logger
}

// NewAdminHandler creates an AdminHandler. apiKeyHash is the bcrypt hash of
// the operator API key.
func NewAdminHandler(accounts AccountReader, ledger LedgerReader, apiKeyHash string, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		accounts:   accounts,
		ledger:     ledger,
		apiKeyHash: apiKeyHash,
		logger:     logger,
	}
}

// RegisterRoutes mounts the operator endpoints behind the admin key check.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdminKey)
		r.Get("/accounts/{accountID}", h.HandleGetAccount)
		r.Get("/accounts/{accountID}/ledger", h.HandleAccountLedger)
		r.Get("/ledger/export", h.HandleLedgerExport)
	})
}

// requireAdminKey compares the X-Admin-Key header against the configured
// bcrypt hash. The comparison is constant-time by construction.
func (h *AdminHandler) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if key == "" {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeAuthAdminKeyInvalid,
				"missing X-Admin-Key header",
				nil,
			))
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(h.apiKeyHash), []byte(key)); err != nil {
			h.logger.WarnContext(r.Context(), "admin key rejected", "remote_addr", r.RemoteAddr)
			core.Error(w, r, types.NewAppError(
				types.ErrCodeAuthAdminKeyInvalid,
				"invalid admin key",
				nil,
			))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleGetAccount returns the full account aggregate, including subscription
// state and any pending change.
func (h *AdminHandler) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	acct, err := h.accounts.GetByID(r.Context(), accountID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: acct})
}

// HandleAccountLedger returns the most recent ledger entries for one account,
// newest first. The limit query parameter caps the result (default 500).
func (h *AdminHandler) HandleAccountLedger(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	limit := defaultLedgerPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"limit must be a positive integer",
				err,
			))
			return
		}
		if n < limit {
			limit = n
		}
	}

	entries, err := h.ledger.ListByAccount(r.Context(), accountID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: entries})
}

// HandleLedgerExport streams the entire ledger as gzip-compressed NDJSON, one
// entry per line, paged through the stable id ordering so a concurrent insert
// cannot shift the cursor. Intended for offline reconciliation against the
// gateway's payment reports.
func (h *AdminHandler) HandleLedgerExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="payment_ledger.ndjson.gz"`)

	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)

	afterID := ""
	exported := 0
	for {
		entries, err := h.ledger.ListPage(r.Context(), afterID, defaultLedgerPageSize)
		if err != nil {
			// Headers are already sent once the first page was written; all
			// that remains is to log and truncate the stream.
			if exported == 0 {
				core.Error(w, r, err)
				return
			}
			h.logger.ErrorContext(r.Context(), "ledger export aborted mid-stream",
				"exported", exported,
				"error", err,
			)
			return
		}
		if len(entries) == 0 {
			break
		}

		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				h.logger.ErrorContext(r.Context(), "ledger export write failed",
					"exported", exported,
					"error", err,
				)
				return
			}
			exported++
		}
		afterID = entries[len(entries)-1].ID
	}

	if err := gz.Close(); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to flush ledger export", "error", err)
		return
	}

	h.logger.InfoContext(r.Context(), "ledger export complete", "entries", exported)
}
