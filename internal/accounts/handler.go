package accounts

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/steward-auth/steward/internal/platform/httpx"
	"github.com/steward-auth/steward/internal/shared"
)

// DeactivationGuard decides whether an account may be deactivated.
// Satisfied by the authorization service's CanDeactivateUser.
type DeactivationGuard interface {
	CanDeactivateUser(ctx context.Context, userID int64) error
}

// Handler manages account endpoints at this core's boundary.
type Handler struct {
	logger  *slog.Logger
	service *Service
	guard   DeactivationGuard
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, guard DeactivationGuard) *Handler {
	return &Handler{logger: logger, service: service, guard: guard}
}

// MountRoutes registers account routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.listAccounts)
	r.Get("/{accountID}", h.getAccount)
	r.Post("/{accountID}/deactivate", h.deactivate)
	r.Post("/{accountID}/activate", h.activate)
}

type accountResponse struct {
	ID          int64      `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	IsActive    bool       `json:"is_active"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toAccountResponse(acc Account) accountResponse {
	return accountResponse{
		ID:          acc.ID,
		Email:       acc.Email,
		Name:        acc.Name,
		IsActive:    acc.IsActive,
		ConfirmedAt: acc.ConfirmedAt,
		CreatedAt:   acc.CreatedAt,
	}
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accs, err := h.service.ListAccounts(r.Context())
	if err != nil {
		h.logger.Error("list accounts", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]accountResponse, len(accs))
	for i, acc := range accs {
		out[i] = toAccountResponse(acc)
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountID(w, r)
	if !ok {
		return
	}
	acc, err := h.service.GetAccount(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountResponse(acc))
}

// deactivate consults the owner-invariant guard before touching the account,
// so the last active owner can never be deactivated through this surface.
func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountID(w, r)
	if !ok {
		return
	}
	if err := h.guard.CanDeactivateUser(r.Context(), id); err != nil {
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
		return
	}
	if err := h.service.Deactivate(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (h *Handler) activate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountID(w, r)
	if !ok {
		return
	}
	if err := h.service.Activate(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (h *Handler) accountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Account ID", "")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, shared.ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "account not found")
		return
	}
	h.logger.Error("accounts request failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}
