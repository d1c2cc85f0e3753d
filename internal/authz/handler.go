package authz

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/steward-auth/steward/internal/accounts"
	"github.com/steward-auth/steward/internal/platform/httpx"
	"github.com/steward-auth/steward/internal/shared"
)

// Handler exposes the authorization service over the admin JSON API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	accounts *accounts.Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, accountsService *accounts.Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		accounts: accountsService,
		validate: validator.New(),
	}
}

// MountRoutes registers authorization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/roles", func(r chi.Router) {
		r.Get("/", h.listRoles)
		r.Post("/", h.createRole)
		r.Get("/custom", h.customRoles)
		r.Get("/by-name/{roleName}", h.getRoleByName)
		r.Get("/by-name/{roleName}/users", h.usersWithRole)
		r.Put("/{roleID}", h.updateRole)
		r.Delete("/{roleID}", h.deleteRole)
	})
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/roles", h.getUserRoles)
		r.Post("/roles", h.assignRole)
		r.Put("/roles", h.syncRoles)
		r.Delete("/roles/{roleName}", h.removeRole)
		r.Post("/promote", h.promote)
		r.Post("/demote", h.demote)
		r.Get("/can-deactivate", h.canDeactivate)
		r.Post("/election", h.election)
	})
	r.Post("/migrations/assign-existing", h.bulkAssign)
	r.Get("/stats", h.roleStats)
	r.Get("/stats/extended", h.extendedStats)
}

type roleResponse struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	IsSystemRole bool      `json:"is_system_role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type assignmentResponse struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	RoleID     int64     `json:"role_id"`
	AssignedBy *int64    `json:"assigned_by,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
}

func toRoleResponse(role Role) roleResponse {
	return roleResponse{
		ID:           role.ID,
		Name:         role.Name,
		Description:  role.Description,
		IsSystemRole: role.IsSystemRole,
		CreatedAt:    role.CreatedAt,
		UpdatedAt:    role.UpdatedAt,
	}
}

func toAssignmentResponse(a Assignment) assignmentResponse {
	return assignmentResponse{
		ID:         a.ID,
		UserID:     a.UserID,
		RoleID:     a.RoleID,
		AssignedBy: a.AssignedBy,
		AssignedAt: a.AssignedAt,
	}
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]roleResponse, len(roles))
	for i, role := range roles {
		out[i] = toRoleResponse(role)
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) customRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.GetCustomRoles(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]roleResponse, len(roles))
	for i, role := range roles {
		out[i] = toRoleResponse(role)
	}
	httpx.JSON(w, http.StatusOK, out)
}

type createRoleRequest struct {
	Name        string `json:"name" validate:"required,max=50"`
	Description string `json:"description" validate:"max=500"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.service.CreateRole(r.Context(), RoleInput{Name: req.Name, Description: req.Description})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

type updateRoleRequest struct {
	Name         *string `json:"name" validate:"omitempty,max=50"`
	Description  *string `json:"description" validate:"omitempty,max=500"`
	IsSystemRole *bool   `json:"is_system_role"`
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "roleID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Role ID", "")
		return
	}
	var req updateRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.service.UpdateRole(r.Context(), id, UpdateRoleInput{
		Name:         req.Name,
		Description:  req.Description,
		IsSystemRole: req.IsSystemRole,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "roleID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Role ID", "")
		return
	}
	role, err := h.service.DeleteRole(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) getRoleByName(w http.ResponseWriter, r *http.Request) {
	role, err := h.service.GetRoleByName(r.Context(), chi.URLParam(r, "roleName"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) usersWithRole(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.UsersWithRole(r.Context(), chi.URLParam(r, "roleName"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	type userResponse struct {
		ID       int64  `json:"id"`
		Email    string `json:"email"`
		Name     string `json:"name"`
		IsActive bool   `json:"is_active"`
	}
	out := make([]userResponse, len(users))
	for i, u := range users {
		out[i] = userResponse{ID: u.ID, Email: u.Email, Name: u.Name, IsActive: u.IsActive}
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getUserRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	roles, err := h.service.GetUserRoles(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": RoleNames(roles)})
}

type assignRoleRequest struct {
	Role string `json:"role" validate:"required"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	assignment, err := h.service.AssignRole(r.Context(), userID, req.Role, actorRef(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAssignmentResponse(assignment))
}

type syncRolesRequest struct {
	Roles []string `json:"roles" validate:"required"`
}

func (h *Handler) syncRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req syncRolesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	assignments, err := h.service.SyncUserRoles(r.Context(), userID, req.Roles)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]assignmentResponse, len(assignments))
	for i, a := range assignments {
		out[i] = toAssignmentResponse(a)
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	assignment, err := h.service.SafelyRemoveRole(r.Context(), userID, chi.URLParam(r, "roleName"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAssignmentResponse(assignment))
}

func (h *Handler) promote(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	assignment, err := h.service.PromoteToAdmin(r.Context(), userID, actorRef(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAssignmentResponse(assignment))
}

func (h *Handler) demote(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	assignment, err := h.service.DemoteToUser(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAssignmentResponse(assignment))
}

func (h *Handler) canDeactivate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := h.service.CanDeactivateUser(r.Context(), userID); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) election(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	account, err := h.accounts.GetAccount(r.Context(), userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Account Not Found", "")
			return
		}
		h.respondError(w, err)
		return
	}
	granted, err := h.service.EnsureFirstUserIsOwner(r.Context(), account)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"granted_role": granted})
}

type bulkAssignRequest struct {
	MakeFirstOwner bool `json:"make_first_owner"`
}

func (h *Handler) bulkAssign(w http.ResponseWriter, r *http.Request) {
	var req bulkAssignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	result, err := h.service.AssignRolesToExistingUsers(r.Context(), MigrationOptions{MakeFirstOwner: req.MakeFirstOwner})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{
		"assigned_owner":  result.AssignedOwner,
		"assigned_users":  result.AssignedUsers,
		"total_processed": result.TotalProcessed,
	})
}

func (h *Handler) roleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetRoleStats(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"total_accounts": stats.TotalAccounts,
		"role_counts":    stats.RoleCounts,
	})
}

func (h *Handler) extendedStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetExtendedStats(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"total_accounts":     stats.TotalAccounts,
		"active_accounts":    stats.ActiveAccounts,
		"inactive_accounts":  stats.InactiveAccounts,
		"confirmed_accounts": stats.ConfirmedAccounts,
		"pending_accounts":   stats.PendingAccounts,
		"role_counts":        stats.RoleCounts,
	})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid User ID", "")
		return 0, false
	}
	return id, true
}

func actorRef(r *http.Request) *int64 {
	if id, ok := shared.ActorFromContext(r.Context()); ok {
		return &id
	}
	return nil
}

// respondError maps the service error taxonomy onto problem responses.
// Policy refusals stay distinct from infrastructure failures so clients can
// tell "not allowed" from "try again".
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		httpx.FieldProblem(w, "Validation Failed", verr.Fields)
	case errors.Is(err, ErrRoleNotFound), errors.Is(err, ErrAssignmentNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrOwnerRoleProtected), errors.Is(err, ErrSystemRoleProtected):
		httpx.Problem(w, http.StatusForbidden, "Protected", err.Error())
	case errors.Is(err, ErrRoleInUse),
		errors.Is(err, ErrCannotRemoveLastOwner),
		errors.Is(err, ErrCannotDeactivateLastOwner),
		errors.Is(err, ErrNoRoleToDemote):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("authz request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
