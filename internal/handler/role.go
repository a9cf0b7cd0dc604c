package handler

import (
	"log/slog"
	"net/http"

	"cohort/internal/domain/services"
	"cohort/internal/httputil"
)

// RoleHandler handles role HTTP requests
type RoleHandler struct {
	roleService services.RoleService
	logger      *slog.Logger
}

// NewRoleHandler creates a new role handler
func NewRoleHandler(roleService services.RoleService, logger *slog.Logger) *RoleHandler {
	return &RoleHandler{
		roleService: roleService,
		logger:      logger,
	}
}

// CreateRole creates a role
// POST /api/roles
func (h *RoleHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req services.CreateRoleRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	role, err := h.roleService.CreateRole(r.Context(), user, &req)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, role)
}

// UpdateRole edits a role's name, permissions or users
// PATCH /api/roles/{id}
func (h *RoleHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req services.EditRoleRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	role, err := h.roleService.EditRole(r.Context(), user, r.PathValue("id"), &req)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, role)
}

// DeleteRole soft-deletes a role
// DELETE /api/roles/{id}
func (h *RoleHandler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	if err := h.roleService.DeleteRole(r.Context(), user, r.PathValue("id")); err != nil {
		handleError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListRoles lists the roles of a study, or of one project via ?projectId=
// GET /api/studies/{id}/roles
func (h *RoleHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	roles, err := h.roleService.ListRoles(r.Context(), user, r.PathValue("id"), optionalQuery(r, "projectId"))
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, roles)
}
