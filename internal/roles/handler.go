package roles

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/keystone-admin/keystone-admin/internal/hierarchy"
	"github.com/keystone-admin/keystone-admin/internal/platform/httpx"
	"github.com/keystone-admin/keystone-admin/internal/rbac"
)

// Handler manages role management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	rbac      rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, mw rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New(), rbac: mw}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny("system:role:list"))
		r.Get("/", h.listTopLevel)
		r.Get("/{id}", h.getRole)
		r.Get("/{id}/ancestors", h.listAncestors)
		r.Get("/{id}/descendants", h.listDescendants)
		r.Get("/{id}/children", h.listChildren)
		r.Get("/{id}/permissions", h.listRolePermissions)
	})
	r.With(h.rbac.RequireAll("system:role:create")).Post("/", h.createRole)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll("system:role:update"))
		r.Put("/{id}", h.updateRole)
		r.Post("/{id}/refresh", h.refreshHierarchy)
		r.Post("/check-cycle", h.checkCycle)
	})
	r.With(h.rbac.RequireAll("system:role:delete")).Delete("/", h.deleteRoles)
	r.With(h.rbac.RequireAll("system:role:grant")).Put("/{id}/permissions", h.setRolePermissions)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll("system:cache:flush"))
		r.Delete("/{id}/cache", h.evictRoleCache)
		r.Delete("/cache", h.flushRoleCaches)
	})
}

// MountPermissionRoutes registers the permission catalog routes.
func (h *Handler) MountPermissionRoutes(r chi.Router) {
	r.With(h.rbac.RequireAny("system:role:list", "system:role:grant")).Get("/", h.listPermissions)
	r.With(h.rbac.RequireAll("system:role:grant")).Post("/", h.ensurePermission)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, perms)
}

type ensurePermissionRequest struct {
	Code  string `json:"code" validate:"required,max=128"`
	Name  string `json:"name" validate:"required,max=128"`
	Kind  string `json:"kind" validate:"required,oneof=api menu button"`
	Route string `json:"route" validate:"max=255"`
}

func (h *Handler) ensurePermission(w http.ResponseWriter, r *http.Request) {
	var req ensurePermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	perm, err := h.service.EnsurePermission(r.Context(), rbac.Permission{
		Code:  req.Code,
		Name:  req.Name,
		Kind:  req.Kind,
		Route: req.Route,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, perm)
}

type createRoleRequest struct {
	Code          string `json:"code" validate:"required,max=64"`
	Name          string `json:"name" validate:"required,max=128"`
	ParentRoleID  *int64 `json:"parentRoleId"`
	IsInheritable bool   `json:"isInheritable"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.service.CreateRole(r.Context(), hierarchy.NewRole{
		Code:          req.Code,
		Name:          req.Name,
		ParentRoleID:  req.ParentRoleID,
		IsInheritable: req.IsInheritable,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toView(role))
}

type updateRoleRequest struct {
	Code          string `json:"code" validate:"required,max=64"`
	Name          string `json:"name" validate:"required,max=128"`
	ParentRoleID  *int64 `json:"parentRoleId"`
	IsInheritable bool   `json:"isInheritable"`
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req updateRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.service.UpdateRole(r.Context(), hierarchy.RoleUpdate{
		ID:            id,
		Code:          req.Code,
		Name:          req.Name,
		ParentRoleID:  req.ParentRoleID,
		IsInheritable: req.IsInheritable,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(role))
}

type deleteRolesRequest struct {
	IDs []int64 `json:"ids" validate:"required,min=1"`
}

func (h *Handler) deleteRoles(w http.ResponseWriter, r *http.Request) {
	var req deleteRolesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.DeleteRoles(r.Context(), req.IDs); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(role))
}

func (h *Handler) listTopLevel(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.TopLevelRoles(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toViews(roles))
}

func (h *Handler) listAncestors(w http.ResponseWriter, r *http.Request) {
	h.listRelated(w, r, h.service.AncestorRoles)
}

func (h *Handler) listDescendants(w http.ResponseWriter, r *http.Request) {
	h.listRelated(w, r, h.service.DescendantRoles)
}

func (h *Handler) listChildren(w http.ResponseWriter, r *http.Request) {
	h.listRelated(w, r, h.service.ChildRoles)
}

func (h *Handler) listRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	ids, err := h.service.RolePermissionIDs(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roleId": id, "permissionIds": ids})
}

type setPermissionsRequest struct {
	PermissionIDs []int64 `json:"permissionIds" validate:"required"`
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req setPermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.service.SetRolePermissions(r.Context(), id, req.PermissionIDs); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) refreshHierarchy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.RefreshHierarchy(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkCycleRequest struct {
	RoleID       int64 `json:"roleId" validate:"required"`
	ParentRoleID int64 `json:"parentRoleId" validate:"required"`
}

func (h *Handler) checkCycle(w http.ResponseWriter, r *http.Request) {
	var req checkCycleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.CheckCircularDependency(r.Context(), req.RoleID, req.ParentRoleID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) evictRoleCache(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.EvictRoleCache(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) flushRoleCaches(w http.ResponseWriter, r *http.Request) {
	if err := h.service.FlushRoleCaches(r.Context()); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listRelated(w http.ResponseWriter, r *http.Request, load func(ctx context.Context, roleID int64) ([]hierarchy.Role, error)) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	roles, err := load(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toViews(roles))
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "role id must be a positive integer")
		return 0, false
	}
	return id, true
}
