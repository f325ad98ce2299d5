package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/accesscore/internal/models"
	"github.com/charlesng35/accesscore/internal/services"
	"github.com/charlesng35/accesscore/pkg/errors"
	"github.com/charlesng35/accesscore/pkg/response"
)

// OrganizationHandler serves organization CRUD, membership management and
// plan usage. Role checks happen inside OrganizationService.
type OrganizationHandler struct {
	orgs *services.OrganizationService
}

func NewOrganizationHandler(orgs *services.OrganizationService) *OrganizationHandler {
	return &OrganizationHandler{orgs: orgs}
}

type createOrganizationRequest struct {
	Name    string `json:"name" validate:"required,notblank,max=255"`
	LogoURL string `json:"logo_url" validate:"omitempty,url,max=2048"`
}

type updateOrganizationRequest struct {
	Name     *string        `json:"name" validate:"omitempty,notblank,max=255"`
	Slug     *string        `json:"slug" validate:"omitempty,max=64,slug"`
	LogoURL  *string        `json:"logo_url" validate:"omitempty,max=2048"`
	Settings map[string]any `json:"settings"`
}

type updateMemberRoleRequest struct {
	Role string `json:"role" validate:"required"`
}

// GET /api/organizations
func (h *OrganizationHandler) List(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	orgs, err := h.orgs.ListForUser(requestContext(c), principal.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, orgs)
}

// POST /api/organizations
func (h *OrganizationHandler) Create(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	var req createOrganizationRequest
	if !bindAndValidate(c, &req) {
		return
	}

	org, err := h.orgs.Create(requestContext(c), principal.UserID, services.CreateOrganizationInput{
		Name:    strings.TrimSpace(req.Name),
		LogoURL: strings.TrimSpace(req.LogoURL),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, org)
}

// GET /api/organizations/:id
func (h *OrganizationHandler) Get(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	org, err := h.orgs.Get(requestContext(c), principal.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, org)
}

// PATCH /api/organizations/:id
func (h *OrganizationHandler) Update(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	var req updateOrganizationRequest
	if !bindAndValidate(c, &req) {
		return
	}

	org, err := h.orgs.Update(requestContext(c), principal.UserID, c.Param("id"), services.UpdateOrganizationInput{
		Name:     req.Name,
		Slug:     req.Slug,
		LogoURL:  req.LogoURL,
		Settings: req.Settings,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, org)
}

// DELETE /api/organizations/:id
func (h *OrganizationHandler) Delete(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	if err := h.orgs.Delete(requestContext(c), principal.UserID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// GET /api/organizations/:id/usage
func (h *OrganizationHandler) Usage(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	usage, err := h.orgs.Usage(requestContext(c), principal.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, usage)
}

// GET /api/organizations/:id/members
func (h *OrganizationHandler) Members(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	members, err := h.orgs.GetMembers(requestContext(c), principal.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, members)
}

// PATCH /api/organizations/:id/members/:userID
func (h *OrganizationHandler) UpdateMemberRole(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	var req updateMemberRoleRequest
	if !bindAndValidate(c, &req) {
		return
	}
	role, valid := models.ParseRole(req.Role)
	if !valid {
		response.Error(c, errors.NewValidation("role must be one of VIEWER MEMBER ADMIN OWNER"))
		return
	}

	member, err := h.orgs.UpdateMemberRole(requestContext(c), principal.UserID, c.Param("id"), c.Param("userID"), role)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, member)
}

// DELETE /api/organizations/:id/members/:userID
//
// A member may remove themselves; removing others requires ADMIN.
func (h *OrganizationHandler) RemoveMember(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	if err := h.orgs.RemoveMember(requestContext(c), principal.UserID, c.Param("id"), c.Param("userID")); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}
