package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/accesscore/internal/models"
	"github.com/charlesng35/accesscore/internal/services"
	"github.com/charlesng35/accesscore/pkg/errors"
	"github.com/charlesng35/accesscore/pkg/response"
)

type InvitationHandler struct {
	orgs *services.OrganizationService
}

func NewInvitationHandler(orgs *services.OrganizationService) *InvitationHandler {
	return &InvitationHandler{orgs: orgs}
}

type inviteMemberRequest struct {
	Email string `json:"email" validate:"required,email,max=320"`
	Role  string `json:"role"`
}

type acceptInvitationRequest struct {
	Token string `json:"token" validate:"required"`
}

// POST /api/organizations/:id/invitations
//
// Existing users are added directly (201, status "added"); unknown emails
// receive a pending invitation (202, status "pending").
func (h *InvitationHandler) Invite(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	var req inviteMemberRequest
	if !bindAndValidate(c, &req) {
		return
	}

	role := models.RoleMember
	if req.Role != "" {
		parsed, valid := models.ParseRole(req.Role)
		if !valid {
			response.Error(c, errors.NewValidation("role must be one of VIEWER MEMBER ADMIN OWNER"))
			return
		}
		role = parsed
	}

	result, err := h.orgs.InviteMember(requestContext(c), principal.UserID, c.Param("id"), services.InviteMemberInput{
		Email: req.Email,
		Role:  role,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	status := http.StatusAccepted
	if result.Status == services.InviteStatusAdded {
		status = http.StatusCreated
	}
	response.Success(c, status, result)
}

// GET /api/organizations/:id/invitations
func (h *InvitationHandler) List(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	invitations, err := h.orgs.ListInvitations(requestContext(c), principal.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, invitations)
}

// DELETE /api/organizations/:id/invitations/:invitationID
func (h *InvitationHandler) Revoke(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	if err := h.orgs.RevokeInvitation(requestContext(c), principal.UserID, c.Param("id"), c.Param("invitationID")); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// POST /api/invitations/accept
func (h *InvitationHandler) Accept(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	var req acceptInvitationRequest
	if !bindAndValidate(c, &req) {
		return
	}

	member, err := h.orgs.AcceptInvitation(requestContext(c), req.Token, principal.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, member)
}
