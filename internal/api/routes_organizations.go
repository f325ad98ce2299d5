package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/accesscore/internal/handlers"
)

type organizationRouteDeps struct {
	OrganizationHandler *handlers.OrganizationHandler
	InvitationHandler   *handlers.InvitationHandler
	RequireAuth         gin.HandlerFunc
}

func registerOrganizationRoutes(api *gin.RouterGroup, deps organizationRouteDeps) {
	orgs := api.Group("/organizations")
	orgs.Use(deps.RequireAuth)
	{
		orgs.GET("", deps.OrganizationHandler.List)
		orgs.POST("", deps.OrganizationHandler.Create)
		orgs.GET("/:id", deps.OrganizationHandler.Get)
		orgs.PATCH("/:id", deps.OrganizationHandler.Update)
		orgs.DELETE("/:id", deps.OrganizationHandler.Delete)
		orgs.GET("/:id/usage", deps.OrganizationHandler.Usage)

		orgs.GET("/:id/members", deps.OrganizationHandler.Members)
		orgs.PATCH("/:id/members/:userID", deps.OrganizationHandler.UpdateMemberRole)
		orgs.DELETE("/:id/members/:userID", deps.OrganizationHandler.RemoveMember)

		orgs.GET("/:id/invitations", deps.InvitationHandler.List)
		orgs.POST("/:id/invitations", deps.InvitationHandler.Invite)
		orgs.DELETE("/:id/invitations/:invitationID", deps.InvitationHandler.Revoke)
	}

	invitations := api.Group("/invitations")
	invitations.Use(deps.RequireAuth)
	invitations.POST("/accept", deps.InvitationHandler.Accept)
}
