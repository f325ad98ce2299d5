package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/accesscore/internal/handlers"
)

type authRouteDeps struct {
	AuthHandler   *handlers.AuthHandler
	GoogleHandler *handlers.GoogleHandler
	MFAHandler    *handlers.MFAHandler
	RequireAuth   gin.HandlerFunc
	Throttle      gin.HandlerFunc
}

func registerAuthRoutes(engine *gin.Engine, api *gin.RouterGroup, deps authRouteDeps) {
	public := engine.Group("/api/auth")
	public.Use(deps.Throttle)
	{
		public.POST("/register", deps.AuthHandler.Register)
		public.POST("/login", deps.AuthHandler.Login)
		public.POST("/refresh", deps.AuthHandler.Refresh)
		public.POST("/forgot-password", deps.AuthHandler.ForgotPassword)
		public.POST("/reset-password", deps.AuthHandler.ResetPassword)
		public.POST("/verify-email", deps.AuthHandler.VerifyEmail)
		public.GET("/google", deps.GoogleHandler.Begin)
		public.GET("/google/callback", deps.GoogleHandler.Callback)
	}

	auth := api.Group("/auth")
	auth.Use(deps.RequireAuth)
	{
		auth.GET("/me", deps.AuthHandler.Me)
		auth.POST("/logout", deps.AuthHandler.Logout)
		auth.POST("/logout-all", deps.AuthHandler.LogoutAll)
		auth.POST("/change-password", deps.AuthHandler.ChangePassword)
		auth.POST("/resend-verification", deps.AuthHandler.ResendVerification)
		auth.GET("/sessions", deps.AuthHandler.ListSessions)
		auth.DELETE("/sessions/:id", deps.AuthHandler.RevokeSession)
	}

	if deps.MFAHandler == nil {
		return
	}
	mfa := auth.Group("/mfa")
	{
		mfa.GET("", deps.MFAHandler.Status)
		mfa.POST("/setup", deps.MFAHandler.Setup)
		mfa.POST("/confirm", deps.MFAHandler.Confirm)
		mfa.POST("/disable", deps.MFAHandler.Disable)
	}
}
