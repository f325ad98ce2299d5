package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	iauth "github.com/charlesng35/accesscore/internal/auth"
	"github.com/charlesng35/accesscore/internal/models"
	"github.com/charlesng35/accesscore/internal/services"
	"github.com/charlesng35/accesscore/pkg/errors"
	"github.com/charlesng35/accesscore/pkg/response"
)

// AuthHandler exposes the credential flows: register, login, refresh,
// logout, password reset and change, and email verification.
type AuthHandler struct {
	auth     *services.AuthService
	sessions *iauth.SessionService
}

func NewAuthHandler(auth *services.AuthService, sessions *iauth.SessionService) *AuthHandler {
	return &AuthHandler{auth: auth, sessions: sessions}
}

type registerRequest struct {
	Email            string `json:"email" validate:"required,email,max=320"`
	Password         string `json:"password" validate:"required,max=256"`
	Name             string `json:"name" validate:"omitempty,max=255"`
	OrganizationName string `json:"organization_name" validate:"omitempty,max=255"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
	MFACode  string `json:"mfa_code" validate:"omitempty,max=32"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required"`
}

type resetPasswordRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,max=256"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,max=256"`
}

type tokenRequest struct {
	Token string `json:"token" validate:"required"`
}

type sessionDTO struct {
	ID         string    `json:"id"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Current    bool      `json:"current"`
}

// POST /api/auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if !bindAndValidate(c, &req) {
		return
	}

	meta := sessionMetadata(c)
	result, err := h.auth.Register(requestContext(c), services.RegisterInput{
		Email:            req.Email,
		Password:         req.Password,
		Name:             strings.TrimSpace(req.Name),
		OrganizationName: strings.TrimSpace(req.OrganizationName),
		IPAddress:        meta.IPAddress,
		UserAgent:        meta.UserAgent,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, result)
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	meta := sessionMetadata(c)
	result, err := h.auth.Login(requestContext(c), services.LoginInput{
		Email:     req.Email,
		Password:  req.Password,
		MFACode:   strings.TrimSpace(req.MFACode),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// POST /api/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindAndValidate(c, &req) {
		return
	}

	pair, err := h.auth.RefreshToken(requestContext(c), strings.TrimSpace(req.RefreshToken))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, pair)
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	if err := h.auth.Logout(requestContext(c), principal.SessionID); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Logged out"})
}

// POST /api/auth/logout-all
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	if err := h.auth.LogoutAll(requestContext(c), principal.UserID); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Logged out of all sessions"})
}

// POST /api/auth/forgot-password always answers 202 so callers cannot enumerate
// which emails are registered.
func (h *AuthHandler) ForgotPassword(c *gin.Context) {
	var req emailRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.auth.ForgotPassword(requestContext(c), req.Email); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{
		"message": "If the email is registered, a reset link is on its way",
	})
}

// POST /api/auth/reset-password
func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.auth.ResetPassword(requestContext(c), strings.TrimSpace(req.Token), req.Password); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Password updated"})
}

// POST /api/auth/change-password
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	var req changePasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.auth.ChangePassword(requestContext(c), principal.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Password updated"})
}

// POST /api/auth/verify-email
func (h *AuthHandler) VerifyEmail(c *gin.Context) {
	var req tokenRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.auth.VerifyEmail(requestContext(c), strings.TrimSpace(req.Token)); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Email verified"})
}

// POST /api/auth/resend-verification
func (h *AuthHandler) ResendVerification(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	if err := h.auth.ResendVerification(requestContext(c), principal.UserID); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{"message": "Verification email sent"})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	user, err := h.auth.Me(requestContext(c), principal.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, user)
}

// GET /api/auth/sessions
func (h *AuthHandler) ListSessions(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	sessions, err := h.sessions.ListUserSessions(requestContext(c), principal.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, toSessionDTOs(sessions, principal.SessionID))
}

// DELETE /api/auth/sessions/:id revokes one of the caller's own sessions.
func (h *AuthHandler) RevokeSession(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	sessionID := strings.TrimSpace(c.Param("id"))

	sessions, err := h.sessions.ListUserSessions(requestContext(c), principal.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	owned := false
	for _, session := range sessions {
		if session.ID == sessionID {
			owned = true
			break
		}
	}
	if !owned {
		response.Error(c, errors.NewNotFound("Session not found"))
		return
	}

	if err := h.auth.Logout(requestContext(c), sessionID); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

func toSessionDTOs(sessions []models.Session, currentID string) []sessionDTO {
	out := make([]sessionDTO, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, sessionDTO{
			ID:         session.ID,
			IPAddress:  session.IPAddress,
			UserAgent:  session.UserAgent,
			CreatedAt:  session.CreatedAt,
			LastUsedAt: session.LastUsedAt,
			ExpiresAt:  session.ExpiresAt,
			Current:    session.ID == currentID,
		})
	}
	return out
}
