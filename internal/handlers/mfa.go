package handlers

import (
	stdErrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/accesscore/internal/auth/mfa"
	"github.com/charlesng35/accesscore/pkg/errors"
	"github.com/charlesng35/accesscore/pkg/response"
)

// MFAHandler manages TOTP enrollment for the signed-in user.
type MFAHandler struct {
	totp *mfa.TOTPService
}

func NewMFAHandler(totp *mfa.TOTPService) *MFAHandler {
	return &MFAHandler{totp: totp}
}

type mfaCodeRequest struct {
	Code string `json:"code" validate:"required,max=32"`
}

// GET /api/auth/mfa
func (h *MFAHandler) Status(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	enabled, remaining, err := h.totp.Status(requestContext(c), principal.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"enabled": enabled, "backup_codes_remaining": remaining})
}

// POST /api/auth/mfa/setup returns the secret, QR code and backup codes once.
func (h *MFAHandler) Setup(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	enrollment, err := h.totp.Setup(requestContext(c), principal.UserID, principal.Email)
	if err != nil {
		response.Error(c, mapMFAError(err))
		return
	}

	response.Success(c, http.StatusCreated, enrollment)
}

// POST /api/auth/mfa/confirm
func (h *MFAHandler) Confirm(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	var req mfaCodeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.totp.Confirm(requestContext(c), principal.UserID, req.Code); err != nil {
		response.Error(c, mapMFAError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"enabled": true})
}

// POST /api/auth/mfa/disable
func (h *MFAHandler) Disable(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	var req mfaCodeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.totp.Disable(requestContext(c), principal.UserID, req.Code); err != nil {
		response.Error(c, mapMFAError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"enabled": false})
}

func mapMFAError(err error) error {
	switch {
	case stdErrors.Is(err, mfa.ErrAlreadyEnabled):
		return errors.NewConflict("Multi-factor authentication is already enabled")
	case stdErrors.Is(err, mfa.ErrNotEnrolled):
		return errors.NewNotFound("Multi-factor authentication is not set up")
	case stdErrors.Is(err, mfa.ErrInvalidCode):
		return errors.ErrMFAInvalid
	default:
		return err
	}
}
