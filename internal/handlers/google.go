package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/accesscore/internal/services"
	"github.com/charlesng35/accesscore/pkg/errors"
	"github.com/charlesng35/accesscore/pkg/response"
)

// GoogleHandler drives the Google authorization-code redirect flow.
type GoogleHandler struct {
	oauth *services.OAuthService
}

func NewGoogleHandler(oauth *services.OAuthService) *GoogleHandler {
	return &GoogleHandler{oauth: oauth}
}

// GET /api/auth/google?return_to=/dashboard
//
// Browsers are redirected to the consent screen. Clients that ask for JSON
// receive the URL instead.
func (h *GoogleHandler) Begin(c *gin.Context) {
	url, err := h.oauth.BeginGoogle(c.Query("return_to"))
	if err != nil {
		response.Error(c, err)
		return
	}

	if strings.Contains(c.GetHeader("Accept"), "application/json") {
		response.Success(c, http.StatusOK, gin.H{"authorization_url": url})
		return
	}
	c.Redirect(http.StatusFound, url)
}

// GET /api/auth/google/callback?state=...&code=...
func (h *GoogleHandler) Callback(c *gin.Context) {
	if providerErr := c.Query("error"); providerErr != "" {
		response.Error(c, errors.NewUnauthorized("Google sign-in was cancelled"))
		return
	}

	state := strings.TrimSpace(c.Query("state"))
	code := strings.TrimSpace(c.Query("code"))
	if state == "" || code == "" {
		response.Error(c, errors.NewBadRequest("state and code are required"))
		return
	}

	result, err := h.oauth.CompleteGoogle(requestContext(c), state, code, sessionMetadata(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	status := http.StatusOK
	if result.IsNewUser {
		status = http.StatusCreated
	}
	response.Success(c, status, result)
}
