package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/credkeeper/adapters/tokenizer"
	"github.com/layer-3/credkeeper/core"
	"github.com/layer-3/credkeeper/service"
)

// AuthHandlers contains HTTP handlers for the control API
type AuthHandlers struct {
	authService *service.AuthService
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
	}
}

// SignIn stores a credential pair issued by the identity provider. Expiries
// are read from the credentials themselves.
func (h *AuthHandlers) SignIn(c *gin.Context) {
	var req struct {
		AccessToken  string `json:"access_token" binding:"required"`
		RefreshToken string `json:"refresh_token" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	access, err := tokenizer.Decode(req.AccessToken)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid access token"})
		return
	}
	renewal, err := tokenizer.Decode(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid refresh token"})
		return
	}

	pair := core.CredentialPair{
		AccessToken:      req.AccessToken,
		RefreshToken:     req.RefreshToken,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: renewal.ExpiresAt,
	}
	if err := h.authService.SignIn(c.Request.Context(), pair); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.authService.Status())
}

// Status returns the authentication state
func (h *AuthHandlers) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.authService.Status())
}

// Token returns a valid access credential, renewing it first if needed
func (h *AuthHandlers) Token(c *gin.Context) {
	token, err := h.authService.AccessToken(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not signed in"})
		return
	}

	status := h.authService.Status()
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_at":   status.AccessExpiresAt,
	})
}

// Refresh forces a renewal
func (h *AuthHandlers) Refresh(c *gin.Context) {
	pair, err := h.authService.Refresh(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": pair.AccessToken,
		"token_type":   "Bearer",
		"expires_at":   pair.AccessExpiresAt,
	})
}

// SignOut removes the credentials and the session
func (h *AuthHandlers) SignOut(c *gin.Context) {
	if err := h.authService.SignOut(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Signed out"})
}

// Lifecycle forwards a foreground/background transition
func (h *AuthHandlers) Lifecycle(c *gin.Context) {
	event := core.LifecycleEvent(c.Param("state"))
	if event != core.LifecycleForeground && event != core.LifecycleBackground {
		c.JSON(http.StatusBadRequest, gin.H{"error": "State must be foreground or background"})
		return
	}

	h.authService.HandleLifecycle(event)
	c.Status(http.StatusNoContent)
}

// Events returns the security event log, oldest first
func (h *AuthHandlers) Events(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": h.authService.Events()})
}

// ForceLogout wipes the credentials and raises a critical alert
func (h *AuthHandlers) ForceLogout(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.authService.ForceLogout(c.Request.Context(), req.Reason); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// Health reports liveness
func (h *AuthHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusFor maps an error code onto an HTTP status
func statusFor(code core.Code) int {
	switch code {
	case core.CodeTokenExpired, core.CodeTokenInvalid:
		return http.StatusUnauthorized
	case core.CodeBiometricError:
		return http.StatusForbidden
	case core.CodeRefreshFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	code := core.CodeOf(err)
	if code == "" {
		code = core.CodeStorageError
	}

	msg := string(code)
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		msg = coreErr.Message
	}

	_ = c.Error(err)
	c.JSON(statusFor(code), gin.H{
		"error": msg,
		"code":  code,
	})
}
