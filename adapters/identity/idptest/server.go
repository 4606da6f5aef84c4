package idptest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/credkeeper/ports"
)

// Handler serves the provider over HTTP: POST /auth/refresh
func (p *Provider) Handler() http.Handler {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/auth/refresh", p.refresh)
	return router
}

func (p *Provider) refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	pair, err := p.Renew(c.Request.Context(), req.RefreshToken)
	if err != nil {
		statusCode := http.StatusInternalServerError
		errorMsg := "Failed to refresh tokens"
		code := ""

		var renewalErr *ports.RenewalError
		if errors.As(err, &renewalErr) {
			switch renewalErr.Kind {
			case ports.RenewalExpired:
				statusCode = http.StatusUnauthorized
				errorMsg = "Refresh token expired"
				code = "token_expired"
			case ports.RenewalInvalid:
				statusCode = http.StatusUnauthorized
				errorMsg = "Refresh token has been invalidated"
				code = "token_invalid"
			case ports.RenewalRateLimited:
				statusCode = http.StatusTooManyRequests
				errorMsg = "Too many requests"
			case ports.RenewalUnavailable:
				statusCode = http.StatusServiceUnavailable
				errorMsg = "Service unavailable"
			}
		}

		c.JSON(statusCode, gin.H{"error": errorMsg, "code": code})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"token_type":    "Bearer",
		"expires_in":    int(p.Issuer.AccessTTL.Seconds()),
	})
}
