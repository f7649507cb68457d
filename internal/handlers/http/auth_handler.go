package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sfusignal/internal/core/services"
	"sfusignal/internal/infrastructure/middleware"
	"sfusignal/pkg/errors"
)

type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

// SetupRoutes expects api to be behind AuthMiddleware.
func (h *AuthHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/auth/refresh", h.RefreshToken)
}

// RefreshToken issues a new token for the subject of the presented one.
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	subject := c.GetString(middleware.SubjectKey)
	if subject == "" {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}

	token, err := h.authService.GenerateToken(subject)
	if err != nil {
		c.Error(errors.NewInternalError("failed to issue token"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}
