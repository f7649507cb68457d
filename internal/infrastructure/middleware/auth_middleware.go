package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"sfusignal/internal/core/services"
	apperrors "sfusignal/pkg/errors"
)

// SubjectKey is the gin context key holding the authenticated subject.
const SubjectKey = "subject"

// AuthMiddleware requires a valid bearer token. A nil authService disables
// the check.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authService == nil {
			c.Next()
			return
		}

		token, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			writeError(c, apperrors.NewUnauthorizedError("bearer token required"))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			writeError(c, apperrors.NewUnauthorizedError(err.Error()))
			return
		}

		c.Set(SubjectKey, claims.Subject)
		c.Next()
	}
}

func bearer(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
