package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "sfusignal/pkg/errors"
)

// errorBody is the admin API error shape; signaling replies use their own.
type errorBody struct {
	Code      apperrors.ErrorCode    `json:"error"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

var internalError = apperrors.NewInternalError("Internal server error")

func writeError(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, errorBody{
		Code:      appErr.Code,
		Message:   appErr.Message,
		RequestID: c.GetString(RequestIDKey),
		Details:   appErr.Details,
	})
}

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error, unless the handler already wrote a response. Errors without a
// code are logged and hidden behind a 500.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		fields := []interface{}{
			"path", c.FullPath(),
			"request_id", c.GetString(RequestIDKey),
		}

		appErr := apperrors.GetAppError(err)
		if appErr == nil {
			logger.Errorw("Unhandled error", append(fields, "error", err)...)
			writeError(c, internalError)
			return
		}
		logger.Warnw("Request failed", append(fields, "code", appErr.Code, "status", appErr.HTTPStatus, "error", err)...)
		writeError(c, appErr)
	}
}

// RecoveryMiddleware turns a handler panic into a 500.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorw("Panic recovered",
					"panic", rec,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				writeError(c, internalError)
			}
		}()
		c.Next()
	}
}
