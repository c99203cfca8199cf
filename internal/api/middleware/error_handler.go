// Package middleware provides HTTP middleware for the pipeline API.
//
// Import Path: loanmvp.io/pipeline/internal/api/middleware
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "loanmvp.io/pipeline/internal/pkg/errors"
	"loanmvp.io/pipeline/internal/pkg/logger"
)

// errorResponse is the body written for any error a handler records with
// c.Error.
type errorResponse struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Params    map[string]interface{} `json:"params,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// ErrorHandler renders the last error recorded on the context. AppErrors
// keep their code and status; anything else becomes a 500 without detail.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		rid := GetRequestID(c.Request.Context())

		if appErr, ok := apperrors.IsAppError(err); ok {
			fields := []zap.Field{
				zap.String("request_id", rid),
				zap.String("code", appErr.Code),
				zap.Int("status", appErr.HTTPStatus),
				zap.Error(appErr.Err),
			}
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				logger.Error("Request failed", fields...)
			} else {
				logger.Warn("Request rejected", fields...)
			}
			c.JSON(appErr.HTTPStatus, errorResponse{
				Code:      appErr.Code,
				Message:   appErr.Message,
				Params:    appErr.Params,
				RequestID: rid,
			})
			return
		}

		logger.Error("Unhandled request error", zap.String("request_id", rid), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{
			Code:      apperrors.CodeInternal,
			Message:   "An internal error occurred",
			RequestID: rid,
		})
	}
}
