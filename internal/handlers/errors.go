package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"market-chat/internal/apperrors"
	"market-chat/internal/logger"
)

// ClientIDHeader names the publishing tab so its own websocket can skip the echo.
const ClientIDHeader = "X-Client-Id"

// writeError maps err to its status. Unclassified errors are logged and hidden.
func writeError(c *gin.Context, log *zap.Logger, err error) {
	status := apperrors.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logger.WithContext(c.Request.Context(), logger.OrNop(log)).Error("request failed", zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}
