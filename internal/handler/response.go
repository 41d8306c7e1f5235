package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"qrattend/internal/apperr"
)

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Meta    any    `json:"meta,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func respond(c *gin.Context, status int, msg string, data any) {
	c.JSON(status, envelope{Success: true, Message: msg, Data: data})
}

func respondList(c *gin.Context, msg string, meta, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Message: msg, Meta: meta, Data: data})
}

// fail writes err using its apperr kind. Internal causes are logged, never returned.
func fail(c *gin.Context, log *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, envelope{Success: false, Message: apperr.PublicMessage(err)})
}
