package handlers

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"campus-chat/internal/apperr"
)

// writeError renders err with the status and code of its taxonomy class.
// Internal failures are logged and reported without detail.
func writeError(c *gin.Context, log *slog.Logger, err error, fallback string) {
	code := apperr.Code(err)
	message := err.Error()
	if code == apperr.CodeInternal {
		log.Error(fallback, "path", c.FullPath(), "request_id", requestIDFromContext(c), "error", err)
		message = fallback
	}
	c.JSON(apperr.HTTPStatus(err), gin.H{"code": code, "error": message})
}
