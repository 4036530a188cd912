package middleware

import (
	"context"
	"errors"
	"net/http"

	"loyalty-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error attached with c.Error as a JSON body, using
// the CoreStatus of errutil.BaseError to pick the HTTP status.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var base errutil.BaseError
		if errors.As(last.Err, &base) {
			if base.Code.HTTPStatus() >= http.StatusInternalServerError {
				zap.L().Error("request failed", zap.String("path", c.FullPath()), zap.Error(last.Err))
			}
			c.JSON(base.Code.HTTPStatus(), base.JSON())
			return
		}

		if errors.Is(last.Err, context.DeadlineExceeded) {
			c.JSON(http.StatusGatewayTimeout, errutil.BaseError{Code: errutil.StatusTimeout, Message: "request timed out"}.JSON())
			return
		}

		zap.L().Error("unhandled request error", zap.String("path", c.FullPath()), zap.Error(last.Err))
		c.JSON(http.StatusInternalServerError, errutil.BaseError{Code: errutil.StatusInternal, Message: "internal error"}.JSON())
	}
}
