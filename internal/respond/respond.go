// Package respond writes JSON error bodies for gin handlers.
package respond

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/logging"
	"github.com/mbd888/ridewallet/internal/validation"
)

// Error maps err to its HTTP status and writes {"error", "message"}.
// Expected failures carry their detail message; unexpected ones are logged
// and answered with a generic message.
func Error(c *gin.Context, err error) {
	typed := apperr.As(err)
	if typed == nil {
		typed = apperr.Wrap(apperr.CodeInternal, err, "unexpected error")
	}
	meta := apperr.MetadataFor(typed.Code())

	msg := meta.PublicMessage
	if typed.Code() != apperr.CodeInternal && typed.Message() != "" {
		msg = typed.Message()
	}
	if typed.Code() == apperr.CodeInternal {
		logging.L(c.Request.Context()).Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
	}

	body := gin.H{
		"error":   string(typed.Code()),
		"message": msg,
	}
	if meta.Retryable {
		body["retryable"] = true
	}
	c.AbortWithStatusJSON(meta.HTTPStatus, body)
}

// BadRequest writes a 400 invalid_request error.
func BadRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

// Validation writes a 400 validation_error with per-field details.
func Validation(c *gin.Context, errs validation.ValidationErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   string(apperr.CodeValidation),
		"message": errs.Error(),
		"details": errs,
	})
}
