// Package response standardizes the HTTP response envelope. Success bodies
// are {code: 0, message: "success", data: ...}; error bodies carry the
// ApplicationError code and message, with the HTTP status matching the code,
// plus the request id so clients can quote it when reporting a failure.
package response

import (
	"net/http"

	"github.com/veltapay/sagaflow/internal/pkg/ctxkey"
	infraerrors "github.com/veltapay/sagaflow/internal/pkg/errors"

	"github.com/gin-gonic/gin"
)

type Body struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Body{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// SuccessWithStatus is Success with a non-200 HTTP status (e.g. 202 for
// asynchronously accepted work).
func SuccessWithStatus(c *gin.Context, status int, data any) {
	c.JSON(status, Body{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, status int, message string) {
	c.JSON(status, Body{
		Code:      status,
		Message:   message,
		RequestID: requestIDFrom(c),
	})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, message)
}

// ErrorFrom maps an error to the envelope. ApplicationError codes become the
// HTTP status; anything else is a 500 with its message passed through.
func ErrorFrom(c *gin.Context, err error) {
	if err == nil {
		Success(c, nil)
		return
	}
	appErr := infraerrors.FromError(err)
	status := appErr.Code
	if status < http.StatusContinue || status > http.StatusNetworkAuthenticationRequired {
		status = http.StatusInternalServerError
	}
	c.JSON(status, Body{
		Code:      appErr.Code,
		Message:   appErr.Message,
		RequestID: requestIDFrom(c),
	})
}

func requestIDFrom(c *gin.Context) string {
	if c.Request == nil {
		return ""
	}
	id, _ := c.Request.Context().Value(ctxkey.RequestID).(string)
	return id
}
