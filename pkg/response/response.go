// Package response writes the JSON envelope shared by every REST endpoint.
package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	CodeBadRequest   = "BAD_REQUEST"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotFound     = "NOT_FOUND"
	CodeTooLarge     = "TOO_LARGE"
	CodeInternal     = "INTERNAL_ERROR"
	CodeUnavailable  = "SERVICE_UNAVAILABLE"
)

// requestIDHeader is set on the response by the request logging middleware.
const requestIDHeader = "X-Request-ID"

type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func Success(c *gin.Context, data interface{}) {
	JSON(c, http.StatusOK, data)
}

func Created(c *gin.Context, data interface{}) {
	JSON(c, http.StatusCreated, data)
}

func JSON(c *gin.Context, status int, data interface{}) {
	write(c, status, Response{Success: true, Data: data})
}

// Error writes a failure body. Messages reach clients verbatim, so callers
// pass sanitized text for internal failures.
func Error(c *gin.Context, status int, code, message string) {
	write(c, status, Response{Error: &ErrorInfo{Code: code, Message: message}})
}

// Abort is Error followed by c.Abort, for middleware.
func Abort(c *gin.Context, status int, code, message string) {
	Error(c, status, code, message)
	c.Abort()
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, CodeBadRequest, message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, CodeUnauthorized, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, CodeNotFound, message)
}

func TooLarge(c *gin.Context, message string) {
	Error(c, http.StatusRequestEntityTooLarge, CodeTooLarge, message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, CodeInternal, message)
}

func ServiceUnavailable(c *gin.Context, message string) {
	Error(c, http.StatusServiceUnavailable, CodeUnavailable, message)
}

func write(c *gin.Context, status int, body Response) {
	body.RequestID = c.Writer.Header().Get(requestIDHeader)
	body.Timestamp = time.Now().UTC()
	c.JSON(status, body)
}
