// Package response writes the JSON envelope every REST endpoint answers with.
package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "chatcall-backend/pkg/errors"
)

// Response is the envelope: data on success, error otherwise, meta always
type Response struct {
	Success bool         `json:"success"`
	Data    interface{}  `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
	Meta    Meta         `json:"meta"`
}

// ErrorDetail carries a stable code clients switch on (e.g. CALL_IN_PROGRESS)
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Meta contains response metadata
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

func send(c *gin.Context, status int, body Response) {
	body.Meta = Meta{Timestamp: time.Now().UTC(), RequestID: requestID(c)}
	c.JSON(status, body)
}

// Success sends a successful response
func Success(c *gin.Context, statusCode int, data interface{}) {
	send(c, statusCode, Response{Success: true, Data: data})
}

// Error sends an error response
func Error(c *gin.Context, statusCode int, errorCode, errorMessage string) {
	send(c, statusCode, Response{Error: &ErrorDetail{Code: errorCode, Message: errorMessage}})
}

// FromError sends err as an error response. AppErrors keep their status and
// code; anything else becomes a 500 without leaking the cause.
func FromError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	if !apperrors.IsAppError(err) {
		appErr = apperrors.InternalError("Internal server error")
	}
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	send(c, status, Response{Error: &ErrorDetail{
		Code:    string(appErr.Code),
		Message: appErr.Message,
		Details: appErr.Details,
	}})
}

// ValidationError sends 400 VALIDATION_ERROR
func ValidationError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, "VALIDATION_ERROR", message)
}

// Unauthorized sends 401 UNAUTHORIZED
func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

// InternalError sends 500 INTERNAL_ERROR
func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}

func requestID(c *gin.Context) string {
	id, _ := c.Get("request_id")
	s, _ := id.(string)
	return s
}
