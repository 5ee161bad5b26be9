package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
	"github.com/Rajchodisetti/alert-bridge/internal/failure"
)

const (
	statusSuccess   = "success"
	statusError     = "error"
	statusDuplicate = "duplicate"
	statusUnknown   = "unknown"
)

type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	RID     string `json:"rid,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func Ok(c *gin.Context, message string, data any) {
	reply(c, http.StatusOK, statusSuccess, "", message, data)
}

func Error(c *gin.Context, code int, kind failure.Kind, message string, data any) {
	reply(c, code, statusError, string(kind), message, data)
}

func reply(c *gin.Context, code int, status, kind, message string, data any) {
	c.JSON(code, apiResponse{
		Status:  status,
		Message: message,
		Kind:    kind,
		RID:     c.GetString(ridKey),
		Data:    data,
	})
}

// httpStatus maps a failure kind onto the closest HTTP status.
func httpStatus(k failure.Kind) int {
	switch k {
	case failure.KindNone:
		return http.StatusOK
	case failure.KindAuthentication:
		return http.StatusUnauthorized
	case failure.KindValidation:
		return http.StatusBadRequest
	case failure.KindResolution:
		return http.StatusUnprocessableEntity
	case failure.KindDispatch:
		return http.StatusBadGateway
	case failure.KindTimeout:
		return http.StatusGatewayTimeout
	case failure.KindNotCancellable, failure.KindDuplicate:
		return http.StatusConflict
	case failure.KindRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// replyResult answers with an order result. Unknown outcomes are 202 so
// callers do not read them as failures with no order placed.
func replyResult(c *gin.Context, r domain.OrderResult, data any) {
	switch r.Status {
	case domain.StatusSuccess:
		reply(c, http.StatusOK, statusSuccess, "", r.Message, data)
	case domain.StatusUnknown:
		reply(c, http.StatusAccepted, statusUnknown, r.Kind, r.Message, data)
	default:
		k := failure.Kind(r.Kind)
		reply(c, httpStatus(k), statusError, r.Kind, r.Message, data)
	}
}
