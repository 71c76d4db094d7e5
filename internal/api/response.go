package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/autodeposit/internal/fault"
)

type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Ok writes a 200 envelope around data.
func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
		Meta:    meta,
	})
}

// Error writes an error envelope with the given HTTP status.
func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.AbortWithStatusJSON(status, apiResponse{
		Code:    status,
		Message: message,
		Meta:    meta,
	})
}

// Fail maps a ledger error to its HTTP status and writes it. The error code
// travels in meta.error_code.
func Fail(c *gin.Context, err error) {
	code := fault.CodeOf(err)
	meta := map[string]any{}
	if code != "" {
		meta["error_code"] = string(code)
	}
	Error(c, StatusOf(code), err.Error(), meta)
}

// StatusOf maps an error code to an HTTP status.
func StatusOf(code fault.Code) int {
	switch code {
	case fault.InvalidParameter:
		return http.StatusBadRequest
	case fault.NotOwner, fault.Unauthorized, fault.WrongOrigin:
		return http.StatusForbidden
	case fault.PlanNotFound:
		return http.StatusNotFound
	case fault.PlanInactive, fault.NotDue, fault.NoOp, fault.Terminal:
		return http.StatusConflict
	case fault.RateLimited:
		return http.StatusTooManyRequests
	case fault.TransferFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
