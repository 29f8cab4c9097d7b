package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rendiffdev/conductor"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Field string `json:"field,omitempty"`

	// Current and Limit are set on admission denials.
	Current *int `json:"current,omitempty"`
	Limit   *int `json:"limit,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(k conductor.Kind) int {
	switch k {
	case conductor.KindValidation:
		return http.StatusBadRequest
	case conductor.KindNotFound:
		return http.StatusNotFound
	case conductor.KindConflict:
		return http.StatusConflict
	case conductor.KindAdmissionDenied:
		return http.StatusTooManyRequests
	case conductor.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError aborts the request with the status and body for err. Internal
// errors are logged and reported without detail.
func (a *API) writeError(c *gin.Context, err error) {
	kind := conductor.KindOf(err)
	status := statusFor(kind)
	resp := ErrorResponse{Error: err.Error(), Kind: string(kind)}

	var verr *conductor.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	var aerr *conductor.AdmissionError
	if errors.As(err, &aerr) {
		resp.Current = &aerr.Current
		resp.Limit = &aerr.Limit
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		resp.Error = "internal error"
	}
	c.AbortWithStatusJSON(status, resp)
}

// badRequest aborts with a validation error on field.
func (a *API) badRequest(c *gin.Context, field, format string, args ...any) {
	a.writeError(c, conductor.NewValidationError(field, format, args...))
}
