package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Byk3y/PREPAI-sub003/internal/core/failure"
	"github.com/Byk3y/PREPAI-sub003/internal/core/job"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage"
	"github.com/Byk3y/PREPAI-sub003/internal/processing"
)

type errorBody struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Action   string `json:"recovery_action"`
}

func bodyOf(err *failure.Error) errorBody {
	return errorBody{
		Kind:     string(err.Kind()),
		Severity: err.Severity().String(),
		Message:  err.HumanMessage(),
		Action:   string(err.RecoveryAction()),
	}
}

// statusFor maps a classified failure to an HTTP status.
func statusFor(err *failure.Error) int {
	switch err.Kind() {
	case failure.KindAuth:
		return http.StatusUnauthorized
	case failure.KindPermission:
		return http.StatusForbidden
	case failure.KindValidation:
		return http.StatusBadRequest
	case failure.KindQuota:
		if err.Retryable() {
			return http.StatusTooManyRequests
		}
		return http.StatusPaymentRequired
	case failure.KindNetwork:
		return http.StatusServiceUnavailable
	case failure.KindStorage:
		return http.StatusBadGateway
	case failure.KindProcessing:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Sentinel errors of the job layer map to plain
// statuses. Errors classified further down were logged there; the rest are
// classified and logged here.
func (h *Handler) writeError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, storage.ErrJobNotFound), errors.Is(err, storage.ErrMaterialNotFound):
		c.JSON(http.StatusNotFound, errorBody{
			Kind:     string(failure.KindValidation),
			Severity: failure.SeverityLow.String(),
			Message:  "Job not found",
			Action:   string(failure.ActionNone),
		})
		return
	case errors.Is(err, job.ErrNotCancellable),
		errors.Is(err, job.ErrNotRetryable),
		errors.Is(err, processing.ErrNotPending):
		c.JSON(http.StatusConflict, errorBody{
			Kind:     string(failure.KindValidation),
			Severity: failure.SeverityLow.String(),
			Message:  err.Error(),
			Action:   string(failure.ActionRefresh),
		})
		return
	}

	var ferr *failure.Error
	if !errors.As(err, &ferr) {
		fc := failure.Context{
			Component: "api",
			Operation: op,
			UserID:    userID(c),
		}
		if h.errs != nil {
			ferr = h.errs.Handle(failure.FromError(err), fc, nil)
		} else {
			ferr = failure.Classify(failure.FromError(err), fc)
		}
	}
	c.JSON(statusFor(ferr), bodyOf(ferr))
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorBody{
		Kind:     string(failure.KindValidation),
		Severity: failure.SeverityMedium.String(),
		Message:  message,
		Action:   string(failure.ActionNone),
	})
}
