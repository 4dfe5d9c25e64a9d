package server

import (
	"errors"
	"net/http"

	apikeydomain "github.com/costplane/costplane/internal/apikey/domain"
	"github.com/costplane/costplane/internal/authorization"
	consdomain "github.com/costplane/costplane/internal/consolidation/domain"
	credentialdomain "github.com/costplane/costplane/internal/credential/domain"
	orchdomain "github.com/costplane/costplane/internal/orchestrator/domain"
	orgdomain "github.com/costplane/costplane/internal/organization/domain"
	quotadomain "github.com/costplane/costplane/internal/quota/domain"
	registrydomain "github.com/costplane/costplane/internal/runregistry/domain"
	"github.com/costplane/costplane/internal/scheduler"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	LimitType string            `json:"limit_type,omitempty"`
	Errors    []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrConflict       = errors.New("conflict")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRateLimited    = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var quotaErr *quotadomain.QuotaExceededError
	if errors.As(err, &quotaErr) {
		return http.StatusTooManyRequests, errorPayload{
			Type:      "quota_exceeded",
			Message:   quotaErr.Error(),
			LimitType: quotaErr.LimitType,
		}
	}

	if isValidationError(err) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   "request",
					Code:    err.Error(),
					Message: "invalid value",
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, orgdomain.ErrSubscriptionInactive),
		errors.Is(err, quotadomain.ErrSubscriptionInactive):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, orgdomain.ErrSlugTaken),
		errors.Is(err, registrydomain.ErrRunFinalized):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isCredentialUnusableError(err):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "credential_unusable",
			Message: err.Error(),
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "rate limited",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, orchdomain.ErrInvalidTargetDate),
		errors.Is(err, orchdomain.ErrInvalidTrigger),
		errors.Is(err, apikeydomain.ErrInvalidName),
		errors.Is(err, apikeydomain.ErrInvalidScope),
		errors.Is(err, apikeydomain.ErrInvalidKeyID),
		errors.Is(err, credentialdomain.ErrInvalidProvider),
		errors.Is(err, credentialdomain.ErrInvalidSecret),
		errors.Is(err, credentialdomain.ErrInvalidStatus),
		errors.Is(err, orgdomain.ErrInvalidName),
		errors.Is(err, orgdomain.ErrInvalidSlug),
		errors.Is(err, orgdomain.ErrInvalidPlan),
		errors.Is(err, orgdomain.ErrInvalidBillingStatus),
		errors.Is(err, scheduler.ErrInvalidSchedule),
		errors.Is(err, scheduler.ErrInvalidInterval):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, orgdomain.ErrOrganizationNotFound),
		errors.Is(err, registrydomain.ErrRunNotFound),
		errors.Is(err, credentialdomain.ErrCredentialNotFound),
		errors.Is(err, apikeydomain.ErrNotFound),
		errors.Is(err, consdomain.ErrPipelineNotFound),
		errors.Is(err, scheduler.ErrScheduleNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// isCredentialUnusableError matches requests that were well-formed but
// cannot be satisfied with the credentials on file.
func isCredentialUnusableError(err error) bool {
	switch {
	case errors.Is(err, credentialdomain.ErrCredentialNotConfigured),
		errors.Is(err, credentialdomain.ErrAmbiguousCredential),
		errors.Is(err, credentialdomain.ErrCredentialInvalid),
		errors.Is(err, consdomain.ErrSharedDeleteDisabled),
		errors.Is(err, consdomain.ErrSharedDeleteAmbiguous):
		return true
	default:
		return false
	}
}

// classifyErrorForLog feeds the request logger's error_type and error_code
// fields. Sentinel errors already carry snake_case codes.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Type
	if status == http.StatusBadRequest && len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}
