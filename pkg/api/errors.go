package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/arion-ai/arion/pkg/guardrails"
	"github.com/arion-ai/arion/pkg/ledger"
	"github.com/arion-ai/arion/pkg/provider"
	"github.com/arion-ai/arion/pkg/services"
	"github.com/arion-ai/arion/pkg/workflow"
)

// errorBody is the single error envelope every endpoint returns.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Stable error codes for the envelope.
const (
	codeUnauthenticated     = "unauthenticated"
	codeForbidden           = "forbidden"
	codeNotFound            = "not_found"
	codeConflict            = "conflict"
	codeValidation          = "validation"
	codeRateLimited         = "rate_limited"
	codeUsageLimitExceeded  = "usage_limit_exceeded"
	codePaymentRequired     = "payment_required"
	codeGuardrailTriggered  = "guardrail_triggered"
	codeProviderUnavailable = "provider_unavailable"
	codeSaturated           = "saturated"
	codeInternal            = "internal"
)

// apiError writes the error envelope with the given status.
func apiError(c *echo.Context, status int, code, message string) error {
	return c.JSON(status, &errorBody{Code: code, Message: message})
}

// apiErrorDetails writes the error envelope with a details object.
func apiErrorDetails(c *echo.Context, status int, code, message string, details map[string]any) error {
	return c.JSON(status, &errorBody{Code: code, Message: message, Details: details})
}

// mapServiceError maps service and engine errors to envelope responses.
func mapServiceError(c *echo.Context, err error) error {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return apiErrorDetails(c, http.StatusBadRequest, codeValidation, validErr.Error(),
			map[string]any{"field": validErr.Field})
	}
	if errors.Is(err, ledger.ErrInvalidCursor) {
		return apiError(c, http.StatusBadRequest, codeValidation, "invalid cursor")
	}
	if errors.Is(err, services.ErrNotFound) {
		return apiError(c, http.StatusNotFound, codeNotFound, "resource not found")
	}
	if errors.Is(err, services.ErrNotCancellable) {
		return apiError(c, http.StatusConflict, codeConflict, "run is not in a cancellable state")
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return apiError(c, http.StatusConflict, codeConflict, "resource already exists")
	}
	if errors.Is(err, services.ErrTenantSuspended) {
		return apiError(c, http.StatusForbidden, codeForbidden, "tenant is suspended")
	}
	var trip *guardrails.TripwireError
	if errors.As(err, &trip) {
		return apiErrorDetails(c, http.StatusBadRequest, codeGuardrailTriggered, "guardrail triggered",
			map[string]any{"guardrail": trip.Result.Key, "stage": string(trip.Result.Stage)})
	}
	if errors.Is(err, provider.ErrRetriesExhausted) || errors.Is(err, provider.ErrRateLimited) {
		return apiError(c, http.StatusBadGateway, codeProviderUnavailable, "model provider unavailable")
	}
	if errors.Is(err, workflow.ErrPoolSaturated) {
		c.Response().Header().Set("Retry-After", "5")
		return apiError(c, http.StatusTooManyRequests, codeSaturated, "all workers are busy, retry later")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return apiError(c, http.StatusInternalServerError, codeInternal, "internal server error")
}
