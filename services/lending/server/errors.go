package server

import (
	"context"
	"errors"
	"net/http"

	nativecommon "lendguard/native/common"
	"lendguard/native/lending"
	"lendguard/services/lending/engine"
)

// toStatus maps an engine error onto an HTTP status and a stable error code.
func toStatus(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "canceled"
	case errors.Is(err, engine.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, engine.ErrUnknownReserve):
		return http.StatusNotFound, "unknown_reserve"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable, "paused"
	case errors.Is(err, lending.ErrNotAuthorized):
		return http.StatusForbidden, "not_authorized"
	case errors.Is(err, lending.ErrNotLiquidatable):
		return http.StatusUnprocessableEntity, "not_liquidatable"
	case errors.Is(err, lending.ErrLiquidationRewardTooSmall):
		return http.StatusUnprocessableEntity, "reward_too_small"
	case errors.Is(err, lending.ErrStalePrice):
		return http.StatusConflict, "stale_price"
	case errors.Is(err, lending.ErrStaleState):
		return http.StatusConflict, "stale_state"
	}
	switch lending.Classify(err) {
	case lending.ClassIneligible:
		return http.StatusUnprocessableEntity, "ineligible"
	case lending.ClassInvalid:
		return http.StatusBadRequest, "invalid_request"
	case lending.ClassRefresh:
		return http.StatusConflict, "refresh_required"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
