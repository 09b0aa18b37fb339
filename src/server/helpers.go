package server

import (
	"net/http"

	"portal-relay/src/helpers"
)

// -----------------------------------------------------------------------------

// statusFor maps a relay error kind onto an HTTP status.
func statusFor(err error) int {
	switch helpers.KindOf(err) {
	case helpers.KindUnauthorized:
		return http.StatusUnauthorized
	case helpers.KindNotFound:
		return http.StatusNotFound
	case helpers.KindBadRequest, helpers.KindParseError:
		return http.StatusBadRequest
	case helpers.KindRateLimited:
		return http.StatusTooManyRequests
	case helpers.KindPaidEndpointBlocked:
		return http.StatusForbidden
	case helpers.KindNotConnected, helpers.KindUpstreamUnavailable:
		return http.StatusBadGateway
	case helpers.KindCancelled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}
