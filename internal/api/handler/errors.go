package handler

import (
	"errors"
	"net/http"

	"github.com/kiranshivaraju/gencoord/internal/api/response"
	"github.com/kiranshivaraju/gencoord/internal/coordinator"
	"github.com/kiranshivaraju/gencoord/internal/provider"
)

// writeCoordinatorError maps a coordinator error onto the JSON error envelope.
func writeCoordinatorError(w http.ResponseWriter, r *http.Request, err error) {
	var short *coordinator.InsufficientCreditsError
	switch {
	case errors.As(err, &short):
		response.InsufficientCredits(w, short.Required, short.Available)
	case errors.Is(err, coordinator.ErrUnauthenticated):
		response.Unauthorized(w, "Missing user")
	case errors.Is(err, coordinator.ErrUnknownTool):
		response.Error(w, http.StatusBadRequest, "UNKNOWN_TOOL", err.Error(), nil)
	case errors.Is(err, coordinator.ErrInvalidInput):
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), nil)
	case errors.Is(err, provider.ErrUnknownProvider):
		response.Error(w, http.StatusBadRequest, "UNKNOWN_PROVIDER", err.Error(), nil)
	case errors.Is(err, coordinator.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeJobNotFound, "Job not found", nil)
	case errors.Is(err, coordinator.ErrSessionClosed):
		response.Error(w, http.StatusGone, "SESSION_CLOSED", "The session is closed", nil)
	case errors.Is(err, provider.ErrProviderRejected):
		response.Error(w, http.StatusUnprocessableEntity, "PROVIDER_REJECTED",
			"The generation provider rejected the request", nil)
	case errors.Is(err, provider.ErrProviderUnavailable):
		response.Error(w, http.StatusBadGateway, "PROVIDER_UNAVAILABLE",
			"The generation provider is not available, try again", nil)
	default:
		response.Internal(w, r, err)
	}
}
