package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dispatchd/internal/negotiation"
	"dispatchd/internal/repository"
	"dispatchd/internal/service"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error    string `json:"error"`
	MinPrice int64  `json:"min_price,omitempty"`
	MaxPrice int64  `json:"max_price,omitempty"`
}

// respondError sends an error response with the appropriate HTTP status code.
func respondError(c *gin.Context, err error) {
	code := mapErrorToHTTPStatus(err)
	if code == http.StatusInternalServerError {
		_ = c.Error(err)
	}

	resp := ErrorResponse{Error: err.Error()}
	var pe *negotiation.PriceError
	if errors.As(err, &pe) {
		resp.MinPrice = pe.Min
		resp.MaxPrice = pe.Max
	}
	c.JSON(code, resp)
}

// respondJSON sends a JSON response with the given status code.
func respondJSON(c *gin.Context, code int, data any) {
	c.JSON(code, data)
}

// mapErrorToHTTPStatus maps service, negotiation and repository errors to HTTP status codes.
func mapErrorToHTTPStatus(err error) int {
	switch {
	// Not found errors
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, service.ErrNoActiveSession):
		return http.StatusNotFound

	// Validation errors - Bad Request
	case errors.Is(err, service.ErrInvalidClientID),
		errors.Is(err, service.ErrInvalidRequestID),
		errors.Is(err, service.ErrInvalidDriverID),
		errors.Is(err, service.ErrInvalidKind),
		errors.Is(err, service.ErrInvalidVehicleClass),
		errors.Is(err, service.ErrInvalidPrice),
		errors.Is(err, service.ErrInvalidLocation),
		errors.Is(err, service.ErrInvalidRating),
		errors.Is(err, negotiation.ErrInvalidBidKind):
		return http.StatusBadRequest

	// Offer outside the price band
	case errors.Is(err, negotiation.ErrInvalidBidPrice):
		return http.StatusUnprocessableEntity

	// Not allowed to take part in this negotiation
	case errors.Is(err, negotiation.ErrNotCandidate):
		return http.StatusForbidden

	// Conflict errors
	case errors.Is(err, negotiation.ErrMaxOffersExceeded),
		errors.Is(err, negotiation.ErrSessionClosed),
		errors.Is(err, negotiation.ErrSessionExpired),
		errors.Is(err, negotiation.ErrDriverDeclined),
		errors.Is(err, negotiation.ErrNoLiveOffer),
		errors.Is(err, service.ErrRequestNotDispatchable),
		errors.Is(err, service.ErrRequestNotCancellable):
		return http.StatusConflict

	// Default to internal server error
	default:
		return http.StatusInternalServerError
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
