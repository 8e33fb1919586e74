package controlplane

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ACM-VIT/conclave/internal/v1/minutes"
	"github.com/ACM-VIT/conclave/internal/v1/registry"
	"github.com/ACM-VIT/conclave/internal/v1/room"
)

// Error taxonomy for the operator surface. Domain errors from the engines are
// folded into these classes in one place, respondError, so every handler
// reports failures the same way.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrAmbiguous    = errors.New("ambiguous")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrUpstream     = errors.New("upstream unavailable")
)

// respondError maps an error to its HTTP status and writes the {error}
// payload. Ambiguous-room errors additionally carry the candidate list.
func respondError(c *gin.Context, err error) {
	var ambiguous *registry.ErrAmbiguousRoom
	if errors.As(err, &ambiguous) {
		c.JSON(http.StatusConflict, gin.H{
			"error":      ambiguous.Error(),
			"candidates": ambiguous.Candidates,
		})
		return
	}

	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden),
		errors.Is(err, room.ErrSelfTarget):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound),
		errors.Is(err, registry.ErrRoomNotFound),
		errors.Is(err, room.ErrParticipantNotFound),
		errors.Is(err, room.ErrProducerNotFound),
		errors.Is(err, room.ErrPendingNotFound),
		errors.Is(err, minutes.ErrNoTranscript):
		return http.StatusNotFound
	case errors.Is(err, ErrAmbiguous):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict),
		errors.Is(err, room.ErrNotEligible),
		errors.Is(err, room.ErrRoomClosed):
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}
