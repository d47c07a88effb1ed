package hostapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/signalsfoundry/geoanchor/model"
)

// ErrNotFound is returned for unknown anchor handles.
var ErrNotFound = errors.New("not found")

// StatusFor maps controller errors onto an HTTP status and a stable error
// code for the response body.
func StatusFor(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrInvalidCoordinate):
		return http.StatusBadRequest, "invalid_coordinate"
	case errors.Is(err, model.ErrSessionDestroyed):
		return http.StatusGone, "session_destroyed"
	case errors.Is(err, model.ErrSessionNotReady):
		return http.StatusConflict, "session_not_ready"
	case errors.Is(err, model.ErrPoseUnavailable):
		return http.StatusServiceUnavailable, "pose_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func abortWithError(c *gin.Context, err error) {
	status, code := StatusFor(err)
	c.AbortWithStatusJSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}

func abortBadRequest(c *gin.Context, code, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   code,
		"message": message,
	})
}
