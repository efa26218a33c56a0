package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
)

// respondError maps domain errors onto HTTP status codes. Validation failures
// are the caller's fault (400), unknown ids are 404, lifecycle and version
// conflicts are 409, and everything else is an opaque 500.
func (s *Server) respondError(c *gin.Context, err error) {
	var ve *retrieval.ValidationError
	var ste *retrieval.InvalidStateTransitionError

	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
	case errors.Is(err, retrieval.ErrTaskNotFound), errors.Is(err, retrieval.ErrImageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &ste):
		c.JSON(http.StatusConflict, gin.H{"error": ste.Error()})
	case errors.Is(err, retrieval.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error(c.Request.Context(), "request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
