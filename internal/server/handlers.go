package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	v1 "github.com/equihub-lab/equihub-core/internal/api/v1"
	"github.com/equihub-lab/equihub-core/internal/core/event"
	coreerr "github.com/equihub-lab/equihub-core/internal/core/errors"
)

const ownerHeader = "X-Owner-ID"

// ownerMiddleware resolves the caller. Auth runs upstream; an absent header
// means no session.
func (s *Server) ownerMiddleware(c *gin.Context) {
	owner := c.GetHeader(ownerHeader)
	if owner == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, coreerr.ErrorResponse{
			ErrorType: coreerr.HttpNotAuthenticated,
			Message:   "missing " + ownerHeader + " header",
		})
		return
	}
	c.Set("owner", owner)
	c.Next()
}

func owner(c *gin.Context) string {
	return c.GetString("owner")
}

func (s *Server) listEventsHandler(c *gin.Context) {
	start, end, err := v1.ParseWindow(c.Query("from"), c.Query("to"), s.clk.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, coreerr.ErrorResponse{
			ErrorType: coreerr.HttpInvalidJsonError,
			Message:   err.Error(),
		})
		return
	}

	var kinds []event.Kind
	if raw := c.Query("kinds"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			kinds = append(kinds, event.Kind(strings.TrimSpace(k)))
		}
	}

	events, err := s.events.ListInWindow(c.Request.Context(), owner(c), kinds, start, end)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": v1.FromDomainList(events), "count": len(events)})
}

func (s *Server) createEventHandler(c *gin.Context) {
	var req v1.CreateRequest
	if !s.bindJSON(c, &req) {
		return
	}

	ev, err := s.events.Create(c.Request.Context(), owner(c), req.ToDomain())
	if err != nil {
		if isKind(err) {
			writeError(c, err)
		} else {
			// Anything else out of Create is draft validation.
			c.JSON(http.StatusBadRequest, coreerr.ErrorResponse{
				ErrorType: coreerr.HttpInvalidJsonError, Message: err.Error()})
		}
		return
	}

	slog.Info("Event created", "event_id", ev.ID, "kind", ev.Kind, "owner", ev.Owner)
	c.JSON(http.StatusCreated, v1.FromDomain(ev))
}

func (s *Server) updateEventHandler(c *gin.Context) {
	var req v1.PatchRequest
	if !s.bindJSON(c, &req) {
		return
	}

	ev, err := s.events.Update(c.Request.Context(), owner(c), c.Param("id"), req.ToDomain())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.FromDomain(ev))
}

func (s *Server) deleteEventHandler(c *gin.Context) {
	if err := s.events.Delete(c.Request.Context(), owner(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) completeEventHandler(c *gin.Context) {
	var req v1.CompleteRequest
	if c.Request.ContentLength > 0 && !s.bindJSON(c, &req) {
		return
	}

	ev, err := s.events.MarkCompleted(c.Request.Context(), owner(c), c.Param("id"), req.LinkedRecordID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.FromDomain(ev))
}

func (s *Server) syncStatusHandler(c *gin.Context) {
	st, err := s.events.SyncStatus(c.Request.Context(), owner(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) drainHandler(c *gin.Context) {
	s.syncer.Drain(c.Request.Context())
	st, err := s.events.SyncStatus(c.Request.Context(), owner(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) rebuildHandler(c *gin.Context) {
	if err := s.notify.RebuildAll(c.Request.Context(), owner(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rebuilt"})
}

func (s *Server) invalidateCacheHandler(c *gin.Context) {
	var req v1.InvalidateRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if req.Pattern == "" {
		c.JSON(http.StatusBadRequest, coreerr.ErrorResponse{
			ErrorType: coreerr.HttpInvalidJsonError,
			Message:   "pattern is required",
		})
		return
	}
	if err := s.events.InvalidateCache(req.Pattern); err != nil {
		c.JSON(http.StatusBadRequest, coreerr.ErrorResponse{
			ErrorType: coreerr.HttpInvalidJsonError,
			Message:   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "invalidated"})
}

// bindJSON decodes the body with the configured size cap. It writes the
// error response itself and reports whether decoding succeeded.
func (s *Server) bindJSON(c *gin.Context, out any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody)
	if err := c.ShouldBindJSON(out); err != nil {
		slog.Warn("Invalid JSON body received", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusBadRequest, coreerr.ErrorResponse{
			ErrorType: coreerr.HttpInvalidJsonError,
			Message:   "Invalid JSON body",
		})
		return false
	}
	return true
}

// writeError maps engine error kinds onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, coreerr.ErrNotAuthenticated):
		c.JSON(http.StatusUnauthorized, coreerr.ErrorResponse{
			ErrorType: coreerr.HttpNotAuthenticated, Message: err.Error()})
	case errors.Is(err, coreerr.ErrInvalidID):
		c.JSON(http.StatusBadRequest, coreerr.ErrorResponse{
			ErrorType: coreerr.HttpInvalidIdError, Message: err.Error()})
	case errors.Is(err, coreerr.ErrUnsupportedEdit):
		c.JSON(http.StatusUnprocessableEntity, coreerr.ErrorResponse{
			ErrorType: coreerr.HttpUnsupportedEditError, Message: err.Error()})
	case errors.Is(err, coreerr.ErrNotFound):
		c.JSON(http.StatusNotFound, coreerr.ErrorResponse{
			ErrorType: coreerr.HttpNotFoundError, Message: err.Error()})
	case errors.Is(err, coreerr.ErrConflict):
		c.JSON(http.StatusConflict, coreerr.ErrorResponse{
			ErrorType: coreerr.HttpConflictError, Message: err.Error()})
	case errors.Is(err, coreerr.ErrTransient), errors.Is(err, coreerr.ErrOffline):
		c.JSON(http.StatusServiceUnavailable, coreerr.ErrorResponse{
			ErrorType: coreerr.HttpRemoteError, Message: err.Error()})
	default:
		slog.Error("Unhandled error in API handler", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, coreerr.ErrorResponse{
			ErrorType: coreerr.HttpInternalError, Message: err.Error()})
	}
}

// isKind reports whether err carries one of the engine's error kinds.
func isKind(err error) bool {
	for _, kind := range []error{
		coreerr.ErrNotAuthenticated, coreerr.ErrInvalidID, coreerr.ErrUnsupportedEdit,
		coreerr.ErrNotFound, coreerr.ErrConflict, coreerr.ErrTransient, coreerr.ErrOffline,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
