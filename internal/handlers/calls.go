package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mossy-p/call-signaling/internal/calls"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/signaling"
	"github.com/rs/zerolog/log"
)

const defaultHistoryLimit = 20

// StartCall starts a call from the authenticated user. The callee is rung
// over its signaling connection exactly as if call-start had arrived there.
func (s *Server) StartCall(c *gin.Context) {
	userID := middleware.UserID(c)

	var req models.StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.CallID == "" {
		req.CallID = uuid.New().String()
	}

	sess, delivered, err := s.Dispatcher.StartCall(signaling.Sender{UserID: userID}, models.CallStartPayload{
		CallID:       req.CallID,
		TargetUserID: req.TargetUserID,
		Type:         req.Type,
	})
	switch {
	case errors.Is(err, calls.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, calls.ErrSelfCall), errors.Is(err, calls.ErrInvalidCall):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		log.Error().Err(err).Str("module", "handlers").Str("user", userID).Msg("failed to start call")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start call"})
		return
	}

	status := http.StatusCreated
	if !delivered {
		status = http.StatusAccepted
	}
	c.JSON(status, models.StartCallResponse{Call: sess, TargetOnline: delivered})
}

// GetCall returns a call the authenticated user takes part in
func (s *Server) GetCall(c *gin.Context) {
	sess, err := s.Calls.Get(c.Param("callId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
		return
	}
	if _, ok := sess.Peer(middleware.UserID(c)); !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this call"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// EndCall hangs up a call on behalf of the authenticated user
func (s *Server) EndCall(c *gin.Context) {
	userID := middleware.UserID(c)
	err := s.Dispatcher.EndCall(signaling.Sender{UserID: userID}, c.Param("callId"), c.Query("reason"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, calls.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
	case errors.Is(err, signaling.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this call"})
	default:
		log.Error().Err(err).Str("module", "handlers").Str("user", userID).Msg("failed to end call")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to end call"})
	}
}

// CallHistory lists the authenticated user's recently ended calls
func (s *Server) CallHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	if s.History == nil {
		c.JSON(http.StatusOK, gin.H{"calls": []models.CallRecord{}})
		return
	}

	ctx, cancel := sideChannelContext()
	defer cancel()
	records, err := s.History.History(ctx, middleware.UserID(c), limit)
	if err != nil {
		log.Error().Err(err).Str("module", "handlers").Msg("failed to read call history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read call history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": records})
}
