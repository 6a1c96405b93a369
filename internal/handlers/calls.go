package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/counsel-signaling/internal/middleware"
	"github.com/mossy-p/counsel-signaling/internal/models"
	"github.com/mossy-p/counsel-signaling/internal/signaling"
)

var errWrongRole = errors.New("participant does not hold the required role")

// CallHandler exposes the signaling store over REST.
type CallHandler struct {
	store  *signaling.Store
	logger *zap.Logger
}

func NewCallHandler(store *signaling.Store, logger *zap.Logger) *CallHandler {
	return &CallHandler{store: store, logger: logger}
}

// Create creates the call record of a session if needed.
func (h *CallHandler) Create(c *gin.Context) {
	sessionID := c.Param("sessionId")

	created, err := h.store.CreateCall(c.Request.Context(), sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"sessionId": sessionID, "created": created})
}

// Get returns the call record. Only participants of the call may read it.
func (h *CallHandler) Get(c *gin.Context) {
	rec, _, ok := h.participant(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Join claims the caller or callee role for the authenticated user.
func (h *CallHandler) Join(c *gin.Context) {
	sessionID := c.Param("sessionId")
	userID, _ := middleware.UserID(c)

	role, err := h.store.ClaimRole(c.Request.Context(), sessionID, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.JoinCallResponse{SessionID: sessionID, Role: role})
}

// Offer stores the caller's offer and returns the seq its answer must quote.
func (h *CallHandler) Offer(c *gin.Context) {
	rec, ok := h.withRole(c, models.RoleCaller)
	if !ok {
		return
	}

	var desc webrtc.SessionDescription
	if err := c.ShouldBindJSON(&desc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session description"})
		return
	}

	seq, err := h.store.SendOffer(c.Request.Context(), rec.SessionID, desc)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.OfferResponse{Seq: seq})
}

// Answer stores the callee's answer to the offer quoted in the body.
func (h *CallHandler) Answer(c *gin.Context) {
	rec, ok := h.withRole(c, models.RoleCallee)
	if !ok {
		return
	}

	var req models.AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid answer"})
		return
	}

	if err := h.store.SendAnswer(c.Request.Context(), rec.SessionID, req.OfferSeq, req.Description); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) withRole(c *gin.Context, want models.Role) (*models.CallRecord, bool) {
	rec, role, ok := h.participant(c)
	if !ok {
		return nil, false
	}
	if role != want {
		h.respondError(c, errWrongRole)
		return nil, false
	}
	return rec, true
}

// Candidate appends an ICE candidate on behalf of the user's role.
func (h *CallHandler) Candidate(c *gin.Context) {
	rec, role, ok := h.participant(c)
	if !ok {
		return
	}

	var req models.CandidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid candidate"})
		return
	}
	if err := models.ValidateCandidate(&req.Candidate); err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.store.AddIceCandidate(c.Request.Context(), rec.SessionID, role, req.Candidate); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Leave marks the user's role as gone; the record is removed once both
// participants have left.
func (h *CallHandler) Leave(c *gin.Context) {
	rec, role, ok := h.participant(c)
	if !ok {
		return
	}

	deleted, err := h.store.LeaveCall(c.Request.Context(), rec.SessionID, role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": rec.SessionID, "closed": deleted})
}

// End hangs the call up for both participants.
func (h *CallHandler) End(c *gin.Context) {
	rec, role, ok := h.participant(c)
	if !ok {
		return
	}

	if err := h.store.EndCall(c.Request.Context(), rec.SessionID, role); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// participant loads the call and the role of the authenticated user in it,
// writing the error response itself when either is missing.
func (h *CallHandler) participant(c *gin.Context) (*models.CallRecord, models.Role, bool) {
	userID, _ := middleware.UserID(c)

	rec, err := h.store.GetCall(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.respondError(c, err)
		return nil, "", false
	}

	role, ok := rec.RoleOf(userID)
	if !ok {
		h.respondError(c, errWrongRole)
		return nil, "", false
	}
	return rec, role, true
}

func (h *CallHandler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		h.logger.Error("signaling store", zap.String("session_id", c.Param("sessionId")), zap.Error(err))
		c.JSON(status, gin.H{"error": "Signaling store unavailable"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, signaling.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, signaling.ErrOfferMissing), errors.Is(err, signaling.ErrOfferSuperseded),
		errors.Is(err, signaling.ErrSessionFull):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidSignal):
		return http.StatusBadRequest
	case errors.Is(err, errWrongRole):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
