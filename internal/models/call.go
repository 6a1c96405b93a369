package models

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// CallRecord is the shared signaling record of one counseling session.
type CallRecord struct {
	SessionID  string                     `json:"sessionId"`
	CreatedAt  time.Time                  `json:"createdAt"`
	Offer      *webrtc.SessionDescription `json:"offer,omitempty"`
	OfferSeq   int64                      `json:"offerSeq,omitempty"`
	Answer     *webrtc.SessionDescription `json:"answer,omitempty"`
	CallerID   string                     `json:"callerId,omitempty"`
	CalleeID   string                     `json:"calleeId,omitempty"`
	CallerLeft bool                       `json:"callerLeft"`
	CalleeLeft bool                       `json:"calleeLeft"`
}

// RoleOf returns the role claimed by participantID, if any.
func (r *CallRecord) RoleOf(participantID string) (Role, bool) {
	switch participantID {
	case "":
		return "", false
	case r.CallerID:
		return RoleCaller, true
	case r.CalleeID:
		return RoleCallee, true
	}
	return "", false
}

// JoinCallResponse is returned when a participant claims a role
type JoinCallResponse struct {
	SessionID string `json:"sessionId"`
	Role      Role   `json:"role"`
}

// OfferResponse returns the seq an answer to the offer must quote
type OfferResponse struct {
	Seq int64 `json:"seq"`
}

// AnswerRequest is the request body for answering the offer with OfferSeq
type AnswerRequest struct {
	OfferSeq    int64                     `json:"offerSeq" binding:"required"`
	Description webrtc.SessionDescription `json:"description"`
}

// CandidateRequest is the request body for posting an ICE candidate
type CandidateRequest struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ICEServersResponse lists the ICE servers a browser should use
type ICEServersResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}
