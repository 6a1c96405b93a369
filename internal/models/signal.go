package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// SignalKind represents the type of WebRTC signaling message
type SignalKind string

const (
	SignalKindOffer     SignalKind = "offer"
	SignalKindAnswer    SignalKind = "answer"
	SignalKindCandidate SignalKind = "candidate"
	SignalKindHangup    SignalKind = "hangup"
)

// Role is the side of the call a participant plays.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Valid reports whether r is caller or callee.
func (r Role) Valid() bool {
	return r == RoleCaller || r == RoleCallee
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

var ErrInvalidSignal = errors.New("invalid signal")

// Signal is one immutable signaling message. Exactly one of Description or
// Candidate is set, depending on Kind; hangup carries neither. An answer
// quotes the seq of the offer it responds to in OfferSeq.
type Signal struct {
	Seq         int64                      `json:"seq"`
	SessionID   string                     `json:"sessionId"`
	Kind        SignalKind                 `json:"kind"`
	Role        Role                       `json:"role"`
	OfferSeq    int64                      `json:"offerSeq,omitempty"`
	Description *webrtc.SessionDescription `json:"description,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	CreatedAt   time.Time                  `json:"createdAt"`
}

// Validate checks the payload matches the kind.
func (s *Signal) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidSignal)
	}
	if !s.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidSignal, s.Role)
	}

	switch s.Kind {
	case SignalKindOffer, SignalKindAnswer:
		if s.Candidate != nil {
			return fmt.Errorf("%w: %s carries a candidate", ErrInvalidSignal, s.Kind)
		}
		if s.Kind == SignalKindAnswer && s.OfferSeq <= 0 {
			return fmt.Errorf("%w: answer without offer seq", ErrInvalidSignal)
		}
		return ValidateDescription(s.Kind, s.Description)
	case SignalKindCandidate:
		if s.Description != nil {
			return fmt.Errorf("%w: candidate carries a description", ErrInvalidSignal)
		}
		return ValidateCandidate(s.Candidate)
	case SignalKindHangup:
		if s.Description != nil || s.Candidate != nil {
			return fmt.Errorf("%w: hangup carries a payload", ErrInvalidSignal)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSignal, s.Kind)
	}
}

// ValidateDescription checks that desc is a non-empty session description of
// the given kind.
func ValidateDescription(kind SignalKind, desc *webrtc.SessionDescription) error {
	if desc == nil || desc.SDP == "" {
		return fmt.Errorf("%w: %s without sdp", ErrInvalidSignal, kind)
	}

	want := webrtc.SDPTypeOffer
	if kind == SignalKindAnswer {
		want = webrtc.SDPTypeAnswer
	}
	if desc.Type != want {
		return fmt.Errorf("%w: expected %s description, got %s", ErrInvalidSignal, want, desc.Type)
	}
	return nil
}

// ValidateCandidate rejects nil candidates. An empty candidate string is the
// end-of-candidates marker and is allowed.
func ValidateCandidate(c *webrtc.ICECandidateInit) error {
	if c == nil {
		return fmt.Errorf("%w: missing candidate", ErrInvalidSignal)
	}
	return nil
}
