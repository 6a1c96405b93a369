// Package signaling exchanges the WebRTC handshake of a counseling session
// through Redis: one offer, one answer and the ICE candidates of both
// participants. Records live in hashes and lists; every write is announced on
// a per-call pub/sub channel so subscribers see it live.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mossy-p/counsel-signaling/internal/metrics"
	"github.com/mossy-p/counsel-signaling/internal/models"
)

var (
	ErrNotFound     = errors.New("call not found")
	ErrOfferMissing = errors.New("no offer to answer")
	ErrSessionFull  = errors.New("both call roles are taken")

	// ErrOfferSuperseded rejects an answer to an offer that a newer offer
	// has replaced.
	ErrOfferSuperseded = errors.New("answered offer was superseded")
)

// DefaultTTL bounds how long an abandoned call record survives.
const DefaultTTL = 24 * time.Hour

type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// descriptionEntry is the stored form of an offer or answer.
type descriptionEntry struct {
	Description webrtc.SessionDescription `json:"description"`
	OfferSeq    int64                     `json:"offerSeq,omitempty"`
	CreatedAt   time.Time                 `json:"createdAt"`
}

type candidateEntry struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	CreatedAt time.Time               `json:"createdAt"`
}

func (s *Store) ttlMillis() int64 {
	return s.ttl.Milliseconds()
}

// CreateCall creates the record of sessionID if it does not exist yet. It
// never touches the offer, answer or candidates of an existing record.
// Reports whether the record was created by this call.
func (s *Store) CreateCall(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, fmt.Errorf("%w: missing session id", models.ErrInvalidSignal)
	}

	created, err := createCallScript.Run(ctx, s.client,
		[]string{callKey(sessionID)},
		sessionID, s.now().UTC().Format(time.RFC3339Nano), s.ttlMillis(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("create call %s: %w", sessionID, err)
	}

	if created == 1 {
		metrics.CallCreated()
		s.logger.Info("call created", zap.String("session_id", sessionID))
	}
	return created == 1, nil
}

// GetCall returns the current record of sessionID.
func (s *Store) GetCall(ctx context.Context, sessionID string) (*models.CallRecord, error) {
	fields, err := s.client.HGetAll(ctx, callKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get call %s: %w", sessionID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	rec := &models.CallRecord{
		SessionID:  fields[fieldSessionID],
		CallerID:   fields[fieldCaller],
		CalleeID:   fields[fieldCallee],
		CallerLeft: fields[fieldCallerLeft] == "1",
		CalleeLeft: fields[fieldCalleeLeft] == "1",
	}
	if v, ok := fields[fieldOfferSeq]; ok {
		rec.OfferSeq, _ = strconv.ParseInt(v, 10, 64)
	}
	if ts, ok := fields[fieldCreatedAt]; ok {
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if raw, ok := fields[fieldOffer]; ok {
		entry, err := decodeDescription(raw)
		if err != nil {
			return nil, err
		}
		rec.Offer = &entry.Description
	}
	if raw, ok := fields[fieldAnswer]; ok {
		entry, err := decodeDescription(raw)
		if err != nil {
			return nil, err
		}
		rec.Answer = &entry.Description
	}
	return rec, nil
}

// SendOffer stores the caller's offer and returns its seq, which the answer
// must quote. A new offer supersedes any earlier negotiation of the call.
func (s *Store) SendOffer(ctx context.Context, sessionID string, desc webrtc.SessionDescription) (int64, error) {
	if err := models.ValidateDescription(models.SignalKindOffer, &desc); err != nil {
		return 0, err
	}

	entry := descriptionEntry{Description: desc, CreatedAt: s.now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("marshal offer: %w", err)
	}

	seq, err := writeOfferScript.Run(ctx, s.client,
		[]string{callKey(sessionID), seqKey(sessionID), candidatesKey(sessionID, models.RoleCaller), candidatesKey(sessionID, models.RoleCallee)},
		string(data), s.ttlMillis(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("send offer %s: %w", sessionID, err)
	}
	if seq == -1 {
		return 0, ErrNotFound
	}

	return seq, s.publish(ctx, models.Signal{
		Seq:         seq,
		SessionID:   sessionID,
		Kind:        models.SignalKindOffer,
		Role:        models.RoleCaller,
		Description: &entry.Description,
		CreatedAt:   entry.CreatedAt,
	})
}

// SendAnswer stores the callee's answer to the offer with seq offerSeq. It
// fails with ErrOfferMissing while no offer has been written and with
// ErrOfferSuperseded once a newer offer replaced that one, so an answer is
// only ever stored against the offer it responds to.
func (s *Store) SendAnswer(ctx context.Context, sessionID string, offerSeq int64, desc webrtc.SessionDescription) error {
	if err := models.ValidateDescription(models.SignalKindAnswer, &desc); err != nil {
		return err
	}
	if offerSeq <= 0 {
		return fmt.Errorf("%w: answer without offer seq", models.ErrInvalidSignal)
	}

	entry := descriptionEntry{Description: desc, OfferSeq: offerSeq, CreatedAt: s.now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}

	seq, err := writeAnswerScript.Run(ctx, s.client,
		[]string{callKey(sessionID), seqKey(sessionID)},
		string(data), s.ttlMillis(), strconv.FormatInt(offerSeq, 10),
	).Int64()
	if err != nil {
		return fmt.Errorf("send answer %s: %w", sessionID, err)
	}
	switch seq {
	case -1:
		return ErrNotFound
	case -2:
		return ErrOfferMissing
	case -3:
		return ErrOfferSuperseded
	}

	return s.publish(ctx, models.Signal{
		Seq:         seq,
		SessionID:   sessionID,
		Kind:        models.SignalKindAnswer,
		Role:        models.RoleCallee,
		OfferSeq:    offerSeq,
		Description: &entry.Description,
		CreatedAt:   entry.CreatedAt,
	})
}

// AddIceCandidate appends a candidate to the list of the sending role.
func (s *Store) AddIceCandidate(ctx context.Context, sessionID string, role models.Role, candidate webrtc.ICECandidateInit) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", models.ErrInvalidSignal, role)
	}

	entry := candidateEntry{Candidate: candidate, CreatedAt: s.now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal candidate: %w", err)
	}

	seq, err := addCandidateScript.Run(ctx, s.client,
		[]string{callKey(sessionID), seqKey(sessionID), candidatesKey(sessionID, role)},
		string(data), s.ttlMillis(),
	).Int64()
	if err != nil {
		return fmt.Errorf("add candidate %s: %w", sessionID, err)
	}
	if seq == -1 {
		return ErrNotFound
	}

	return s.publish(ctx, models.Signal{
		Seq:       seq,
		SessionID: sessionID,
		Kind:      models.SignalKindCandidate,
		Role:      role,
		Candidate: &entry.Candidate,
		CreatedAt: entry.CreatedAt,
	})
}

// ClaimRole assigns participantID a role in the call. The first participant
// becomes the caller, the second the callee; claiming again returns the role
// already held.
func (s *Store) ClaimRole(ctx context.Context, sessionID, participantID string) (models.Role, error) {
	if participantID == "" {
		return "", fmt.Errorf("%w: missing participant id", models.ErrInvalidSignal)
	}

	res, err := claimRoleScript.Run(ctx, s.client,
		[]string{callKey(sessionID)},
		participantID, s.ttlMillis(),
	).Int()
	if err != nil {
		return "", fmt.Errorf("claim role %s: %w", sessionID, err)
	}

	switch res {
	case 1:
		return models.RoleCaller, nil
	case 2:
		return models.RoleCallee, nil
	case -1:
		return "", ErrNotFound
	default:
		return "", ErrSessionFull
	}
}

// LeaveCall marks role as gone. The record is deleted once both roles have
// left. Reports whether the record was deleted.
func (s *Store) LeaveCall(ctx context.Context, sessionID string, role models.Role) (bool, error) {
	if !role.Valid() {
		return false, fmt.Errorf("%w: unknown role %q", models.ErrInvalidSignal, role)
	}

	leftField, otherField := fieldCallerLeft, fieldCalleeLeft
	if role == models.RoleCallee {
		leftField, otherField = fieldCalleeLeft, fieldCallerLeft
	}

	res, err := leaveCallScript.Run(ctx, s.client,
		[]string{callKey(sessionID), seqKey(sessionID), candidatesKey(sessionID, models.RoleCaller), candidatesKey(sessionID, models.RoleCallee)},
		leftField, otherField,
	).Int()
	if err != nil {
		return false, fmt.Errorf("leave call %s: %w", sessionID, err)
	}

	switch res {
	case -1:
		return false, ErrNotFound
	case 1:
		metrics.CallEnded("left")
		s.logger.Info("call closed, both participants left", zap.String("session_id", sessionID))
		return true, nil
	}
	s.logger.Info("participant left call", zap.String("session_id", sessionID), zap.String("role", string(role)))
	return false, nil
}

// EndCall deletes the record and tells every hangup subscriber that role
// ended the call.
func (s *Store) EndCall(ctx context.Context, sessionID string, role models.Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", models.ErrInvalidSignal, role)
	}

	seq, err := endCallScript.Run(ctx, s.client,
		[]string{callKey(sessionID), seqKey(sessionID), candidatesKey(sessionID, models.RoleCaller), candidatesKey(sessionID, models.RoleCallee)},
	).Int64()
	if err != nil {
		return fmt.Errorf("end call %s: %w", sessionID, err)
	}
	if seq == -1 {
		return ErrNotFound
	}

	metrics.CallEnded("hangup")
	s.logger.Info("call ended", zap.String("session_id", sessionID), zap.String("role", string(role)))

	return s.publish(ctx, models.Signal{
		Seq:       seq,
		SessionID: sessionID,
		Kind:      models.SignalKindHangup,
		Role:      role,
		CreatedAt: s.now().UTC(),
	})
}

func (s *Store) publish(ctx context.Context, sig models.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := s.client.Publish(ctx, channelKey(sig.SessionID), data).Err(); err != nil {
		return fmt.Errorf("publish %s for %s: %w", sig.Kind, sig.SessionID, err)
	}

	metrics.SignalWritten(string(sig.Kind))
	s.logger.Debug("signal published",
		zap.String("session_id", sig.SessionID),
		zap.String("kind", string(sig.Kind)),
		zap.String("role", string(sig.Role)),
		zap.Int64("seq", sig.Seq),
	)
	return nil
}

func decodeDescription(raw string) (descriptionEntry, error) {
	var entry descriptionEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return entry, fmt.Errorf("decode description: %w", err)
	}
	return entry, nil
}

// decodeCandidate parses a "<seq>:<json>" list element.
func decodeCandidate(raw string) (int64, candidateEntry, error) {
	var entry candidateEntry

	seqStr, data, ok := strings.Cut(raw, ":")
	if !ok {
		return 0, entry, fmt.Errorf("malformed candidate entry")
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return 0, entry, fmt.Errorf("malformed candidate seq: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return 0, entry, fmt.Errorf("decode candidate: %w", err)
	}
	return seq, entry, nil
}
