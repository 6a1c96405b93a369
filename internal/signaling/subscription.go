package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mossy-p/counsel-signaling/internal/models"
)

// Subscription is a live view of one kind of signal of a call. Data already
// stored when the subscription starts is delivered first, then new data as
// it is written. Each signal is delivered at most once.
type Subscription struct {
	sessionID string
	kind      models.SignalKind

	closed     atomic.Bool
	cancelOnce sync.Once
	cancel     context.CancelFunc
	done       chan struct{}
}

// Cancel stops the subscription. Signals not yet handed to the callback are
// dropped; a callback already running is not interrupted. Safe to call more
// than once and from inside the callback.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}

// Done is closed when the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// SubscribeToOffer calls fn with the caller's offer, and again for every
// superseding offer.
func (s *Store) SubscribeToOffer(ctx context.Context, sessionID string, fn func(models.Signal)) (*Subscription, error) {
	return s.subscribe(ctx, sessionID, models.SignalKindOffer, "", func(ctx context.Context) ([]models.Signal, error) {
		return s.storedDescription(ctx, sessionID, models.SignalKindOffer)
	}, fn)
}

// SubscribeToAnswer calls fn once an answer exists for the call. A call
// holding only an offer never triggers fn.
func (s *Store) SubscribeToAnswer(ctx context.Context, sessionID string, fn func(models.Signal)) (*Subscription, error) {
	return s.subscribe(ctx, sessionID, models.SignalKindAnswer, "", func(ctx context.Context) ([]models.Signal, error) {
		return s.storedDescription(ctx, sessionID, models.SignalKindAnswer)
	}, fn)
}

// SubscribeToIceCandidates calls fn for every candidate sent by role.
func (s *Store) SubscribeToIceCandidates(ctx context.Context, sessionID string, role models.Role, fn func(models.Signal)) (*Subscription, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", models.ErrInvalidSignal, role)
	}
	return s.subscribe(ctx, sessionID, models.SignalKindCandidate, role, func(ctx context.Context) ([]models.Signal, error) {
		return s.storedCandidates(ctx, sessionID, role)
	}, fn)
}

// SubscribeToHangup calls fn when either participant ends the call.
func (s *Store) SubscribeToHangup(ctx context.Context, sessionID string, fn func(models.Signal)) (*Subscription, error) {
	return s.subscribe(ctx, sessionID, models.SignalKindHangup, "", func(ctx context.Context) ([]models.Signal, error) {
		if err := s.ensureExists(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, nil
	}, fn)
}

// subscribe listens on the call channel before reading stored data, so a
// write racing the subscription shows up in the replay, the live feed or
// both; seq de-duplicates the overlap.
func (s *Store) subscribe(
	ctx context.Context,
	sessionID string,
	kind models.SignalKind,
	role models.Role,
	replay func(context.Context) ([]models.Signal, error),
	fn func(models.Signal),
) (*Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channelKey(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", sessionID, err)
	}

	stored, err := replay(ctx)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		sessionID: sessionID,
		kind:      kind,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	logger := s.logger.With(
		zap.String("session_id", sessionID),
		zap.String("kind", string(kind)),
	)

	go func() {
		defer close(sub.done)
		defer pubsub.Close()

		seen := make(map[int64]struct{})
		deliver := func(sig models.Signal) {
			if _, dup := seen[sig.Seq]; dup {
				return
			}
			seen[sig.Seq] = struct{}{}
			if sub.closed.Load() {
				return
			}
			fn(sig)
		}

		for _, sig := range stored {
			deliver(sig)
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				sub.closed.Store(true)
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var sig models.Signal
				if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
					logger.Warn("dropping malformed signal", zap.Error(err))
					continue
				}
				if sig.Kind != kind || (role != "" && sig.Role != role) {
					continue
				}
				deliver(sig)
			}
		}
	}()

	return sub, nil
}

func (s *Store) ensureExists(ctx context.Context, sessionID string) error {
	n, err := s.client.Exists(ctx, callKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("check call %s: %w", sessionID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) storedDescription(ctx context.Context, sessionID string, kind models.SignalKind) ([]models.Signal, error) {
	field, seqField, role := fieldOffer, fieldOfferSeq, models.RoleCaller
	if kind == models.SignalKindAnswer {
		field, seqField, role = fieldAnswer, fieldAnswerSeq, models.RoleCallee
	}

	vals, err := s.client.HMGet(ctx, callKey(sessionID), fieldSessionID, field, seqField).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s of %s: %w", kind, sessionID, err)
	}
	if vals[0] == nil {
		return nil, ErrNotFound
	}
	raw, ok := vals[1].(string)
	if !ok {
		return nil, nil
	}

	entry, err := decodeDescription(raw)
	if err != nil {
		return nil, err
	}
	seqStr, _ := vals[2].(string)
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed %s seq: %w", kind, err)
	}

	return []models.Signal{{
		Seq:         seq,
		SessionID:   sessionID,
		Kind:        kind,
		Role:        role,
		OfferSeq:    entry.OfferSeq,
		Description: &entry.Description,
		CreatedAt:   entry.CreatedAt,
	}}, nil
}

func (s *Store) storedCandidates(ctx context.Context, sessionID string, role models.Role) ([]models.Signal, error) {
	if err := s.ensureExists(ctx, sessionID); err != nil {
		return nil, err
	}

	raws, err := s.client.LRange(ctx, candidatesKey(sessionID, role), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read candidates of %s: %w", sessionID, err)
	}

	out := make([]models.Signal, 0, len(raws))
	for _, raw := range raws {
		seq, entry, err := decodeCandidate(raw)
		if err != nil {
			s.logger.Warn("skipping stored candidate", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		out = append(out, models.Signal{
			Seq:       seq,
			SessionID: sessionID,
			Kind:      models.SignalKindCandidate,
			Role:      role,
			Candidate: &entry.Candidate,
			CreatedAt: entry.CreatedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
