// Package session runs one participant's side of a counseling video call.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mossy-p/counsel-signaling/internal/callstate"
	"github.com/mossy-p/counsel-signaling/internal/media"
	"github.com/mossy-p/counsel-signaling/internal/models"
	"github.com/mossy-p/counsel-signaling/internal/peer"
	"github.com/mossy-p/counsel-signaling/internal/signaling"
)

var (
	ErrCallActive = errors.New("a call is already in progress")
	ErrNoCall     = errors.New("no call in progress")
)

// Signaling is what the controller needs from the signaling store.
type Signaling interface {
	peer.Signaling
	CreateCall(ctx context.Context, sessionID string) (bool, error)
	ClaimRole(ctx context.Context, sessionID, participantID string) (models.Role, error)
	LeaveCall(ctx context.Context, sessionID string, role models.Role) (bool, error)
	EndCall(ctx context.Context, sessionID string, role models.Role) error
	SubscribeToHangup(ctx context.Context, sessionID string, fn func(models.Signal)) (*signaling.Subscription, error)
}

// Request identifies who joins which session with what media.
type Request struct {
	SessionID     string
	ParticipantID string
	Constraints   media.Constraints
}

// Controller owns the call state of one participant and the peer link
// feeding it.
type Controller struct {
	sig     Signaling
	devices media.Devices
	cfg     peer.Config
	store   *callstate.Store
	logger  *zap.Logger

	mu          sync.Mutex
	req         *Request
	role        models.Role
	link        *peer.Link
	remoteEnded bool
}

func NewController(sig Signaling, devices media.Devices, cfg peer.Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		sig:     sig,
		devices: devices,
		cfg:     cfg,
		store:   callstate.New(logger),
		logger:  logger,
	}
}

// Store exposes the call state for rendering and mute controls.
func (c *Controller) Store() *callstate.Store {
	return c.store
}

// Role returns the role held in the current call, if any.
func (c *Controller) Role() models.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Start acquires media, joins the session and starts negotiating. Any failure
// leaves the store in StatusError; Retry or Reset starts over.
func (c *Controller) Start(ctx context.Context, req Request) error {
	c.mu.Lock()
	if c.store.Status() != callstate.StatusIdle {
		c.mu.Unlock()
		return ErrCallActive
	}
	r := req
	c.req = &r
	c.mu.Unlock()

	if err := c.store.SetStatus(callstate.StatusRequesting); err != nil {
		return err
	}

	stream, err := c.devices.GetUserMedia(ctx, req.Constraints)
	if err != nil {
		return c.fail(fmt.Errorf("acquire media: %w", err))
	}
	c.store.SetLocalStream(stream)

	if err := c.store.SetStatus(callstate.StatusConnecting); err != nil {
		return err
	}

	if _, err := c.sig.CreateCall(ctx, req.SessionID); err != nil {
		return c.fail(fmt.Errorf("create call: %w", err))
	}
	role, err := c.sig.ClaimRole(ctx, req.SessionID, req.ParticipantID)
	if err != nil {
		return c.fail(fmt.Errorf("join call: %w", err))
	}

	hangup, err := c.sig.SubscribeToHangup(context.WithoutCancel(ctx), req.SessionID, func(sig models.Signal) {
		if sig.Role == role {
			return
		}
		c.logger.Info("remote participant ended the call", zap.String("session_id", req.SessionID))
		c.mu.Lock()
		c.remoteEnded = true
		c.mu.Unlock()
		if err := c.store.SetStatus(callstate.StatusDisconnected); err != nil {
			c.logger.Debug("hangup status not applied", zap.Error(err))
		}
	})
	if err != nil {
		return c.fail(fmt.Errorf("watch hangup: %w", err))
	}
	c.store.AddCleanup(hangup.Cancel)

	link, err := peer.New(ctx, c.cfg, req.SessionID, role, c.sig, c.store, c.logger)
	if err != nil {
		return c.fail(err)
	}

	c.mu.Lock()
	c.role = role
	c.link = link
	c.mu.Unlock()

	c.logger.Info("joined call",
		zap.String("session_id", req.SessionID),
		zap.String("participant_id", req.ParticipantID),
		zap.String("role", string(role)),
	)

	if err := link.Start(stream); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Controller) fail(err error) error {
	c.store.Fail(err)
	return err
}

// RemoteEnded reports whether the other participant hung up the current
// call. A disconnected call without a remote hangup can be retried.
func (c *Controller) RemoteEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteEnded
}

// Hangup ends the call for both participants and resets local state.
func (c *Controller) Hangup(ctx context.Context) error {
	req, role, err := c.current()
	if err != nil {
		return err
	}
	defer c.reset()

	if role == "" {
		return nil
	}
	if err := c.sig.EndCall(ctx, req.SessionID, role); err != nil && !errors.Is(err, signaling.ErrNotFound) {
		return fmt.Errorf("end call: %w", err)
	}
	return nil
}

// Leave drops out of the call without ending it for the other participant.
func (c *Controller) Leave(ctx context.Context) error {
	req, role, err := c.current()
	if err != nil {
		return err
	}
	defer c.reset()

	if role == "" {
		return nil
	}
	if _, err := c.sig.LeaveCall(ctx, req.SessionID, role); err != nil && !errors.Is(err, signaling.ErrNotFound) {
		return fmt.Errorf("leave call: %w", err)
	}
	return nil
}

// Retry resets local state and starts the last requested call again.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	req := c.req
	c.mu.Unlock()
	if req == nil {
		return ErrNoCall
	}

	c.reset()
	return c.Start(ctx, *req)
}

// Reset releases media, the peer connection and all subscriptions without
// touching the shared record.
func (c *Controller) Reset() {
	c.reset()
}

func (c *Controller) reset() {
	c.store.Reset()

	c.mu.Lock()
	c.role = ""
	c.link = nil
	c.remoteEnded = false
	c.mu.Unlock()
}

func (c *Controller) current() (Request, models.Role, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.req == nil {
		return Request{}, "", ErrNoCall
	}
	return *c.req, c.role, nil
}
