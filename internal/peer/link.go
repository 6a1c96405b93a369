// Package peer binds one pion PeerConnection to the signaling store and to a
// participant's call state.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/counsel-signaling/internal/callstate"
	"github.com/mossy-p/counsel-signaling/internal/media"
	"github.com/mossy-p/counsel-signaling/internal/models"
	"github.com/mossy-p/counsel-signaling/internal/signaling"
)

var (
	ErrConnectionFailed = errors.New("peer connection failed")
	ErrICEFailed        = errors.New("ICE connection failed")
)

// Signaling is the part of the signaling store a Link uses.
type Signaling interface {
	SendOffer(ctx context.Context, sessionID string, desc webrtc.SessionDescription) (int64, error)
	SendAnswer(ctx context.Context, sessionID string, offerSeq int64, desc webrtc.SessionDescription) error
	AddIceCandidate(ctx context.Context, sessionID string, role models.Role, candidate webrtc.ICECandidateInit) error
	SubscribeToOffer(ctx context.Context, sessionID string, fn func(models.Signal)) (*signaling.Subscription, error)
	SubscribeToAnswer(ctx context.Context, sessionID string, fn func(models.Signal)) (*signaling.Subscription, error)
	SubscribeToIceCandidates(ctx context.Context, sessionID string, role models.Role, fn func(models.Signal)) (*signaling.Subscription, error)
}

type Config struct {
	ICEServers []webrtc.ICEServer

	// API builds the peer connection. webrtc defaults are used when nil.
	API *webrtc.API

	// OnRemoteTrack receives every remote track. When nil the link drains
	// incoming RTP itself.
	OnRemoteTrack func(*media.RemoteTrack)
}

// NewAPI returns a webrtc API with the default codecs. Loopback candidates
// are only useful when both peers run on one host.
func NewAPI(includeLoopback bool) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(includeLoopback)

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)), nil
}

// Link drives one side of a call. The caller offers and waits for the
// answer; the callee waits for the offer and answers it.
type Link struct {
	sessionID string
	role      models.Role
	cfg       Config
	sig       Signaling
	store     *callstate.Store
	pc        *webrtc.PeerConnection
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	closed        bool
	offerSeq      int64
	remoteSeq     int64
	remoteSet     bool
	remotePending []webrtc.ICECandidateInit
	localReady    bool
	localPending  []webrtc.ICECandidateInit
	remoteStream  *media.Stream
	subs          []*signaling.Subscription
}

// New creates the peer connection, hands it to store and registers the link
// for cleanup on the store's next Reset.
func New(ctx context.Context, cfg Config, sessionID string, role models.Role, sig Signaling, store *callstate.Store, logger *zap.Logger) (*Link, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", models.ErrInvalidSignal, role)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pcConfig := webrtc.Configuration{ICEServers: cfg.ICEServers}
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if cfg.API != nil {
		pc, err = cfg.API.NewPeerConnection(pcConfig)
	} else {
		pc, err = webrtc.NewPeerConnection(pcConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	if err := store.SetPeer(pc); err != nil {
		pc.Close()
		return nil, err
	}

	linkCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &Link{
		sessionID: sessionID,
		role:      role,
		cfg:       cfg,
		sig:       sig,
		store:     store,
		pc:        pc,
		logger:    logger.With(zap.String("session_id", sessionID), zap.String("role", string(role))),
		ctx:       linkCtx,
		cancel:    cancel,
	}

	pc.OnICECandidate(l.onLocalCandidate)
	pc.OnTrack(l.onTrack)
	pc.OnConnectionStateChange(l.onConnectionState)
	pc.OnICEConnectionStateChange(l.onICEState)

	store.AddCleanup(l.Close)
	return l, nil
}

func (l *Link) Role() models.Role { return l.role }

// Start attaches the local tracks and begins negotiation for the link's role.
func (l *Link) Start(local *media.Stream) error {
	if err := l.addLocalTracks(local); err != nil {
		return err
	}

	if l.role == models.RoleCaller {
		return l.startCaller()
	}
	return l.startCallee()
}

func (l *Link) addLocalTracks(local *media.Stream) error {
	var haveAudio, haveVideo bool
	if local != nil {
		for _, t := range local.Tracks() {
			lt, ok := t.(*media.LocalTrack)
			if !ok {
				continue
			}
			if _, err := l.pc.AddTrack(lt.RTPTrack()); err != nil {
				return fmt.Errorf("add %s track: %w", lt.Kind(), err)
			}
			switch lt.Kind() {
			case media.KindAudio:
				haveAudio = true
			case media.KindVideo:
				haveVideo = true
			}
		}
	}

	// Without a sending track the offer still needs m-lines to receive on.
	if l.role == models.RoleCaller {
		if !haveAudio {
			if _, err := l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
				return fmt.Errorf("add audio transceiver: %w", err)
			}
		}
		if !haveVideo {
			if _, err := l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
				return fmt.Errorf("add video transceiver: %w", err)
			}
		}
	}
	return nil
}

// startCaller writes the offer before subscribing: the write clears the
// answer and candidates of any earlier negotiation, so the replay only holds
// data for this offer.
func (l *Link) startCaller() error {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	seq, err := l.sig.SendOffer(l.ctx, l.sessionID, offer)
	if err != nil {
		return fmt.Errorf("send offer: %w", err)
	}

	l.mu.Lock()
	l.offerSeq = seq
	l.mu.Unlock()
	l.logger.Info("offer sent", zap.Int64("seq", seq))

	if err := l.subscribe(func() (*signaling.Subscription, error) {
		return l.sig.SubscribeToAnswer(l.ctx, l.sessionID, l.onAnswer)
	}); err != nil {
		return err
	}
	if err := l.subscribe(func() (*signaling.Subscription, error) {
		return l.sig.SubscribeToIceCandidates(l.ctx, l.sessionID, models.RoleCallee, l.onRemoteCandidate)
	}); err != nil {
		return err
	}

	l.flushLocal()
	return nil
}

func (l *Link) startCallee() error {
	if err := l.subscribe(func() (*signaling.Subscription, error) {
		return l.sig.SubscribeToIceCandidates(l.ctx, l.sessionID, models.RoleCaller, l.onRemoteCandidate)
	}); err != nil {
		return err
	}
	return l.subscribe(func() (*signaling.Subscription, error) {
		return l.sig.SubscribeToOffer(l.ctx, l.sessionID, l.onOffer)
	})
}

func (l *Link) subscribe(open func() (*signaling.Subscription, error)) error {
	sub, err := open()
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		sub.Cancel()
		return nil
	}
	l.subs = append(l.subs, sub)
	l.mu.Unlock()
	return nil
}

// onOffer answers the first offer it sees. A later offer means the caller
// started over with a new peer connection, which ends this link's call.
func (l *Link) onOffer(sig models.Signal) {
	var restarted bool
	err := l.withOpen(func() error {
		if l.remoteSet {
			if sig.Seq > l.remoteSeq {
				l.logger.Info("caller restarted negotiation", zap.Int64("seq", sig.Seq), zap.Int64("answered", l.remoteSeq))
				restarted = true
			}
			return nil
		}
		if err := l.pc.SetRemoteDescription(*sig.Description); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		l.remoteSet = true
		l.remoteSeq = sig.Seq
		l.offerSeq = sig.Seq
		l.applyRemotePendingLocked()

		answer, err := l.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := l.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		err = l.sig.SendAnswer(l.ctx, l.sessionID, sig.Seq, answer)
		if errors.Is(err, signaling.ErrOfferSuperseded) {
			// The newer offer is on its way through the subscription.
			l.logger.Info("answered offer was superseded", zap.Int64("seq", sig.Seq))
			return nil
		}
		if err != nil {
			return fmt.Errorf("send answer: %w", err)
		}
		l.logger.Info("answer sent", zap.Int64("offer_seq", sig.Seq))
		return nil
	})
	if err != nil {
		l.store.Fail(err)
		return
	}
	if restarted {
		l.setStatus(callstate.StatusDisconnected)
		return
	}
	l.flushLocal()
}

// onAnswer applies the answer to this link's own offer. A later answer to
// the same offer means the callee started over with a new peer connection.
func (l *Link) onAnswer(sig models.Signal) {
	var restarted bool
	err := l.withOpen(func() error {
		if sig.OfferSeq != l.offerSeq {
			l.logger.Warn("ignoring answer to another offer", zap.Int64("offer_seq", sig.OfferSeq), zap.Int64("own", l.offerSeq))
			return nil
		}
		if l.remoteSet {
			if sig.Seq > l.remoteSeq {
				l.logger.Info("callee restarted negotiation", zap.Int64("seq", sig.Seq), zap.Int64("applied", l.remoteSeq))
				restarted = true
			}
			return nil
		}
		if err := l.pc.SetRemoteDescription(*sig.Description); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		l.remoteSet = true
		l.remoteSeq = sig.Seq
		l.logger.Info("answer applied", zap.Int64("seq", sig.Seq))
		l.applyRemotePendingLocked()
		return nil
	})
	if err != nil {
		l.store.Fail(err)
		return
	}
	if restarted {
		l.setStatus(callstate.StatusDisconnected)
	}
}

// onRemoteCandidate queues candidates until the remote description is set.
func (l *Link) onRemoteCandidate(sig models.Signal) {
	_ = l.withOpen(func() error {
		if !l.remoteSet {
			l.remotePending = append(l.remotePending, *sig.Candidate)
			return nil
		}
		if err := l.pc.AddICECandidate(*sig.Candidate); err != nil {
			l.logger.Warn("add remote candidate", zap.Error(err))
		}
		return nil
	})
}

func (l *Link) applyRemotePendingLocked() {
	for _, c := range l.remotePending {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.logger.Warn("add queued remote candidate", zap.Error(err))
		}
	}
	l.remotePending = nil
}

// onLocalCandidate publishes gathered candidates once our description has
// been sent, so a superseding offer cannot drop them.
func (l *Link) onLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if !l.localReady {
		l.localPending = append(l.localPending, init)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.sendCandidate(init)
}

func (l *Link) flushLocal() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.localReady = true
	pending := l.localPending
	l.localPending = nil
	l.mu.Unlock()

	for _, c := range pending {
		l.sendCandidate(c)
	}
}

func (l *Link) sendCandidate(c webrtc.ICECandidateInit) {
	if err := l.sig.AddIceCandidate(l.ctx, l.sessionID, l.role, c); err != nil {
		l.logger.Warn("send local candidate", zap.Error(err))
	}
}

func (l *Link) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	remote := media.NewRemoteTrack(track)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if l.remoteStream == nil {
		l.remoteStream = media.NewStream(track.StreamID())
	}
	l.remoteStream.AddTrack(remote)
	stream := l.remoteStream
	l.mu.Unlock()

	l.logger.Info("remote track", zap.String("kind", string(remote.Kind())), zap.String("track_id", track.ID()))
	l.store.SetRemoteStream(stream)

	if l.cfg.OnRemoteTrack != nil {
		l.cfg.OnRemoteTrack(remote)
		return
	}
	go drain(track)
}

func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (l *Link) onConnectionState(state webrtc.PeerConnectionState) {
	if l.isClosed() {
		return
	}
	l.logger.Info("peer connection state", zap.String("state", state.String()))

	// Disconnected is transient: ICE may recover to connected or give up
	// with failed.
	switch state {
	case webrtc.PeerConnectionStateConnected:
		l.setStatus(callstate.StatusConnected)
	case webrtc.PeerConnectionStateClosed:
		l.setStatus(callstate.StatusDisconnected)
	case webrtc.PeerConnectionStateFailed:
		l.store.Fail(ErrConnectionFailed)
	}
}

func (l *Link) onICEState(state webrtc.ICEConnectionState) {
	if l.isClosed() {
		return
	}
	if state == webrtc.ICEConnectionStateFailed {
		l.store.Fail(ErrICEFailed)
	}
}

func (l *Link) setStatus(status callstate.Status) {
	if err := l.store.SetStatus(status); err != nil {
		l.logger.Debug("status not applied", zap.Error(err))
	}
}

// withOpen runs fn under the link lock unless the link is closed.
func (l *Link) withOpen(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return fn()
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close cancels every signaling subscription of the link. The peer
// connection itself is closed by the store's Reset.
func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	l.cancel()
}
