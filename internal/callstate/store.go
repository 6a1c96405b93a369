// Package callstate holds the call state of one participant: media streams,
// the active peer, lifecycle status and the local mute/video flags.
//
// A Store belongs to a single call session controller. Nothing in it is
// shared between stores.
package callstate

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/mossy-p/counsel-signaling/internal/media"
)

// Peer is the handle of an active peer connection.
type Peer interface {
	Close() error
}

var ErrPeerActive = errors.New("a peer connection is already active")

// State is a point-in-time copy of a Store.
type State struct {
	LocalStream     *media.Stream
	RemoteStream    *media.Stream
	Peer            Peer
	Status          Status
	IsLocalMicMuted bool
	IsLocalVideoOff bool
	Error           error
}

// Store is the single source of truth for one participant's call.
type Store struct {
	logger *zap.Logger

	mu    sync.Mutex
	state State

	cleanups []func()

	listenersMu sync.RWMutex
	listeners   map[int]func(State)
	nextID      int
}

func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logger:    logger,
		state:     State{Status: StatusIdle},
		listeners: make(map[int]func(State)),
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store) Status() Status {
	return s.Snapshot().Status
}

// OnChange registers fn to be called with the new state after every
// mutation. The returned func unregisters it.
func (s *Store) OnChange(fn func(State)) (cancel func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store) notify(st State) {
	s.listenersMu.RLock()
	fns := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(st)
	}
}

// errUnchanged aborts an update without notifying listeners.
var errUnchanged = errors.New("state unchanged")

// update applies fn under the lock and notifies listeners outside it.
func (s *Store) update(fn func(st *State) error) error {
	s.mu.Lock()
	if err := fn(&s.state); err != nil {
		s.mu.Unlock()
		return err
	}
	st := s.state
	s.mu.Unlock()

	s.notify(st)
	return nil
}

// SetLocalStream replaces the local stream reference. Track lifecycle stays
// with the caller.
func (s *Store) SetLocalStream(stream *media.Stream) {
	_ = s.update(func(st *State) error {
		st.LocalStream = stream
		return nil
	})
}

func (s *Store) SetRemoteStream(stream *media.Stream) {
	_ = s.update(func(st *State) error {
		st.RemoteStream = stream
		return nil
	})
}

// SetPeer stores the active peer handle. Passing nil clears it. Only one peer
// may be held at a time.
func (s *Store) SetPeer(p Peer) error {
	return s.update(func(st *State) error {
		if p != nil && st.Peer != nil && st.Peer != p {
			return ErrPeerActive
		}
		st.Peer = p
		return nil
	})
}

// SetStatus moves the call to status, rejecting moves the lifecycle does not
// allow.
func (s *Store) SetStatus(status Status) error {
	return s.update(func(st *State) error {
		if err := checkTransition(st.Status, status); err != nil {
			return err
		}
		if st.Status != status {
			s.logger.Debug("call status", zap.String("from", string(st.Status)), zap.String("to", string(status)))
		}
		st.Status = status
		return nil
	})
}

// Fail moves the call to StatusError and records err. A call already in a
// terminal or idle state keeps its status.
func (s *Store) Fail(err error) {
	_ = s.update(func(st *State) error {
		if checkTransition(st.Status, StatusError) != nil {
			s.logger.Debug("ignoring failure outside an active call", zap.String("status", string(st.Status)), zap.Error(err))
			return errUnchanged
		}
		s.logger.Warn("call failed", zap.String("from", string(st.Status)), zap.Error(err))
		st.Status = StatusError
		st.Error = err
		return nil
	})
}

// ToggleLocalMic flips every local audio track and the muted flag. Without a
// local stream it does nothing.
func (s *Store) ToggleLocalMic() {
	_ = s.update(func(st *State) error {
		if st.LocalStream == nil {
			return errUnchanged
		}
		st.IsLocalMicMuted = !st.IsLocalMicMuted
		for _, t := range st.LocalStream.AudioTracks() {
			t.SetEnabled(!t.Enabled())
		}
		return nil
	})
}

// ToggleLocalVideo flips every local video track and the video-off flag.
// Without a local stream it does nothing.
func (s *Store) ToggleLocalVideo() {
	_ = s.update(func(st *State) error {
		if st.LocalStream == nil {
			return errUnchanged
		}
		st.IsLocalVideoOff = !st.IsLocalVideoOff
		for _, t := range st.LocalStream.VideoTracks() {
			t.SetEnabled(!t.Enabled())
		}
		return nil
	})
}

// AddCleanup registers fn to run on the next Reset. Signaling subscriptions
// register their cancel here.
func (s *Store) AddCleanup(fn func()) {
	s.mu.Lock()
	s.cleanups = append(s.cleanups, fn)
	s.mu.Unlock()
}

// Reset ends the call: cleanups run first so no signaling callback fires
// afterwards, then local tracks are stopped, the peer is closed and every
// field returns to its initial value.
func (s *Store) Reset() {
	s.mu.Lock()
	cleanups := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}

	s.mu.Lock()
	old := s.state
	s.state = State{Status: StatusIdle}
	st := s.state
	s.mu.Unlock()

	if old.LocalStream != nil {
		old.LocalStream.Stop()
	}
	if old.Peer != nil {
		if err := old.Peer.Close(); err != nil {
			s.logger.Warn("close peer on reset", zap.Error(err))
		}
	}

	s.notify(st)
}
