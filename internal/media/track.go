// Package media models the local and remote media streams of a call.
// Local tracks are backed by pion sample tracks so they can be attached to a
// peer connection directly; remote tracks wrap what pion hands to OnTrack.
package media

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is a single audio or video track of a stream.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop ends the track for good. A stopped track is never enabled again.
	Stop()
	Stopped() bool
}

type trackState struct {
	mu      sync.RWMutex
	enabled bool
	stopped bool
}

func (s *trackState) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled && !s.stopped
}

func (s *trackState) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.enabled = enabled
}

func (s *trackState) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.enabled = false
}

func (s *trackState) Stopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// LocalTrack is a captured track that can be sent over a peer connection.
type LocalTrack struct {
	trackState
	kind  Kind
	track *webrtc.TrackLocalStaticSample
}

// NewLocalTrack creates an enabled Opus (audio) or VP8 (video) track
// belonging to streamID.
func NewLocalTrack(kind Kind, streamID string) (*LocalTrack, error) {
	var codec webrtc.RTPCodecCapability
	switch kind {
	case KindAudio:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case KindVideo:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("unsupported track kind %q", kind)
	}

	track, err := webrtc.NewTrackLocalStaticSample(codec, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}

	return &LocalTrack{
		trackState: trackState{enabled: true},
		kind:       kind,
		track:      track,
	}, nil
}

func (t *LocalTrack) ID() string { return t.track.ID() }

func (t *LocalTrack) Kind() Kind { return t.kind }

// RTPTrack returns the pion track to hand to PeerConnection.AddTrack.
func (t *LocalTrack) RTPTrack() webrtc.TrackLocal { return t.track }

// WriteSample forwards a sample to the peer. Samples written while the track
// is disabled or stopped are dropped.
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	if !t.Enabled() {
		return nil
	}
	return t.track.WriteSample(s)
}

// RemoteTrack is a track received from the other participant.
type RemoteTrack struct {
	trackState
	track *webrtc.TrackRemote
}

func NewRemoteTrack(track *webrtc.TrackRemote) *RemoteTrack {
	return &RemoteTrack{
		trackState: trackState{enabled: true},
		track:      track,
	}
}

func (t *RemoteTrack) ID() string { return t.track.ID() }

func (t *RemoteTrack) Kind() Kind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

// Remote returns the underlying pion track for reading RTP.
func (t *RemoteTrack) Remote() *webrtc.TrackRemote { return t.track }
