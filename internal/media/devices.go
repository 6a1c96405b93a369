package media

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrNoDevice         = errors.New("requested media device not found")
)

type Constraints struct {
	Audio bool
	Video bool
}

// Devices acquires local capture streams.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
}

// SyntheticDevices produces sample-backed tracks without touching capture
// hardware. Callers feed the tracks through LocalTrack.WriteSample.
type SyntheticDevices struct {
	HasAudio bool
	HasVideo bool
	Denied   bool
}

func NewSyntheticDevices() *SyntheticDevices {
	return &SyntheticDevices{HasAudio: true, HasVideo: true}
}

func (d *SyntheticDevices) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Denied {
		return nil, ErrPermissionDenied
	}
	if !c.Audio && !c.Video {
		return nil, ErrNoDevice
	}
	if (c.Audio && !d.HasAudio) || (c.Video && !d.HasVideo) {
		return nil, ErrNoDevice
	}

	stream := NewStream(uuid.NewString())
	if c.Audio {
		t, err := NewLocalTrack(KindAudio, stream.ID())
		if err != nil {
			return nil, err
		}
		stream.AddTrack(t)
	}
	if c.Video {
		t, err := NewLocalTrack(KindVideo, stream.ID())
		if err != nil {
			return nil, err
		}
		stream.AddTrack(t)
	}
	return stream, nil
}
