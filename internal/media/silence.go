package media

import (
	"context"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const opusFrame = 20 * time.Millisecond

// PumpSilence writes Opus silence to every audio track of s until ctx is
// done, keeping the RTP flow alive for a participant with no real capture.
func PumpSilence(ctx context.Context, s *Stream) {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range s.AudioTracks() {
				lt, ok := t.(*LocalTrack)
				if !ok || lt.Stopped() {
					continue
				}
				_ = lt.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: opusFrame})
			}
		}
	}
}
