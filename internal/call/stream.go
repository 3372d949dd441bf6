package call

import (
	"context"
	"errors"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteStream is the audio a remote participant sends us.
type RemoteStream interface {
	ID() string
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, error)
}

type pionStream struct {
	track *webrtc.TrackRemote
}

func (s *pionStream) ID() string { return s.track.StreamID() + "/" + s.track.ID() }

func (s *pionStream) Codec() webrtc.RTPCodecParameters { return s.track.Codec() }

func (s *pionStream) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := s.track.ReadRTP()
	return pkt, err
}

// Consume reads s until it ends or ctx is done, handing every packet to fn.
// It returns nil when the stream ends normally.
func Consume(ctx context.Context, s RemoteStream, fn func(*rtp.Packet)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pkt, err := s.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if fn != nil {
			fn(pkt)
		}
	}
}
