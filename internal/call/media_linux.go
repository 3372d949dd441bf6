//go:build linux

package call

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// opusReader adapts a mediadevices encoded reader to sampleReader.
type opusReader struct {
	track mediadevices.Track
	r     mediadevices.EncodedReadCloser
}

func (o *opusReader) ReadSample() ([]byte, time.Duration, error) {
	buf, release, err := o.r.Read()
	if err != nil {
		return nil, 0, err
	}
	defer release()
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	dur := time.Duration(buf.Samples) * time.Second / 48000
	return data, dur, nil
}

func (o *opusReader) Close() error {
	err := o.r.Close()
	if cerr := o.track.Close(); err == nil {
		err = cerr
	}
	return err
}

// CaptureMicrophone is a MediaSource that opens the default microphone via
// pion/mediadevices (malgo) and encodes it to Opus.
func CaptureMicrophone(streamID string) MediaSource {
	return func(ctx context.Context) (LocalMedia, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		opusParams, err := opus.NewParams()
		if err != nil {
			return nil, fmt.Errorf("%w: opus params: %w", ErrMediaAccessDenied, err)
		}
		codecSelector := mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		)

		for _, d := range mediadevices.EnumerateDevices() {
			if d.Kind == mediadevices.AudioInput {
				log.Debugf("CALL: audio device label=%q", d.Label)
			}
		}

		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
			Codec: codecSelector,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMediaAccessDenied, err)
		}
		tracks := stream.GetAudioTracks()
		if len(tracks) == 0 {
			return nil, fmt.Errorf("%w: no audio track", ErrMediaAccessDenied)
		}
		for _, extra := range tracks[1:] {
			extra.Close()
		}
		track := tracks[0]
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("CALL: microphone ended: %v", err)
			}
		})

		r, err := track.NewEncodedReader(webrtc.MimeTypeOpus)
		if err != nil {
			track.Close()
			return nil, fmt.Errorf("%w: opus reader: %w", ErrMediaAccessDenied, err)
		}

		a, err := newLocalAudio(streamID, &opusReader{track: track, r: r})
		if err != nil {
			r.Close()
			track.Close()
			return nil, err
		}
		log.Infof("CALL: microphone captured (%s)", track.ID())
		return a, nil
	}
}
