package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// LocalMedia is the controller's local audio. It is shared by every peer
// connection of a session: each one adds Tracks, none of them mutates it.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	// SetMuted gates the outgoing audio of every connection at once.
	SetMuted(muted bool)
	Muted() bool
	// Close stops capture and releases the device. Safe to call twice.
	Close() error
	Stopped() bool
}

// MediaSource acquires local media for a Join. It returns an error wrapping
// ErrMediaAccessDenied when no capture is possible.
type MediaSource func(ctx context.Context) (LocalMedia, error)

// opusSilence is a single 20 ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const opusFrame = 20 * time.Millisecond

// sampleReader yields encoded Opus frames from a capture device.
type sampleReader interface {
	ReadSample() ([]byte, time.Duration, error)
	Close() error
}

// localAudio pumps frames from a sampleReader into one static track. While
// muted the pump keeps the RTP clock running with silence frames, so
// unmuting does not need renegotiation.
type localAudio struct {
	track  *webrtc.TrackLocalStaticSample
	reader sampleReader

	mu      sync.Mutex
	muted   bool
	stopped bool
	done    chan struct{}
}

func newLocalAudio(streamID string, r sampleReader) (*localAudio, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, err
	}
	a := &localAudio{track: track, reader: r, done: make(chan struct{})}
	go a.pump()
	return a, nil
}

func (a *localAudio) pump() {
	defer close(a.done)
	for {
		data, dur, err := a.reader.ReadSample()
		if err != nil {
			if !a.Stopped() {
				log.Warnf("CALL: local audio ended: %v", err)
			}
			return
		}
		if dur <= 0 {
			dur = opusFrame
		}
		if a.Muted() {
			data = opusSilence
		}
		if err := a.track.WriteSample(media.Sample{Data: data, Duration: dur}); err != nil && !errors.Is(err, context.Canceled) {
			log.Debugf("CALL: write sample: %v", err)
		}
	}
}

func (a *localAudio) Tracks() []webrtc.TrackLocal { return []webrtc.TrackLocal{a.track} }

func (a *localAudio) SetMuted(muted bool) {
	a.mu.Lock()
	a.muted = muted
	a.mu.Unlock()
}

func (a *localAudio) Muted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.muted
}

func (a *localAudio) Stopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

func (a *localAudio) Close() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	err := a.reader.Close()
	<-a.done
	return err
}

// silenceReader produces silence at the Opus frame rate. It stands in for
// a microphone on hosts without one.
type silenceReader struct {
	ticker *time.Ticker
	stop   chan struct{}
	once   sync.Once
}

func (s *silenceReader) ReadSample() ([]byte, time.Duration, error) {
	select {
	case <-s.ticker.C:
		return opusSilence, opusFrame, nil
	case <-s.stop:
		return nil, 0, errors.New("silence source closed")
	}
}

func (s *silenceReader) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.stop)
	})
	return nil
}

// SilentMedia is a MediaSource that never touches a device. Peers hear
// silence; everything else behaves like a real microphone.
func SilentMedia(streamID string) MediaSource {
	return func(ctx context.Context) (LocalMedia, error) {
		r := &silenceReader{ticker: time.NewTicker(opusFrame), stop: make(chan struct{})}
		a, err := newLocalAudio(streamID, r)
		if err != nil {
			r.Close()
			return nil, err
		}
		return a, nil
	}
}

// WithFallback uses primary, or fallback when primary reports that no
// device is available. Other errors are returned as they are.
func WithFallback(primary, fallback MediaSource) MediaSource {
	return func(ctx context.Context) (LocalMedia, error) {
		m, err := primary(ctx)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrMediaAccessDenied) {
			return nil, err
		}
		log.Warnf("CALL: %v, sending silence instead", err)
		return fallback(ctx)
	}
}
