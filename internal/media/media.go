// Package media defines the local-media collaborator the negotiation
// engine attaches tracks from. The engine treats the provider as
// read-only: tracks are added to the peer connection but never stopped;
// device lifecycle belongs to the provider alone.
package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// State mirrors the lifecycle of a capture device.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateActive
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Provider exposes local tracks for attachment to a peer connection.
type Provider interface {
	Tracks() []webrtc.TrackLocal
	State() State
}

// Synthetic is a Provider backed by static sample tracks instead of a
// capture device. It exists for headless peers and tests: the tracks
// negotiate real audio/video m= sections without any hardware.
type Synthetic struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	mu    sync.Mutex
	state State
	stop  chan struct{}
}

func NewSynthetic() (*Synthetic, error) {
	streamID := "duocall-" + uuid.NewString()

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("media: create audio track: %w", err)
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("media: create video track: %w", err)
	}

	return &Synthetic{audio: audio, video: video, state: StateIdle}, nil
}

func (s *Synthetic) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio, s.video}
}

func (s *Synthetic) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

const sampleInterval = 20 * time.Millisecond

// Start begins pumping dummy samples into both tracks so that a remote
// peer actually receives RTP. Errors from WriteSample are expected while
// the track is not bound and are ignored.
func (s *Synthetic) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.state = StateActive

	go s.pump(s.stop)
	return nil
}

// Stop halts the sample pump. Idempotent.
func (s *Synthetic) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return
	}
	close(s.stop)
	s.stop = nil
	s.state = StateIdle
}

func (s *Synthetic) pump(stop chan struct{}) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	// Opaque payloads are fine here: the packetizers only need bytes,
	// nothing on the receiving side decodes them.
	audioFrame := make([]byte, 120)
	videoFrame := make([]byte, 900)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sample := pionmedia.Sample{Duration: sampleInterval}
			sample.Data = audioFrame
			_ = s.audio.WriteSample(sample)
			sample.Data = videoFrame
			_ = s.video.WriteSample(sample)
		}
	}
}
