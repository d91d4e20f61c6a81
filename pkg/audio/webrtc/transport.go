package webrtc

import (
	"context"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

// State is the connection state of a [PeerConnection].
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

// String returns the state name as used in logs.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameSource supplies outbound audio. NextFrame is called once per
// [audio.FrameDuration] and must return exactly [audio.FrameBytes] of mono
// S16LE PCM at [audio.SampleRate]. [audio.Generator] satisfies it.
type FrameSource interface {
	NextFrame() []byte
}

// Track is an inbound media track received from the remote peer.
type Track interface {
	// Kind is "audio" or "video".
	Kind() string

	// ReadFrame blocks until the next decoded frame is available, the track
	// ends, or ctx is done.
	ReadFrame(ctx context.Context) (audio.Frame, error)
}

// PeerConnection is the negotiation and media capability one session owns.
// Implementations must make Close idempotent.
type PeerConnection interface {
	// AttachOutput adds the outbound audio track and starts feeding it from
	// src at the frame cadence.
	AttachOutput(src FrameSource) error

	// SetRemoteOffer applies the remote SDP offer.
	SetRemoteOffer(sdp string) error

	// CreateAnswer creates the local answer, applies it, and returns its SDP
	// once candidate gathering has finished or ctx is done.
	CreateAnswer(ctx context.Context) (string, error)

	// LocalDescription returns the applied local SDP, or "" before
	// CreateAnswer succeeded.
	LocalDescription() string

	// OnStateChange registers the connection-state callback.
	OnStateChange(fn func(State))

	// OnTrack registers the inbound-track callback.
	OnTrack(fn func(Track))

	// Close tears down the connection and stops all media goroutines.
	Close() error
}

// Factory creates peer connections.
type Factory interface {
	NewPeerConnection() (PeerConnection, error)
}
