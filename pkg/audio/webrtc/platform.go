// Package webrtc implements the peer-connection capability used by voice
// sessions on top of pion/webrtc.
//
// A [Platform] creates one [PeerConnection] per browser call. Inbound Opus
// RTP is decoded into [audio.Frame] values for the capture path; outbound
// audio is pulled from a [FrameSource] every 20 ms, Opus-encoded and
// written to a local sample track.
package webrtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

var _ Factory = (*Platform)(nil)

// Option configures a [Platform].
type Option func(*Platform)

// WithSTUNServers sets the STUN server URLs used during ICE gathering.
// Defaults to ["stun:stun.l.google.com:19302"]. Passing no servers disables
// STUN and only host candidates are gathered.
func WithSTUNServers(servers ...string) Option {
	return func(p *Platform) {
		p.stunServers = servers
	}
}

// Platform creates pion-backed peer connections. It is safe for concurrent
// use.
type Platform struct {
	stunServers []string
}

// New creates a Platform with the given options applied.
func New(opts ...Option) *Platform {
	p := &Platform{
		stunServers: []string{"stun:stun.l.google.com:19302"},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// NewPeerConnection implements [Factory].
func (p *Platform) NewPeerConnection() (PeerConnection, error) {
	cfg := webrtc.Configuration{}
	if len(p.stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: p.stunServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("webrtc: new peer connection: %w", err)
	}
	return newPeer(pc), nil
}
