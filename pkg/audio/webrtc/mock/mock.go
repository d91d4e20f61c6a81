// Package mock provides scripted implementations of the webrtc capability
// interfaces for session and gateway tests.
//
// PeerConnection records every call and returns the configured results.
// Tests drive inbound media by calling [PeerConnection.EmitTrack] with a
// [Track] whose Frames channel they feed.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/audio/webrtc"
)

// ─── Track ────────────────────────────────────────────────────────────────────

// Track is a mock [webrtc.Track]. ReadFrame returns frames sent on Frames,
// io.EOF once Frames is closed, or ctx.Err() when ctx is done.
type Track struct {
	// TrackKind is returned by Kind. Defaults to "audio".
	TrackKind string

	// Frames delivers inbound frames.
	Frames chan audio.Frame

	// Err, if non-nil, is returned by ReadFrame instead of io.EOF after
	// Frames is closed.
	Err error
}

// NewTrack returns an audio track with a buffered Frames channel.
func NewTrack() *Track {
	return &Track{TrackKind: "audio", Frames: make(chan audio.Frame, 64)}
}

// Kind implements [webrtc.Track].
func (t *Track) Kind() string {
	if t.TrackKind == "" {
		return "audio"
	}
	return t.TrackKind
}

// ReadFrame implements [webrtc.Track].
func (t *Track) ReadFrame(ctx context.Context) (audio.Frame, error) {
	select {
	case f, ok := <-t.Frames:
		if !ok {
			if t.Err != nil {
				return audio.Frame{}, t.Err
			}
			return audio.Frame{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

var _ webrtc.Track = (*Track)(nil)

// ─── PeerConnection ───────────────────────────────────────────────────────────

// PeerConnection is a mock [webrtc.PeerConnection]. Set the exported error
// fields before use; inspect the call counters after.
type PeerConnection struct {
	mu sync.Mutex

	// AnswerSDP is returned by CreateAnswer. Defaults to a minimal SDP.
	AnswerSDP string

	AttachErr       error
	SetRemoteErr    error
	CreateAnswerErr error
	CloseErr        error

	// Source is the FrameSource passed to AttachOutput.
	Source webrtc.FrameSource

	// RemoteOffer is the SDP passed to SetRemoteOffer.
	RemoteOffer string

	CallCountAttach       int
	CallCountSetRemote    int
	CallCountCreateAnswer int
	CallCountClose        int

	local   string
	onState func(webrtc.State)
	onTrack func(webrtc.Track)
}

// AttachOutput implements [webrtc.PeerConnection].
func (p *PeerConnection) AttachOutput(src webrtc.FrameSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountAttach++
	if p.AttachErr != nil {
		return p.AttachErr
	}
	p.Source = src
	return nil
}

// SetRemoteOffer implements [webrtc.PeerConnection].
func (p *PeerConnection) SetRemoteOffer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountSetRemote++
	p.RemoteOffer = sdp
	return p.SetRemoteErr
}

// CreateAnswer implements [webrtc.PeerConnection].
func (p *PeerConnection) CreateAnswer(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountCreateAnswer++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.CreateAnswerErr != nil {
		return "", p.CreateAnswerErr
	}
	p.local = p.AnswerSDP
	if p.local == "" {
		p.local = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n"
	}
	return p.local, nil
}

// LocalDescription implements [webrtc.PeerConnection].
func (p *PeerConnection) LocalDescription() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// OnStateChange implements [webrtc.PeerConnection].
func (p *PeerConnection) OnStateChange(fn func(webrtc.State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

// OnTrack implements [webrtc.PeerConnection].
func (p *PeerConnection) OnTrack(fn func(webrtc.Track)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

// Close implements [webrtc.PeerConnection].
func (p *PeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountClose++
	return p.CloseErr
}

// Closes returns the number of Close calls.
func (p *PeerConnection) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountClose
}

// Remote returns the SDP passed to SetRemoteOffer.
func (p *PeerConnection) Remote() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.RemoteOffer
}

// Output returns the FrameSource passed to AttachOutput.
func (p *PeerConnection) Output() webrtc.FrameSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Source
}

// EmitTrack invokes the registered track callback, if any.
func (p *PeerConnection) EmitTrack(t webrtc.Track) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// EmitState invokes the registered state callback, if any.
func (p *PeerConnection) EmitState(s webrtc.State) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

var _ webrtc.PeerConnection = (*PeerConnection)(nil)

// ─── Factory ──────────────────────────────────────────────────────────────────

// Factory is a mock [webrtc.Factory].
type Factory struct {
	mu sync.Mutex

	// NewErr, if non-nil, is returned by NewPeerConnection.
	NewErr error

	// Configure, if set, is applied to each new PeerConnection before it is
	// returned.
	Configure func(*PeerConnection)

	// Created holds every PeerConnection returned, in order.
	Created []*PeerConnection
}

// NewPeerConnection implements [webrtc.Factory].
func (f *Factory) NewPeerConnection() (webrtc.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	pc := &PeerConnection{}
	if f.Configure != nil {
		f.Configure(pc)
	}
	f.Created = append(f.Created, pc)
	return pc, nil
}

// Last returns the most recently created PeerConnection, or nil.
func (f *Factory) Last() *PeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Created) == 0 {
		return nil
	}
	return f.Created[len(f.Created)-1]
}

var _ webrtc.Factory = (*Factory)(nil)
