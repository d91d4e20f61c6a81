package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// ErrOutputAttached is returned when AttachOutput is called twice.
var ErrOutputAttached = errors.New("webrtc: output already attached")

var _ PeerConnection = (*peer)(nil)

// peer adapts a pion PeerConnection to [PeerConnection].
type peer struct {
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	onState  func(State)
	onTrack  func(Track)
	attached bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func newPeer(pc *webrtc.PeerConnection) *peer {
	p := &peer{pc: pc, done: make(chan struct{})}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()
		if fn != nil {
			fn(stateFromPion(s))
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.mu.Lock()
		fn := p.onTrack
		p.mu.Unlock()
		if fn == nil {
			return
		}
		fn(&remoteTrack{remote: remote})
	})
	return p
}

// AttachOutput implements [PeerConnection].
func (p *peer) AttachOutput(src FrameSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached {
		return ErrOutputAttached
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audio.SampleRate, Channels: 2},
		"audio", "voicebridge",
	)
	if err != nil {
		return fmt.Errorf("webrtc: create local track: %w", err)
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("webrtc: add track: %w", err)
	}
	enc, err := newOpusEncoder()
	if err != nil {
		return err
	}
	p.attached = true

	p.wg.Add(2)
	go p.drainRTCP(sender)
	go p.writeOutput(track, enc, src)
	return nil
}

// drainRTCP reads and discards RTCP so interceptors keep running.
func (p *peer) drainRTCP(sender *webrtc.RTPSender) {
	defer p.wg.Done()
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// writeOutput pulls one frame from src per tick and writes it as an Opus
// sample until the peer is closed.
func (p *peer) writeOutput(track *webrtc.TrackLocalStaticSample, enc *opusEncoder, src FrameSource) {
	defer p.wg.Done()
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
		packet, err := enc.encode(src.NextFrame())
		if err != nil {
			slog.Warn("webrtc: dropping outbound frame", "err", err)
			continue
		}
		if err := track.WriteSample(media.Sample{Data: packet, Duration: audio.FrameDuration}); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			slog.Debug("webrtc: write sample", "err", err)
		}
	}
}

// SetRemoteOffer implements [PeerConnection].
func (p *peer) SetRemoteOffer(sdp string) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	if err != nil {
		return fmt.Errorf("webrtc: set remote description: %w", err)
	}
	return nil
}

// CreateAnswer implements [PeerConnection]. Candidates are gathered up
// front so the returned SDP is complete; trickle ICE is not used.
func (p *peer) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("webrtc: create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("webrtc: ice gathering: %w", ctx.Err())
	}
	return p.LocalDescription(), nil
}

// LocalDescription implements [PeerConnection].
func (p *peer) LocalDescription() string {
	if d := p.pc.LocalDescription(); d != nil {
		return d.SDP
	}
	return ""
}

// OnStateChange implements [PeerConnection].
func (p *peer) OnStateChange(fn func(State)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

// OnTrack implements [PeerConnection].
func (p *peer) OnTrack(fn func(Track)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

// Close implements [PeerConnection]. It is safe to call more than once.
func (p *peer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		if err := p.pc.Close(); err != nil {
			p.closeErr = fmt.Errorf("webrtc: close peer connection: %w", err)
		}
		p.wg.Wait()
	})
	return p.closeErr
}

func stateFromPion(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// remoteTrack decodes inbound Opus RTP into frames. One decoder per track
// keeps decoder state continuous across packets.
type remoteTrack struct {
	remote *webrtc.TrackRemote

	once   sync.Once
	dec    *opusDecoder
	decErr error
}

var _ Track = (*remoteTrack)(nil)

// Kind implements [Track].
func (t *remoteTrack) Kind() string {
	return t.remote.Kind().String()
}

// ReadFrame implements [Track]. Packets without payload are skipped.
func (t *remoteTrack) ReadFrame(ctx context.Context) (audio.Frame, error) {
	t.once.Do(func() { t.dec, t.decErr = newOpusDecoder() })
	if t.decErr != nil {
		return audio.Frame{}, t.decErr
	}

	// Unblock ReadRTP when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = t.remote.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		pkt, _, err := t.remote.ReadRTP()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return audio.Frame{}, ctxErr
			}
			return audio.Frame{}, fmt.Errorf("webrtc: read rtp: %w", err)
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		return t.dec.decode(pkt.Payload)
	}
}
