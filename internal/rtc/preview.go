package rtc

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"lancam/internal/domain"
)

// lossPLIBackoff caps loss-triggered keyframe requests. The interceptor
// already refreshes every few seconds; this only shortens recovery after a
// visible drop.
const lossPLIBackoff = 2 * time.Second

// previewPeer answers one camera offer and republishes the received video as
// a local track the program slots can send. The camera is always the offerer,
// so no transceivers are added here; the answer mirrors the remote m-lines.
type previewPeer struct {
	pc         *webrtc.PeerConnection
	log        zerolog.Logger
	remoteSSRC atomic.Uint32
}

// NewPreviewPeer builds the inbound session for one camera source. Hooks fire
// on pion goroutines; the caller turns them into coordinator events.
func (e *Engine) NewPreviewPeer(sourceID string, hooks domain.PreviewHooks) (domain.PreviewPeer, error) {
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("new preview peer: %w", err)
	}

	p := &previewPeer{
		pc:  pc,
		log: e.log.With().Str("source", sourceID).Logger(),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || hooks.OnLocalCandidate == nil {
			return
		}
		hooks.OnLocalCandidate(c.ToJSON())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("preview transport state")
		if hooks.OnStateChange != nil {
			hooks.OnStateChange(state)
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeVideo {
			// Cameras are video sources; anything else is read to keep
			// the transport window open and otherwise ignored.
			go p.drain(remote)
			return
		}
		local, err := webrtc.NewTrackLocalStaticRTP(
			remote.Codec().RTPCodecCapability, "video", "lancam-"+sourceID)
		if err != nil {
			p.log.Error().Err(err).Msg("preview relay track setup failed")
			return
		}
		p.remoteSSRC.Store(uint32(remote.SSRC()))
		p.log.Debug().
			Str("codec", remote.Codec().MimeType).
			Uint32("ssrc", uint32(remote.SSRC())).
			Msg("camera track started")
		go p.forward(remote, local)
		if hooks.OnTrack != nil {
			hooks.OnTrack(local)
		}
	})

	return p, nil
}

// forward pumps RTP from the camera onto the local relay track until the
// remote track ends. Packets keep their payload untouched; the track binding
// rewrites SSRC and payload type per receiver. Sequence gaps trigger an early
// keyframe request so the program output repairs faster than the periodic PLI
// alone would.
func (p *previewPeer) forward(remote *webrtc.TrackRemote, local *webrtc.TrackLocalStaticRTP) {
	var (
		loss    lossDetector
		lastPLI time.Time
	)
	for {
		packet, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Debug().Err(err).Msg("camera track closed")
			}
			return
		}
		if loss.observe(packet) && time.Since(lastPLI) >= lossPLIBackoff {
			lastPLI = time.Now()
			p.log.Debug().Uint16("seq", packet.SequenceNumber).Msg("uplink loss, requesting keyframe")
			p.RequestKeyframe()
		}
		if err := local.WriteRTP(packet); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			p.log.Debug().Err(err).Msg("relay track write failed")
			return
		}
	}
}

func (p *previewPeer) drain(remote *webrtc.TrackRemote) {
	for {
		if _, _, err := remote.ReadRTP(); err != nil {
			return
		}
	}
}

func (p *previewPeer) ApplyRemoteOffer(sdp string) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("apply remote offer: %w", err)
	}
	return nil
}

func (p *previewPeer) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("apply local answer: %w", err)
	}
	return answer.SDP, nil
}

func (p *previewPeer) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// RequestKeyframe asks the camera for a full refresh via PLI. A no-op until
// the first track has arrived.
func (p *previewPeer) RequestKeyframe() {
	ssrc := p.remoteSSRC.Load()
	if ssrc == 0 {
		return
	}
	err := p.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: ssrc},
	})
	if err != nil {
		p.log.Debug().Err(err).Msg("keyframe request failed")
	}
}

func (p *previewPeer) Close() {
	if err := p.pc.Close(); err != nil {
		p.log.Debug().Err(err).Msg("preview peer close")
	}
}
