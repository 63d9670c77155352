package rtc

import (
	"fmt"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"lancam/internal/domain"
)

// programPeer is the long-lived outbound session for one program slot. The
// slot identity is the single RTPSender created here; switching sources only
// replaces the track on that sender, never the sender or the connection.
type programPeer struct {
	pc     *webrtc.PeerConnection
	sender *webrtc.RTPSender
	log    zerolog.Logger
}

// NewProgramPeer builds the outbound session for one slot with the initial
// track already installed, so the sender is playable before the first switch.
func (e *Engine) NewProgramPeer(slot domain.SlotID, initial webrtc.TrackLocal, hooks domain.ProgramHooks) (domain.ProgramPeer, error) {
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("new program peer: %w", err)
	}

	sender, err := pc.AddTrack(initial)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("install initial track: %w", err)
	}

	p := &programPeer{
		pc:     pc,
		sender: sender,
		log:    e.log.With().Str("slot", string(slot)).Logger(),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || hooks.OnLocalCandidate == nil {
			return
		}
		hooks.OnLocalCandidate(c.ToJSON())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("program transport state")
		if hooks.OnStateChange != nil {
			hooks.OnStateChange(state)
		}
	})

	go p.readRTCP(hooks.OnKeyframeRequest)

	return p, nil
}

// readRTCP surfaces keyframe requests from the output renderer so they can be
// forwarded to whichever camera is live. The sender outlives track swaps, so
// one reader covers the life of the slot.
func (p *programPeer) readRTCP(onKeyframe func()) {
	buf := make([]byte, 1500)
	for {
		n, _, err := p.sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			p.log.Debug().Err(err).Msg("bad rtcp from output")
			continue
		}
		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if onKeyframe != nil {
					onKeyframe()
				}
			}
		}
	}
}

// Offer produces a local offer for the slot. Calling it again on a healthy
// connection starts an in-place renegotiation with the same transport.
func (p *programPeer) Offer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("apply local offer: %w", err)
	}
	return offer.SDP, nil
}

func (p *programPeer) ApplyRemoteAnswer(sdp string) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("apply remote answer: %w", err)
	}
	return nil
}

func (p *programPeer) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// ReplaceTrack swaps the outbound source without renegotiating. pion rebinds
// the new track against the codecs already negotiated for the sender.
func (p *programPeer) ReplaceTrack(track webrtc.TrackLocal) error {
	if err := p.sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}
	return nil
}

func (p *programPeer) Close() {
	if err := p.pc.Close(); err != nil {
		p.log.Debug().Err(err).Msg("program peer close")
	}
}
