// Package relay owns the program slots: the fixed pair of long-lived outbound
// sessions toward the output renderer. Each slot always sends exactly one
// video track; switching cameras swaps the sender's track in place, so the
// renderer never renegotiates for a cut. A slot with no live camera sends a
// locally generated idle feed.
package relay

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"lancam/internal/domain"
	"lancam/internal/tally"
)

// TrackSource is the relay's read-only view of the preview sessions. The
// preview manager implements it.
type TrackSource interface {
	EstablishedTrack(sourceID string) (webrtc.TrackLocal, bool)
	RequestKeyframe(sourceID string)
}

// SlotStatus is one slot's externally visible state.
type SlotStatus struct {
	ID           domain.SlotID `json:"id"`
	Healthy      bool          `json:"healthy"`
	LiveSourceID string        `json:"live_source_id,omitempty"`
}

type slot struct {
	id       domain.SlotID
	peer     domain.ProgramPeer
	idle     domain.SyntheticTrack
	live     string // source id feeding the slot, empty when idle
	healthy  bool
	answered bool
	pending  []webrtc.ICECandidateInit
}

// Manager drives both slots. Like the preview manager it is confined to the
// coordinator loop; media callbacks come back in as events.
type Manager struct {
	signaler domain.Signaler
	tally    *tally.Notifier
	tracks   TrackSource
	newPeer  domain.ProgramPeerFactory
	newIdle  domain.SyntheticTrackFactory
	post     func(domain.Event)
	log      zerolog.Logger

	slots map[domain.SlotID]*slot

	switches metric.Int64Counter
}

func New(
	signaler domain.Signaler,
	notifier *tally.Notifier,
	tracks TrackSource,
	newPeer domain.ProgramPeerFactory,
	newIdle domain.SyntheticTrackFactory,
	post func(domain.Event),
) *Manager {
	meter := otel.Meter("lancam/relay")
	switches, _ := meter.Int64Counter("relay.switches",
		metric.WithDescription("Program track switches, including cuts to idle"))

	return &Manager{
		signaler: signaler,
		tally:    notifier,
		tracks:   tracks,
		newPeer:  newPeer,
		newIdle:  newIdle,
		post:     post,
		log:      log.With().Str("component", "relay").Logger(),
		slots:    make(map[domain.SlotID]*slot),
		switches: switches,
	}
}

// EnsureSlot makes the slot ready for the output renderer. A missing or dead
// transport is rebuilt from scratch starting on the idle track; a healthy one
// is re-offered in place so a reloaded renderer can answer again without the
// slot identity or live source changing.
func (m *Manager) EnsureSlot(id domain.SlotID) {
	if s := m.slots[id]; s != nil {
		if s.healthy {
			m.offer(s)
			return
		}
		m.discard(s)
	}

	idle, err := m.newIdle(id)
	if err != nil {
		m.log.Error().Err(err).Str("slot", string(id)).Msg("idle track setup failed")
		return
	}

	peer, err := m.newPeer(id, idle.Track(), domain.ProgramHooks{
		OnLocalCandidate: func(candidate webrtc.ICECandidateInit) {
			m.signaler.SendCameraICE(id.ProgramID(), domain.TargetOutput, candidate)
		},
		OnStateChange: func(state webrtc.PeerConnectionState) {
			m.post(domain.ProgramStateChanged{Slot: id, State: state})
		},
		OnKeyframeRequest: func() {
			m.post(domain.ProgramKeyframeRequested{Slot: id})
		},
	})
	if err != nil {
		idle.Stop()
		m.log.Error().Err(err).Str("slot", string(id)).Msg("program peer setup failed")
		return
	}

	s := &slot{id: id, peer: peer, idle: idle, healthy: true}
	m.slots[id] = s
	m.log.Info().Str("slot", string(id)).Msg("program slot ready")
	m.offer(s)
}

// offer (re)sends the slot's local offer to the output renderer. Candidates
// queue until the matching answer applies.
func (m *Manager) offer(s *slot) {
	sdp, err := s.peer.Offer()
	if err != nil {
		m.log.Error().Err(err).Str("slot", string(s.id)).Msg("slot offer failed")
		return
	}
	s.answered = false
	s.pending = nil
	m.signaler.SendCameraOffer(s.id.ProgramID(), domain.TargetOutput, sdp)
}

// HandleAnswer applies the output renderer's answer and flushes candidates
// that raced ahead of it.
func (m *Manager) HandleAnswer(id domain.SlotID, sdp string) {
	s := m.slots[id]
	if s == nil {
		m.log.Warn().Str("slot", string(id)).Msg("answer for a slot that does not exist")
		return
	}
	if err := s.peer.ApplyRemoteAnswer(sdp); err != nil {
		m.log.Warn().Err(err).Str("slot", string(id)).Msg("program answer rejected")
		return
	}
	s.answered = true
	queued := s.pending
	s.pending = nil
	for _, candidate := range queued {
		if err := s.peer.AddRemoteCandidate(candidate); err != nil {
			m.log.Warn().Err(err).Str("slot", string(id)).Msg("queued candidate rejected")
		}
	}
}

// HandleCandidate routes a remote candidate to the slot, queueing it while
// the current offer is still unanswered.
func (m *Manager) HandleCandidate(id domain.SlotID, candidate webrtc.ICECandidateInit) {
	s := m.slots[id]
	if s == nil {
		m.log.Warn().Str("slot", string(id)).Msg("candidate for a slot that does not exist")
		return
	}
	if !s.answered {
		s.pending = append(s.pending, candidate)
		return
	}
	if err := s.peer.AddRemoteCandidate(candidate); err != nil {
		m.log.Warn().Err(err).Str("slot", string(id)).Msg("candidate rejected")
	}
}

// SetLive switches which source feeds the slot. The slot session is never
// renegotiated; only the sender's track changes. An empty source id, and a
// source with no established preview, both land on a fresh idle track, and
// the tally reflects what actually went out.
func (m *Manager) SetLive(id domain.SlotID, sourceID string) {
	s := m.slots[id]
	if s == nil || !s.healthy {
		m.log.Warn().Str("slot", string(id)).Str("source", sourceID).
			Msg("live switch on unavailable slot")
		return
	}

	next := sourceID
	var track webrtc.TrackLocal
	if next != "" {
		live, ok := m.tracks.EstablishedTrack(next)
		if !ok {
			m.log.Warn().Str("slot", string(id)).Str("source", next).
				Msg("source has no established preview, cutting to idle")
			next = ""
		} else {
			track = live
		}
	}

	var fresh domain.SyntheticTrack
	if next == "" {
		idle, err := m.newIdle(id)
		if err != nil {
			m.log.Error().Err(err).Str("slot", string(id)).Msg("idle track setup failed")
			return
		}
		fresh = idle
		track = idle.Track()
	}

	if err := s.peer.ReplaceTrack(track); err != nil {
		if fresh != nil {
			fresh.Stop()
		}
		m.log.Error().Err(err).Str("slot", string(id)).Msg("track replace failed")
		return
	}

	// The old generator keeps feeding the sender until the swap has actually
	// happened; it may only stop once it has no consumer left.
	if s.idle != nil {
		s.idle.Stop()
	}
	s.idle = fresh

	if next != "" {
		// A switched-in stream starts mid-GOP; ask the camera to repaint.
		m.tracks.RequestKeyframe(next)
	}
	if s.live != next {
		m.tally.Switch(s.live, next)
		m.switches.Add(context.Background(), 1)
		m.log.Info().Str("slot", string(id)).Str("from", s.live).Str("to", next).
			Msg("program switched")
	}
	s.live = next
}

// FallbackIfLive cuts every slot fed by the source back to idle. The slot
// sessions stay up; only the track and the tally change.
func (m *Manager) FallbackIfLive(sourceID string) {
	if sourceID == "" {
		return
	}
	for _, id := range domain.Slots() {
		if s := m.slots[id]; s != nil && s.live == sourceID {
			m.SetLive(id, "")
		}
	}
}

// HandleStateChanged marks a dead slot transport for rebuild and retracts the
// on-air state of whatever it carried. The next ensure trigger recreates the
// transport.
func (m *Manager) HandleStateChanged(id domain.SlotID, state webrtc.PeerConnectionState) {
	s := m.slots[id]
	if s == nil || !s.healthy {
		return
	}
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		s.healthy = false
		old := s.live
		s.live = ""
		if old != "" {
			// The feed is gone either way; never leave a camera believing it
			// is still on air.
			m.tally.Switch(old, "")
		}
		m.log.Warn().Str("slot", string(id)).Str("state", state.String()).
			Msg("program transport lost")
	}
}

// HandleKeyframeRequest relays the output renderer's picture-loss report to
// whichever source currently feeds the slot. Idle slots repaint themselves.
func (m *Manager) HandleKeyframeRequest(id domain.SlotID) {
	s := m.slots[id]
	if s == nil || s.live == "" {
		return
	}
	m.tracks.RequestKeyframe(s.live)
}

// Snapshot returns the slot states in display order. Loop-confined like every
// other method; the coordinator publishes copies for concurrent readers.
func (m *Manager) Snapshot() []SlotStatus {
	out := make([]SlotStatus, 0, len(m.slots))
	for _, id := range domain.Slots() {
		if s := m.slots[id]; s != nil {
			out = append(out, SlotStatus{ID: id, Healthy: s.healthy, LiveSourceID: s.live})
		}
	}
	return out
}

// Close tears down both slots. Shutdown only.
func (m *Manager) Close() {
	for _, s := range m.slots {
		m.discard(s)
	}
}

func (m *Manager) discard(s *slot) {
	if s.peer != nil {
		s.peer.Close()
	}
	if s.idle != nil {
		s.idle.Stop()
	}
	delete(m.slots, s.id)
}
