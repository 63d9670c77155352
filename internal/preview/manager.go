// Package preview owns the per-camera inbound sessions: one negotiation state
// machine per source, driven by the coordinator loop. Remote offers arrive
// over the control channel, answers go back to the offer's return address,
// and the received video is republished as a local track for the program
// slots.
package preview

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"lancam/internal/domain"
)

// State is a preview session's negotiation progress.
type State int

const (
	// StateAwaitingRemoteOffer means the session exists but the remote offer
	// has not been applied yet; candidates for the source queue up.
	StateAwaitingRemoteOffer State = iota
	// StateAwaitingLocalAnswer means the remote offer applied; the session is
	// routable and queued candidates have flushed.
	StateAwaitingLocalAnswer
	// StateEstablished means media arrived and the relay track is available.
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateAwaitingRemoteOffer:
		return "awaiting-remote-offer"
	case StateAwaitingLocalAnswer:
		return "awaiting-local-answer"
	case StateEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// cachedOffer is the most recent offer seen from a source. It survives
// session teardown so an operator enable can replay it without waiting for
// the camera to offer again.
type cachedOffer struct {
	sdp    string
	target string
}

type session struct {
	id       string
	sourceID string
	state    State
	target   string
	peer     domain.PreviewPeer
	track    webrtc.TrackLocal
	watchdog *time.Timer
}

func (s *session) routable() bool {
	return s.state == StateAwaitingLocalAnswer || s.state == StateEstablished
}

// Manager holds every preview session. It is confined to the coordinator
// loop: all methods must be called from there, and slow negotiation steps run
// on their own goroutines posting completion events back through post. Each
// completion carries the session id it belongs to, so work finishing after a
// fresh offer replaced the session is discarded here.
type Manager struct {
	signaler domain.Signaler
	newPeer  domain.PreviewPeerFactory
	post     func(domain.Event)
	timeout  time.Duration
	log      zerolog.Logger

	sessions map[string]*session
	pending  map[string][]webrtc.ICECandidateInit
	offers   map[string]cachedOffer

	active metric.Int64UpDownCounter
}

// New creates the preview manager. timeout bounds how long a session may sit
// unestablished before the watchdog tears it down; zero disables the
// watchdog. post must enqueue onto the coordinator inbox.
func New(signaler domain.Signaler, newPeer domain.PreviewPeerFactory, post func(domain.Event), timeout time.Duration) *Manager {
	meter := otel.Meter("lancam/preview")
	active, _ := meter.Int64UpDownCounter("preview.sessions_active",
		metric.WithDescription("Preview sessions currently negotiating or established"))

	return &Manager{
		signaler: signaler,
		newPeer:  newPeer,
		post:     post,
		timeout:  timeout,
		log:      log.With().Str("component", "preview").Logger(),
		sessions: make(map[string]*session),
		pending:  make(map[string][]webrtc.ICECandidateInit),
		offers:   make(map[string]cachedOffer),
		active:   active,
	}
}

// HandleOffer starts a fresh session for the source. Any existing session is
// discarded first, established or not, so an answer to a stale offer can
// never race a fresh one. The offer is cached for later replay and the remote
// description is applied off the loop; the outcome comes back as events.
func (m *Manager) HandleOffer(sourceID, sdp, target string) error {
	m.offers[sourceID] = cachedOffer{sdp: sdp, target: target}

	if old := m.sessions[sourceID]; old != nil {
		m.log.Info().Str("source", sourceID).Str("state", old.state.String()).
			Msg("new offer replaces session")
		m.teardown(old)
	}

	sess := &session{
		id:       uuid.NewString(),
		sourceID: sourceID,
		state:    StateAwaitingRemoteOffer,
		target:   target,
	}

	peer, err := m.newPeer(sourceID, domain.PreviewHooks{
		OnLocalCandidate: func(candidate webrtc.ICECandidateInit) {
			m.signaler.SendCameraICE(sourceID, target, candidate)
		},
		OnTrack: func(track webrtc.TrackLocal) {
			m.post(domain.PreviewTrackStarted{SourceID: sourceID, SessionID: sess.id, Track: track})
		},
		OnStateChange: func(state webrtc.PeerConnectionState) {
			m.post(domain.PreviewStateChanged{SourceID: sourceID, SessionID: sess.id, State: state})
		},
	})
	if err != nil {
		return err
	}
	sess.peer = peer
	m.sessions[sourceID] = sess
	m.active.Add(context.Background(), 1)

	if m.timeout > 0 {
		sess.watchdog = time.AfterFunc(m.timeout, func() {
			m.post(domain.PreviewTimedOut{SourceID: sourceID, SessionID: sess.id})
		})
	}

	go func() {
		err := peer.ApplyRemoteOffer(sdp)
		m.post(domain.PreviewRemoteApplied{SourceID: sourceID, SessionID: sess.id, Err: err})
		if err != nil {
			return
		}
		answer, err := peer.CreateAnswer()
		m.post(domain.PreviewAnswerReady{
			SourceID:  sourceID,
			SessionID: sess.id,
			Target:    target,
			SDP:       answer,
			Err:       err,
		})
	}()

	return nil
}

// HandleCandidate applies the candidate when the source's session is
// routable and queues it otherwise. Candidates are never dropped while a
// session is pending; they flush in arrival order once the remote offer
// applies.
func (m *Manager) HandleCandidate(sourceID string, candidate webrtc.ICECandidateInit) {
	sess := m.sessions[sourceID]
	if sess != nil && sess.routable() {
		if err := sess.peer.AddRemoteCandidate(candidate); err != nil {
			m.log.Warn().Err(err).Str("source", sourceID).Msg("candidate rejected")
		}
		return
	}
	m.pending[sourceID] = append(m.pending[sourceID], candidate)
}

// HandleRemoteApplied moves the session to routable and flushes its queued
// candidates. The torndown result tells the caller the source lost its
// session and should be shown as disconnected.
func (m *Manager) HandleRemoteApplied(ev domain.PreviewRemoteApplied) (torndown bool) {
	sess := m.current(ev.SourceID, ev.SessionID)
	if sess == nil {
		return false
	}
	if ev.Err != nil {
		m.log.Warn().Err(ev.Err).Str("source", ev.SourceID).Msg("remote offer rejected")
		m.teardown(sess)
		return true
	}

	sess.state = StateAwaitingLocalAnswer
	queued := m.pending[ev.SourceID]
	delete(m.pending, ev.SourceID)
	for _, candidate := range queued {
		if err := sess.peer.AddRemoteCandidate(candidate); err != nil {
			m.log.Warn().Err(err).Str("source", ev.SourceID).Msg("queued candidate rejected")
		}
	}
	return false
}

// HandleAnswerReady sends the local answer back to the source's return
// address.
func (m *Manager) HandleAnswerReady(ev domain.PreviewAnswerReady) (torndown bool) {
	sess := m.current(ev.SourceID, ev.SessionID)
	if sess == nil {
		return false
	}
	if ev.Err != nil {
		m.log.Warn().Err(ev.Err).Str("source", ev.SourceID).Msg("answer setup failed")
		m.teardown(sess)
		return true
	}
	m.signaler.SendCameraAnswer(ev.SourceID, ev.Target, ev.SDP)
	return false
}

// HandleTrackStarted marks the session established and returns the relay
// track. ok is false when the track belongs to a replaced session.
func (m *Manager) HandleTrackStarted(ev domain.PreviewTrackStarted) (track webrtc.TrackLocal, ok bool) {
	sess := m.current(ev.SourceID, ev.SessionID)
	if sess == nil {
		return nil, false
	}
	sess.state = StateEstablished
	sess.track = ev.Track
	if sess.watchdog != nil {
		sess.watchdog.Stop()
		sess.watchdog = nil
	}
	m.log.Info().Str("source", ev.SourceID).Msg("preview established")
	return ev.Track, true
}

// HandleStateChanged tears the session down when its transport dies.
// Recovery is a fresh offer from the camera or an operator enable.
func (m *Manager) HandleStateChanged(ev domain.PreviewStateChanged) (torndown bool) {
	sess := m.current(ev.SourceID, ev.SessionID)
	if sess == nil {
		return false
	}
	switch ev.State {
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		m.log.Info().Str("source", ev.SourceID).Str("state", ev.State.String()).
			Msg("preview transport lost")
		m.teardown(sess)
		return true
	}
	return false
}

// HandleTimedOut tears down a session still negotiating when its watchdog
// fired. Established sessions are left alone.
func (m *Manager) HandleTimedOut(ev domain.PreviewTimedOut) (torndown bool) {
	sess := m.current(ev.SourceID, ev.SessionID)
	if sess == nil || sess.state == StateEstablished {
		return false
	}
	m.log.Warn().Str("source", ev.SourceID).Dur("after", m.timeout).
		Str("state", sess.state.String()).Msg("negotiation timed out")
	m.teardown(sess)
	return true
}

// Enable replays the source's cached offer when no session is alive. It
// reports whether a replay started; with nothing cached, negotiation stays
// offer-driven and this is a no-op.
func (m *Manager) Enable(sourceID string) bool {
	if m.sessions[sourceID] != nil {
		return false
	}
	offer, ok := m.offers[sourceID]
	if !ok {
		return false
	}
	m.log.Info().Str("source", sourceID).Msg("replaying cached offer")
	if err := m.HandleOffer(sourceID, offer.sdp, offer.target); err != nil {
		m.log.Error().Err(err).Str("source", sourceID).Msg("offer replay failed")
		return false
	}
	return true
}

// Disable closes the source's transport but keeps its cached offer and any
// queued candidates, so a later enable can renegotiate immediately.
func (m *Manager) Disable(sourceID string) {
	if sess := m.sessions[sourceID]; sess != nil {
		m.teardown(sess)
	}
}

// Remove is Disable plus forgetting everything cached for the source.
func (m *Manager) Remove(sourceID string) {
	m.Disable(sourceID)
	delete(m.offers, sourceID)
	delete(m.pending, sourceID)
}

// EstablishedTrack returns the relay track for an established source. The
// program slots call this at switch time; a source that is negotiating,
// disabled or gone has no track.
func (m *Manager) EstablishedTrack(sourceID string) (webrtc.TrackLocal, bool) {
	sess := m.sessions[sourceID]
	if sess == nil || sess.state != StateEstablished || sess.track == nil {
		return nil, false
	}
	return sess.track, true
}

// RequestKeyframe asks an established source for a full video refresh.
func (m *Manager) RequestKeyframe(sourceID string) {
	if sess := m.sessions[sourceID]; sess != nil && sess.state == StateEstablished {
		sess.peer.RequestKeyframe()
	}
}

// Close tears down every session. Shutdown only.
func (m *Manager) Close() {
	for _, sess := range m.sessions {
		m.teardown(sess)
	}
}

// current returns the source's session only when id still matches, filtering
// out completions of sessions a newer offer replaced.
func (m *Manager) current(sourceID, sessionID string) *session {
	sess := m.sessions[sourceID]
	if sess == nil || sess.id != sessionID {
		return nil
	}
	return sess
}

// teardown closes the session's transport and forgets it. The source's cached
// offer and queued candidates stay behind for a later replay.
func (m *Manager) teardown(sess *session) {
	if sess.watchdog != nil {
		sess.watchdog.Stop()
		sess.watchdog = nil
	}
	if sess.peer != nil {
		sess.peer.Close()
	}
	if m.sessions[sess.sourceID] == sess {
		delete(m.sessions, sess.sourceID)
		m.active.Add(context.Background(), -1)
	}
}
