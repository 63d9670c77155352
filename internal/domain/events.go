package domain

import "github.com/pion/webrtc/v4"

// Event is one item on the coordinator inbox. Control-channel traffic, media
// callbacks, and operator commands all become events so that every state
// mutation is handled by one loop, one event at a time, in arrival order.
type Event interface {
	event()
}

// Control-channel events.

// ChannelUp fires when the control connection (re)opens, before auth settles.
type ChannelUp struct{}

// ChannelDown fires when an established control connection is lost.
type ChannelDown struct {
	Err error
}

// AuthAccepted fires on auth_ok. Re-sent auth after a reconnect fires it again.
type AuthAccepted struct{}

// AuthRejected fires on auth_fail; the socket stays open but the server
// ignores everything else we send.
type AuthRejected struct{}

// SourceConnected announces a camera sender joining the control channel.
type SourceConnected struct {
	DeviceID   string
	DeviceName string
}

// SourceDisconnected announces a camera sender leaving.
type SourceDisconnected struct {
	DeviceID string
}

// OfferReceived is a camera's session offer. From is the sender's control
// channel key, used as the return address for the answer.
type OfferReceived struct {
	DeviceID   string
	DeviceName string
	SDP        string
	From       string
}

// AnswerReceived is the output renderer's answer to a program slot offer.
type AnswerReceived struct {
	DeviceID string
	SDP      string
}

// CandidateReceived is a remote ICE candidate for either a camera preview
// session or a program slot, distinguished by the device id namespace.
type CandidateReceived struct {
	DeviceID  string
	Candidate webrtc.ICECandidateInit
}

// TelemetryReceived is a camera's periodic health report.
type TelemetryReceived struct {
	DeviceID string
	Battery  float64
}

// OutputReady means the output renderer (re)announced itself and the program
// slots should be (re)offered.
type OutputReady struct {
	Target string
}

// Preview session lifecycle events, posted by negotiation goroutines and
// media callbacks. SessionID guards against completions of a session that a
// fresh offer has since replaced.

// PreviewRemoteApplied reports the remote-offer step finishing. On success
// the session becomes routable and its queued candidates flush.
type PreviewRemoteApplied struct {
	SourceID  string
	SessionID string
	Err       error
}

// PreviewAnswerReady reports the local answer being ready to send back to the
// source's return address.
type PreviewAnswerReady struct {
	SourceID  string
	SessionID string
	Target    string
	SDP       string
	Err       error
}

// PreviewTrackStarted reports the first inbound video track; the session is
// established from here on.
type PreviewTrackStarted struct {
	SourceID  string
	SessionID string
	Track     webrtc.TrackLocal
}

// PreviewStateChanged mirrors the session's transport state.
type PreviewStateChanged struct {
	SourceID  string
	SessionID string
	State     webrtc.PeerConnectionState
}

// PreviewTimedOut fires when a session's negotiation watchdog expires before
// it established.
type PreviewTimedOut struct {
	SourceID  string
	SessionID string
}

// Program slot lifecycle events.

// ProgramStateChanged mirrors a slot session's transport state.
type ProgramStateChanged struct {
	Slot  SlotID
	State webrtc.PeerConnectionState
}

// ProgramKeyframeRequested relays a picture-loss report from the output
// renderer toward whichever source feeds the slot.
type ProgramKeyframeRequested struct {
	Slot SlotID
}

// Operator commands, queued through the same inbox so they serialize with
// network events.

type EnableRequested struct {
	SourceID string
}

type DisableRequested struct {
	SourceID string
}

type RemoveRequested struct {
	SourceID string
}

type SetLiveRequested struct {
	Slot     SlotID
	SourceID string // empty clears the slot back to the idle track
}

func (ChannelUp) event()                {}
func (ChannelDown) event()              {}
func (AuthAccepted) event()             {}
func (AuthRejected) event()             {}
func (SourceConnected) event()          {}
func (SourceDisconnected) event()       {}
func (OfferReceived) event()            {}
func (AnswerReceived) event()           {}
func (CandidateReceived) event()        {}
func (TelemetryReceived) event()        {}
func (OutputReady) event()              {}
func (PreviewRemoteApplied) event()     {}
func (PreviewAnswerReady) event()       {}
func (PreviewTrackStarted) event()      {}
func (PreviewStateChanged) event()      {}
func (PreviewTimedOut) event()          {}
func (ProgramStateChanged) event()      {}
func (ProgramKeyframeRequested) event() {}
func (EnableRequested) event()          {}
func (DisableRequested) event()         {}
func (RemoveRequested) event()          {}
func (SetLiveRequested) event()         {}
