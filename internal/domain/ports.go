package domain

import "github.com/pion/webrtc/v4"

// Signaler sends control-channel messages. Implementations must be safe for
// concurrent use: sends originate from the coordinator loop and from media
// callbacks. Send failures are logged by the implementation, never returned;
// the channel's reconnect loop owns recovery.
type Signaler interface {
	SendCameraAnswer(deviceID, target, sdp string)
	SendCameraOffer(deviceID, target, sdp string)
	SendCameraICE(deviceID, target string, candidate webrtc.ICECandidateInit)
	SendConnectProgram(deviceID string)
	SendDisconnectProgram(deviceID string)
}

// PreviewPeer is the media session the preview manager drives for one camera.
type PreviewPeer interface {
	ApplyRemoteOffer(sdp string) error
	CreateAnswer() (string, error)
	AddRemoteCandidate(candidate webrtc.ICECandidateInit) error
	RequestKeyframe()
	Close()
}

// ProgramPeer is the persistent outbound session for one program slot. Its
// sender is populated at construction and swapped with ReplaceTrack; it is
// never left without a track.
type ProgramPeer interface {
	Offer() (string, error)
	ApplyRemoteAnswer(sdp string) error
	AddRemoteCandidate(candidate webrtc.ICECandidateInit) error
	ReplaceTrack(track webrtc.TrackLocal) error
	Close()
}

// SyntheticTrack is a generated placeholder feed (a black frame repeated at a
// low rate) that keeps a program sender playable while no camera is live.
// Stop ends the generator goroutine; it is safe to call more than once.
type SyntheticTrack interface {
	Track() webrtc.TrackLocal
	Stop()
}

// PreviewHooks are fired from media goroutines; implementations hand local
// candidates straight to the wire and turn the rest into inbox events.
type PreviewHooks struct {
	OnLocalCandidate func(candidate webrtc.ICECandidateInit)
	OnTrack          func(track webrtc.TrackLocal)
	OnStateChange    func(state webrtc.PeerConnectionState)
}

// ProgramHooks are the program-slot counterpart of PreviewHooks.
type ProgramHooks struct {
	OnLocalCandidate  func(candidate webrtc.ICECandidateInit)
	OnStateChange     func(state webrtc.PeerConnectionState)
	OnKeyframeRequest func()
}

// PreviewPeerFactory builds the media session for one camera source.
type PreviewPeerFactory func(sourceID string, hooks PreviewHooks) (PreviewPeer, error)

// ProgramPeerFactory builds the persistent session for one program slot with
// an initial track already installed on its sender.
type ProgramPeerFactory func(slot SlotID, initial webrtc.TrackLocal, hooks ProgramHooks) (ProgramPeer, error)

// SyntheticTrackFactory produces a fresh placeholder feed for a program slot.
type SyntheticTrackFactory func(slot SlotID) (SyntheticTrack, error)
