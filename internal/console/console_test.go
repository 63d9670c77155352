package console

import (
	"fmt"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"lancam/internal/domain"
	"lancam/internal/preview"
	"lancam/internal/registry"
	"lancam/internal/relay"
	"lancam/internal/tally"
)

type sentMessage struct {
	deviceID string
	target   string
	sdp      string
}

type recordingSignaler struct {
	answers []sentMessage
	offers  []sentMessage
	ice     []sentMessage
	tally   []string
}

func (r *recordingSignaler) SendCameraAnswer(deviceID, target, sdp string) {
	r.answers = append(r.answers, sentMessage{deviceID, target, sdp})
}

func (r *recordingSignaler) SendCameraOffer(deviceID, target, sdp string) {
	r.offers = append(r.offers, sentMessage{deviceID, target, sdp})
}

func (r *recordingSignaler) SendCameraICE(deviceID, target string, candidate webrtc.ICECandidateInit) {
	r.ice = append(r.ice, sentMessage{deviceID: deviceID, target: target})
}

func (r *recordingSignaler) SendConnectProgram(deviceID string) {
	r.tally = append(r.tally, "on:"+deviceID)
}

func (r *recordingSignaler) SendDisconnectProgram(deviceID string) {
	r.tally = append(r.tally, "off:"+deviceID)
}

type fakePreviewPeer struct {
	answer     string
	candidates []webrtc.ICECandidateInit
	keyframes  int
	closed     bool
}

func (p *fakePreviewPeer) ApplyRemoteOffer(sdp string) error { return nil }
func (p *fakePreviewPeer) CreateAnswer() (string, error)     { return p.answer, nil }

func (p *fakePreviewPeer) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakePreviewPeer) RequestKeyframe() { p.keyframes++ }
func (p *fakePreviewPeer) Close()           { p.closed = true }

type fakeProgramPeer struct {
	sdp        string
	offers     int
	answers    []string
	candidates []webrtc.ICECandidateInit
	replaced   []webrtc.TrackLocal
	closed     bool
}

func (p *fakeProgramPeer) Offer() (string, error) {
	p.offers++
	return fmt.Sprintf("%s-%d", p.sdp, p.offers), nil
}

func (p *fakeProgramPeer) ApplyRemoteAnswer(sdp string) error {
	p.answers = append(p.answers, sdp)
	return nil
}

func (p *fakeProgramPeer) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakeProgramPeer) ReplaceTrack(track webrtc.TrackLocal) error {
	p.replaced = append(p.replaced, track)
	return nil
}

func (p *fakeProgramPeer) Close() { p.closed = true }

type fakeIdle struct {
	track   webrtc.TrackLocal
	stopped bool
}

func (f *fakeIdle) Track() webrtc.TrackLocal { return f.track }
func (f *fakeIdle) Stop()                    { f.stopped = true }

type harness struct {
	c        *Console
	inbox    chan domain.Event
	signaler *recordingSignaler
	reg      *registry.Registry

	previewPeers []*fakePreviewPeer
	previewHooks []domain.PreviewHooks
	programPeers []*fakeProgramPeer
	programHooks []domain.ProgramHooks
	idles        []*fakeIdle
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		inbox:    make(chan domain.Event, 64),
		signaler: &recordingSignaler{},
		reg:      registry.New(),
	}
	post := func(ev domain.Event) { h.inbox <- ev }

	prev := preview.New(h.signaler, h.newPreviewPeer, post, time.Minute)
	rel := relay.New(h.signaler, tally.New(h.signaler), prev, h.newProgramPeer, h.newIdle, post)
	h.c = New(h.inbox, h.reg, prev, rel)
	return h
}

func (h *harness) newPreviewPeer(sourceID string, hooks domain.PreviewHooks) (domain.PreviewPeer, error) {
	p := &fakePreviewPeer{answer: fmt.Sprintf("answer-%s-%d", sourceID, len(h.previewPeers)+1)}
	h.previewPeers = append(h.previewPeers, p)
	h.previewHooks = append(h.previewHooks, hooks)
	return p, nil
}

func (h *harness) newProgramPeer(id domain.SlotID, initial webrtc.TrackLocal, hooks domain.ProgramHooks) (domain.ProgramPeer, error) {
	p := &fakeProgramPeer{sdp: fmt.Sprintf("offer-%s", id)}
	h.programPeers = append(h.programPeers, p)
	h.programHooks = append(h.programHooks, hooks)
	return p, nil
}

func (h *harness) newIdle(id domain.SlotID) (domain.SyntheticTrack, error) {
	f := &fakeIdle{track: newVideoTrack(fmt.Sprintf("idle-%s-%d", id, len(h.idles)+1))}
	h.idles = append(h.idles, f)
	return f, nil
}

// step consumes one queued event and applies it, standing in for Run.
func (h *harness) step(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.inbox:
		h.c.handle(ev)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a queued event")
	}
}

func (h *harness) steps(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		h.step(t)
	}
}

func newVideoTrack(id string) webrtc.TrackLocal {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video", id)
	if err != nil {
		panic(err)
	}
	return track
}

// establishSource runs a full preview negotiation for the source.
func (h *harness) establishSource(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	h.c.handle(domain.OfferReceived{
		DeviceID:   id,
		DeviceName: "Cam " + id,
		SDP:        "offer-" + id,
		From:       "mobile:" + id,
	})
	h.steps(t, 2) // remote applied, answer ready
	track := newVideoTrack(id)
	h.previewHooks[len(h.previewHooks)-1].OnTrack(track)
	h.step(t)
	return track
}

// readySlots authenticates and answers both program offers.
func (h *harness) readySlots(t *testing.T) {
	t.Helper()
	h.c.handle(domain.AuthAccepted{})
	h.c.handle(domain.AnswerReceived{DeviceID: "program:a", SDP: "renderer-a"})
	h.c.handle(domain.AnswerReceived{DeviceID: "program:b", SDP: "renderer-b"})
}

func TestOfferFlowEstablishesSource(t *testing.T) {
	h := newHarness(t)

	h.c.handle(domain.OfferReceived{
		DeviceID:   "cam-1",
		DeviceName: "Stage Left",
		SDP:        "offer-sdp",
		From:       "mobile:cam-1",
	})

	src, ok := h.reg.Get("cam-1")
	if !ok || src.Status != domain.StatusConnecting {
		t.Fatalf("source after offer = %+v, ok = %v", src, ok)
	}

	h.steps(t, 2)
	if len(h.signaler.answers) != 1 {
		t.Fatalf("answers sent = %d, want 1", len(h.signaler.answers))
	}
	if got := h.signaler.answers[0]; got.deviceID != "cam-1" || got.target != "mobile:cam-1" {
		t.Fatalf("answer addressed to %s/%s", got.deviceID, got.target)
	}

	track := newVideoTrack("cam-1")
	h.previewHooks[0].OnTrack(track)
	h.step(t)

	src, _ = h.reg.Get("cam-1")
	if src.Status != domain.StatusConnected || src.Track != track {
		t.Fatalf("source after track = %+v", src)
	}
	if src.DisplayName != "Stage Left" {
		t.Fatalf("display name = %q", src.DisplayName)
	}
}

func TestOfferWithoutReturnAddressFallsBack(t *testing.T) {
	h := newHarness(t)

	h.c.handle(domain.OfferReceived{DeviceID: "cam-1", SDP: "offer-sdp"})
	h.steps(t, 2)

	if got := h.signaler.answers[0].target; got != "mobile:cam-1" {
		t.Fatalf("answer target = %q, want the derived mobile address", got)
	}
}

func TestAuthBringsSlotsUpOnce(t *testing.T) {
	h := newHarness(t)

	h.c.handle(domain.AuthAccepted{})

	if len(h.programPeers) != 2 {
		t.Fatalf("program peers = %d, want both slots", len(h.programPeers))
	}
	if len(h.signaler.offers) != 2 {
		t.Fatalf("program offers = %d, want 2", len(h.signaler.offers))
	}
	if h.signaler.offers[0].deviceID != "program:a" || h.signaler.offers[1].deviceID != "program:b" {
		t.Fatalf("offers addressed to %s, %s", h.signaler.offers[0].deviceID, h.signaler.offers[1].deviceID)
	}

	// A reconnect's auth must not disturb healthy slots.
	h.c.handle(domain.ChannelDown{})
	h.c.handle(domain.ChannelUp{})
	h.c.handle(domain.AuthAccepted{})

	if len(h.programPeers) != 2 || len(h.signaler.offers) != 2 {
		t.Fatal("reconnect auth rebuilt or re-offered healthy slots")
	}
}

func TestOutputReadyReoffersInPlace(t *testing.T) {
	h := newHarness(t)
	h.readySlots(t)

	h.c.handle(domain.OutputReady{Target: "window:output"})

	if len(h.programPeers) != 2 {
		t.Fatalf("program peers = %d, a renderer reload must not rebuild slots", len(h.programPeers))
	}
	if len(h.signaler.offers) != 4 {
		t.Fatalf("program offers = %d, want re-offers for both slots", len(h.signaler.offers))
	}
	if h.programPeers[0].offers != 2 || h.programPeers[1].offers != 2 {
		t.Fatalf("per-peer offers = %d/%d, want 2 each",
			h.programPeers[0].offers, h.programPeers[1].offers)
	}
}

func TestCandidateRoutingByNamespace(t *testing.T) {
	h := newHarness(t)
	h.readySlots(t)
	h.establishSource(t, "cam-1")

	h.c.handle(domain.CandidateReceived{
		DeviceID:  "program:a",
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:slot"},
	})
	h.c.handle(domain.CandidateReceived{
		DeviceID:  "cam-1",
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:camera"},
	})

	if n := len(h.programPeers[0].candidates); n != 1 {
		t.Fatalf("slot a candidates = %d, want 1", n)
	}
	if n := len(h.previewPeers[0].candidates); n != 1 {
		t.Fatalf("cam-1 candidates = %d, want 1", n)
	}
	if h.programPeers[0].candidates[0].Candidate != "candidate:slot" {
		t.Fatal("slot received the camera's candidate")
	}
}

func TestSourceDisconnectedWhileLive(t *testing.T) {
	h := newHarness(t)
	h.readySlots(t)
	h.establishSource(t, "cam-1")
	h.establishSource(t, "cam-2")
	h.c.handle(domain.SetLiveRequested{Slot: domain.SlotA, SourceID: "cam-1"})
	h.c.handle(domain.SetLiveRequested{Slot: domain.SlotB, SourceID: "cam-2"})

	h.c.handle(domain.SourceDisconnected{DeviceID: "cam-1"})

	if _, ok := h.reg.Get("cam-1"); ok {
		t.Fatal("disconnected source should leave the registry")
	}
	slots := h.c.Slots()
	if slots[0].LiveSourceID != "" {
		t.Fatalf("slot a live = %q, want idle after its source vanished", slots[0].LiveSourceID)
	}
	if slots[1].LiveSourceID != "cam-2" {
		t.Fatalf("slot b live = %q, other slots must be untouched", slots[1].LiveSourceID)
	}
	for i, p := range h.programPeers {
		if p.closed {
			t.Fatalf("program peer %d closed; slot sessions must survive", i)
		}
	}
	if !h.previewPeers[0].closed {
		t.Fatal("the dead source's preview transport should be closed")
	}

	want := []string{"on:cam-1", "on:cam-2", "off:cam-1"}
	if fmt.Sprint(h.signaler.tally) != fmt.Sprint(want) {
		t.Fatalf("tally = %v, want %v", h.signaler.tally, want)
	}
}

func TestReplacingOfferTakesSourceOffAir(t *testing.T) {
	h := newHarness(t)
	h.readySlots(t)
	h.establishSource(t, "cam-1")
	h.c.handle(domain.SetLiveRequested{Slot: domain.SlotA, SourceID: "cam-1"})

	// The camera re-offers (app restart, network change). The session a slot
	// was feeding from is superseded, so the slot must not keep claiming it.
	h.c.handle(domain.OfferReceived{
		DeviceID:   "cam-1",
		DeviceName: "Cam cam-1",
		SDP:        "offer-again",
		From:       "mobile:cam-1",
	})

	if got := h.c.Slots()[0].LiveSourceID; got != "" {
		t.Fatalf("slot a live = %q, want idle while the replacement negotiates", got)
	}
	src, _ := h.reg.Get("cam-1")
	if src.Status != domain.StatusConnecting || src.Track != nil {
		t.Fatalf("source during replacement = %+v", src)
	}
	if !h.previewPeers[0].closed {
		t.Fatal("the superseded session's transport should be closed")
	}
	want := []string{"on:cam-1", "off:cam-1"}
	if fmt.Sprint(h.signaler.tally) != fmt.Sprint(want) {
		t.Fatalf("tally = %v, want %v", h.signaler.tally, want)
	}
	if len(h.idles) != 3 || h.programPeers[0].replaced[1] != h.idles[2].track {
		t.Fatal("slot a sender should hold a fresh idle feed")
	}

	h.steps(t, 2)
	track := newVideoTrack("cam-1")
	h.previewHooks[1].OnTrack(track)
	h.step(t)

	src, _ = h.reg.Get("cam-1")
	if src.Status != domain.StatusConnected || src.Track != track {
		t.Fatalf("source = %+v, want established from the replacement", src)
	}
	if got := h.c.Slots()[0].LiveSourceID; got != "" {
		t.Fatalf("slot a live = %q, re-establishing must not go back on air", got)
	}
	if len(h.signaler.tally) != 2 {
		t.Fatalf("tally = %v, re-establishment must not add entries", h.signaler.tally)
	}
}

func TestChannelLossKeepsSessionsAndTally(t *testing.T) {
	h := newHarness(t)
	h.readySlots(t)
	h.establishSource(t, "cam-1")
	h.c.handle(domain.SetLiveRequested{Slot: domain.SlotA, SourceID: "cam-1"})

	offersBefore := len(h.signaler.offers)
	tallyBefore := len(h.signaler.tally)

	h.c.handle(domain.ChannelDown{})
	h.c.handle(domain.ChannelUp{})
	h.c.handle(domain.AuthAccepted{})

	if h.previewPeers[0].closed {
		t.Fatal("channel loss must not tear down preview sessions")
	}
	for i, p := range h.programPeers {
		if p.closed {
			t.Fatalf("channel loss must not tear down slot %d", i)
		}
	}
	if got := h.c.Slots()[0].LiveSourceID; got != "cam-1" {
		t.Fatalf("slot a live = %q, want cam-1 across the channel loss", got)
	}
	if len(h.signaler.offers) != offersBefore || len(h.signaler.tally) != tallyBefore {
		t.Fatal("channel loss sent unexpected offers or tally")
	}

	src, _ := h.reg.Get("cam-1")
	if src.Status != domain.StatusConnected {
		t.Fatalf("source status = %q, want connected", src.Status)
	}
}

func TestDisableEnableLifecycle(t *testing.T) {
	h := newHarness(t)
	h.readySlots(t)
	h.establishSource(t, "cam-1")
	h.c.handle(domain.SetLiveRequested{Slot: domain.SlotA, SourceID: "cam-1"})

	h.c.handle(domain.DisableRequested{SourceID: "cam-1"})

	src, _ := h.reg.Get("cam-1")
	if src.Enabled || src.Status != domain.StatusDisconnected || src.Track != nil {
		t.Fatalf("source after disable = %+v", src)
	}
	if !h.previewPeers[0].closed {
		t.Fatal("disable should close the preview transport")
	}
	if got := h.c.Slots()[0].LiveSourceID; got != "" {
		t.Fatalf("slot a live = %q, want idle after disabling its feed", got)
	}

	h.c.handle(domain.EnableRequested{SourceID: "cam-1"})

	src, _ = h.reg.Get("cam-1")
	if !src.Enabled || src.Status != domain.StatusConnecting {
		t.Fatalf("source after enable = %+v, want connecting replay", src)
	}
	if len(h.previewPeers) != 2 {
		t.Fatalf("preview peers = %d, enable should replay the cached offer", len(h.previewPeers))
	}
	h.steps(t, 2)
	if len(h.signaler.answers) != 2 {
		t.Fatalf("answers sent = %d, want a second answer after replay", len(h.signaler.answers))
	}
}

func TestSetLiveUnestablishedSourceStaysOffAir(t *testing.T) {
	h := newHarness(t)
	h.readySlots(t)

	h.c.handle(domain.SetLiveRequested{Slot: domain.SlotA, SourceID: "ghost"})

	if len(h.signaler.tally) != 0 {
		t.Fatalf("tally = %v, a source that never established must not go on air", h.signaler.tally)
	}
	if got := h.c.Slots()[0].LiveSourceID; got != "" {
		t.Fatalf("slot a live = %q, want idle", got)
	}
}

func TestStaleSessionEventsDoNotDisturbReplacement(t *testing.T) {
	h := newHarness(t)

	h.c.handle(domain.OfferReceived{DeviceID: "cam-1", SDP: "offer-1", From: "mobile:cam-1"})
	h.c.handle(domain.OfferReceived{DeviceID: "cam-1", SDP: "offer-2", From: "mobile:cam-1"})
	h.steps(t, 4)

	// The replaced session's transport dies; that must not mark the source
	// disconnected, its replacement is still negotiating.
	h.previewHooks[0].OnStateChange(webrtc.PeerConnectionStateClosed)
	h.step(t)

	src, _ := h.reg.Get("cam-1")
	if src.Status != domain.StatusConnecting {
		t.Fatalf("status = %q, stale transport loss must not affect the replacement", src.Status)
	}

	track := newVideoTrack("cam-1")
	h.previewHooks[1].OnTrack(track)
	h.step(t)

	src, _ = h.reg.Get("cam-1")
	if src.Status != domain.StatusConnected || src.Track != track {
		t.Fatalf("source = %+v, want established from the replacement", src)
	}
}

func TestTelemetryAndAnnouncements(t *testing.T) {
	h := newHarness(t)

	h.c.handle(domain.SourceConnected{DeviceID: "cam-1", DeviceName: "Stage Left"})
	h.c.handle(domain.TelemetryReceived{DeviceID: "cam-1", Battery: 0.37})

	src, ok := h.reg.Get("cam-1")
	if !ok || src.Telemetry == nil {
		t.Fatalf("source = %+v, ok = %v", src, ok)
	}
	if src.Telemetry.Battery != 0.37 {
		t.Fatalf("battery = %v", src.Telemetry.Battery)
	}
	if src.Status != domain.StatusDisconnected {
		t.Fatalf("status = %q, announcement alone must not connect", src.Status)
	}
}

func TestRemoveForgetsEverything(t *testing.T) {
	h := newHarness(t)
	h.readySlots(t)
	h.establishSource(t, "cam-1")
	h.c.handle(domain.SetLiveRequested{Slot: domain.SlotA, SourceID: "cam-1"})

	h.c.handle(domain.RemoveRequested{SourceID: "cam-1"})

	if _, ok := h.reg.Get("cam-1"); ok {
		t.Fatal("removed source should leave the registry")
	}
	if !h.previewPeers[0].closed {
		t.Fatal("removed source's transport should be closed")
	}
	if got := h.c.Slots()[0].LiveSourceID; got != "" {
		t.Fatalf("slot a live = %q, want idle", got)
	}

	// Nothing cached: enable cannot resurrect it.
	h.c.handle(domain.EnableRequested{SourceID: "cam-1"})
	if len(h.previewPeers) != 1 {
		t.Fatal("enable after remove must not replay anything")
	}
}
