// Package console is the coordinator: a single goroutine that owns every
// piece of signaling state. Control traffic, media callbacks and operator
// commands all arrive as events on one inbox and are applied one at a time in
// arrival order, so the registry, the preview sessions and the program slots
// never see concurrent mutation.
package console

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"lancam/internal/domain"
	"lancam/internal/preview"
	"lancam/internal/registry"
	"lancam/internal/relay"
)

// Console routes events between the control channel, the camera registry,
// the preview sessions and the program slots.
type Console struct {
	inbox    chan domain.Event
	registry *registry.Registry
	preview  *preview.Manager
	relay    *relay.Manager
	log      zerolog.Logger
	tracer   trace.Tracer

	// slotsReady is set once the first auth or output announcement triggers
	// slot setup; later auths (reconnects) must not rebuild healthy slots.
	slotsReady bool

	mu    sync.RWMutex
	slots []relay.SlotStatus
}

// New wires the coordinator around an inbox created by the caller, which also
// hands the same channel to the control client and the post hooks of the
// managers.
func New(inbox chan domain.Event, reg *registry.Registry, prev *preview.Manager, rel *relay.Manager) *Console {
	return &Console{
		inbox:    inbox,
		registry: reg,
		preview:  prev,
		relay:    rel,
		log:      log.With().Str("component", "console").Logger(),
		tracer:   otel.Tracer("lancam/console"),
	}
}

// Run drains the inbox until ctx is cancelled. All coordinator state belongs
// to this goroutine; nothing else may call into the managers while it runs.
func (c *Console) Run(ctx context.Context) {
	c.log.Info().Msg("coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.preview.Close()
			c.relay.Close()
			c.log.Info().Msg("coordinator stopped")
			return
		case ev := <-c.inbox:
			c.handle(ev)
		}
	}
}

// Operator commands. Each is queued through the inbox so it serializes with
// the network traffic instead of racing it.

// EnableCameraPreview re-subscribes a source's preview, replaying its cached
// offer if no session is alive.
func (c *Console) EnableCameraPreview(sourceID string) {
	c.post(domain.EnableRequested{SourceID: sourceID})
}

// DisableCameraPreview tears down a source's preview transport while keeping
// the source listed and its last offer cached.
func (c *Console) DisableCameraPreview(sourceID string) {
	c.post(domain.DisableRequested{SourceID: sourceID})
}

// RemoveCameraSource drops a source entirely, cached state included.
func (c *Console) RemoveCameraSource(sourceID string) {
	c.post(domain.RemoveRequested{SourceID: sourceID})
}

// SetLiveCamera feeds the slot from the source. An empty source id cuts the
// slot back to the idle feed.
func (c *Console) SetLiveCamera(sourceID string, slot domain.SlotID) {
	c.post(domain.SetLiveRequested{Slot: slot, SourceID: sourceID})
}

func (c *Console) post(ev domain.Event) {
	c.inbox <- ev
}

// Reads. The registry carries its own lock; slot state is published by the
// loop after every event.

// Sources lists the known camera sources in display order.
func (c *Console) Sources() []domain.CameraSource {
	return c.registry.List()
}

// Slots returns the last published program slot states.
func (c *Console) Slots() []relay.SlotStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]relay.SlotStatus, len(c.slots))
	copy(out, c.slots)
	return out
}

// WatchSources registers a callback for registry changes.
func (c *Console) WatchSources(cb func(registry.Change)) {
	c.registry.Watch(cb)
}

func (c *Console) handle(ev domain.Event) {
	switch ev := ev.(type) {
	case domain.ChannelUp:
		c.log.Debug().Msg("control channel up")

	case domain.ChannelDown:
		// Previews and slots are process-local; they ride out channel loss
		// and the tally converges on the next switch.
		c.log.Warn().Err(ev.Err).Msg("control channel down")

	case domain.AuthAccepted:
		if !c.slotsReady {
			c.slotsReady = true
			c.ensureSlots()
		}

	case domain.AuthRejected:
		c.log.Error().Msg("authentication rejected, check the configured pin")

	case domain.SourceConnected:
		c.registry.Upsert(ev.DeviceID, ev.DeviceName)

	case domain.SourceDisconnected:
		c.removeSource(ev.DeviceID)

	case domain.OfferReceived:
		c.handleOffer(ev)

	case domain.AnswerReceived:
		if slot, ok := domain.ParseProgramID(ev.DeviceID); ok {
			c.relay.HandleAnswer(slot, ev.SDP)
		} else {
			c.log.Warn().Str("device", ev.DeviceID).Msg("answer from a non-program device")
		}

	case domain.CandidateReceived:
		if slot, ok := domain.ParseProgramID(ev.DeviceID); ok {
			c.relay.HandleCandidate(slot, ev.Candidate)
		} else {
			c.preview.HandleCandidate(ev.DeviceID, ev.Candidate)
		}

	case domain.TelemetryReceived:
		c.registry.UpdateTelemetry(ev.DeviceID, ev.Battery)

	case domain.OutputReady:
		c.log.Info().Str("from", ev.Target).Msg("output renderer announced itself")
		c.slotsReady = true
		c.ensureSlots()

	case domain.PreviewRemoteApplied:
		if c.preview.HandleRemoteApplied(ev) {
			c.sourceLost(ev.SourceID)
		}

	case domain.PreviewAnswerReady:
		if c.preview.HandleAnswerReady(ev) {
			c.sourceLost(ev.SourceID)
		}

	case domain.PreviewTrackStarted:
		if track, ok := c.preview.HandleTrackStarted(ev); ok {
			c.registry.SetTrack(ev.SourceID, track)
			c.registry.SetStatus(ev.SourceID, domain.StatusConnected)
		}

	case domain.PreviewStateChanged:
		if c.preview.HandleStateChanged(ev) {
			c.sourceLost(ev.SourceID)
		}

	case domain.PreviewTimedOut:
		if c.preview.HandleTimedOut(ev) {
			c.sourceLost(ev.SourceID)
		}

	case domain.ProgramStateChanged:
		c.relay.HandleStateChanged(ev.Slot, ev.State)

	case domain.ProgramKeyframeRequested:
		c.relay.HandleKeyframeRequest(ev.Slot)

	case domain.EnableRequested:
		c.registry.SetEnabled(ev.SourceID, true)
		if c.preview.Enable(ev.SourceID) {
			c.registry.SetStatus(ev.SourceID, domain.StatusConnecting)
		}

	case domain.DisableRequested:
		c.registry.SetEnabled(ev.SourceID, false)
		c.relay.FallbackIfLive(ev.SourceID)
		c.preview.Disable(ev.SourceID)
		c.registry.SetTrack(ev.SourceID, nil)
		c.registry.SetStatus(ev.SourceID, domain.StatusDisconnected)

	case domain.RemoveRequested:
		c.removeSource(ev.SourceID)

	case domain.SetLiveRequested:
		_, span := c.tracer.Start(context.Background(), "console.setLive",
			trace.WithAttributes(
				attribute.String("slot", string(ev.Slot)),
				attribute.String("source", ev.SourceID)))
		c.relay.SetLive(ev.Slot, ev.SourceID)
		span.End()

	default:
		c.log.Debug().Msgf("unhandled event %T", ev)
	}

	c.publish()
}

func (c *Console) handleOffer(ev domain.OfferReceived) {
	_, span := c.tracer.Start(context.Background(), "console.handleOffer",
		trace.WithAttributes(attribute.String("source", ev.DeviceID)))
	defer span.End()

	// Offers may arrive before the source's announcement, or from a source
	// the operator disabled; both still negotiate. Disabled only means the
	// operator is not watching right now.
	c.registry.Upsert(ev.DeviceID, ev.DeviceName)

	target := ev.From
	if target == "" {
		target = "mobile:" + ev.DeviceID
	}
	c.registry.SetReturnAddr(ev.DeviceID, target)
	c.registry.SetStatus(ev.DeviceID, domain.StatusConnecting)

	// A fresh offer supersedes the source's current session. Any slot fed by
	// the old session cuts to idle now; the replacement goes back on air only
	// when the operator switches it in.
	c.relay.FallbackIfLive(ev.DeviceID)
	c.registry.SetTrack(ev.DeviceID, nil)

	if err := c.preview.HandleOffer(ev.DeviceID, ev.SDP, target); err != nil {
		c.log.Error().Err(err).Str("source", ev.DeviceID).Msg("preview session setup failed")
		c.registry.SetStatus(ev.DeviceID, domain.StatusDisconnected)
	}
}

// sourceLost records a dead preview: any slot the source fed cuts to idle,
// the stream handle clears, and the status shows disconnected.
func (c *Console) sourceLost(sourceID string) {
	c.relay.FallbackIfLive(sourceID)
	c.registry.SetTrack(sourceID, nil)
	c.registry.SetStatus(sourceID, domain.StatusDisconnected)
}

func (c *Console) removeSource(sourceID string) {
	c.relay.FallbackIfLive(sourceID)
	c.preview.Remove(sourceID)
	c.registry.Remove(sourceID)
}

func (c *Console) ensureSlots() {
	for _, id := range domain.Slots() {
		c.relay.EnsureSlot(id)
	}
}

// publish copies the slot states out from under the loop so HTTP handlers and
// other goroutines can read them without touching loop-confined state.
func (c *Console) publish() {
	snap := c.relay.Snapshot()
	c.mu.Lock()
	c.slots = snap
	c.mu.Unlock()
}
