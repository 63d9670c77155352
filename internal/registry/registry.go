// Package registry tracks every camera source the control channel has
// announced, together with its preview state and latest telemetry.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/olebedev/emitter"
	"github.com/pion/webrtc/v4"

	"lancam/internal/domain"
)

const topicChange = "change"

// Change describes one mutation of the source table. Source is a copy; the
// Removed flag marks deletions.
type Change struct {
	Source  domain.CameraSource
	Removed bool
}

// Registry is the authoritative source table. Writes come from the
// coordinator loop; reads and watchers may come from any goroutine.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*domain.CameraSource
	events  *emitter.Emitter
}

func New() *Registry {
	e := &emitter.Emitter{}
	e.Use("*", emitter.Void)
	return &Registry{
		sources: make(map[string]*domain.CameraSource),
		events:  e,
	}
}

// Watch registers a callback fired on every table change. Callbacks run
// synchronously with the mutation and must not call back into the registry.
func (r *Registry) Watch(cb func(Change)) {
	r.events.On(topicChange, func(ev *emitter.Event) {
		cb(ev.Args[0].(Change))
	})
}

func (r *Registry) notify(src domain.CameraSource, removed bool) {
	r.events.Emit(topicChange, Change{Source: src, Removed: removed})
}

// Upsert creates the source on first sight or refreshes its display name.
// New sources start disconnected and enabled.
func (r *Registry) Upsert(id, displayName string) domain.CameraSource {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.sources[id]
	if !ok {
		src = &domain.CameraSource{
			ID:          id,
			DisplayName: displayName,
			Status:      domain.StatusDisconnected,
			Enabled:     true,
			ConnectedAt: time.Now(),
		}
		r.sources[id] = src
	} else if displayName != "" {
		src.DisplayName = displayName
	}
	r.notify(*src, false)
	return *src
}

func (r *Registry) SetStatus(id string, status domain.SourceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	if !ok || src.Status == status {
		return
	}
	src.Status = status
	r.notify(*src, false)
}

func (r *Registry) SetEnabled(id string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	if !ok || src.Enabled == enabled {
		return
	}
	src.Enabled = enabled
	r.notify(*src, false)
}

// SetTrack publishes or clears the relay-ready stream handle of a source.
func (r *Registry) SetTrack(id string, track webrtc.TrackLocal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	if !ok {
		return
	}
	src.Track = track
	r.notify(*src, false)
}

// SetReturnAddr records where answers and candidates for this source go.
func (r *Registry) SetReturnAddr(id, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if src, ok := r.sources[id]; ok {
		src.ReturnAddr = addr
	}
}

func (r *Registry) UpdateTelemetry(id string, battery float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	if !ok {
		return
	}
	src.Telemetry = &domain.Telemetry{Battery: battery, LastSeen: time.Now()}
	r.notify(*src, false)
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	if !ok {
		return
	}
	delete(r.sources, id)
	r.notify(*src, true)
}

func (r *Registry) Get(id string) (domain.CameraSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	if !ok {
		return domain.CameraSource{}, false
	}
	return *src, true
}

// List returns a copy of every source ordered by first announcement, with the
// id as tie-breaker so the order is stable.
func (r *Registry) List() []domain.CameraSource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.CameraSource, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, *src)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
