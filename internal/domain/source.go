package domain

import (
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// SourceStatus is the connection state of a camera source, derived from its
// preview session and never set directly by the UI.
type SourceStatus string

const (
	StatusDisconnected SourceStatus = "disconnected"
	StatusConnecting   SourceStatus = "connecting"
	StatusConnected    SourceStatus = "connected"
)

// Telemetry carries self-reported device health from a camera sender.
type Telemetry struct {
	Battery  float64   `json:"battery"`
	LastSeen time.Time `json:"last_seen"`
}

// CameraSource is one remote camera producer as the operator console sees it.
type CameraSource struct {
	ID          string       `json:"id"`
	DisplayName string       `json:"display_name,omitempty"`
	Status      SourceStatus `json:"status"`
	Enabled     bool         `json:"enabled"`
	ConnectedAt time.Time    `json:"connected_at"`
	Telemetry   *Telemetry   `json:"telemetry,omitempty"`

	// Track is the forwardable copy of the source's inbound video. It is set
	// by the preview manager while a session is established and read by the
	// relay slots; nobody else may replace it.
	Track webrtc.TrackLocal `json:"-"`

	// ReturnAddr is the control-channel key (e.g. "mobile:<uuid>") answers
	// and candidates for this source are addressed to.
	ReturnAddr string `json:"-"`
}

// Control-channel target shorthands, normalized server-side.
const (
	TargetOperator = "operator"
	TargetOutput   = "output"
)

// SlotID names one of the two persistent program slots.
type SlotID string

const (
	SlotA SlotID = "a"
	SlotB SlotID = "b"
)

// Slots returns the fixed slot set in display order.
func Slots() []SlotID {
	return []SlotID{SlotA, SlotB}
}

const programPrefix = "program:"

// ProgramID is the wire device id for the slot's relay session. It shares the
// device_id field with camera ids, so the prefix keeps the two namespaces
// apart.
func (s SlotID) ProgramID() string {
	return programPrefix + string(s)
}

// ParseProgramID recovers a slot id from a wire device id, reporting whether
// the id addressed a program slot at all.
func ParseProgramID(deviceID string) (SlotID, bool) {
	if !strings.HasPrefix(deviceID, programPrefix) {
		return "", false
	}
	return SlotID(strings.TrimPrefix(deviceID, programPrefix)), true
}
