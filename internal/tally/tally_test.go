package tally

import (
	"reflect"
	"testing"

	"github.com/pion/webrtc/v4"
)

// recordingSignaler captures tally sends; the rest of the interface is never
// used by the notifier.
type recordingSignaler struct {
	sent []string
}

func (s *recordingSignaler) SendCameraAnswer(deviceID, target, sdp string) {}
func (s *recordingSignaler) SendCameraOffer(deviceID, target, sdp string)  {}
func (s *recordingSignaler) SendCameraICE(deviceID, target string, candidate webrtc.ICECandidateInit) {
}

func (s *recordingSignaler) SendConnectProgram(deviceID string) {
	s.sent = append(s.sent, "on:"+deviceID)
}

func (s *recordingSignaler) SendDisconnectProgram(deviceID string) {
	s.sent = append(s.sent, "off:"+deviceID)
}

func TestSwitch(t *testing.T) {
	cases := []struct {
		name     string
		oldID    string
		newID    string
		expected []string
	}{
		{"go live", "", "cam-1", []string{"on:cam-1"}},
		{"go idle", "cam-1", "", []string{"off:cam-1"}},
		{"swap", "cam-1", "cam-2", []string{"off:cam-1", "on:cam-2"}},
		{"same source", "cam-1", "cam-1", nil},
		{"idle to idle", "", "", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			signaler := &recordingSignaler{}
			New(signaler).Switch(tc.oldID, tc.newID)
			if !reflect.DeepEqual(signaler.sent, tc.expected) {
				t.Errorf("sent %v, want %v", signaler.sent, tc.expected)
			}
		})
	}
}
