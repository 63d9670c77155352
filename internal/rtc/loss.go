package rtc

import "github.com/pion/rtp"

// lossDetector watches a camera's RTP sequence numbers. A forward jump means
// packets were dropped on the uplink; late arrivals do not count, so plain
// reordering stays quiet.
type lossDetector struct {
	next   uint16
	primed bool
}

// observe reports whether pkt implies loss since the previous packet.
func (d *lossDetector) observe(pkt *rtp.Packet) bool {
	seq := pkt.SequenceNumber
	if !d.primed {
		d.primed = true
		d.next = seq + 1
		return false
	}
	delta := int16(seq - d.next) // wraparound-safe distance
	if delta < 0 {
		return false
	}
	d.next = seq + 1
	return delta > 0
}
