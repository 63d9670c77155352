package rtc

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"lancam/internal/domain"
)

// idleFrameInterval paces the placeholder feed. Every frame is a keyframe, so
// the renderer repaints black within one interval of a switch.
const idleFrameInterval = 500 * time.Millisecond

// idleTrack feeds a program sender a 16x16 black H264 picture while no camera
// is live. The frame is built once at startup; the pump only repeats it.
type idleTrack struct {
	track *webrtc.TrackLocalStaticSample
	log   zerolog.Logger
	stop  chan struct{}
	once  sync.Once
}

// NewIdleTrack starts a fresh placeholder feed for the given slot.
func (e *Engine) NewIdleTrack(slot domain.SlotID) (domain.SyntheticTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"idle", "lancam-program-"+string(slot))
	if err != nil {
		return nil, fmt.Errorf("new idle track: %w", err)
	}

	it := &idleTrack{
		track: track,
		log:   e.log.With().Str("slot", string(slot)).Logger(),
		stop:  make(chan struct{}),
	}
	go it.pump()
	return it, nil
}

func (it *idleTrack) pump() {
	ticker := time.NewTicker(idleFrameInterval)
	defer ticker.Stop()
	for {
		err := it.track.WriteSample(media.Sample{
			Data:     blackKeyframe,
			Duration: idleFrameInterval,
		})
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			it.log.Debug().Err(err).Msg("idle frame write failed")
		}
		select {
		case <-it.stop:
			return
		case <-ticker.C:
		}
	}
}

func (it *idleTrack) Track() webrtc.TrackLocal {
	return it.track
}

func (it *idleTrack) Stop() {
	it.once.Do(func() { close(it.stop) })
}

// blackKeyframe is a complete Annex-B access unit: SPS, PPS and an IDR slice
// holding one I_PCM macroblock of studio black (Y=16, Cb=Cr=128). I_PCM
// carries raw samples, so the unit is valid baseline H264 without running an
// encoder.
var blackKeyframe = buildBlackKeyframe()

func buildBlackKeyframe() []byte {
	startCode := []byte{0x00, 0x00, 0x00, 0x01}
	frame := append([]byte{}, startCode...)
	frame = append(frame, blackSPS()...)
	frame = append(frame, startCode...)
	frame = append(frame, blackPPS()...)
	frame = append(frame, startCode...)
	frame = append(frame, blackIDR()...)
	return frame
}

// blackSPS describes a 16x16 frame, baseline profile level 3.1, with picture
// order derived from frame numbers so IDR slices need no extra order fields.
func blackSPS() []byte {
	w := &bitWriter{}
	w.writeBits(66, 8)   // profile_idc baseline
	w.writeBits(0xE0, 8) // constraint_set0..2 + reserved
	w.writeBits(31, 8)   // level_idc
	w.writeUE(0)         // seq_parameter_set_id
	w.writeUE(0)         // log2_max_frame_num_minus4
	w.writeUE(2)         // pic_order_cnt_type
	w.writeUE(0)         // max_num_ref_frames
	w.writeBit(0)        // gaps_in_frame_num_value_allowed_flag
	w.writeUE(0)         // pic_width_in_mbs_minus1
	w.writeUE(0)         // pic_height_in_map_units_minus1
	w.writeBit(1)        // frame_mbs_only_flag
	w.writeBit(0)        // direct_8x8_inference_flag
	w.writeBit(0)        // frame_cropping_flag
	w.writeBit(0)        // vui_parameters_present_flag
	w.stopBit()
	return append([]byte{0x67}, escapeRBSP(w.buf)...)
}

func blackPPS() []byte {
	w := &bitWriter{}
	w.writeUE(0)      // pic_parameter_set_id
	w.writeUE(0)      // seq_parameter_set_id
	w.writeBit(0)     // entropy_coding_mode_flag, CAVLC
	w.writeBit(0)     // bottom_field_pic_order_in_frame_present_flag
	w.writeUE(0)      // num_slice_groups_minus1
	w.writeUE(0)      // num_ref_idx_l0_default_active_minus1
	w.writeUE(0)      // num_ref_idx_l1_default_active_minus1
	w.writeBit(0)     // weighted_pred_flag
	w.writeBits(0, 2) // weighted_bipred_idc
	w.writeSE(0)      // pic_init_qp_minus26
	w.writeSE(0)      // pic_init_qs_minus26
	w.writeSE(0)      // chroma_qp_index_offset
	w.writeBit(0)     // deblocking_filter_control_present_flag
	w.writeBit(0)     // constrained_intra_pred_flag
	w.writeBit(0)     // redundant_pic_cnt_present_flag
	w.stopBit()
	return append([]byte{0x68}, escapeRBSP(w.buf)...)
}

// blackIDR is the picture itself: one I_PCM macroblock of raw black samples.
func blackIDR() []byte {
	w := &bitWriter{}
	w.writeUE(0)      // first_mb_in_slice
	w.writeUE(7)      // slice_type, I for the whole picture
	w.writeUE(0)      // pic_parameter_set_id
	w.writeBits(0, 4) // frame_num
	w.writeUE(0)      // idr_pic_id
	w.writeBit(0)     // no_output_of_prior_pics_flag
	w.writeBit(0)     // long_term_reference_flag
	w.writeSE(0)      // slice_qp_delta
	w.writeUE(25)     // mb_type I_PCM
	w.align()         // pcm_alignment_zero_bit
	for i := 0; i < 16*16; i++ {
		w.writeBits(16, 8) // luma
	}
	for i := 0; i < 2*8*8; i++ {
		w.writeBits(128, 8) // chroma
	}
	w.stopBit()
	return append([]byte{0x65}, escapeRBSP(w.buf)...)
}

// bitWriter assembles an RBSP most-significant bit first.
type bitWriter struct {
	buf  []byte
	used uint8 // bits written into the last byte, 0 when aligned
}

func (w *bitWriter) writeBit(b uint8) {
	if w.used == 0 {
		w.buf = append(w.buf, 0)
	}
	if b != 0 {
		w.buf[len(w.buf)-1] |= 1 << (7 - w.used)
	}
	w.used = (w.used + 1) % 8
}

func (w *bitWriter) writeBits(v uint32, n uint8) {
	for i := int(n) - 1; i >= 0; i-- {
		w.writeBit(uint8(v>>uint(i)) & 1)
	}
}

// writeUE encodes an unsigned Exp-Golomb value.
func (w *bitWriter) writeUE(v uint32) {
	code := v + 1
	length := uint8(bits.Len32(code))
	for i := uint8(1); i < length; i++ {
		w.writeBit(0)
	}
	w.writeBits(code, length)
}

// writeSE encodes a signed Exp-Golomb value.
func (w *bitWriter) writeSE(v int32) {
	if v > 0 {
		w.writeUE(uint32(2*v - 1))
	} else {
		w.writeUE(uint32(-2 * v))
	}
}

func (w *bitWriter) align() {
	for w.used != 0 {
		w.writeBit(0)
	}
}

func (w *bitWriter) stopBit() {
	w.writeBit(1)
	w.align()
}

// escapeRBSP inserts emulation prevention bytes so the payload never mimics a
// start code.
func escapeRBSP(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+4)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
