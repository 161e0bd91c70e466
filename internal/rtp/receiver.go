package rtp

import "sync"

// Track is the minimal local-source/remote-source abstraction a Sender
// forwards or a Receiver synthesizes (spec §3 Data Model, Encoding/Track).
type Track struct {
	ID    string
	Label string
	Kind  string // "audio" or "video"

	mu    sync.Mutex
	ended bool
}

// Ended reports whether the track has stopped producing data.
func (t *Track) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// End marks the track as stopped. replace_track refuses an ended track.
func (t *Track) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = true
}

// kind infers "audio" vs "video" from the negotiated codec name, used to
// label synthesized simulcast tracks.
func (pt PayloadType) kind() string {
	switch pt.Name {
	case "VP8", "VP9", "H264", "H265", "AV1":
		return "video"
	default:
		return "audio"
	}
}

// Header is the subset of a parsed RTP packet's header exposed to callers
// outside this package (spec §3 Data Model, RtpPacket), since rtpHeader
// itself is an implementation detail of the wire codec.
type Header struct {
	Marker      bool
	PayloadType byte
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32

	extensions map[byte][]byte
}

// Extension returns the raw RFC8285 header extension element registered
// under the given local ID, if the packet carried one.
func (h Header) Extension(id byte) ([]byte, bool) {
	v, ok := h.extensions[id]
	return v, ok
}

func newHeader(hdr rtpHeader) Header {
	return Header{
		Marker:      hdr.marker,
		PayloadType: hdr.payloadType,
		Sequence:    hdr.sequence,
		Timestamp:   hdr.timestamp,
		SSRC:        hdr.ssrc,
		extensions:  hdr.extensions,
	}
}

// FrameHandler receives one admitted frame's RTP header and payload (with
// any codec-specific payload descriptor already stripped).
type FrameHandler func(hdr Header, payload []byte)

// Receiver implements the receive half of spec §4.6: per-codec frame
// emission, the VP9 SVC filter, and simulcast track synthesis
// (track_by_rid/track_by_ssrc, on_track).
//
// Grounded on internal/rtp/stream.go's rtpIn/handler split: Receiver plays
// the role stream.rtpIn.handler played, generalized to register with the
// Router (router.go) by RID instead of being looked up solely by SSRC in
// Session.streams.
type Receiver struct {
	mu sync.Mutex

	mid   string
	codec PayloadType

	// svc is non-nil only when codec is VP9, gating the SVC filter.
	svc *svcSelection

	// h264 is non-nil only when codec is H264, gating STAP-A/FU-A
	// reassembly ahead of onFrame.
	h264 *h264Reassembler

	onFrame FrameHandler
	onTrack func(t *Track)

	// Simulcast bookkeeping: the first packet bearing a new RID synthesizes
	// a derived track, subsequent packets for the same SSRC (with or
	// without the RID extension) resolve to it via trackBySSRC.
	trackByRID  map[string]*Track
	trackBySSRC map[uint32]*Track
}

// Unbounded spatial/temporal layer selection: VP9 allows at most 8 spatial
// and 8 temporal layers (3-bit fields), so 7 admits everything until a
// caller narrows the selection.
const (
	maxSpatialLayer  = 7
	maxTemporalLayer = 7
)

// NewReceiver constructs a Receiver for one negotiated m-line/mid. mid is
// used to derive simulcast track IDs/labels ("<mid>_<rid>").
func NewReceiver(mid string, codec PayloadType) *Receiver {
	r := &Receiver{
		mid:         mid,
		codec:       codec,
		trackByRID:  make(map[string]*Track),
		trackBySSRC: make(map[uint32]*Track),
	}
	if codec.Name == "VP9" {
		r.svc = newSVCSelection(maxSpatialLayer, maxTemporalLayer)
	}
	if codec.Name == "H264" {
		r.h264 = &h264Reassembler{}
	}
	return r
}

// OnFrame registers the callback invoked for each admitted frame.
func (r *Receiver) OnFrame(h FrameHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFrame = h
}

// OnTrack registers the callback invoked when a new simulcast RID track is
// synthesized.
func (r *Receiver) OnTrack(h func(t *Track)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTrack = h
}

// SelectSpatialLayer applies spec §4.6's two-phase VP9 SVC layer-switch
// policy. No-op for non-VP9 receivers.
func (r *Receiver) SelectSpatialLayer(maxSID int, immediate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.svc != nil {
		r.svc.selectSpatialLayer(maxSID, immediate)
	}
}

// TrackByRID returns the synthesized track for rid, if one has been
// announced yet.
func (r *Receiver) TrackByRID(rid string) (*Track, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackByRID[rid]
	return t, ok
}

// TrackBySSRC returns the track resolved for ssrc, if any.
func (r *Receiver) TrackBySSRC(ssrc uint32) (*Track, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackBySSRC[ssrc]
	return t, ok
}

func (r *Receiver) hasTrack() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackByRID) > 0
}

// handleRoutedPacket is invoked by Router.Route once a packet has been
// dispatched to this Receiver. rid is non-empty only on the RID-extension
// dispatch path (spec §4.5); it drives simulcast track synthesis.
func (r *Receiver) handleRoutedPacket(rid string, hdr rtpHeader, payload []byte) error {
	r.mu.Lock()

	if rid != "" {
		if _, ok := r.trackByRID[rid]; !ok {
			t := &Track{
				ID:    r.mid + "_" + rid,
				Label: r.mid + " (" + rid + ")",
				Kind:  r.codec.kind(),
			}
			r.trackByRID[rid] = t
			r.trackBySSRC[hdr.ssrc] = t

			onTrack := r.onTrack
			r.mu.Unlock()
			if onTrack != nil {
				onTrack(t)
			}
			r.mu.Lock()
		} else if _, ok := r.trackBySSRC[hdr.ssrc]; !ok {
			r.trackBySSRC[hdr.ssrc] = r.trackByRID[rid]
		}
	}

	if r.svc != nil {
		d, err := parseVP9Descriptor(payload)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		admit := r.svc.admit(d)
		onFrame := r.onFrame
		r.mu.Unlock()
		if admit && onFrame != nil {
			onFrame(newHeader(hdr), payload[d.headerLength:])
		}
		return nil
	}

	onFrame := r.onFrame
	if r.h264 != nil {
		h := r.h264
		header := newHeader(hdr)
		var nalus [][]byte
		err := h.reassemble(payload, func(nalu []byte) {
			nalus = append(nalus, nalu)
		})
		r.mu.Unlock()
		if err != nil {
			return err
		}
		if onFrame != nil {
			for _, nalu := range nalus {
				onFrame(header, nalu)
			}
		}
		return nil
	}
	r.mu.Unlock()
	if onFrame != nil {
		onFrame(newHeader(hdr), payload)
	}
	return nil
}
