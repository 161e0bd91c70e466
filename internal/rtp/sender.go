package rtp

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

// Encoding is one simulcast/SVC layer of a Sender (spec §3 Data Model,
// Encoding). The first encoding is the default used when a packet's RID
// does not match any entry.
type Encoding struct {
	RID    string
	SSRC   uint32
	Active bool

	// Mutable fields, changeable via Sender.SetParameters without
	// renegotiation.
	MaxBitrate            int
	MaxFramerate          float64
	ScaleResolutionDownBy float64
	Priority              string
	NetworkPriority       string
	ScalabilityMode       string
}

// SenderParameters is the get_parameters/set_parameters snapshot from spec
// §4.6, carrying a transaction ID that set_parameters must echo back.
type SenderParameters struct {
	TransactionID string
	Codec         PayloadType
	Encodings     []Encoding
}

// SendMode selects one of the three Sender behaviors from spec §4.6.
type SendMode int

const (
	// SendModeFrame produces RTP packets from locally encoded frames.
	SendModeFrame SendMode = iota
	// SendModeNonstandardForward subscribes to a source RTP stream,
	// rewriting SSRC/extensions/payload type and filtering RTX/padding.
	SendModeNonstandardForward
	// SendModeEchoForward mirrors a source RTP stream with SSRC/extension
	// rewriting but preserves the source payload type.
	SendModeEchoForward
)

type cachedPacket struct {
	hdr     rtpHeader
	payload []byte
}

// Sender implements the send half of spec §4.6.
//
// Grounded on internal/rtp/stream.go's rtpOut field and
// internal/rtp/h264.go's h264Writer (timestamp bookkeeping, packetize-then-
// writePacket idiom), generalized into a standalone type so it can carry
// get_parameters/set_parameters/replace_track state and the three send
// modes independent of the teacher's single Stream/Session coupling.
type Sender struct {
	mu sync.Mutex

	codec     PayloadType
	encodings []Encoding
	mid       string

	// Header-extension IDs bound when the remote description is applied.
	midExtID  byte
	astExtID  byte
	twccExtID byte

	mode      SendMode
	track     *Track
	out       *rtpWriter
	timestamp uint32
	twccSeq   uint16

	// h264 fragments/aggregates NALUs into RTP packets when codec is H264;
	// nil for every other codec, in which case SendFrame writes payload as
	// a single packet.
	h264 *h264Writer

	transactionID int

	// keyframeCache holds the most recent keyframe's packets (in order) for
	// forward_cached_packets to replay ahead of live packets.
	keyframeCache []cachedPacket
}

// NewSender constructs a Sender bound to out, the underlying per-SSRC RTP
// writer. encodings must contain at least one entry; if empty, a single
// active default encoding (no RID) is assumed, per spec §4.6.
func NewSender(codec PayloadType, encodings []Encoding, mid string, out *rtpWriter) *Sender {
	if len(encodings) == 0 {
		encodings = []Encoding{{Active: true}}
	}
	s := &Sender{
		codec:     codec,
		encodings: append([]Encoding(nil), encodings...),
		mid:       mid,
		out:       out,
	}
	if codec.Name == "H264" {
		s.h264 = &h264Writer{out: out, payloadType: codec.Number}
	}
	return s
}

// BindExtensionIDs sets the mid/abs-send-time/transport-wide-CC header
// extension IDs negotiated for this sender's m-line.
func (s *Sender) BindExtensionIDs(mid, absSendTime, transportWideCC byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.midExtID, s.astExtID, s.twccExtID = mid, absSendTime, transportWideCC
}

// SetMode selects which of the three send modes subsequent calls use.
func (s *Sender) SetMode(mode SendMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// GetParameters returns a snapshot with a fresh transaction ID (spec §4.6).
func (s *Sender) GetParameters() SenderParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactionID++
	return SenderParameters{
		TransactionID: strconv.Itoa(s.transactionID),
		Codec:         s.codec,
		Encodings:     append([]Encoding(nil), s.encodings...),
	}
}

var (
	errStaleTransaction     = errors.New("rtp: sender set_parameters: stale transaction id")
	errEncodingCountChanged = errors.New("rtp: sender set_parameters: cannot change encoding count")
	errRIDChanged           = errors.New("rtp: sender set_parameters: cannot change encoding rid")
	errTrackKindMismatch    = errors.New("rtp: sender replace_track: kind mismatch")
	errTrackEnded           = errors.New("rtp: sender replace_track: new track has ended")
	errNoOutputStream       = errors.New("rtp: sender has no output stream")
)

// SetParameters validates params.TransactionID against the last
// GetParameters call and that immutable fields (encoding count, RIDs) are
// unchanged, then applies the mutable fields (spec §4.6).
func (s *Sender) SetParameters(params SenderParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if params.TransactionID != strconv.Itoa(s.transactionID) {
		return errStaleTransaction
	}
	if len(params.Encodings) != len(s.encodings) {
		return errEncodingCountChanged
	}
	for i := range params.Encodings {
		if params.Encodings[i].RID != s.encodings[i].RID {
			return errRIDChanged
		}
	}
	for i := range params.Encodings {
		e := &s.encodings[i]
		p := params.Encodings[i]
		e.Active = p.Active
		e.MaxBitrate = p.MaxBitrate
		e.MaxFramerate = p.MaxFramerate
		e.ScaleResolutionDownBy = p.ScaleResolutionDownBy
		e.Priority = p.Priority
		e.NetworkPriority = p.NetworkPriority
		e.ScalabilityMode = p.ScalabilityMode
	}
	return nil
}

// ReplaceTrack swaps the local source without renegotiation. The new track
// must share kind with the old one (if any) and must not be ended.
func (s *Sender) ReplaceTrack(t *Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Ended() {
		return errTrackEnded
	}
	if s.track != nil && s.track.Kind != t.Kind {
		return errTrackKindMismatch
	}
	s.track = t
	return nil
}

// SendFrame implements send mode 1 (frame-based, spec §4.6): produce a
// payload and emit it via send_rtp, advancing the running timestamp by
// tsIncrement after the packet is sent.
func (s *Sender) SendFrame(marker bool, tsIncrement uint32, payload []byte) error {
	s.mu.Lock()
	out := s.out
	ts := s.timestamp
	payloadType := s.codec.Number
	h264 := s.h264
	s.mu.Unlock()

	if out == nil {
		return errNoOutputStream
	}

	var err error
	if h264 != nil {
		// payload is one NAL unit; h264Writer handles STAP-A aggregation of
		// SEI/SPS/PPS and FU-A fragmentation of oversized pictures.
		err = h264.consumeNALU(payload, ts, marker)
	} else {
		err = out.writePacket(payloadType, marker, ts, payload)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.timestamp += tsIncrement
	s.mu.Unlock()
	return nil
}

// ForwardPacket implements send modes 2 and 3 (spec §4.6): rewrite SSRC to
// this sender's, regenerate MID/abs-send-time/TWCC header extensions, and
// forward. In SendModeNonstandardForward, RTX and padding probes are
// filtered and the payload type is rewritten to the sender's codec; in
// SendModeEchoForward, the source payload type is preserved.
func (s *Sender) ForwardPacket(hdr rtpHeader, payload []byte) error {
	s.mu.Lock()
	mode := s.mode
	out := s.out
	mid := s.mid
	midID, astID, twccID := s.midExtID, s.astExtID, s.twccExtID
	mainPayloadType := s.codec.Number
	s.mu.Unlock()

	if out == nil {
		return errNoOutputStream
	}

	if mode == SendModeNonstandardForward && isRTXOrPaddingProbe(hdr, payload, mainPayloadType) {
		return nil
	}

	extensions := make(map[byte][]byte)
	if midID != 0 {
		extensions[midID] = []byte(mid)
	}
	if astID != 0 {
		extensions[astID] = absSendTime(time.Now())
	}
	if twccID != 0 {
		s.mu.Lock()
		s.twccSeq++
		seq := s.twccSeq
		s.mu.Unlock()
		extensions[twccID] = []byte{byte(seq >> 8), byte(seq)}
	}

	payloadType := hdr.payloadType
	if mode == SendModeNonstandardForward {
		payloadType = mainPayloadType
	}

	return out.writePacketExt(payloadType, hdr.marker, hdr.timestamp, extensions, payload)
}

// CacheKeyframe records a packet belonging to the most recent keyframe, for
// ForwardCachedPackets to replay. Callers reset the cache (pass reset=true)
// on the first packet of a new keyframe.
func (s *Sender) CacheKeyframe(hdr rtpHeader, payload []byte, reset bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reset {
		s.keyframeCache = s.keyframeCache[:0]
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.keyframeCache = append(s.keyframeCache, cachedPacket{hdr: hdr, payload: cp})
}

// ForwardCachedPackets replays the cached keyframe ahead of live packets, to
// minimize time-to-first-frame for a newly subscribed receiver. Packet
// order and payload bytes are preserved (spec §8 testable property).
func (s *Sender) ForwardCachedPackets() error {
	s.mu.Lock()
	cached := append([]cachedPacket(nil), s.keyframeCache...)
	s.mu.Unlock()

	for _, cp := range cached {
		if err := s.ForwardPacket(cp.hdr, cp.payload); err != nil {
			return err
		}
	}
	return nil
}

// isRTXOrPaddingProbe applies spec §8's RTX heuristic: a packet with
// payload_type == main+1 is an RTX retransmission, and a packet with ts==0
// and a small payload is a padding probe. Both are dropped from
// nonstandard-track forwarding.
func isRTXOrPaddingProbe(hdr rtpHeader, payload []byte, mainPayloadType byte) bool {
	if hdr.payloadType == mainPayloadType+1 {
		return true
	}
	if hdr.timestamp == 0 && len(payload) < 8 {
		return true
	}
	return false
}

// absSendTime encodes t as an 18.6 fixed-point fraction-of-a-day value in a
// 24-bit big-endian field, per the webrtc.org abs-send-time extension.
func absSendTime(t time.Time) []byte {
	seconds := float64(t.UnixNano()) / float64(time.Second)
	fixed := uint64(seconds*(1<<18)) & 0xffffff
	return []byte{byte(fixed >> 16), byte(fixed >> 8), byte(fixed)}
}
