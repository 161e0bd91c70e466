package rtp

import (
	"bytes"
	"testing"

	"github.com/lanikai/alohartc/internal/packet"
)

func newTestSender(buf *bytes.Buffer) *Sender {
	codec := PayloadType{Number: 96, Name: "H264", ClockRate: 90000}
	out := newRTPWriter(buf, 0xd00d, nil)
	return NewSender(codec, nil, "0", out)
}

func TestSenderGetSetParametersTransaction(t *testing.T) {
	var buf bytes.Buffer
	s := newTestSender(&buf)

	params := s.GetParameters()
	if len(params.Encodings) != 1 {
		t.Fatalf("expected one default encoding, got %d", len(params.Encodings))
	}

	params.Encodings[0].MaxBitrate = 500000
	if err := s.SetParameters(params); err != nil {
		t.Fatalf("SetParameters: %v", err)
	}

	got := s.GetParameters()
	if got.Encodings[0].MaxBitrate != 500000 {
		t.Errorf("expected MaxBitrate=500000 to stick, got %d", got.Encodings[0].MaxBitrate)
	}

	// Reusing a stale transaction ID must be rejected.
	if err := s.SetParameters(params); err != errStaleTransaction {
		t.Errorf("expected errStaleTransaction on replay, got %v", err)
	}
}

func TestSenderSetParametersRejectsRIDChange(t *testing.T) {
	var buf bytes.Buffer
	codec := PayloadType{Number: 96, Name: "H264"}
	out := newRTPWriter(&buf, 0xd00d, nil)
	s := NewSender(codec, []Encoding{{RID: "hi", Active: true}}, "0", out)

	params := s.GetParameters()
	params.Encodings[0].RID = "lo"
	if err := s.SetParameters(params); err != errRIDChanged {
		t.Errorf("expected errRIDChanged, got %v", err)
	}
}

func TestSenderSetParametersRejectsEncodingCountChange(t *testing.T) {
	var buf bytes.Buffer
	s := newTestSender(&buf)

	params := s.GetParameters()
	params.Encodings = append(params.Encodings, Encoding{Active: true})
	if err := s.SetParameters(params); err != errEncodingCountChanged {
		t.Errorf("expected errEncodingCountChanged, got %v", err)
	}
}

func TestSenderReplaceTrack(t *testing.T) {
	var buf bytes.Buffer
	s := newTestSender(&buf)

	video := &Track{ID: "a", Kind: "video"}
	if err := s.ReplaceTrack(video); err != nil {
		t.Fatalf("ReplaceTrack: %v", err)
	}

	audio := &Track{ID: "b", Kind: "audio"}
	if err := s.ReplaceTrack(audio); err != errTrackKindMismatch {
		t.Errorf("expected errTrackKindMismatch, got %v", err)
	}

	video.End()
	if err := s.ReplaceTrack(video); err != errTrackEnded {
		t.Errorf("expected errTrackEnded, got %v", err)
	}
}

func TestSenderSendFrameAdvancesTimestamp(t *testing.T) {
	var buf bytes.Buffer
	s := newTestSender(&buf)

	// Payloads are H.264 coded-slice NAL units (types 5 and 1), which
	// h264Writer sends at once; SEI/SPS/PPS would be held for a STAP-A.
	if err := s.SendFrame(true, 3000, []byte{0x65, 0x01, 0x02}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if s.timestamp != 3000 {
		t.Errorf("expected timestamp advanced to 3000, got %d", s.timestamp)
	}
	if err := s.SendFrame(false, 3000, []byte{0x41, 0x01, 0x02}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if s.timestamp != 6000 {
		t.Errorf("expected timestamp advanced to 6000, got %d", s.timestamp)
	}

	r := packet.NewReader(buf.Bytes())
	var hdr rtpHeader
	if err := hdr.readFrom(r); err != nil {
		t.Fatalf("readFrom: %v", err)
	}
	if hdr.timestamp != 0 {
		t.Errorf("expected first packet's timestamp=0, got %d", hdr.timestamp)
	}
	if !hdr.marker {
		t.Errorf("expected marker bit set on first packet")
	}
}

func TestSenderForwardPacketFiltersRTX(t *testing.T) {
	var buf bytes.Buffer
	s := newTestSender(&buf)
	s.SetMode(SendModeNonstandardForward)

	rtx := rtpHeader{payloadType: 97, ssrc: 0x1234, sequence: 1} // 96+1
	if err := s.ForwardPacket(rtx, []byte("retransmit")); err != nil {
		t.Fatalf("ForwardPacket: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected RTX packet to be filtered, wrote %d bytes", buf.Len())
	}

	padding := rtpHeader{payloadType: 96, ssrc: 0x1234, timestamp: 0}
	if err := s.ForwardPacket(padding, []byte("pad")); err != nil {
		t.Fatalf("ForwardPacket: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected padding probe to be filtered, wrote %d bytes", buf.Len())
	}

	real := rtpHeader{payloadType: 96, ssrc: 0x1234, timestamp: 12345, marker: true}
	if err := s.ForwardPacket(real, []byte("real video data")); err != nil {
		t.Fatalf("ForwardPacket: %v", err)
	}
	if buf.Len() == 0 {
		t.Errorf("expected real packet to be forwarded")
	}
}

func TestSenderCacheKeyframeReplaysInOrder(t *testing.T) {
	var buf bytes.Buffer
	s := newTestSender(&buf)

	s.CacheKeyframe(rtpHeader{payloadType: 96, ssrc: 1, sequence: 1}, []byte("one"), true)
	s.CacheKeyframe(rtpHeader{payloadType: 96, ssrc: 1, sequence: 2}, []byte("two"), false)

	if err := s.ForwardCachedPackets(); err != nil {
		t.Fatalf("ForwardCachedPackets: %v", err)
	}

	r := packet.NewReader(buf.Bytes())
	var payloads []string
	for _, want := range []string{"one", "two"} {
		var hdr rtpHeader
		if err := hdr.readFrom(r); err != nil {
			t.Fatalf("readFrom: %v", err)
		}
		payloads = append(payloads, string(r.ReadSlice(len(want))))
	}
	if payloads[0] != "one" || payloads[1] != "two" {
		t.Errorf("expected cached packets replayed in order [one two], got %v", payloads)
	}
}
