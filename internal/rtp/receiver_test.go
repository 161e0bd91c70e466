package rtp

import "testing"

func TestReceiverEmitsFrameForPlainCodec(t *testing.T) {
	r := NewReceiver("0", PayloadType{Number: 96, Name: "H264"})

	var got []byte
	r.OnFrame(func(hdr Header, payload []byte) {
		got = payload
	})

	hdr := rtpHeader{ssrc: 0x1234, sequence: 1, payloadType: 96}
	if err := r.handleRoutedPacket("", hdr, []byte("nalu")); err != nil {
		t.Fatalf("handleRoutedPacket: %v", err)
	}
	if string(got) != "nalu" {
		t.Errorf("expected payload \"nalu\", got %q", got)
	}
}

func TestReceiverSynthesizesSimulcastTrackOnFirstRID(t *testing.T) {
	r := NewReceiver("0", PayloadType{Number: 96, Name: "H264"})

	var tracked *Track
	r.OnTrack(func(t *Track) { tracked = t })

	hdr := rtpHeader{ssrc: 0xaaaa, sequence: 1, payloadType: 96}
	if err := r.handleRoutedPacket("hi", hdr, []byte("frame")); err != nil {
		t.Fatalf("handleRoutedPacket: %v", err)
	}
	if tracked == nil {
		t.Fatal("expected on_track to fire for the first RID packet")
	}
	if tracked.ID != "0_hi" {
		t.Errorf("expected track ID \"0_hi\", got %q", tracked.ID)
	}
	if !r.hasTrack() {
		t.Errorf("expected hasTrack() true after RID synthesis")
	}

	byRID, ok := r.TrackByRID("hi")
	if !ok || byRID != tracked {
		t.Errorf("expected TrackByRID(\"hi\") to return the synthesized track")
	}
	bySSRC, ok := r.TrackBySSRC(0xaaaa)
	if !ok || bySSRC != tracked {
		t.Errorf("expected TrackBySSRC(0xaaaa) to resolve to the same track")
	}

	// A second packet on a different SSRC but the same RID resolves to the
	// existing track rather than synthesizing a new one.
	calls := 0
	r.OnTrack(func(t *Track) { calls++ })
	hdr2 := rtpHeader{ssrc: 0xbbbb, sequence: 2, payloadType: 96}
	if err := r.handleRoutedPacket("hi", hdr2, []byte("frame2")); err != nil {
		t.Fatalf("handleRoutedPacket: %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no new on_track call for a repeat RID, got %d", calls)
	}
	if second, ok := r.TrackBySSRC(0xbbbb); !ok || second != tracked {
		t.Errorf("expected second SSRC to resolve to the same RID track")
	}
}

func TestReceiverVP9FilterDropsAboveSelection(t *testing.T) {
	r := NewReceiver("0", PayloadType{Number: 98, Name: "VP9"})
	r.SelectSpatialLayer(0, true)

	var calls int
	r.OnFrame(func(hdr Header, payload []byte) { calls++ })

	// Descriptor byte 0x00: no flags, spatialID/temporalID both implicitly 0.
	within := []byte{0x00, 0xde, 0xad}
	if err := r.handleRoutedPacket("", rtpHeader{ssrc: 1}, within); err != nil {
		t.Fatalf("handleRoutedPacket: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected frame within selection to be admitted, got %d calls", calls)
	}

	// L=1 (layer indices present), flexible mode so no TL0PICIDX byte;
	// spatialID=1 in the layer byte (bits 3-1), above the SID=0 selection.
	flags := byte(0x20 | 0x10) // L | F
	layerByte := byte((0 << 5) | (1 << 1))
	above := []byte{flags, layerByte, 0xbe, 0xef}
	if err := r.handleRoutedPacket("", rtpHeader{ssrc: 1}, above); err != nil {
		t.Fatalf("handleRoutedPacket: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected frame above selection to be dropped, got %d calls", calls)
	}
}

func TestHeaderExtensionLookup(t *testing.T) {
	hdr := rtpHeader{
		ssrc:       1,
		extensions: map[byte][]byte{3: {0x01, 0x02}},
	}
	h := newHeader(hdr)

	v, ok := h.Extension(3)
	if !ok || len(v) != 2 || v[0] != 0x01 {
		t.Errorf("expected extension 3 to round-trip, got %v ok=%v", v, ok)
	}
	if _, ok := h.Extension(4); ok {
		t.Errorf("expected no extension registered under id 4")
	}
}
