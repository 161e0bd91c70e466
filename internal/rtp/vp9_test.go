package rtp

import "testing"

func TestParseVP9DescriptorMinimal(t *testing.T) {
	// No flags set: I/P/L/F/B/E/V/Z all zero, one-byte descriptor.
	payload := []byte{0x00, 0xaa, 0xbb}
	d, err := parseVP9Descriptor(payload)
	if err != nil {
		t.Fatalf("parseVP9Descriptor: %v", err)
	}
	if d.headerLength != 1 {
		t.Fatalf("expected headerLength=1, got %d", d.headerLength)
	}
	if !d.keyframe() {
		t.Fatalf("expected keyframe (P=0)")
	}
}

func TestParseVP9DescriptorPictureIDAndLayers(t *testing.T) {
	// I=1 (picture ID present, 2-byte form), P=1 (inter-predicted), L=1
	// (layer indices present, non-flexible so TL0PICIDX follows).
	flags := byte(0x80 | 0x40 | 0x20)
	pictureIDHi := byte(0x80 | 0x01) // extended bit set, picture ID = 0x0123
	pictureIDLo := byte(0x23)
	layerByte := byte((2 << 5) | (3 << 1)) // temporalID=2, spatialID=3
	tl0PicIdx := byte(7)
	payload := []byte{flags, pictureIDHi, pictureIDLo, layerByte, tl0PicIdx, 0xff}

	d, err := parseVP9Descriptor(payload)
	if err != nil {
		t.Fatalf("parseVP9Descriptor: %v", err)
	}
	if d.pictureID != 0x0123 {
		t.Errorf("expected pictureID=0x123, got 0x%x", d.pictureID)
	}
	if d.temporalID != 2 || d.spatialID != 3 {
		t.Errorf("expected T=2 S=3, got T=%d S=%d", d.temporalID, d.spatialID)
	}
	if d.tl0PicIdx != tl0PicIdx {
		t.Errorf("expected tl0PicIdx=%d, got %d", tl0PicIdx, d.tl0PicIdx)
	}
	if d.headerLength != 5 {
		t.Errorf("expected headerLength=5, got %d", d.headerLength)
	}
	if d.keyframe() {
		t.Errorf("expected non-keyframe (P=1)")
	}
}

func TestParseVP9DescriptorShortBuffer(t *testing.T) {
	if _, err := parseVP9Descriptor(nil); err != errShortVP9Payload {
		t.Fatalf("expected errShortVP9Payload for empty payload, got %v", err)
	}

	// I=1 but no picture-ID byte follows.
	if _, err := parseVP9Descriptor([]byte{0x80}); err != errShortVP9Payload {
		t.Fatalf("expected errShortVP9Payload for truncated picture ID, got %v", err)
	}
}

func TestSVCSelectionAdmitsWithinLayers(t *testing.T) {
	s := newSVCSelection(1, 1)

	within := &vp9Descriptor{spatialID: 1, temporalID: 1}
	if !s.admit(within) {
		t.Errorf("expected packet within selection to be admitted")
	}

	above := &vp9Descriptor{spatialID: 2, temporalID: 0}
	if s.admit(above) {
		t.Errorf("expected packet above spatial selection to be dropped")
	}
}

func TestSVCSelectionDeferredSwitch(t *testing.T) {
	s := newSVCSelection(2, 2)
	s.selectSpatialLayer(0, false)

	// A mid-GOP, non-keyframe packet at SID=1 should still be admitted under
	// the old selection (switch not yet applied) ...
	midGOP := &vp9Descriptor{spatialID: 1, temporalID: 0, interPicturePredicted: true}
	if !s.admit(midGOP) {
		t.Errorf("expected mid-GOP packet to be admitted before switch applies")
	}

	// ... until a keyframe's base layer packet (SID=0, begin-of-frame)
	// arrives, applying the deferred switch.
	sync := &vp9Descriptor{spatialID: 0, beginOfFrame: true, interPicturePredicted: false}
	if !s.admit(sync) {
		t.Errorf("expected sync point packet to be admitted")
	}
	if s.pending {
		t.Errorf("expected deferred switch to be applied at sync point")
	}

	afterSwitch := &vp9Descriptor{spatialID: 1, temporalID: 0, interPicturePredicted: true}
	if s.admit(afterSwitch) {
		t.Errorf("expected packet above new maxSID=0 to be dropped after switch")
	}
}

func TestSVCSelectionImmediateSwitch(t *testing.T) {
	s := newSVCSelection(2, 2)
	s.selectSpatialLayer(0, true)
	if s.pending {
		t.Errorf("expected immediate switch to apply without deferral")
	}
	if s.maxSID != 0 {
		t.Errorf("expected maxSID=0, got %d", s.maxSID)
	}
}
