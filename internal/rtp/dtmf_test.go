package rtp

import (
	"bytes"
	"testing"
	"time"

	"github.com/lanikai/alohartc/internal/packet"
)

func TestDTMFSenderEmitsEventAndEndPackets(t *testing.T) {
	var buf bytes.Buffer
	out := newRTPWriter(&buf, 0xd00d, nil)
	sender := NewDTMFSender(out, 101, 8000)

	done := make(chan struct{})
	var tones []string
	sender.OnToneChange(func(tone string) {
		tones = append(tones, tone)
		if tone == "" {
			close(done)
		}
	})

	sender.InsertDTMF("1", 5*time.Millisecond, 5*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for DTMF sequence to finish")
	}

	if len(tones) != 2 || tones[0] != "1" || tones[1] != "" {
		t.Fatalf("expected tone-change sequence [\"1\" \"\"], got %v", tones)
	}

	// One start-of-event packet plus 3 end-of-event retransmissions.
	const expectedPackets = 4
	raw := buf.Bytes()
	r := packet.NewReader(raw)
	count := 0
	var lastPayload []byte
	for r.Remaining() > 0 {
		var hdr rtpHeader
		if err := hdr.readFrom(r); err != nil {
			t.Fatalf("readFrom: %v", err)
		}
		if hdr.payloadType != 101 {
			t.Errorf("expected payloadType=101, got %d", hdr.payloadType)
		}
		payload := r.ReadSlice(4)
		lastPayload = payload
		count++
	}
	if count != expectedPackets {
		t.Fatalf("expected %d packets, got %d", expectedPackets, count)
	}
	if lastPayload[0] != 1 {
		t.Errorf("expected event code 1 for tone '1', got %d", lastPayload[0])
	}
	if lastPayload[1]&0x80 == 0 {
		t.Errorf("expected end-of-event bit set on final packet")
	}
}

func TestDTMFSenderUnknownToneIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	out := newRTPWriter(&buf, 0xd00d, nil)
	sender := NewDTMFSender(out, 101, 8000)

	done := make(chan struct{})
	var tones []string
	sender.OnToneChange(func(tone string) {
		tones = append(tones, tone)
		if tone == "" {
			close(done)
		}
	})

	// '!' is not a valid DTMF character; play() should skip it without firing
	// a tone change, then process '1' normally.
	sender.InsertDTMF("!1", time.Millisecond, time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tone change")
	}

	if len(tones) != 2 || tones[0] != "1" || tones[1] != "" {
		t.Fatalf("expected '!' to be skipped and only \"1\" tone-changes fired, got %v", tones)
	}
}
