package rtp

import (
	"net"
	"testing"
	"time"
)

// pipeSession returns a Session reading from one end of an in-memory pipe,
// and the other end to write test packets into.
func pipeSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	return NewSession(server, SessionOptions{}), client
}

func TestSessionRouteRTPFallsBackToLegacyStreamWhenNoRouter(t *testing.T) {
	s, client := pipeSession(t)
	defer s.Close()

	got := make(chan []byte, 1)
	stream := s.AddStream(StreamOptions{
		LocalSSRC:  1,
		RemoteSSRC: 0x7777,
		Direction:  "recvonly",
	})
	stream.rtpIn.handler = func(hdr rtpHeader, payload []byte) error {
		got <- payload
		return nil
	}

	pkt := encodeTestRTP(0x7777, 1, []byte("legacy"))
	if _, err := client.Write(pkt); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case payload := <-got:
		if string(payload) != "legacy" {
			t.Errorf("expected payload \"legacy\", got %q", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for legacy stream dispatch")
	}
}

func TestSessionRouteRTPPrefersRouterOverLegacyStream(t *testing.T) {
	s, client := pipeSession(t)
	defer s.Close()

	router := NewRouter()
	s.SetRouter(router)

	dispatched := make(chan struct{}, 1)
	h := &recordingHandler{dispatched: dispatched}
	router.BindSSRC(0x8888, h)

	// Also register a legacy stream for the same SSRC, to prove the router
	// path is consulted first and the legacy stream is never reached.
	legacyCalled := make(chan struct{}, 1)
	stream := s.AddStream(StreamOptions{
		LocalSSRC:  2,
		RemoteSSRC: 0x8888,
		Direction:  "recvonly",
	})
	stream.rtpIn.handler = func(hdr rtpHeader, payload []byte) error {
		legacyCalled <- struct{}{}
		return nil
	}

	pkt := encodeTestRTP(0x8888, 1, []byte("routed"))
	if _, err := client.Write(pkt); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-dispatched:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for router dispatch")
	}

	select {
	case <-legacyCalled:
		t.Errorf("expected router to take priority over the legacy stream map")
	case <-time.After(50 * time.Millisecond):
		// Expected: the legacy handler is never reached.
	}
}

type recordingHandler struct {
	dispatched chan struct{}
}

func (h *recordingHandler) handleRoutedPacket(rid string, hdr rtpHeader, payload []byte) error {
	h.dispatched <- struct{}{}
	return nil
}

func (h *recordingHandler) hasTrack() bool {
	return false
}

// encodeTestRTP builds a minimal unencrypted RTP packet for feeding through
// Session.readLoop.
func encodeTestRTP(ssrc uint32, sequence uint16, payload []byte) []byte {
	timestamp := uint32(1000)
	buf := make([]byte, rtpHeaderSize+len(payload))
	buf[0] = 0x80 // version 2, no padding/extension/csrc
	buf[1] = 96   // payload type
	buf[2] = byte(sequence >> 8)
	buf[3] = byte(sequence)
	buf[4] = byte(timestamp >> 24)
	buf[5] = byte(timestamp >> 16)
	buf[6] = byte(timestamp >> 8)
	buf[7] = byte(timestamp)
	buf[8] = byte(ssrc >> 24)
	buf[9] = byte(ssrc >> 16)
	buf[10] = byte(ssrc >> 8)
	buf[11] = byte(ssrc)
	copy(buf[rtpHeaderSize:], payload)
	return buf
}
