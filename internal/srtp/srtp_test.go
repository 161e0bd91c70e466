package srtp

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	masterKey, _ := hex.DecodeString("E1F97A0D3E018BE0D64FA32C06DE4139")
	masterSalt, _ := hex.DecodeString("0EC675AD498AFEEBB6960B3AABE6")

	plaintext := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}

	encipherContext, err := CreateContext(masterKey, masterSalt)
	if err != nil {
		t.Fatal(err)
	}
	m := &rtpMsg{
		payloadType:    96,
		sequenceNumber: 1234,
		timestamp:      0x20180709,
		ssrc:           0x20180709,
		csrc:           []uint32{},
		payload:        append([]byte{}, plaintext...),
	}
	if !encipherContext.encrypt(m) {
		t.Fatal("encrypt failed")
	}
	if len(m.payload) != len(plaintext)+authTagSize {
		t.Fatalf("expected auth tag appended, got %d bytes", len(m.payload))
	}

	// A receiver derives the same keys independently from the signaled
	// master key and salt.
	decipherContext, err := CreateContext(masterKey, masterSalt)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext := m.payload[:len(m.payload)-authTagSize]
	out := &rtpMsg{
		payloadType:    m.payloadType,
		sequenceNumber: m.sequenceNumber,
		timestamp:      m.timestamp,
		ssrc:           m.ssrc,
		csrc:           []uint32{},
		payload:        append([]byte{}, ciphertext...),
	}
	if !decipherContext.decrypt(out) {
		t.Fatal("decrypt failed")
	}
	if !bytes.Equal(out.payload, plaintext) {
		t.Fatalf("round trip mismatch: got %x, want %x", out.payload, plaintext)
	}
}

func TestReplayWindowRejectsDuplicate(t *testing.T) {
	var w replayWindow
	w.accept(100)

	if err := w.check(100); err == nil {
		t.Fatal("expected replayed packet to be rejected")
	}
	if err := w.check(101); err != nil {
		t.Fatalf("expected newer packet to be accepted, got %v", err)
	}
	if err := w.check(0); err == nil {
		t.Fatal("expected ancient packet outside the window to be rejected")
	}
}
