// Copyright 2019 Lanikai Labs. All rights reserved.

package dtls

import (
	"bytes"
	"net"
	"testing"
)

// TestHandshakeRoundTrip drives a full client/server handshake over a
// net.Pipe (which, like internal/mux.Endpoint, hands each side exactly one
// record per Read) and checks that both sides derive identical SRTP keying
// material via the RFC5705 exporter.
func TestHandshakeRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	cert, key, err := GenerateSelfSigned()
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}

	type result struct {
		conn *Conn
		err  error
	}
	serverCh := make(chan result, 1)
	go func() {
		c, err := Server(serverConn, &Config{Certificate: cert, PrivateKey: key})
		serverCh <- result{c, err}
	}()

	clientDTLS, err := Client(clientConn, &Config{})
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}

	srv := <-serverCh
	if srv.err != nil {
		t.Fatalf("server handshake: %v", srv.err)
	}

	const keyLen, saltLen = 16, 14
	clientMaterial, err := clientDTLS.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 2*(keyLen+saltLen))
	if err != nil {
		t.Fatalf("client ExportKeyingMaterial: %v", err)
	}
	serverMaterial, err := srv.conn.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 2*(keyLen+saltLen))
	if err != nil {
		t.Fatalf("server ExportKeyingMaterial: %v", err)
	}
	if !bytes.Equal(clientMaterial, serverMaterial) {
		t.Fatal("client and server derived different SRTP keying material")
	}

	if clientDTLS.PeerCertificate == nil {
		t.Fatal("client did not capture the server's certificate")
	}
	if !bytes.Equal(clientDTLS.PeerCertificate.Raw, cert.Raw) {
		t.Fatal("client captured the wrong peer certificate")
	}
}

func TestFingerprintFormat(t *testing.T) {
	cert, _, err := GenerateSelfSigned()
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	fp, err := Fingerprint(cert, HashAlgorithmSHA256)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	// 32 SHA-256 bytes as colon-separated hex: 32*2 hex chars + 31 colons.
	if want := 32*2 + 31; len(fp) != want {
		t.Fatalf("fingerprint length = %d, want %d (%q)", len(fp), want, fp)
	}
}
