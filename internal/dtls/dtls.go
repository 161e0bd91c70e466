// Copyright 2019 Lanikai Labs. All rights reserved.

// Package dtls implements just enough of DTLS 1.2 (RFC 6347) to establish a
// WebRTC peer's DTLS-SRTP keying channel: a single ECDHE-ECDSA handshake
// flight and the RFC 5705 keying material exporter used to derive SRTP
// session keys (RFC 5764 §4.2). It does not implement certificate chain
// validation -- WebRTC authenticates peers out of band via the SDP
// fingerprint attribute, not a PKI -- nor does it implement renegotiation,
// session resumption, client certificate authentication, or any cipher
// suite beyond TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256.
package dtls

import (
	"crypto"
	"crypto/x509"
	"net"

	"github.com/lanikai/alohartc/internal/logging"
)

var log = logging.DefaultLogger.WithTag("dtls")

// Config carries the local identity used during the handshake. WebRTC peers
// authenticate each other via the SDP fingerprint attribute, so Config has
// no notion of a trusted root pool.
type Config struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey

	// InsecureSkipVerify is always effectively true: the peer's certificate
	// is accepted unconditionally, and the caller is expected to compare
	// PeerCertificate's fingerprint against the one negotiated in SDP.
}

// Client performs a DTLS 1.2 client handshake over conn and blocks until it
// completes or fails.
func Client(conn net.Conn, config *Config) (*Conn, error) {
	c := newConn(conn, config, true)
	if err := c.handshakeClient(); err != nil {
		return nil, err
	}
	return c, nil
}

// Server performs a DTLS 1.2 server handshake over conn and blocks until it
// completes or fails.
func Server(conn net.Conn, config *Config) (*Conn, error) {
	c := newConn(conn, config, false)
	if err := c.handshakeServer(); err != nil {
		return nil, err
	}
	return c, nil
}
