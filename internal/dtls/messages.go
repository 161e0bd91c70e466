// Copyright 2019 Lanikai Labs. All rights reserved.

package dtls

import (
	"crypto/rand"
	"encoding/binary"
)

// Handshake message types. https://tools.ietf.org/html/rfc5246#section-7.4
type handshakeType uint8

const (
	handshakeTypeHelloRequest       handshakeType = 0
	handshakeTypeClientHello        handshakeType = 1
	handshakeTypeServerHello        handshakeType = 2
	handshakeTypeHelloVerifyRequest handshakeType = 3
	handshakeTypeCertificate        handshakeType = 11
	handshakeTypeServerKeyExchange  handshakeType = 12
	handshakeTypeCertificateRequest handshakeType = 13
	handshakeTypeServerHelloDone    handshakeType = 14
	handshakeTypeCertificateVerify  handshakeType = 15
	handshakeTypeClientKeyExchange  handshakeType = 16
	handshakeTypeFinished           handshakeType = 20
)

// Extension types used in ClientHello/ServerHello.
type extensionType uint16

const (
	extensionUseSRTP      extensionType = 14
	extensionSupportedGroups extensionType = 10
)

// The single cipher suite this package negotiates: ECDHE key agreement,
// ECDSA server authentication, AES-128-GCM record protection, SHA-256 PRF.
// https://tools.ietf.org/html/rfc5289
const cipherSuiteECDHE_ECDSA_AES128_GCM_SHA256 uint16 = 0xc02b

// SRTP protection profile negotiated via the use_srtp extension.
// https://tools.ietf.org/html/rfc5764#section-4.1.2
const srtpProfileAES128CmHMACSHA1_80 uint16 = 0x0001

const namedCurveSecp256r1 uint16 = 23 // RFC8422 §5.1.1

// handshakeHeaderLen: msg_type(1) + length(3) + message_seq(2) +
// fragment_offset(3) + fragment_length(3) = 12 bytes.
const handshakeHeaderLen = 12

// marshalHandshake wraps body in a (non-fragmented) DTLS handshake header.
func marshalHandshake(typ handshakeType, seq uint16, body []byte) []byte {
	b := make([]byte, handshakeHeaderLen+len(body))
	b[0] = byte(typ)
	putUint24(b[1:4], uint32(len(body)))
	binary.BigEndian.PutUint16(b[4:6], seq)
	putUint24(b[6:9], 0) // fragment_offset
	putUint24(b[9:12], uint32(len(body)))
	copy(b[handshakeHeaderLen:], body)
	return b
}

func parseHandshakeHeader(b []byte) (typ handshakeType, seq uint16, body []byte, err error) {
	if len(b) < handshakeHeaderLen {
		return 0, 0, nil, errShortRecord
	}
	typ = handshakeType(b[0])
	length := getUint24(b[1:4])
	seq = binary.BigEndian.Uint16(b[4:6])
	if uint32(len(b)-handshakeHeaderLen) < length {
		return 0, 0, nil, errShortRecord
	}
	body = b[handshakeHeaderLen : handshakeHeaderLen+int(length)]
	return typ, seq, body, nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// newRandom generates the 32-byte Random structure (gmt_unix_time is folded
// into the random bytes rather than kept separate -- nothing in this
// handshake relies on it being wall-clock time).
func newRandom() ([]byte, error) {
	b := make([]byte, 32)
	_, err := rand.Read(b)
	return b, err
}

type clientHelloMsg struct {
	random       []byte
	sessionID    []byte
	cookie       []byte
	cipherSuites []uint16
}

func (m *clientHelloMsg) marshal() []byte {
	b := make([]byte, 0, 64)
	b = append(b, byte(versionDTLS12>>8), byte(versionDTLS12&0xff))
	b = append(b, m.random...)
	b = append(b, byte(len(m.sessionID)))
	b = append(b, m.sessionID...)
	b = append(b, byte(len(m.cookie)))
	b = append(b, m.cookie...)

	suites := make([]byte, 2*len(m.cipherSuites))
	for i, cs := range m.cipherSuites {
		binary.BigEndian.PutUint16(suites[2*i:], cs)
	}
	b = append(b, byte(len(suites)>>8), byte(len(suites)))
	b = append(b, suites...)

	b = append(b, 1, 0) // one compression method: null

	ext := marshalExtensions()
	b = append(b, byte(len(ext)>>8), byte(len(ext)))
	b = append(b, ext...)

	return b
}

func parseClientHello(b []byte) (*clientHelloMsg, error) {
	if len(b) < 34 {
		return nil, errShortRecord
	}
	m := &clientHelloMsg{random: append([]byte{}, b[2:34]...)}
	off := 34

	slen := int(b[off])
	off++
	m.sessionID = append([]byte{}, b[off:off+slen]...)
	off += slen

	clen := int(b[off])
	off++
	m.cookie = append([]byte{}, b[off:off+clen]...)
	off += clen

	csLen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	for i := 0; i < csLen; i += 2 {
		m.cipherSuites = append(m.cipherSuites, binary.BigEndian.Uint16(b[off+i:off+i+2]))
	}
	off += csLen

	return m, nil
}

func marshalExtensions() []byte {
	var ext []byte

	useSRTP := make([]byte, 0, 8)
	useSRTP = append(useSRTP, 0, 2, byte(srtpProfileAES128CmHMACSHA1_80>>8), byte(srtpProfileAES128CmHMACSHA1_80))
	useSRTP = append(useSRTP, 0) // empty MKI
	ext = appendExtension(ext, extensionUseSRTP, useSRTP)

	groups := []byte{0, 2, byte(namedCurveSecp256r1 >> 8), byte(namedCurveSecp256r1)}
	ext = appendExtension(ext, extensionSupportedGroups, groups)

	return ext
}

func appendExtension(ext []byte, typ extensionType, data []byte) []byte {
	ext = append(ext, byte(typ>>8), byte(typ))
	ext = append(ext, byte(len(data)>>8), byte(len(data)))
	return append(ext, data...)
}

type helloVerifyRequestMsg struct {
	cookie []byte
}

func (m *helloVerifyRequestMsg) marshal() []byte {
	b := []byte{byte(versionDTLS12 >> 8), byte(versionDTLS12 & 0xff), byte(len(m.cookie))}
	return append(b, m.cookie...)
}

func parseHelloVerifyRequest(b []byte) (*helloVerifyRequestMsg, error) {
	if len(b) < 3 {
		return nil, errShortRecord
	}
	clen := int(b[2])
	if len(b) < 3+clen {
		return nil, errShortRecord
	}
	return &helloVerifyRequestMsg{cookie: append([]byte{}, b[3:3+clen]...)}, nil
}

type serverHelloMsg struct {
	random      []byte
	sessionID   []byte
	cipherSuite uint16
}

func (m *serverHelloMsg) marshal() []byte {
	b := make([]byte, 0, 40)
	b = append(b, byte(versionDTLS12>>8), byte(versionDTLS12&0xff))
	b = append(b, m.random...)
	b = append(b, byte(len(m.sessionID)))
	b = append(b, m.sessionID...)
	b = append(b, byte(m.cipherSuite>>8), byte(m.cipherSuite))
	b = append(b, 0) // compression method: null
	return b
}

func parseServerHello(b []byte) (*serverHelloMsg, error) {
	if len(b) < 34 {
		return nil, errShortRecord
	}
	m := &serverHelloMsg{random: append([]byte{}, b[2:34]...)}
	off := 34
	slen := int(b[off])
	off++
	m.sessionID = append([]byte{}, b[off:off+slen]...)
	off += slen
	m.cipherSuite = binary.BigEndian.Uint16(b[off : off+2])
	return m, nil
}

// certificateMsg carries a chain of DER-encoded certificates, leaf first.
type certificateMsg struct {
	certificates [][]byte
}

func (m *certificateMsg) marshal() []byte {
	var list []byte
	for _, cert := range m.certificates {
		entry := make([]byte, 3)
		putUint24(entry, uint32(len(cert)))
		list = append(list, entry...)
		list = append(list, cert...)
	}
	b := make([]byte, 3)
	putUint24(b, uint32(len(list)))
	return append(b, list...)
}

func parseCertificate(b []byte) (*certificateMsg, error) {
	if len(b) < 3 {
		return nil, errShortRecord
	}
	total := getUint24(b[0:3])
	if uint32(len(b)-3) < total {
		return nil, errShortRecord
	}
	m := &certificateMsg{}
	off := 3
	end := 3 + int(total)
	for off < end {
		if end-off < 3 {
			return nil, errShortRecord
		}
		certLen := int(getUint24(b[off : off+3]))
		off += 3
		if end-off < certLen {
			return nil, errShortRecord
		}
		m.certificates = append(m.certificates, append([]byte{}, b[off:off+certLen]...))
		off += certLen
	}
	return m, nil
}

// serverKeyExchangeMsg carries the ephemeral ECDHE public key and the
// server's signature over (clientRandom || serverRandom || curve params ||
// public key), per https://tools.ietf.org/html/rfc8422#section-5.4.
type serverKeyExchangeMsg struct {
	namedCurve uint16
	publicKey  []byte
	signature  []byte
}

func (m *serverKeyExchangeMsg) marshal() []byte {
	b := []byte{3 /* named_curve */, byte(m.namedCurve >> 8), byte(m.namedCurve), byte(len(m.publicKey))}
	b = append(b, m.publicKey...)
	b = append(b, 4, 3) // SignatureAndHashAlgorithm: sha256, ecdsa
	b = append(b, byte(len(m.signature)>>8), byte(len(m.signature)))
	b = append(b, m.signature...)
	return b
}

// ecdheParams returns the byte string the signature in this message covers,
// excluding clientRandom/serverRandom (the caller prepends those).
func (m *serverKeyExchangeMsg) ecdheParams() []byte {
	b := []byte{3, byte(m.namedCurve >> 8), byte(m.namedCurve), byte(len(m.publicKey))}
	return append(b, m.publicKey...)
}

func parseServerKeyExchange(b []byte) (*serverKeyExchangeMsg, error) {
	if len(b) < 4 || b[0] != 3 {
		return nil, errShortRecord
	}
	m := &serverKeyExchangeMsg{namedCurve: binary.BigEndian.Uint16(b[1:3])}
	pubLen := int(b[3])
	off := 4
	if len(b) < off+pubLen+2 {
		return nil, errShortRecord
	}
	m.publicKey = append([]byte{}, b[off:off+pubLen]...)
	off += pubLen
	// Skip the two-byte SignatureAndHashAlgorithm; only one is negotiated.
	off += 2
	if len(b) < off+2 {
		return nil, errShortRecord
	}
	sigLen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if len(b) < off+sigLen {
		return nil, errShortRecord
	}
	m.signature = append([]byte{}, b[off:off+sigLen]...)
	return m, nil
}

type clientKeyExchangeMsg struct {
	publicKey []byte
}

func (m *clientKeyExchangeMsg) marshal() []byte {
	return append([]byte{byte(len(m.publicKey))}, m.publicKey...)
}

func parseClientKeyExchange(b []byte) (*clientKeyExchangeMsg, error) {
	if len(b) < 1 {
		return nil, errShortRecord
	}
	n := int(b[0])
	if len(b) < 1+n {
		return nil, errShortRecord
	}
	return &clientKeyExchangeMsg{publicKey: append([]byte{}, b[1:1+n]...)}, nil
}
