// Copyright 2019 Lanikai Labs. All rights reserved.

package dtls

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
)

// newGCM builds the AES-128-GCM AEAD used for record protection from a
// 16-byte write/read key.
func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// hmacEqual does a constant-time comparison of two verify_data values.
func hmacEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// pHash implements the TLS 1.2 data expansion function P_SHA256, used by
// both the PRF and the keying material exporter.
// https://tools.ietf.org/html/rfc5246#section-5
func pHash(secret, seed []byte, length int) []byte {
	out := make([]byte, 0, length)

	a := hmacSum(secret, seed)
	for len(out) < length {
		out = append(out, hmacSum(secret, append(append([]byte{}, a...), seed...))...)
		a = hmacSum(secret, a)
	}

	return out[:length]
}

func hmacSum(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// prf12 implements the TLS 1.2 PRF (RFC5246 §5): PRF(secret, label, seed) =
// P_SHA256(secret, label + seed).
func prf12(secret []byte, label string, seed []byte, length int) []byte {
	return pHash(secret, append([]byte(label), seed...), length)
}

// masterSecret derives the 48-byte master secret from the ECDHE shared
// secret, per https://tools.ietf.org/html/rfc5246#section-8.1.
func masterSecret(preMasterSecret, clientRandom, serverRandom []byte) []byte {
	seed := append(append([]byte{}, clientRandom...), serverRandom...)
	return prf12(preMasterSecret, "master secret", seed, 48)
}

// gcmKeyMaterial is the subset of the TLS 1.2 key_block needed for
// AES-128-GCM record protection: write keys and the 4-byte fixed portion of
// each direction's nonce (the implicit IV). https://tools.ietf.org/html/rfc5288
type gcmKeyMaterial struct {
	clientWriteKey []byte
	serverWriteKey []byte
	clientWriteIV  []byte
	serverWriteIV  []byte
}

func deriveGCMKeyMaterial(master, clientRandom, serverRandom []byte) *gcmKeyMaterial {
	const keyLen = 16
	const ivLen = 4

	seed := append(append([]byte{}, serverRandom...), clientRandom...)
	block := pHash(master, append([]byte("key expansion"), seed...), 2*keyLen+2*ivLen)

	return &gcmKeyMaterial{
		clientWriteKey: block[0:keyLen],
		serverWriteKey: block[keyLen : 2*keyLen],
		clientWriteIV:  block[2*keyLen : 2*keyLen+ivLen],
		serverWriteIV:  block[2*keyLen+ivLen : 2*keyLen+2*ivLen],
	}
}

// exportKeyingMaterial implements the RFC5705 keying material exporter used
// by RFC5764 §4.2 to derive SRTP session keys from the DTLS master secret.
func exportKeyingMaterial(master, clientRandom, serverRandom []byte, label string, context []byte, length int) []byte {
	seed := append(append([]byte{}, clientRandom...), serverRandom...)
	if context != nil {
		seed = append(seed, context...)
	}
	return prf12(master, label, seed, length)
}

// finishedVerifyData computes a Finished message's verify_data, per
// https://tools.ietf.org/html/rfc5246#section-7.4.9.
func finishedVerifyData(master []byte, label string, handshakeHash []byte) []byte {
	return prf12(master, label, handshakeHash, 12)
}
