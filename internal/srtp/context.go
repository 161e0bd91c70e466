// MIT License
//
// Copyright (c) 2018 Pions
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Modification and extensions:
// Copyright (c) 2019 Lanikai Labs. All rights reserved.

package srtp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
)

// https://tools.ietf.org/html/rfc3711#section-3.2.3
const (
	// HMAC-SHA1-80: authentication tag truncated to 80 bits.
	authTagSize = 10

	// Size of the SRTCP packet index plus the encrypted flag, appended
	// after the RTCP payload. https://tools.ietf.org/html/rfc3711#section-3.4
	srtcpIndexSize = 4

	// Rollover counter disorder tolerance, in sequence numbers, per the
	// recommended algorithm in https://tools.ietf.org/html/rfc3550#appendix-A.1
	maxROCDisorder = 100

	maxSequenceNumber = 65535
)

// Per-SSRC cryptographic state, tracking rollover across the 16-bit RTP
// sequence number space. https://tools.ietf.org/html/rfc3711#section-3.3.1
type ssrcState struct {
	ssrc                 uint32
	rolloverCounter      uint32
	rolloverHasProcessed bool
	lastSequenceNumber   uint16

	replay replayWindow
}

// Context holds the session keys and per-SSRC state for one direction (or,
// since alohartc is a single-peer full-duplex implementation, one shared
// direction) of an SRTP/SRTCP session. https://tools.ietf.org/html/rfc3711#section-3.2
type Context struct {
	srtpBlock  cipher.Block
	srtcpBlock cipher.Block

	srtpSessionSalt  []byte
	srtcpSessionSalt []byte

	srtpSessionAuthTag  []byte
	srtcpSessionAuthTag []byte

	ssrcStates map[uint32]*ssrcState
}

// CreateContext derives SRTP/SRTCP session keys from a master key and master
// salt per the AES-CM key derivation function (RFC3711 §4.3.1), and returns a
// Context ready to encrypt or decrypt RTP/RTCP packets.
func CreateContext(masterKey, masterSalt []byte) (*Context, error) {
	srtpSessionKey, err := aesCmKeyDerivation(labelSRTPEncryption, masterKey, masterSalt, 0, len(masterKey))
	if err != nil {
		return nil, err
	}
	srtpBlock, err := aes.NewCipher(srtpSessionKey)
	if err != nil {
		return nil, err
	}

	srtcpSessionKey, err := aesCmKeyDerivation(labelSRTCPEncryption, masterKey, masterSalt, 0, len(masterKey))
	if err != nil {
		return nil, err
	}
	srtcpBlock, err := aes.NewCipher(srtcpSessionKey)
	if err != nil {
		return nil, err
	}

	srtpSessionSalt, err := aesCmKeyDerivation(labelSRTPSalt, masterKey, masterSalt, 0, len(masterSalt))
	if err != nil {
		return nil, err
	}
	srtcpSessionSalt, err := aesCmKeyDerivation(labelSRTCPSalt, masterKey, masterSalt, 0, len(masterSalt))
	if err != nil {
		return nil, err
	}

	// HMAC-SHA1 authentication key length is 160 bits regardless of cipher
	// key length. https://tools.ietf.org/html/rfc3711#section-8.1
	const authKeyLen = 20
	srtpSessionAuthTag, err := aesCmKeyDerivation(labelSRTPAuthTag, masterKey, masterSalt, 0, authKeyLen)
	if err != nil {
		return nil, err
	}
	srtcpSessionAuthTag, err := aesCmKeyDerivation(labelSRTCPAuthTag, masterKey, masterSalt, 0, authKeyLen)
	if err != nil {
		return nil, err
	}

	return &Context{
		srtpBlock:           srtpBlock,
		srtcpBlock:          srtcpBlock,
		srtpSessionSalt:     srtpSessionSalt,
		srtcpSessionSalt:    srtcpSessionSalt,
		srtpSessionAuthTag:  srtpSessionAuthTag,
		srtcpSessionAuthTag: srtcpSessionAuthTag,
		ssrcStates:          map[uint32]*ssrcState{},
	}, nil
}

// decrypt an SRTP packet's payload in place. Mirrors encrypt: the caller is
// expected to have already split off and verified the authentication tag
// (see (*Context).verifyAuthTag) before calling decrypt on the remaining
// payload bytes.
func (c *Context) decrypt(m *rtpMsg) bool {
	s := c.getSSRCState(m.ssrc)
	c.updateRolloverCount(m.sequenceNumber, s)

	stream := cipher.NewCTR(c.srtpBlock, c.generateCounter(m.sequenceNumber, s.rolloverCounter, m.ssrc, c.srtpSessionSalt))
	stream.XORKeyStream(m.payload, m.payload)
	return true
}

// verifyAuthTag checks the trailing HMAC-SHA1-80 tag of a received SRTP
// packet against the expected value and, if valid, returns the packet with
// the tag removed.
func (c *Context) verifyAuthTag(fullPkt []byte, rolloverCounter uint32) ([]byte, error) {
	if len(fullPkt) < authTagSize {
		return nil, errMalformedPacket
	}
	body := fullPkt[:len(fullPkt)-authTagSize]
	tag := fullPkt[len(fullPkt)-authTagSize:]

	withROC := append(append([]byte{}, body...), make([]byte, 4)...)
	binary.BigEndian.PutUint32(withROC[len(withROC)-4:], rolloverCounter)

	expected, err := c.generateAuthTag(withROC, c.srtpSessionAuthTag)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(tag, expected) {
		return nil, errAuthTagMismatch
	}
	return body, nil
}

// generateCounter builds the 16-byte AES-CTR initial counter block used for
// both SRTP and SRTCP, per https://tools.ietf.org/html/rfc3711#section-4.1.1:
//
//	IV = (k_s * 2^16) XOR (SSRC * 2^64) XOR (i * 2^16)
//
// where i is the 48-bit packet index (ROC<<16 | SEQ), and k_s is the
// 112-bit session salt.
func (c *Context) generateCounter(sequenceNumber uint16, rolloverCounter uint32, ssrc uint32, sessionSalt []byte) []byte {
	counter := make([]byte, 16)

	binary.BigEndian.PutUint32(counter[4:], ssrc)
	binary.BigEndian.PutUint32(counter[8:], rolloverCounter)
	binary.BigEndian.PutUint16(counter[12:], sequenceNumber)

	for i := range sessionSalt {
		counter[i] ^= sessionSalt[i]
	}

	return counter
}

// generateAuthTag computes HMAC-SHA1 over buf and truncates to authTagSize
// bytes, per https://tools.ietf.org/html/rfc3711#section-4.2.
func (c *Context) generateAuthTag(buf []byte, authKey []byte) ([]byte, error) {
	mac := hmac.New(sha1.New, authKey)
	if _, err := mac.Write(buf); err != nil {
		return nil, err
	}
	return mac.Sum(nil)[0:authTagSize], nil
}

// allocateIfMismatch returns dst resized to len(src) if it isn't already the
// right size, to avoid reallocating on every packet in the common case.
func allocateIfMismatch(dst, src []byte) []byte {
	if cap(dst) < len(src) {
		return make([]byte, len(src))
	}
	return dst[:len(src)]
}
