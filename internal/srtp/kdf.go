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
)

// Key derivation labels. https://tools.ietf.org/html/rfc3711#section-4.3.2
const (
	labelSRTPEncryption  = 0x00
	labelSRTPAuthTag     = 0x01
	labelSRTPSalt        = 0x02
	labelSRTCPEncryption = 0x03
	labelSRTCPAuthTag    = 0x04
	labelSRTCPSalt       = 0x05
)

// aesCmKeyDerivation implements the default SRTP key derivation function,
// AES in Counter Mode keyed by the master key, per
// https://tools.ietf.org/html/rfc3711#section-4.3.1.
//
// The key derivation rate is fixed at zero (the index never advances the
// derived key), which is the overwhelmingly common configuration and the
// only one alohartc negotiates; indexOverKdr is retained in the signature
// for fidelity to the RFC but must always be called with zero.
func aesCmKeyDerivation(label byte, masterKey, masterSalt []byte, indexOverKdr int, outLen int) ([]byte, error) {
	if indexOverKdr != 0 {
		panic("alohartc only supports a key derivation rate of zero")
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}

	// x = (masterSalt, zero-padded to 16 bytes) XOR (label at the byte
	// position the key derivation rate would otherwise index into). With
	// kdr fixed at zero, DERIVE(label) is just AES-CM keyed by masterKey
	// with x as the initial counter block -- enough blocks of keystream
	// are generated to cover outLen (the HMAC-SHA1 auth key needs 20
	// bytes, more than a single AES block).
	x := make([]byte, 16)
	copy(x, masterSalt)
	x[7] ^= label

	out := make([]byte, ((outLen+15)/16)*16)
	cipher.NewCTR(block, x).XORKeyStream(out, out)

	return out[:outLen], nil
}
