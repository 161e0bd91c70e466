// Copyright 2019 Lanikai Labs. All rights reserved.

package dtls

import "errors"

var (
	errShortRecord              = errors.New("dtls: malformed or truncated record")
	errUnexpectedMessage        = errors.New("dtls: unexpected handshake message")
	errUnsupportedCipherSuite   = errors.New("dtls: no supported cipher suite offered")
	errUnsupportedHashAlgorithm = errors.New("dtls: unsupported fingerprint hash algorithm")
	errHandshakeVerifyFailed    = errors.New("dtls: peer Finished verify_data mismatch")
)
