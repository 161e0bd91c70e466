package mux

import "encoding/binary"

// MatchFunc decides whether a given packet belongs to an Endpoint, based on
// the packet's contents (usually just the first byte or two).
type MatchFunc func(buf []byte) bool

// MatchRange returns a MatchFunc that matches packets whose first byte falls
// within [lo, hi], per the demultiplexing scheme in RFC 5764 §5.1.2.
func MatchRange(lo, hi byte) MatchFunc {
	return func(buf []byte) bool {
		return len(buf) > 0 && buf[0] >= lo && buf[0] <= hi
	}
}

// MatchSTUN matches STUN and TURN messages: the first two bits of the first
// byte are 0, and (for a full STUN header) the magic cookie is present.
// [RFC5389 §6], [RFC7983 §7]
func MatchSTUN(buf []byte) bool {
	if len(buf) < 1 || buf[0]&0xc0 != 0 {
		return false
	}
	if len(buf) >= 8 {
		return binary.BigEndian.Uint32(buf[4:8]) == 0x2112A442
	}
	// Too short to carry the magic cookie; fall back to the RFC7983 range
	// test used before a full header has arrived.
	return buf[0] <= 3
}

// MatchDTLS matches DTLS records: content-type byte in [20, 63].
// [RFC7983 §7]
func MatchDTLS(buf []byte) bool {
	return MatchRange(20, 63)(buf)
}

// MatchSRTP matches SRTP/SRTCP packets: first byte in [128, 191].
// [RFC7983 §7]
func MatchSRTP(buf []byte) bool {
	return MatchRange(128, 191)(buf)
}

// MatchSRTCP matches SRTCP packets specifically, distinguished from SRTP by
// RTCP packet type byte (the second byte) per [RFC5761 §4].
func MatchSRTCP(buf []byte) bool {
	if !MatchSRTP(buf) || len(buf) < 2 {
		return false
	}
	pt := buf[1]
	return pt >= 192 && pt <= 223
}
