package rtp

import (
	"bytes"
	"fmt"

	"github.com/lanikai/alohartc/internal/packet"
)

// RTP packetization of H.264 video streams.
// See [RFC 6184](https://tools.ietf.org/html/rfc6184).

const (
	// NAL unit types. See https://tools.ietf.org/html/rfc6184#section-5.2
	naluTypeSEI    = 6
	naluTypeSPS    = 7
	naluTypePPS    = 8
	naluTypeSTAP_A = 24
	naluTypeFU_A   = 28
)

// h264Writer fragments H.264 NAL units into RTP packets, merging SEI/SPS/PPS
// into a single STAP-A packet ahead of the next coded picture (spec §4.6
// send mode 1, H.264 codec). Bound into a Sender when its negotiated codec
// is H264 (see NewSender).
//
// Grounded on the teacher's Stream.SendVideo/h264Writer, which drove this
// same packetize-then-writePacket idiom off a media.VideoSource receiver
// loop; adapted here to be driven by Sender.SendFrame one NALU at a time
// instead of owning its own read loop.
type h264Writer struct {
	out         *rtpWriter
	payloadType byte

	// Accumulated STAP-A packet. This is initialized when a SPS or PPS is
	// encountered, and saved until the next coded picture needs to be sent.
	stap []byte
}

// consumeNALU packetizes one NAL unit at timestamp ts, merging SEI/SPS/PPS
// into the pending STAP-A accumulator instead of sending immediately.
func (w *h264Writer) consumeNALU(nalu []byte, ts uint32, marker bool) error {
	if len(nalu) == 0 {
		return nil
	}
	naluType := nalu[0] & 0x1f
	switch naluType {
	case naluTypeSEI, naluTypeSPS, naluTypePPS:
		// Merge consecutive SEI/SPS/PPS into a single STAP-A packet.
		w.stap = appendSTAP(w.stap, nalu)
		return nil
	default:
		return w.packetize(nalu, ts, marker)
	}
}

func (w *h264Writer) packetize(nalu []byte, ts uint32, marker bool) error {
	// First send STAP-A packet, if present.
	if len(w.stap) > 0 {
		if err := w.out.writePacket(w.payloadType, false, ts, w.stap); err != nil {
			return err
		}
		w.stap = w.stap[:0]
	}

	// Maximum payload size.
	// TODO: Get this from the rtpWriter.
	maxSize := 1280

	// If it fits, send the NALU as a single RTP packet.
	// See https://tools.ietf.org/html/rfc6184#section-5.6
	if len(nalu) < maxSize {
		return w.out.writePacket(w.payloadType, marker, ts, nalu)
	}

	// Otherwise, fragment the NALU into multiple FU-A packets.
	// See https://tools.ietf.org/html/rfc6184#section-5.8
	indicator := nalu[0]&0xe0 | naluTypeFU_A
	start := byte(0x80)
	end := byte(0)
	naluType := nalu[0] & 0x1f
	p := packet.NewWriterSize(maxSize) // TODO: sync.Pool
	for i := 1; i < len(nalu); i += maxSize - 2 {
		tail := i + maxSize - 2
		last := tail >= len(nalu)
		if last {
			tail = len(nalu)
			end = 0x40
		}

		p.Reset()
		p.WriteByte(indicator)              // FU indicator
		p.WriteByte(start | end | naluType) // FU header
		p.WriteSlice(nalu[i:tail])

		fuMarker := marker && last
		if err := w.out.writePacket(w.payloadType, fuMarker, ts, p.Bytes()); err != nil {
			return err
		}

		start = 0
	}
	return nil
}

// h264Reassembler reassembles STAP-A/FU-A RTP payloads back into whole NAL
// units (spec §4.6 receive path, H.264 codec). Bound into a Receiver when
// its negotiated codec is H264 (see NewReceiver).
//
// Grounded on the teacher's Stream.ReceiveVideo/h264Reader, which fed
// reassembled NALUs to a channel consumed by a dedicated goroutine; adapted
// here to emit synchronously via a callback from Receiver.handleRoutedPacket
// instead of owning a channel and goroutine.
type h264Reassembler struct {
	// Buffer for assembling FU-A packets into a complete NALU.
	buf *bytes.Buffer
}

// reassemble decodes one RTP payload, invoking emit once per complete NAL
// unit it yields (zero times for a non-terminal FU-A fragment, more than
// once for a STAP-A aggregate).
func (r *h264Reassembler) reassemble(payload []byte, emit func(nalu []byte)) error {
	if len(payload) == 0 {
		return nil
	}

	naluType := payload[0] & 0x1f
	switch naluType {
	case naluTypeSTAP_A:
		// STAP-A packet potentially contains SEI, SPS, and PPS.
		nalus, err := splitSTAP(copyBytes(payload))
		if err != nil {
			return err
		}
		for _, nalu := range nalus {
			emit(nalu)
		}
	case naluTypeFU_A:
		// Reassemble a sequence of FU-A packets.
		// See https://tools.ietf.org/html/rfc6184#section-5.8
		if len(payload) < 2 {
			return fmt.Errorf("short FU-A payload: %02x", payload)
		}
		indicator := payload[0]
		header := payload[1]
		start := header & 0x80
		end := header & 0x40
		if start != 0 {
			r.buf = new(bytes.Buffer) // TODO: sync.Pool
			fnri := indicator & 0xe0
			fragType := header & 0x1f
			r.buf.WriteByte(fnri | fragType)
		} else if r.buf == nil {
			// Wait for the start of the next NALU.
			return nil
		}
		r.buf.Write(payload[2:])
		if end != 0 {
			emit(append([]byte(nil), r.buf.Bytes()...))
			r.buf = nil
		}
	default:
		// Payload is a single NALU.
		emit(copyBytes(payload))
	}
	return nil
}

func copyBytes(buf []byte) []byte {
	return append([]byte(nil), buf...)
}

// See https://tools.ietf.org/html/rfc6184#section-5.7.1
func appendSTAP(stap, nalu []byte) []byte {
	if len(stap) == 0 {
		// Initialize NALU of type STAP-A, with F and NRI set to 0.
		stap = append(stap, naluTypeSTAP_A)
	}

	n := len(nalu)
	stap = append(stap, byte(n>>8), byte(n))
	stap = append(stap, nalu...)

	// STAP-A forbidden bit is bitwise-OR of all forbidden bits.
	stap[0] |= nalu[0] & 0x80

	// STAP-A NRI value is maximum of all NRI values.
	nri := nalu[0] & 0x60
	stapNRI := stap[0] & 0x60
	if nri > stapNRI {
		stap[0] = (stap[0] &^ 0x60) | nri
	}

	return stap
}

// Split a STAP-A packet into individual NAL units.
func splitSTAP(buf []byte) ([][]byte, error) {
	var nalus [][]byte
	p := packet.NewReader(buf)
	p.Skip(1)
	for p.Remaining() > 0 {
		if err := p.CheckRemaining(2); err != nil {
			return nil, err
		}
		n := p.ReadUint16()
		if err := p.CheckRemaining(int(n)); err != nil {
			return nil, err
		}
		nalus = append(nalus, p.ReadSlice(int(n)))
	}
	return nalus, nil
}
