package rtcp

import "encoding/binary"

// ReportBlock is one reception report within a ReceiverReport or
// SenderReport, RFC3550 §6.4.1.
type ReportBlock struct {
	SSRC               uint32
	FractionLost       uint8
	PacketsLost        uint32 // 24-bit signed, per RFC3550
	HighestSequence    uint32
	Jitter             uint32
	LastSenderReport   uint32
	DelaySinceLastSR   uint32
}

const reportBlockLength = 24

func (b *ReportBlock) marshalTo(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], b.SSRC)
	buf[4] = b.FractionLost
	buf[5] = byte(b.PacketsLost >> 16)
	buf[6] = byte(b.PacketsLost >> 8)
	buf[7] = byte(b.PacketsLost)
	binary.BigEndian.PutUint32(buf[8:12], b.HighestSequence)
	binary.BigEndian.PutUint32(buf[12:16], b.Jitter)
	binary.BigEndian.PutUint32(buf[16:20], b.LastSenderReport)
	binary.BigEndian.PutUint32(buf[20:24], b.DelaySinceLastSR)
}

func (b *ReportBlock) unmarshalFrom(buf []byte) {
	b.SSRC = binary.BigEndian.Uint32(buf[0:4])
	b.FractionLost = buf[4]
	b.PacketsLost = uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7])
	b.HighestSequence = binary.BigEndian.Uint32(buf[8:12])
	b.Jitter = binary.BigEndian.Uint32(buf[12:16])
	b.LastSenderReport = binary.BigEndian.Uint32(buf[16:20])
	b.DelaySinceLastSR = binary.BigEndian.Uint32(buf[20:24])
}

// ReceiverReport is the RTCP RR packet, RFC3550 §6.4.2.
type ReceiverReport struct {
	SSRC    uint32
	Reports []ReportBlock
}

func (r *ReceiverReport) Header() Header {
	return Header{
		Count:  uint8(len(r.Reports)),
		Type:   TypeReceiverReport,
		Length: uint16((8+len(r.Reports)*reportBlockLength)/4 - 1),
	}
}

func (r *ReceiverReport) DestinationSSRC() []uint32 {
	ssrcs := make([]uint32, len(r.Reports))
	for i, b := range r.Reports {
		ssrcs[i] = b.SSRC
	}
	return ssrcs
}

func (r *ReceiverReport) Marshal() ([]byte, error) {
	if len(r.Reports) > countMax {
		return nil, errTooManyReports
	}
	h := r.Header()
	hb, err := h.Marshal()
	if err != nil {
		return nil, err
	}
	body := make([]byte, 4+len(r.Reports)*reportBlockLength)
	binary.BigEndian.PutUint32(body[0:4], r.SSRC)
	for i, b := range r.Reports {
		b.marshalTo(body[4+i*reportBlockLength:])
	}
	return append(hb, body...), nil
}

func (r *ReceiverReport) Unmarshal(raw []byte) error {
	var h Header
	if err := h.Unmarshal(raw); err != nil {
		return err
	}
	if h.Type != TypeReceiverReport {
		return errWrongType
	}
	body := raw[headerLength:]
	if len(body) < 4+int(h.Count)*reportBlockLength {
		return errPacketTooShort
	}
	r.SSRC = binary.BigEndian.Uint32(body[0:4])
	r.Reports = make([]ReportBlock, h.Count)
	for i := range r.Reports {
		r.Reports[i].unmarshalFrom(body[4+i*reportBlockLength:])
	}
	return nil
}
