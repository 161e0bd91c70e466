package rtp

import (
	"strings"
	"sync"
	"time"
)

// dtmfEventCodes maps DTMF tone characters to RFC4733 §3.2 event codes.
var dtmfEventCodes = map[byte]byte{
	'0': 0, '1': 1, '2': 2, '3': 3, '4': 4,
	'5': 5, '6': 6, '7': 7, '8': 8, '9': 9,
	'*': 10, '#': 11,
	'A': 12, 'B': 13, 'C': 14, 'D': 15,
}

// DTMFSender emits RFC4733 telephone-event packets for insert_dtmf
// sequences: a 4-byte payload (event, E|R|volume, duration_hi, duration_lo),
// 3 end-packet retransmissions, and a non-incrementing timestamp held fixed
// for the duration of one event (spec §6, §8 testable property #7).
//
// Supplemented feature (no original_source available, see SPEC_FULL.md):
// grounded on internal/rtp/rtp.go's rtpWriter.writePacket call shape, reused
// here with a fixed timestamp instead of one advanced per packet.
type DTMFSender struct {
	mu sync.Mutex

	out         *rtpWriter
	payloadType byte
	sampleRate  uint32 // clock rate used for the duration_hi/lo field, e.g. 8000

	onToneChange func(tone string)
	cancel       chan struct{}
}

// NewDTMFSender constructs a DTMFSender writing telephone-event packets
// through out at payloadType, using sampleRate to convert durations into
// RTP timestamp units.
func NewDTMFSender(out *rtpWriter, payloadType byte, sampleRate uint32) *DTMFSender {
	return &DTMFSender{out: out, payloadType: payloadType, sampleRate: sampleRate}
}

// OnToneChange registers the callback invoked as each tone starts and ends;
// the empty string marks end-of-tone and, after the last tone, buffer
// drained.
func (d *DTMFSender) OnToneChange(h func(tone string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onToneChange = h
}

// InsertDTMF queues tones for transmission; duration and interToneGap
// control the timing of testable property #7. A call while a sequence is
// already playing cancels it and starts the new one, matching a sender
// having a single outgoing DTMF channel.
func (d *DTMFSender) InsertDTMF(tones string, duration, interToneGap time.Duration) {
	d.mu.Lock()
	if d.cancel != nil {
		close(d.cancel)
	}
	cancel := make(chan struct{})
	d.cancel = cancel
	d.mu.Unlock()

	go d.play(tones, duration, interToneGap, cancel)
}

func (d *DTMFSender) play(tones string, duration, interToneGap time.Duration, cancel chan struct{}) {
	for _, r := range tones {
		upper := strings.ToUpper(string(r))
		code, ok := dtmfEventCodes[upper[0]]
		if !ok {
			continue
		}

		select {
		case <-cancel:
			return
		default:
		}

		d.fireToneChange(upper)
		d.sendEvent(code, duration, cancel)

		select {
		case <-cancel:
			return
		case <-time.After(interToneGap):
		}
		d.fireToneChange("")
	}
}

// sendEvent emits the initial packet, holds for duration, then emits the
// end-of-event packet (E=1) three times, all sharing the same
// non-incrementing timestamp.
func (d *DTMFSender) sendEvent(code byte, duration time.Duration, cancel chan struct{}) {
	d.mu.Lock()
	out := d.out
	payloadType := d.payloadType
	sampleRate := d.sampleRate
	d.mu.Unlock()
	if out == nil {
		return
	}

	ts := uint32(time.Now().UnixNano() / int64(time.Millisecond))
	totalSamples := uint32(duration.Seconds() * float64(sampleRate))

	payload := make([]byte, 4)
	payload[0] = code
	payload[1] = 0 // E=0, R=0, volume=0 while the event is in progress.
	out.writePacket(payloadType, false, ts, payload)

	select {
	case <-cancel:
		return
	case <-time.After(duration):
	}

	payload[1] = 0x80 // E=1: end of event.
	payload[2] = byte(totalSamples >> 8)
	payload[3] = byte(totalSamples)

	const endPacketRetransmissions = 3
	for i := 0; i < endPacketRetransmissions; i++ {
		out.writePacket(payloadType, false, ts, payload)
	}
}

func (d *DTMFSender) fireToneChange(tone string) {
	d.mu.Lock()
	h := d.onToneChange
	d.mu.Unlock()
	if h != nil {
		h(tone)
	}
}
