// Copyright (c) 2019 Lanikai Labs. All rights reserved.

package alohartc

import (
	"sync"

	"github.com/lanikai/alohartc/internal/rtp"
)

// Direction is an RTCRtpTransceiverDirection value (spec §3 Data Model).
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
)

// Transceiver pairs a Sender and Receiver under one negotiated mid, per spec
// §3 Data Model: "(mid, kind, direction, sender, receiver, simulcast
// layers)". mid is assigned on the first offer/answer cycle that includes
// this transceiver's m-line and never changes afterward; stopping a
// transceiver marks it inactive rather than removing it (spec §3
// Lifecycles).
//
// Grounded on peer_connection.go's prior flat per-connection
// mid/DynamicType/srtpSession fields, generalized into one struct per
// negotiated m-line so a PeerConnection can hold several.
type Transceiver struct {
	mu sync.Mutex

	mid       string
	kind      string // "audio" or "video"
	direction Direction

	sender   *rtp.Sender
	receiver *rtp.Receiver

	// simulcastEncodings mirrors Encoding entries (spec §3), one per
	// negotiated a=rid/a=simulcast layer; empty for a non-simulcast m-line.
	simulcastEncodings []rtp.Encoding

	stopped bool
}

// NewTransceiver constructs a Transceiver for one negotiated m-line. sender
// and/or receiver may be nil depending on direction (e.g. a recvonly
// transceiver has no Sender).
func NewTransceiver(mid, kind string, direction Direction, sender *rtp.Sender, receiver *rtp.Receiver) *Transceiver {
	return &Transceiver{
		mid:       mid,
		kind:      kind,
		direction: direction,
		sender:    sender,
		receiver:  receiver,
	}
}

// Mid returns the transceiver's negotiated mid.
func (t *Transceiver) Mid() string {
	return t.mid
}

// Kind returns "audio" or "video".
func (t *Transceiver) Kind() string {
	return t.kind
}

// Direction returns the currently negotiated direction.
func (t *Transceiver) Direction() Direction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.direction
}

// SetDirection updates the negotiated direction, e.g. after a renegotiation
// changes sendrecv to sendonly.
func (t *Transceiver) SetDirection(d Direction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.direction = d
}

// Sender returns the transceiver's Sender, or nil if this transceiver never
// sends (recvonly/inactive).
func (t *Transceiver) Sender() *rtp.Sender {
	return t.sender
}

// Receiver returns the transceiver's Receiver, or nil if this transceiver
// never receives (sendonly/inactive).
func (t *Transceiver) Receiver() *rtp.Receiver {
	return t.receiver
}

// SetSimulcastEncodings records the negotiated per-layer Encodings, which
// BindRouter registers with the Router.
func (t *Transceiver) SetSimulcastEncodings(encodings []rtp.Encoding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.simulcastEncodings = encodings
}

// SimulcastEncodings returns the negotiated per-layer Encodings, nil if this
// transceiver is not simulcast.
func (t *Transceiver) SimulcastEncodings() []rtp.Encoding {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]rtp.Encoding(nil), t.simulcastEncodings...)
}

// Stop marks the transceiver inactive. Per spec §3 Lifecycles, a stopped
// transceiver is not removed — SetDirection(DirectionInactive) plus this
// flag is enough for later offer/answer cycles to recognize it as stopped.
func (t *Transceiver) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.direction = DirectionInactive
}

// Stopped reports whether Stop has been called.
func (t *Transceiver) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// BindRouter registers this transceiver's Receiver with router once per
// simulcast encoding: by RID when the encoding has one (spec §4.5's
// rid_table), otherwise by the encoding's SSRC. With no simulcast encodings
// nothing is bound here.
func (t *Transceiver) BindRouter(router *rtp.Router) {
	t.mu.Lock()
	receiver := t.receiver
	encodings := append([]rtp.Encoding(nil), t.simulcastEncodings...)
	t.mu.Unlock()

	if receiver == nil || router == nil {
		return
	}
	if len(encodings) == 0 {
		return
	}
	for _, e := range encodings {
		if e.RID != "" {
			router.BindRID(e.RID, receiver)
		} else {
			router.BindSSRC(e.SSRC, receiver)
		}
	}
}
