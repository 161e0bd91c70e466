package rtp

import (
	"sort"
	"sync"
	"time"

	"github.com/lanikai/alohartc/internal/rtcp"
)

const (
	defaultTWCCPeriod    = 100 * time.Millisecond
	defaultTWCCThreshold = 10

	twccDeltaUnit      = 250 * time.Microsecond
	twccReferenceUnit  = 64 * time.Millisecond
)

// twccRecord is one inbound packet's transport-wide sequence number and
// local receive time, buffered between feedback emissions.
type twccRecord struct {
	tsn      uint16
	recvTime time.Time
}

// TWCCGenerator implements the receiver side of spec §4.7: for each inbound
// RTP packet bearing a transport-wide sequence number extension, record
// (tsn, recv_time); periodically (default 100ms) or once the buffer exceeds
// a threshold (default 10), emit one TWCC feedback packet.
//
// Grounded on internal/rtcp.Header's bit-layout idiom via
// internal/rtcp.TransportLayerCC; no pack repo ships a directly copyable Go
// TWCC encoder, so the buffering/flush algorithm is authored from spec
// §4.7's description directly (see DESIGN.md).
type TWCCGenerator struct {
	mu sync.Mutex

	senderSSRC, mediaSSRC uint32
	records               []twccRecord
	fbCount               uint8

	period    time.Duration
	threshold int

	send func(pkt *rtcp.TransportLayerCC)

	stop chan struct{}
}

// NewTWCCGenerator constructs a generator that emits feedback packets via
// send. senderSSRC/mediaSSRC populate the feedback packet's SSRC fields.
func NewTWCCGenerator(senderSSRC, mediaSSRC uint32, send func(pkt *rtcp.TransportLayerCC)) *TWCCGenerator {
	return &TWCCGenerator{
		senderSSRC: senderSSRC,
		mediaSSRC:  mediaSSRC,
		period:     defaultTWCCPeriod,
		threshold:  defaultTWCCThreshold,
		send:       send,
	}
}

// Run drives the periodic emission tick until Stop is called. Intended to
// run in its own goroutine, one per receiving RTP session.
func (g *TWCCGenerator) Run() {
	g.mu.Lock()
	if g.stop != nil {
		g.mu.Unlock()
		return
	}
	g.stop = make(chan struct{})
	stop := g.stop
	g.mu.Unlock()

	ticker := time.NewTicker(g.period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.Flush()
		}
	}
}

// Stop terminates the periodic emission loop started by Run.
func (g *TWCCGenerator) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stop != nil {
		close(g.stop)
		g.stop = nil
	}
}

// RecordPacket buffers one inbound packet's transport-wide sequence number
// and arrival time, flushing immediately once the buffer passes threshold.
func (g *TWCCGenerator) RecordPacket(tsn uint16, recvTime time.Time) {
	g.mu.Lock()
	g.records = append(g.records, twccRecord{tsn: tsn, recvTime: recvTime})
	flush := len(g.records) > g.threshold
	g.mu.Unlock()
	if flush {
		g.Flush()
	}
}

// Flush builds and sends one TWCC feedback packet from the buffered
// records, per spec §4.7, then clears the buffer. A no-op if nothing is
// buffered.
func (g *TWCCGenerator) Flush() {
	g.mu.Lock()
	records := g.records
	g.records = nil
	if len(records) == 0 {
		g.mu.Unlock()
		return
	}
	sort.Slice(records, func(i, j int) bool {
		return wrappingLess16(records[i].tsn, records[j].tsn)
	})

	base := records[0].tsn
	last := records[len(records)-1].tsn
	count := last - base + 1

	referenceUnits := int32(records[0].recvTime.UnixNano()/int64(twccReferenceUnit)) & 0xffffff
	refTime := time.Unix(0, int64(referenceUnits)*int64(twccReferenceUnit))

	deltas := make([]rtcp.PacketDelta, count)
	prevTime := refTime
	idx := 0
	for seq := base; ; seq++ {
		slot := int(seq - base)
		if idx < len(records) && records[idx].tsn == seq {
			rt := records[idx].recvTime
			deltaUnits := int32(rt.Sub(prevTime) / twccDeltaUnit)
			deltas[slot] = rtcp.PacketDelta{Received: true, DeltaUnits: deltaUnits}
			prevTime = rt
			idx++
		} else {
			deltas[slot] = rtcp.PacketDelta{Received: false}
		}
		if seq == last {
			break
		}
	}

	g.fbCount++
	pkt := &rtcp.TransportLayerCC{
		SenderSSRC:          g.senderSSRC,
		MediaSSRC:           g.mediaSSRC,
		BaseSequenceNumber:  base,
		PacketStatusCount:   count,
		ReferenceTime:       referenceUnits,
		FeedbackPacketCount: g.fbCount,
		Deltas:              deltas,
	}
	send := g.send
	g.mu.Unlock()

	if send != nil {
		send(pkt)
	}
}

func wrappingLess16(a, b uint16) bool {
	return int16(a-b) < 0
}

// SentInfo records one outgoing packet for bandwidth estimation (spec §3
// Data Model).
type SentInfo struct {
	WideSeq  uint16
	Size     int
	SentTime time.Time
}

// cumulativeResult accumulates the send/receive timing of feedback-
// confirmed packets between two bitrate evaluations (spec §4.7).
type cumulativeResult struct {
	count     int
	totalSize int
	firstSend time.Time
	lastSend  time.Time
	firstRecv time.Time
	lastRecv  time.Time
}

// BandwidthEstimator implements spec §4.7's sender-side congestion control
// state machine, driven by TWCC feedback packets and rtp_packet_sent
// records.
type BandwidthEstimator struct {
	mu sync.Mutex

	sentInfos         map[uint16]SentInfo
	firstPacketSentAt time.Time

	cumulative cumulativeResult

	congestionCounter int // clamped to [-20, 20]
	congestionScore   int // clamped to [0, 10]
	congested         bool

	lastEvaluatedAt time.Time

	onCongestion       func(congested bool)
	onAvailableBitrate func(bitsPerSecond float64)
}

// NewBandwidthEstimator returns a fresh estimator with no sent packets
// recorded.
func NewBandwidthEstimator() *BandwidthEstimator {
	return &BandwidthEstimator{sentInfos: make(map[uint16]SentInfo)}
}

// OnCongestion registers the congestion-state-change callback.
func (e *BandwidthEstimator) OnCongestion(h func(congested bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCongestion = h
}

// OnAvailableBitrate registers the bitrate-estimate callback.
func (e *BandwidthEstimator) OnAvailableBitrate(h func(bitsPerSecond float64)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onAvailableBitrate = h
}

// RecordSent implements rtp_packet_sent(SentInfo): record the entry under
// its wide sequence number, and prune entries older than 5s (see
// DESIGN.md's Open Question decision on sent_infos growth).
func (e *BandwidthEstimator) RecordSent(info SentInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.firstPacketSentAt.IsZero() {
		e.firstPacketSentAt = info.SentTime
	}
	e.sentInfos[info.WideSeq] = info
	for seq, old := range e.sentInfos {
		if info.SentTime.Sub(old.SentTime) > 5*time.Second {
			delete(e.sentInfos, seq)
		}
	}
}

// HandleFeedback folds one TWCC feedback packet into the estimator, per
// spec §4.7.
func (e *BandwidthEstimator) HandleFeedback(pkt *rtcp.TransportLayerCC) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()

	if !e.firstPacketSentAt.IsZero() && now.Sub(e.firstPacketSentAt) > time.Second {
		e.cumulative = cumulativeResult{}
		if e.congestionCounter < 20 {
			e.congestionCounter++
		}
		if e.congestionCounter >= 20 {
			if !e.congested {
				e.congested = true
				if e.onCongestion != nil {
					e.onCongestion(true)
				}
			}
			if e.congestionScore < 10 {
				e.congestionScore++
			}
		}
	}

	recvTime := time.Unix(0, int64(pkt.ReferenceTime)*int64(twccReferenceUnit))
	for i, d := range pkt.Deltas {
		if !d.Received {
			// Missing feedback is informational only; it never alone
			// declares congestion (spec §4.7).
			continue
		}
		recvTime = recvTime.Add(time.Duration(d.DeltaUnits) * twccDeltaUnit)

		seq := pkt.BaseSequenceNumber + uint16(i)
		info, ok := e.sentInfos[seq]
		if !ok {
			continue
		}
		delete(e.sentInfos, seq)
		e.addToCumulative(info, recvTime)
	}

	if e.lastEvaluatedAt.IsZero() {
		e.lastEvaluatedAt = now
	}
	if now.Sub(e.lastEvaluatedAt) >= 100*time.Millisecond && e.cumulative.count >= 20 {
		e.evaluate()
		e.lastEvaluatedAt = now
	}
}

func (e *BandwidthEstimator) addToCumulative(info SentInfo, recvTime time.Time) {
	c := &e.cumulative
	if c.count == 0 {
		c.firstSend, c.firstRecv = info.SentTime, recvTime
	}
	c.lastSend, c.lastRecv = info.SentTime, recvTime
	c.count++
	c.totalSize += info.Size
}

// evaluate computes available_bitrate = min(send_bitrate, recv_bitrate)
// from the cumulative result, emits on_available_bitrate, and applies a
// decaying recovery bonus to the congestion counter (spec §4.7).
func (e *BandwidthEstimator) evaluate() {
	c := e.cumulative
	sendElapsed := c.lastSend.Sub(c.firstSend).Seconds()
	recvElapsed := c.lastRecv.Sub(c.firstRecv).Seconds()
	if sendElapsed <= 0 || recvElapsed <= 0 {
		return
	}

	sendBitrate := float64(c.totalSize*8) / sendElapsed
	recvBitrate := float64(c.totalSize*8) / recvElapsed
	available := sendBitrate
	if recvBitrate < available {
		available = recvBitrate
	}
	if e.onAvailableBitrate != nil {
		e.onAvailableBitrate(available)
	}

	if e.congestionCounter > -20 {
		e.congestionCounter--
	}
	if e.congestionCounter <= -20 && e.congestionScore > 1 {
		e.congestionScore--
		if e.congested {
			e.congested = false
			if e.onCongestion != nil {
				e.onCongestion(false)
			}
		}
	}
}
