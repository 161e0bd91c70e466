package rtp

import (
	"testing"
	"time"

	"github.com/lanikai/alohartc/internal/rtcp"
)

func TestTWCCGeneratorFlushMarksMissingPackets(t *testing.T) {
	var sent *rtcp.TransportLayerCC
	g := NewTWCCGenerator(0xaaaa, 0xbbbb, func(pkt *rtcp.TransportLayerCC) {
		sent = pkt
	})

	base := time.Unix(1000, 0)
	// Sequence 10 and 12 arrive; 11 is missing.
	g.RecordPacket(10, base)
	g.RecordPacket(12, base.Add(2*time.Millisecond))
	g.Flush()

	if sent == nil {
		t.Fatal("expected Flush to emit a feedback packet")
	}
	if sent.SenderSSRC != 0xaaaa || sent.MediaSSRC != 0xbbbb {
		t.Errorf("unexpected SSRCs: sender=%x media=%x", sent.SenderSSRC, sent.MediaSSRC)
	}
	if sent.BaseSequenceNumber != 10 {
		t.Errorf("expected base sequence 10, got %d", sent.BaseSequenceNumber)
	}
	if sent.PacketStatusCount != 3 {
		t.Fatalf("expected packet status count 3 (10,11,12), got %d", sent.PacketStatusCount)
	}
	if len(sent.Deltas) != 3 {
		t.Fatalf("expected 3 deltas, got %d", len(sent.Deltas))
	}
	if !sent.Deltas[0].Received || sent.Deltas[1].Received || !sent.Deltas[2].Received {
		t.Errorf("expected received pattern [true false true], got %+v", sent.Deltas)
	}
	if sent.FeedbackPacketCount != 1 {
		t.Errorf("expected first feedback packet count 1, got %d", sent.FeedbackPacketCount)
	}
}

func TestTWCCGeneratorOutOfOrderRecords(t *testing.T) {
	var sent *rtcp.TransportLayerCC
	g := NewTWCCGenerator(1, 2, func(pkt *rtcp.TransportLayerCC) { sent = pkt })

	base := time.Unix(2000, 0)
	g.RecordPacket(5, base.Add(3*time.Millisecond))
	g.RecordPacket(3, base)
	g.RecordPacket(4, base.Add(1*time.Millisecond))
	g.Flush()

	if sent.BaseSequenceNumber != 3 {
		t.Fatalf("expected sorted base sequence 3, got %d", sent.BaseSequenceNumber)
	}
	if sent.PacketStatusCount != 3 {
		t.Fatalf("expected 3 contiguous packets, got %d", sent.PacketStatusCount)
	}
	for i, d := range sent.Deltas {
		if !d.Received {
			t.Errorf("expected all 3 packets marked received, index %d was not", i)
		}
	}
}

func TestTWCCGeneratorAutoFlushesAtThreshold(t *testing.T) {
	var flushCount int
	g := NewTWCCGenerator(1, 2, func(pkt *rtcp.TransportLayerCC) { flushCount++ })

	base := time.Unix(3000, 0)
	for i := 0; i <= defaultTWCCThreshold; i++ {
		g.RecordPacket(uint16(i), base.Add(time.Duration(i)*time.Millisecond))
	}

	if flushCount != 1 {
		t.Fatalf("expected exactly one auto-flush once threshold is exceeded, got %d", flushCount)
	}
}

func TestTWCCGeneratorFlushNoopWhenEmpty(t *testing.T) {
	called := false
	g := NewTWCCGenerator(1, 2, func(pkt *rtcp.TransportLayerCC) { called = true })
	g.Flush()
	if called {
		t.Errorf("expected Flush to be a no-op with nothing buffered")
	}
}

func TestWrappingLess16(t *testing.T) {
	if !wrappingLess16(10, 20) {
		t.Errorf("expected 10 < 20")
	}
	if wrappingLess16(20, 10) {
		t.Errorf("expected 20 not < 10")
	}
	// Rollover: 65530 comes before 5 in sequence-number order.
	if !wrappingLess16(65530, 5) {
		t.Errorf("expected 65530 < 5 across rollover")
	}
}

func TestBandwidthEstimatorRecordSentPrunesOldEntries(t *testing.T) {
	e := NewBandwidthEstimator()
	base := time.Unix(4000, 0)

	e.RecordSent(SentInfo{WideSeq: 0, Size: 100, SentTime: base})
	e.RecordSent(SentInfo{WideSeq: 1, Size: 100, SentTime: base.Add(6 * time.Second)})

	if _, ok := e.sentInfos[0]; ok {
		t.Errorf("expected seq 0 to be pruned after 6s")
	}
	if _, ok := e.sentInfos[1]; !ok {
		t.Errorf("expected seq 1 to remain")
	}
}

func TestBandwidthEstimatorCongestionAfterStaleWindow(t *testing.T) {
	e := NewBandwidthEstimator()

	var transitions []bool
	e.OnCongestion(func(congested bool) {
		transitions = append(transitions, congested)
	})

	old := time.Now().Add(-2 * time.Second)
	e.RecordSent(SentInfo{WideSeq: 0, Size: 100, SentTime: old})

	dummy := &rtcp.TransportLayerCC{SenderSSRC: 1, MediaSSRC: 2}
	for i := 0; i < 20; i++ {
		e.HandleFeedback(dummy)
	}

	if e.congestionCounter != 20 {
		t.Errorf("expected congestionCounter=20, got %d", e.congestionCounter)
	}
	if !e.congested {
		t.Errorf("expected congested=true after counter reaches 20")
	}
	if e.congestionScore != 1 {
		t.Errorf("expected congestionScore=1, got %d", e.congestionScore)
	}
	if len(transitions) != 1 || transitions[0] != true {
		t.Errorf("expected exactly one congestion transition to true, got %v", transitions)
	}
}

func TestBandwidthEstimatorEvaluateEmitsAvailableBitrate(t *testing.T) {
	e := NewBandwidthEstimator()

	var bitrate float64
	var gotBitrate bool
	e.OnAvailableBitrate(func(bps float64) {
		bitrate = bps
		gotBitrate = true
	})

	sendBase := time.Now()
	for i := 0; i < 20; i++ {
		e.RecordSent(SentInfo{
			WideSeq:  uint16(i),
			Size:     100,
			SentTime: sendBase.Add(time.Duration(i) * time.Millisecond),
		})
	}

	// First feedback call: a handful of received deltas, not yet enough to
	// cross the 20-packet evaluation threshold.
	first := &rtcp.TransportLayerCC{
		SenderSSRC:         1,
		MediaSSRC:          2,
		BaseSequenceNumber: 0,
		Deltas:             makeReceivedDeltas(5),
	}
	e.HandleFeedback(first)
	if gotBitrate {
		t.Fatalf("expected no bitrate estimate before reaching the 20-packet threshold")
	}

	time.Sleep(110 * time.Millisecond)

	second := &rtcp.TransportLayerCC{
		SenderSSRC:         1,
		MediaSSRC:          2,
		BaseSequenceNumber: 5,
		ReferenceTime:      1, // 64ms later than the implicit reference of `first`.
		Deltas:             makeReceivedDeltas(15),
	}
	e.HandleFeedback(second)

	if !gotBitrate {
		t.Fatal("expected an available-bitrate estimate once 20 packets have been confirmed")
	}
	if bitrate <= 0 {
		t.Errorf("expected a positive bitrate estimate, got %f", bitrate)
	}
	if e.congestionCounter != -1 {
		t.Errorf("expected evaluate() to decrement congestionCounter to -1, got %d", e.congestionCounter)
	}
}

func makeReceivedDeltas(n int) []rtcp.PacketDelta {
	deltas := make([]rtcp.PacketDelta, n)
	for i := range deltas {
		deltas[i] = rtcp.PacketDelta{Received: true, DeltaUnits: 4}
	}
	return deltas
}
