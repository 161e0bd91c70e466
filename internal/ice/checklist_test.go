package ice

import (
	"testing"
)

func TestSortInPriorityOrder(t *testing.T) {
	// Three candidate pairs, each with different addresses, initially *not* in
	// priority order (100, 99, 101).
	pairs := []*CandidatePair{
		newCandidatePair(1, cand(100, "1.1.1.1", 1000), cand(100, "1.1.1.2", 1001)),
		newCandidatePair(2, cand(99, "2.2.2.2", 2000), cand(99, "2.2.2.3", 2001)),
		newCandidatePair(3, cand(101, "3.3.3.3", 3000), cand(101, "3.3.3.4", 3001)),
	}

	pairs = sortAndPrune(pairs)
	if len(pairs) != 3 {
		t.Errorf("Pairs should not have been pruned: %+v", pairs)
	}

	// After sorting, the highest priority should be first.
	if pairs[0].local.priority != 101 || pairs[1].local.priority != 100 || pairs[2].local.priority != 99 {
		t.Errorf("Pairs are not sorted: %+v", pairs)
	}
}

func TestPruneRedundant(t *testing.T) {
	// Host candidate and server-reflexive candidate with the same base.
	base := &Base{address: TransportAddress{protocol: "udp", ip: "1.1.1.1", port: 1000}}
	hostCand := cand(100, "1.1.1.1", 1000)
	hostCand.base = base
	srflxCand := cand(99, "1.2.3.4", 1234)
	srflxCand.base = base

	// Two candidate pairs with the same local base and same remote address,
	// but different priorities.
	remote := cand(100, "5.5.5.5", 5555)
	pairs := []*CandidatePair{
		newCandidatePair(1, hostCand, remote),
		newCandidatePair(2, srflxCand, remote),
	}

	pairs = sortAndPrune(pairs)
	if len(pairs) != 1 {
		t.Errorf("Pairs should have been pruned: %+v", pairs)
	}
	if pairs[0].local.priority != 100 {
		t.Errorf("Should have selected the higher priority pair: %+v", pairs[0])
	}
}

func TestPruneSkipsInProgress(t *testing.T) {
	base := &Base{address: TransportAddress{protocol: "udp", ip: "1.1.1.1", port: 1000}}
	hostCand := cand(100, "1.1.1.1", 1000)
	hostCand.base = base
	srflxCand := cand(99, "1.2.3.4", 1234)
	srflxCand.base = base

	// Two redundant candidate pairs, but the lower priority one is in-progress.
	remote := cand(100, "5.5.5.5", 5555)
	pairs := []*CandidatePair{
		newCandidatePair(1, hostCand, remote),
		newCandidatePair(2, srflxCand, remote),
	}
	pairs[1].state = InProgress

	pairs = sortAndPrune(pairs)
	if len(pairs) != 2 {
		t.Errorf("In-progress pair should not have been pruned: %+v", pairs)
	}
}

func TestCanBePaired(t *testing.T) {
	local := cand(100, "192.168.1.1", 1000)
	remote := cand(100, "192.168.1.2", 2000)
	if !canBePaired(local, remote) {
		t.Error("expected local/remote IPv4 udp candidates to be pairable")
	}

	remote6 := cand(100, "fe80::1", 2000)
	if canBePaired(local, remote6) {
		t.Error("expected IPv4/IPv6 candidates not to be pairable")
	}
}

// cand returns a Candidate with a specified priority, IP address, and port,
// for use in tests that don't need a fully populated Candidate.
func cand(priority uint32, ip string, port int) Candidate {
	return Candidate{
		priority: priority,
		component: 1,
		address: TransportAddress{
			protocol: "udp",
			ip:       ip,
			port:     port,
		},
	}
}
