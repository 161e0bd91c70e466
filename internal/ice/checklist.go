package ice

import (
	"context"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"
)

// ConnectionState mirrors the IceConnection.state enumeration (spec §3, §4.1).
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateChecking
	StateConnected
	StateCompleted
	StateFailed
	StateDisconnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// consecutive consent-freshness failures before the pair is considered lost,
// per spec §4.1 ("Six consecutive failures -> disconnected").
const maxConsentFailures = 6

type Checklist struct {
	state ConnectionState

	// Checklist state listeners, each with a unique id.
	listeners      map[int]chan ConnectionState
	nextListenerID int

	// ICE credentials
	username       string
	localPassword  string
	remotePassword string

	// Role. May flip once, on role conflict (spec §4.1 "Role conflict").
	controlling bool
	tieBreaker  uint64

	// ID for next candidate pair to be added
	nextPairID int

	pairs []*CandidatePair

	triggeredQueue []*CandidatePair

	// Valid list: pairs that have succeeded a connectivity check.
	valid []*CandidatePair

	// Selected candidate pair (first nominated+succeeded pair).
	selected *CandidatePair

	// Consecutive consent-freshness failures on the selected pair.
	consentFailures int

	mutex sync.Mutex

	nextToCheck int
}

func newChecklist(username, localPassword, remotePassword string, controlling bool) *Checklist {
	return &Checklist{
		state:          StateNew,
		username:       username,
		localPassword:  localPassword,
		remotePassword: remotePassword,
		controlling:    controlling,
		tieBreaker:     rand.Uint64(),
	}
}

// Pair up local candidates with remote candidates, and add them to the checklist. Then re-sort and
// re-prune, and unfreeze top candidate pairs.
func (cl *Checklist) addCandidatePairs(locals, remotes []Candidate) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	added := false
	for _, local := range locals {
		for _, remote := range remotes {
			if canBePaired(local, remote) {
				p := newCandidatePair(cl.nextPairID, local, remote)
				p.controlling = cl.controlling
				cl.nextPairID++
				log.Debug("Adding candidate pair %s", p)
				cl.pairs = append(cl.pairs, p)
				added = true
			}
		}
	}

	cl.pairs = sortAndPrune(cl.pairs)

	for _, p := range cl.pairs {
		if p.state == Frozen {
			p.state = Waiting
		}
	}

	if added && cl.state == StateNew {
		cl.setState(StateChecking)
	}
}

// Only pair candidates for the same component. Their transport addresses must be compatible.
func canBePaired(local, remote Candidate) bool {
	return local.component == remote.component &&
		local.address.protocol == remote.address.protocol &&
		isSameFamily(local.address.ip, remote.address.ip)
}

func isSameFamily(a, b string) bool {
	ipA := net.ParseIP(a)
	ipB := net.ParseIP(b)
	if ipA == nil || ipB == nil {
		// mDNS hostnames aren't resolved yet; assume compatible.
		return true
	}
	return (ipA.To4() != nil) == (ipB.To4() != nil)
}

// sortAndPrune sorts the candidate pairs from highest to lowest priority, then
// prunes any redundant pairs.
func sortAndPrune(pairs []*CandidatePair) []*CandidatePair {
	// [RFC8445 §6.1.2.3] Sort pairs from highest to lowest priority.
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].Priority() > pairs[j].Priority()
	})

	// [RFC8445 §6.1.2.4] Prune redundant pairs.
	kept := pairs[:0]
	for i, p := range pairs {
		switch p.state {
		case InProgress, Succeeded, Failed:
			kept = append(kept, p)
			continue
		}
		redundant := false
		for j := 0; j < i; j++ {
			if isRedundant(p, pairs[j]) {
				log.Debug("Pruning %s in favor of %s", p.id, pairs[j].id)
				redundant = true
				break
			}
		}
		if !redundant {
			kept = append(kept, p)
		}
	}

	return kept
}

// [RFC8445 §6.1.2.4] Two candidate pairs are redundant if they have the same
// remote candidate and same local base.
func isRedundant(p1, p2 *CandidatePair) bool {
	return p1.remote.address == p2.remote.address && p1.local.base.address == p2.local.base.address
}

func (cl *Checklist) run(ctx context.Context) {
	lid, stateCh := cl.addListener()
	defer cl.removeListener(lid)

	// Timer for periodic connectivity checks.
	Ta := time.NewTicker(50 * time.Millisecond)
	defer Ta.Stop()

	// Consent-freshness keepalive timer, jittered 4-6s per spec §4.1.
	Tr := time.NewTimer(consentInterval())
	defer Tr.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case newState := <-stateCh:
			log.Debug("Checklist state: %s", newState)

		case <-Ta.C:
			if cl.selected != nil && cl.allChecksDone() {
				continue
			}
			if p := cl.nextPair(); p != nil {
				log.Debug("Next candidate pair to check: %s\n", p)
				if err := cl.sendCheck(p); err != nil {
					log.Warn("Failed to send connectivity check: %s", err)
				}
			}

		case <-Tr.C:
			Tr.Reset(consentInterval())
			if p := cl.selected; p != nil {
				if err := p.sendStun(newStunBindingIndication(), nil); err != nil {
					cl.onConsentFailure()
				}
			}
		}
	}
}

// consentInterval draws a jittered interval in [4000ms, 6000ms], per spec
// §4.1 ("5s x (0.8 + 0.4*rand)") and §5 timeouts table.
func consentInterval() time.Duration {
	return time.Duration(4000+rand.Intn(2000)) * time.Millisecond
}

func (cl *Checklist) onConsentFailure() {
	cl.mutex.Lock()
	cl.consentFailures++
	n := cl.consentFailures
	cl.mutex.Unlock()

	if n >= maxConsentFailures {
		cl.setState(StateDisconnected)
	}
}

func (cl *Checklist) onConsentSuccess() {
	cl.mutex.Lock()
	cl.consentFailures = 0
	cl.mutex.Unlock()
}

func (cl *Checklist) allChecksDone() bool {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	for _, p := range cl.pairs {
		if p.state == Waiting || p.state == Frozen {
			return false
		}
	}
	return true
}

func (cl *Checklist) getSelected(ctx context.Context) (*CandidatePair, error) {
	lid, stateCh := cl.addListener()
	defer cl.removeListener(lid)

	for {
		if cl.selected != nil {
			return cl.selected, nil
		}

		select {
		case <-stateCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// [RFC8445 §7.3] Respond to an inbound STUN binding request, handling role
// conflicts, peer-reflexive candidate discovery, and USE-CANDIDATE nomination.
func (cl *Checklist) handleStunRequest(req *stunMessage, raddr net.Addr, base *Base) {
	if conflict, respondWithError := cl.checkRoleConflict(req); conflict {
		if respondWithError {
			resp := newStunMessage(stunErrorResponse, stunBindingMethod, req.transactionID)
			resp.addAttribute(stunAttrErrorCode, []byte{0, 0, 4, 87}) // 487 Role Conflict
			resp.addFingerprint()
			base.sendStun(resp, raddr, nil)
			return
		}
		// We lost the tie-break: switch roles and keep processing this check.
	}

	p := cl.findPair(base, raddr)
	if p == nil {
		p = cl.adoptPeerReflexiveCandidate(base, raddr, req.getPriority())
	}
	if cl.controlling {
		// We never receive USE-CANDIDATE as the controlling side in a
		// standards-compliant exchange, but tolerate it defensively.
	} else if req.hasUseCandidate() {
		p.remoteNominated = true
		log.Debug("Remote nominated %s\n", p.id)
		cl.maybeSelect(p)
	}

	resp := newStunBindingResponse(req.transactionID, raddr, cl.localPassword)
	log.Debug("Sending response %s -> %s: %s\n", base.LocalAddr(), raddr, resp)
	if err := base.sendStun(resp, raddr, nil); err != nil {
		log.Warn("Failed to send STUN response: %s", err)
	}

	cl.triggerCheck(p)
}

// checkRoleConflict inspects ICE-CONTROLLING/ICE-CONTROLLED attributes on an
// inbound request. Returns (conflict, respondWithError). Per spec §4.1: if
// the peer's tie-breaker is >= ours, we switch role; otherwise we keep our
// role and the caller should respond 487.
func (cl *Checklist) checkRoleConflict(req *stunMessage) (conflict bool, respondWithError bool) {
	var peerControlling bool
	var peerTieBreaker uint64
	found := false
	for _, attr := range req.attributes {
		switch attr.Type {
		case stunAttrIceControlling:
			peerControlling = true
			found = true
			peerTieBreaker = decodeTieBreaker(attr.Value)
		case stunAttrIceControlled:
			peerControlling = false
			found = true
			peerTieBreaker = decodeTieBreaker(attr.Value)
		}
	}
	if !found || peerControlling != cl.controlling {
		return false, false
	}

	conflict = true
	if peerTieBreaker >= cl.tieBreaker {
		cl.mutex.Lock()
		cl.controlling = !cl.controlling
		cl.mutex.Unlock()
		respondWithError = false
	} else {
		respondWithError = true
	}
	return
}

func decodeTieBreaker(v []byte) uint64 {
	var n uint64
	for _, b := range v {
		n = n<<8 | uint64(b)
	}
	return n
}

// [RFC8445 §7.3.1.3-4] Create a peer reflexive candidate and pair with the base.
func (cl *Checklist) adoptPeerReflexiveCandidate(base *Base, raddr net.Addr, priority uint32) *CandidatePair {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	local := makeHostCandidate(base.mid, base)
	remote := makePeerReflexiveCandidate(base.mid, raddr, base, priority)
	log.Debug("New peer-reflexive %s", remote)

	p := newCandidatePair(cl.nextPairID, local, remote)
	p.controlling = cl.controlling
	p.state = Waiting
	cl.pairs = append(cl.pairs, p)
	cl.nextPairID++

	cl.pairs = sortAndPrune(cl.pairs)
	return p
}

// Return the next candidate pair to check for connectivity.
func (cl *Checklist) nextPair() *CandidatePair {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	if len(cl.triggeredQueue) > 0 {
		p := cl.triggeredQueue[0]
		cl.triggeredQueue = cl.triggeredQueue[1:]
		return p
	}

	n := len(cl.pairs)
	for i := 0; i < n; i++ {
		k := (cl.nextToCheck + i) % n
		p := cl.pairs[k]
		if p.state == Waiting {
			cl.nextToCheck = (k + 1) % n
			return p
		}
	}

	return nil
}

func (cl *Checklist) sendCheck(p *CandidatePair) error {
	req := newStunBindingRequest("")
	req.addAttribute(stunAttrUsername, []byte(cl.username))
	if cl.controlling {
		req.addAttribute(stunAttrIceControlling, encodeTieBreaker(cl.tieBreaker))
		if cl.shouldNominate(p) {
			req.addAttribute(stunAttrUseCandidate, nil)
		}
	} else {
		req.addAttribute(stunAttrIceControlled, encodeTieBreaker(cl.tieBreaker))
	}
	req.addPriority(p.local.peerPriority())
	req.addMessageIntegrity(cl.remotePassword)
	req.addFingerprint()
	p.state = InProgress
	p.checkAttempts++

	rto := p.rto()
	retransmit := time.AfterFunc(rto, func() {
		if p.state == InProgress && p.checkAttempts < maxCheckRetries {
			cl.sendCheck(p)
		} else if p.state == InProgress {
			p.state = Failed
			cl.updateState()
		}
	})

	log.Debug("%s: Sending to %s from %s: %s\n", p.id, p.remote.address, p.local.address, req)
	return p.sendStun(req, func(resp *stunMessage, raddr net.Addr, base *Base) {
		retransmit.Stop()
		cl.processResponse(p, resp, raddr)
	})
}

const maxCheckRetries = 7

func encodeTieBreaker(n uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return b
}

// shouldNominate decides whether the controlling agent should attach
// USE-CANDIDATE to this check: only a pair already marked nominated (by
// nominateIfBest, after a successful check) carries it. Nomination itself
// happens in processResponse as soon as a pair succeeds.
func (cl *Checklist) shouldNominate(p *CandidatePair) bool {
	return p.nominated
}

func (cl *Checklist) processResponse(p *CandidatePair, resp *stunMessage, raddr net.Addr) {
	if p.state != InProgress {
		log.Debug("Received unexpected STUN response for %s:\n%s\n", p, resp)
		return
	}

	switch resp.class {
	case stunSuccessResponse:
		log.Debug("%s: Successful connectivity check", p.id)
		p.state = Succeeded
		cl.mutex.Lock()
		cl.valid = append(cl.valid, p)
		cl.mutex.Unlock()
		cl.onConsentSuccess()

		if cl.controlling && !p.nominated {
			cl.nominateIfBest(p)
		}
	case stunErrorResponse:
		p.state = Failed
	default:
		log.Warn("Unexpected STUN response class %d for %s", resp.class, p.id)
	}

	cl.updateState()
}

// nominateIfBest marks the highest-priority pair in the valid list so far
// (p, or an earlier succeeded pair that outranks it) as nominated and sends
// it a USE-CANDIDATE binding request.
func (cl *Checklist) nominateIfBest(p *CandidatePair) {
	cl.mutex.Lock()
	best := p
	for _, v := range cl.valid {
		if v.Priority() > best.Priority() {
			best = v
		}
	}
	cl.mutex.Unlock()

	req := newStunBindingRequest("")
	req.addAttribute(stunAttrUsername, []byte(cl.username))
	req.addAttribute(stunAttrIceControlling, encodeTieBreaker(cl.tieBreaker))
	req.addAttribute(stunAttrUseCandidate, nil)
	req.addPriority(best.local.peerPriority())
	req.addMessageIntegrity(cl.remotePassword)
	req.addFingerprint()
	best.nominated = true

	best.sendStun(req, func(resp *stunMessage, raddr net.Addr, base *Base) {
		if resp.class == stunSuccessResponse {
			cl.maybeSelect(best)
		}
	})
}

// maybeSelect marks p selected once it is both nominated (by us or the peer)
// and has succeeded its own outbound check, per spec §4.1.
func (cl *Checklist) maybeSelect(p *CandidatePair) {
	if !p.nominated && !p.remoteNominated {
		return
	}
	if p.state != Succeeded {
		return
	}
	cl.mutex.Lock()
	if cl.selected == nil {
		cl.selected = p
	}
	cl.mutex.Unlock()
	cl.updateState()
}

func (cl *Checklist) updateState() {
	cl.mutex.Lock()

	if cl.selected == nil {
		for _, p := range cl.valid {
			if p.nominated || p.remoteNominated {
				cl.selected = p
				break
			}
		}
	}

	var next ConnectionState
	switch {
	case cl.state == StateClosed:
		cl.mutex.Unlock()
		return
	case cl.selected != nil && cl.allChecksDoneLocked():
		next = StateCompleted
	case cl.selected != nil:
		next = StateConnected
	case cl.allFailedLocked():
		next = StateFailed
	default:
		next = cl.state
	}
	cl.mutex.Unlock()

	if next != cl.state {
		cl.setState(next)
	}
}

func (cl *Checklist) allChecksDoneLocked() bool {
	for _, p := range cl.pairs {
		if p.state == Waiting || p.state == Frozen || p.state == InProgress {
			return false
		}
	}
	return true
}

func (cl *Checklist) allFailedLocked() bool {
	if len(cl.pairs) == 0 {
		return false
	}
	for _, p := range cl.pairs {
		if p.state != Failed {
			return false
		}
	}
	return true
}

func (cl *Checklist) setState(s ConnectionState) {
	cl.mutex.Lock()
	cl.state = s
	listeners := make([]chan ConnectionState, 0, len(cl.listeners))
	for _, ch := range cl.listeners {
		listeners = append(listeners, ch)
	}
	cl.mutex.Unlock()

	log.Info("ICE checklist state -> %s", s)
	for _, ch := range listeners {
		select {
		case ch <- s:
		default:
		}
	}
}

func (cl *Checklist) addListener() (int, <-chan ConnectionState) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	id := cl.nextListenerID
	ch := make(chan ConnectionState, 1)
	if cl.listeners == nil {
		cl.listeners = make(map[int]chan ConnectionState)
	}
	cl.listeners[id] = ch
	cl.nextListenerID++
	return id, ch
}

func (cl *Checklist) removeListener(id int) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	delete(cl.listeners, id)
}

// findPair returns first candidate pair matching the base and remote address
func (cl *Checklist) findPair(base *Base, raddr net.Addr) *CandidatePair {
	remoteAddress := makeTransportAddress(raddr)

	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	for _, p := range cl.pairs {
		if p.local.address == base.address && p.remote.address == remoteAddress {
			return p
		}
	}

	return nil
}

func (cl *Checklist) triggerCheck(p *CandidatePair) {
	if p.state == Frozen || p.state == Waiting {
		cl.mutex.Lock()
		cl.triggeredQueue = append(cl.triggeredQueue, p)
		cl.mutex.Unlock()
	}
}
