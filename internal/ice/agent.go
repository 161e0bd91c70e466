package ice

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Agent is a Full ICE agent (RFC8445) for a single component of a single
// data stream ("m=" line in SDP). It owns one Base per local network
// interface, gathers candidates, runs connectivity checks via a Checklist,
// and yields a net.Conn once a pair has been selected.
type Agent struct {
	mid       string
	component int

	username       string
	localPassword  string
	remotePassword string

	bases     []*Base
	checklist *Checklist

	localCandidatesMu sync.Mutex
	localCandidates   []Candidate
	remoteCandidates  []Candidate

	dataConn  *ChannelConn
	ready     chan *ChannelConn
	readyOnce sync.Once

	gatherOnce sync.Once
}

// NewAgent creates an ICE agent for the given media stream identifier and
// component, with the given local/remote roles and credentials. controlling
// should be true for the offerer (spec §4.1 "Role determination").
func NewAgent(mid string, component int, controlling bool, username, localPassword, remotePassword string) *Agent {
	return &Agent{
		mid:            mid,
		component:      component,
		username:       username,
		localPassword:  localPassword,
		remotePassword: remotePassword,
		checklist:      newChecklist(username, localPassword, remotePassword, controlling),
		ready:          make(chan *ChannelConn, 1),
	}
}

// GatherCandidates gathers local candidates per opts, invoking take for each
// one (and pairing it against any remote candidates already known). It
// blocks until gathering completes on every local Base.
func (a *Agent) GatherCandidates(ctx context.Context, opts GatherOptions, take func(c Candidate)) error {
	var err error
	a.gatherOnce.Do(func() {
		a.bases, err = initializeBases(a.component, a.mid, opts.EnableIPv6)
	})
	if err != nil {
		return err
	}
	if len(a.bases) == 0 {
		return fmt.Errorf("ice: no usable local network interfaces found")
	}

	gatherAllCandidates(ctx, opts, a.bases, func(c Candidate) {
		a.addLocalCandidate(c)
		take(c)
	})
	return nil
}

func (a *Agent) addLocalCandidate(c Candidate) {
	a.localCandidatesMu.Lock()
	a.localCandidates = append(a.localCandidates, c)
	remotes := append([]Candidate(nil), a.remoteCandidates...)
	a.localCandidatesMu.Unlock()

	a.checklist.addCandidatePairs([]Candidate{c}, remotes)
}

// AddRemoteCandidate parses an SDP candidate line for this agent's mid and
// pairs it against every known local candidate. An empty desc signals the
// end of trickle ICE for this stream.
func (a *Agent) AddRemoteCandidate(desc string) error {
	if desc == "" {
		return nil
	}

	c := Candidate{mid: a.mid}
	if err := parseCandidateSDP(desc, &c); err != nil {
		return err
	}

	a.localCandidatesMu.Lock()
	a.remoteCandidates = append(a.remoteCandidates, c)
	locals := append([]Candidate(nil), a.localCandidates...)
	a.localCandidatesMu.Unlock()

	a.checklist.addCandidatePairs(locals, []Candidate{c})
	return nil
}

// Connect starts connectivity checks on every gathered base and blocks until
// a candidate pair is selected (or ctx is done / the connect timeout
// elapses), returning a net.Conn for the data stream.
func (a *Agent) Connect(ctx context.Context) (net.Conn, error) {
	if len(a.bases) == 0 {
		return nil, fmt.Errorf("ice: must gather candidates before connecting")
	}

	dataIns := make(map[*Base]chan []byte, len(a.bases))
	for _, base := range a.bases {
		dataIn := make(chan []byte, 64)
		dataIns[base] = dataIn
		go base.readLoop(a.checklist.handleStunRequest, dataIn)
	}

	checkCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.checklist.run(checkCtx)

	lid, stateCh := a.checklist.addListener()
	defer a.checklist.removeListener(lid)

	timeout := time.NewTimer(30 * time.Second)
	defer timeout.Stop()

	for {
		p := a.checklist.selected
		if p != nil {
			a.readyOnce.Do(func() {
				log.Info("%s: selected candidate pair %s", a.mid, p)
				a.dataConn = newChannelConn(p.local.base, dataIns[p.local.base], p.remote.address.netAddr())
			})
			return a.dataConn, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, fmt.Errorf("ice: failed to establish connection for mid=%s after 30s", a.mid)
		case s := <-stateCh:
			if s == StateFailed {
				return nil, fmt.Errorf("ice: connectivity checks failed for mid=%s", a.mid)
			}
		}
	}
}

// State returns the current ICE connection state for this agent's stream.
func (a *Agent) State() ConnectionState {
	a.checklist.mutex.Lock()
	defer a.checklist.mutex.Unlock()
	return a.checklist.state
}

// Close releases the agent's local sockets.
func (a *Agent) Close() error {
	var firstErr error
	for _, base := range a.bases {
		if err := base.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
