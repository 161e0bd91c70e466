package ice

import "sync"

// GatheringState mirrors the W3C RTCIceGatheringState enumeration (spec
// §4.8): new until GatherCandidates is called, gathering while it runs,
// complete once it returns.
type GatheringState int

const (
	GatheringNew GatheringState = iota
	GatheringInProgress
	GatheringComplete
)

func (s GatheringState) String() string {
	switch s {
	case GatheringNew:
		return "new"
	case GatheringInProgress:
		return "gathering"
	case GatheringComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// A DataStream is the final product of ICE for one "m=" line: an agent that
// gathers and checks candidates for a single component, wrapped with the
// metadata (mid, credentials) needed to drive it.

type DataStream struct {
	mid       string
	component int

	// Concatenation of local and remote ice-ufrag, and the local/remote
	// ice-pwd values, per RFC8445 §5.
	username       string
	localPassword  string
	remotePassword string

	agent *Agent

	mu             sync.Mutex
	gatheringState GatheringState
}

func newDataStream(mid string, component int, controlling bool, username, localPassword, remotePassword string) *DataStream {
	return &DataStream{
		mid:            mid,
		component:      component,
		username:       username,
		localPassword:  localPassword,
		remotePassword: remotePassword,
		agent:          NewAgent(mid, component, controlling, username, localPassword, remotePassword),
	}
}

func (ds *DataStream) addRemoteCandidate(desc string) error {
	return ds.agent.AddRemoteCandidate(desc)
}

func (ds *DataStream) setGatheringState(s GatheringState) {
	ds.mu.Lock()
	ds.gatheringState = s
	ds.mu.Unlock()
}

func (ds *DataStream) getGatheringState() GatheringState {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.gatheringState
}
