package ice

import (
	"context"
	"fmt"
	"net"
)

// A Session groups the DataStreams ("m=" lines) that make up one ICE
// session between two peers, per spec §4.1. Each stream gathers and checks
// candidates independently (one Agent per stream), mirroring how a
// PeerConnection may bundle several media sections onto a shared transport
// while ICE itself still tracks per-mid checklists.
type Session struct {
	streams []*DataStream
}

func NewSession() *Session {
	return &Session{}
}

// AddDataStream registers a new media stream for ICE. controlling selects
// this agent's initial role in RFC8445 role determination; it may flip once
// if a role conflict is detected during checks.
func (s *Session) AddDataStream(mid string, component int, controlling bool, username, localPassword, remotePassword string) *DataStream {
	ds := newDataStream(mid, component, controlling, username, localPassword, remotePassword)
	s.streams = append(s.streams, ds)
	return ds
}

func (s *Session) getDataStream(mid string) (*DataStream, error) {
	for _, ds := range s.streams {
		if ds.mid == mid {
			return ds, nil
		}
	}
	return nil, fmt.Errorf("ice: no data stream with mid=%s", mid)
}

// AddRemoteCandidate feeds a trickled remote candidate line to the stream it
// belongs to.
func (s *Session) AddRemoteCandidate(mid, desc string) error {
	ds, err := s.getDataStream(mid)
	if err != nil {
		return err
	}
	return ds.addRemoteCandidate(desc)
}

// GatherCandidates gathers local candidates for every stream in the session,
// invoking take for each one as it becomes available.
func (s *Session) GatherCandidates(ctx context.Context, opts GatherOptions, take func(mid string, c Candidate)) error {
	for _, ds := range s.streams {
		ds := ds
		ds.setGatheringState(GatheringInProgress)
		err := ds.agent.GatherCandidates(ctx, opts, func(c Candidate) {
			take(ds.mid, c)
		})
		if err != nil {
			return fmt.Errorf("ice: gathering candidates for mid=%s: %w", ds.mid, err)
		}
		ds.setGatheringState(GatheringComplete)
	}
	return nil
}

// GatheringStates returns each stream's current gathering state, keyed by
// mid, for SecureTransportManager's ice_gathering_state aggregation (spec
// §4.8).
func (s *Session) GatheringStates() map[string]GatheringState {
	states := make(map[string]GatheringState, len(s.streams))
	for _, ds := range s.streams {
		states[ds.mid] = ds.getGatheringState()
	}
	return states
}

// ConnectionStates returns each stream's current ICE connection state, keyed
// by mid, for SecureTransportManager's ice_connection_state aggregation
// (spec §4.8).
func (s *Session) ConnectionStates() map[string]ConnectionState {
	states := make(map[string]ConnectionState, len(s.streams))
	for _, ds := range s.streams {
		states[ds.mid] = ds.agent.State()
	}
	return states
}

// Connect establishes connectivity for every stream and returns a net.Conn
// per mid.
func (s *Session) Connect(ctx context.Context) (map[string]net.Conn, error) {
	conns := make(map[string]net.Conn, len(s.streams))
	for _, ds := range s.streams {
		conn, err := ds.agent.Connect(ctx)
		if err != nil {
			return nil, fmt.Errorf("ice: mid=%s: %w", ds.mid, err)
		}
		conns[ds.mid] = conn
	}
	return conns, nil
}

// Close tears down every stream's sockets.
func (s *Session) Close() error {
	var firstErr error
	for _, ds := range s.streams {
		if err := ds.agent.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
