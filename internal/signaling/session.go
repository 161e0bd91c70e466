package signaling

import (
	"context"

	"github.com/lanikai/alohartc/internal/ice"
	"github.com/lanikai/alohartc/internal/logging"
)

var log = logging.DefaultLogger.WithTag("signaling")

// SessionHandler is invoked once per incoming call, in its own goroutine.
type SessionHandler func(*Session)

// Session carries the SDP offer/answer and trickled ICE candidates for one
// call, independent of which Client implementation (local websocket, MQTT)
// is relaying them.
type Session struct {
	// Context is canceled when the local websocket carrying this session
	// closes. Sessions created by the MQTT client use context.Background()
	// and are never canceled.
	Context context.Context

	// Offer delivers the remote peer's SDP offer exactly once.
	Offer <-chan string

	// RemoteCandidates delivers trickled remote ICE candidates, closed once
	// the remote peer signals end-of-candidates.
	RemoteCandidates <-chan ice.Candidate

	// SendAnswer sends the local SDP answer back to the remote peer.
	SendAnswer func(sdp string) error

	// SendLocalCandidate sends one locally-gathered ICE candidate to the
	// remote peer.
	SendLocalCandidate func(c ice.Candidate) error
}

// Done returns the Context's Done channel (see Context for when it closes).
func (s *Session) Done() <-chan struct{} {
	return s.Context.Done()
}

// Err returns the reason Done was closed, if any.
func (s *Session) Err() error {
	return s.Context.Err()
}

// Listen starts the configured signaling Client (local websocket by default,
// or MQTT when built with the oahu tag) and blocks handling incoming call
// sessions with handler until an error occurs.
func Listen(handler SessionHandler) error {
	client, err := NewClient(handler)
	if err != nil {
		return err
	}
	return client.Listen()
}
