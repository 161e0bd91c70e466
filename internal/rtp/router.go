package rtp

import (
	"errors"
	"sync"
)

// sdesRTPStreamIDURI is the RFC8285 extension URI for simulcast RID
// (draft-ietf-mmusic-rid-10), the primary dispatch key spec §4.5 requires.
const sdesRTPStreamIDURI = "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id"

// RTPHandler receives packets dispatched by a Router. Receiver implements
// this interface; Router holds handlers by stable reference rather than
// owning them, matching the "Reference cycles" design note (Router stores
// handlers, handlers are looked up by id one level up in Transceiver).
type RTPHandler interface {
	// handleRoutedPacket processes one dispatched packet. rid is the RID
	// that resolved this dispatch via the extension path, or "" when the
	// packet was routed by plain SSRC lookup or SSRC-binding fallback.
	handleRoutedPacket(rid string, hdr rtpHeader, payload []byte) error

	// hasTrack reports whether a track has been registered for this
	// handler, consulted by Router's SSRC-binding fallback.
	hasTrack() bool
}

var errNoRoute = errors.New("rtp: no route for packet")

// Router implements the RTP dispatch described in spec §4.5: maintain
// ssrc_table and rid_table, plus ext_id_uri_map populated from the
// negotiated header extensions. On a decrypted packet, prefer the RID
// extension (sdes-rtp-stream-id), memoizing SSRC->handler so that later
// packets lacking the RID extension still route; otherwise fall back to a
// plain SSRC lookup, then to binding an unrecognized SSRC onto an existing
// RID handler that already has a registered track; otherwise drop.
//
// Grounded on internal/rtp/session.go's original streams map[uint32]*Stream
// dispatch (identifyPacket + map lookup), generalized from SSRC-only to
// RID-first with SSRC memoization.
type Router struct {
	mu sync.Mutex

	ssrcTable map[uint32]RTPHandler
	ridTable  map[string]RTPHandler

	// extIDURIMap maps a negotiated one-byte/two-byte header extension ID to
	// its URI, populated from SDP extmap attributes when the remote
	// description is applied (see peer_connection.go).
	extIDURIMap map[byte]string
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{
		ssrcTable:   make(map[uint32]RTPHandler),
		ridTable:    make(map[string]RTPHandler),
		extIDURIMap: make(map[byte]string),
	}
}

// SetExtensionMap replaces ext_id_uri_map wholesale, typically once per
// negotiation when the remote description is applied.
func (router *Router) SetExtensionMap(m map[byte]string) {
	router.mu.Lock()
	defer router.mu.Unlock()
	router.extIDURIMap = m
}

// BindRID registers h as the handler for a simulcast encoding identified by
// rid. Used for receivers with a negotiated a=rid SDP attribute.
func (router *Router) BindRID(rid string, h RTPHandler) {
	router.mu.Lock()
	defer router.mu.Unlock()
	router.ridTable[rid] = h
}

// BindSSRC registers h as the handler for ssrc directly, for the common
// case of a non-simulcast m-line with a single negotiated SSRC.
func (router *Router) BindSSRC(ssrc uint32, h RTPHandler) {
	router.mu.Lock()
	defer router.mu.Unlock()
	router.ssrcTable[ssrc] = h
}

// Unbind removes any memoized SSRC route, e.g. when a Receiver is stopped.
func (router *Router) Unbind(ssrc uint32) {
	router.mu.Lock()
	defer router.mu.Unlock()
	delete(router.ssrcTable, ssrc)
}

// Route dispatches one decrypted RTP packet per spec §4.5's priority order.
// It returns errNoRoute if no handler could be resolved; callers should log
// and drop on that error rather than treat it as fatal.
func (router *Router) Route(hdr rtpHeader, payload []byte) error {
	router.mu.Lock()

	if rid, ok := router.ridFromExtensions(hdr); ok {
		if h, ok := router.ridTable[rid]; ok {
			router.ssrcTable[hdr.ssrc] = h
			router.mu.Unlock()
			return h.handleRoutedPacket(rid, hdr, payload)
		}
	}

	if h, ok := router.ssrcTable[hdr.ssrc]; ok {
		router.mu.Unlock()
		return h.handleRoutedPacket("", hdr, payload)
	}

	for _, h := range router.ridTable {
		if h.hasTrack() {
			router.ssrcTable[hdr.ssrc] = h
			router.mu.Unlock()
			return h.handleRoutedPacket("", hdr, payload)
		}
	}

	router.mu.Unlock()
	return errNoRoute
}

// ridFromExtensions extracts the sdes-rtp-stream-id extension value, if
// present and resolvable through ext_id_uri_map. Must be called with
// router.mu held.
func (router *Router) ridFromExtensions(hdr rtpHeader) (string, bool) {
	for id, raw := range hdr.extensions {
		if router.extIDURIMap[id] == sdesRTPStreamIDURI && len(raw) > 0 {
			return string(raw), true
		}
	}
	return "", false
}
