package rtp

import (
	"io"
	"net"

	"github.com/lanikai/alohartc/internal/packet"
)

type SessionOptions struct {
	// SRTP master key material.
	ReadKey   []byte
	ReadSalt  []byte
	WriteKey  []byte
	WriteSalt []byte

	// Maximum size of outgoing packets, factoring in MTU and protocol overhead.
	MaxPacketSize int
}

const (
	// It's hard to find authoritative information, but according to a popular
	// StackOverflow answer, a 512-byte UDP payload is generally considered safe
	// (https://stackoverflow.com/a/1099359/11194515).
	defaultMaxPacketSize = 512
)

// A Session represents an established RTP/RTCP connection to a remote peer. It
// contains one or more streams, each represented by their own SSRC.
type Session struct {
	SessionOptions

	conn net.Conn

	// RTP streams in this session, keyed by SSRC. Every stream appears twice in
	// the map, once for the local SSRC and once for the remote SSRC. Legacy
	// fallback path, consulted only when Router has no route for a packet
	// (see readLoop).
	streams map[uint32]*Stream

	// Router dispatches decrypted packets to Sender/Receiver by RID or SSRC
	// (spec §4.5). Populated by Transceiver/SecureTransportManager as m-lines
	// are negotiated; nil until then, in which case readLoop falls back to
	// the legacy streams map entirely.
	router *Router

	// Per-SSRC sequence number/rollover state for packets dispatched through
	// router, since those SSRCs may not have a Stream (and therefore no
	// rtpReader) created for them. Accessed only from readLoop's goroutine.
	routedIndex map[uint32]*rtpReader

	// SRTP cryptographic contexts.
	readContext  *cryptoContext
	writeContext *cryptoContext
}

func NewSession(conn net.Conn, opts SessionOptions) *Session {
	if opts.MaxPacketSize == 0 {
		opts.MaxPacketSize = defaultMaxPacketSize
	}

	s := new(Session)
	s.SessionOptions = opts
	s.conn = conn
	s.streams = make(map[uint32]*Stream)
	s.routedIndex = make(map[uint32]*rtpReader)
	if opts.ReadKey != nil && opts.ReadSalt != nil {
		s.readContext = newCryptoContext(opts.ReadKey, opts.ReadSalt)
	}
	if opts.WriteKey != nil && opts.WriteSalt != nil {
		s.writeContext = newCryptoContext(opts.WriteKey, opts.WriteSalt)
	}
	go s.readLoop()
	return s
}

// SetRouter attaches the RTP Router that readLoop should dispatch decrypted
// packets through. Called once by SecureTransportManager/Transceiver setup
// after negotiation assigns RIDs/SSRCs to Receivers.
func (s *Session) SetRouter(router *Router) {
	s.router = router
}

// NewDTMFSender constructs a DTMFSender that writes RFC4733 telephone-event
// packets directly on this session's connection, under ssrc, using this
// session's write crypto context. Grounded on AddStream's newRTPWriter call.
func (s *Session) NewDTMFSender(ssrc uint32, payloadType byte, sampleRate uint32) *DTMFSender {
	out := newRTPWriter(s.conn, ssrc, s.writeContext)
	return NewDTMFSender(out, payloadType, sampleRate)
}

func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) AddStream(opts StreamOptions) *Stream {
	if opts.MaxPacketSize == 0 {
		opts.MaxPacketSize = s.MaxPacketSize
	}
	stream := newStream(s, opts)
	s.streams[stream.LocalSSRC] = stream
	s.streams[stream.RemoteSSRC] = stream
	return stream
}

func (s *Session) RemoveStream(stream *Stream) {
	delete(s.streams, stream.LocalSSRC)
	delete(s.streams, stream.RemoteSSRC)
}

// Returns on read error or when the session is closed.
func (s *Session) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			if err == io.EOF {
				log.Debug("read RTP: EOF")
			} else {
				log.Error("read RTP: %v", err)
			}
			return
		}

		pkt := buf[0:n]
		isRTCP, ssrc, err := identifyPacket(pkt)
		if err != nil {
			log.Error("read RTP: %v", err)
			return
		}

		if isRTCP {
			if stream := s.streams[ssrc]; stream != nil {
				//	stream.handleRTCP(pkt)
			}
			continue
		}

		if err := s.routeRTP(pkt); err != nil {
			log.Debug("read RTP: %v", err)
		}
	}
}

// routeRTP parses and decrypts one RTP packet, then dispatches it through
// router (spec §4.5's RID-first priority order). If router has no route —
// including when it is nil, e.g. before negotiation completes — it falls
// back to the legacy SSRC-only streams map so Stream-based callers keep
// working unchanged.
func (s *Session) routeRTP(pkt []byte) error {
	p := packet.NewReader(pkt)
	var hdr rtpHeader
	if err := hdr.readFrom(p); err != nil {
		return err
	}

	var payload []byte
	if s.readContext != nil {
		index := s.routedIndexFor(hdr.ssrc).updateIndex(hdr.sequence)
		var err error
		if payload, err = s.readContext.verifyAndDecryptRTP(pkt, &hdr, index); err != nil {
			return err
		}
	} else {
		payload = pkt[hdr.length():]
	}

	if s.router != nil {
		err := s.router.Route(hdr, payload)
		if err != errNoRoute {
			return err
		}
	}

	stream := s.streams[hdr.ssrc]
	if stream == nil || stream.rtpIn == nil || stream.rtpIn.handler == nil {
		return errNoRoute
	}
	return stream.rtpIn.handler(hdr, payload)
}

// routedIndexFor returns the lazily-created index tracker used to compute
// the extended sequence number for packets dispatched via router, which may
// have no Stream (and therefore no rtpReader) of their own.
func (s *Session) routedIndexFor(ssrc uint32) *rtpReader {
	r, ok := s.routedIndex[ssrc]
	if !ok {
		r = newRTPReader(ssrc, nil)
		s.routedIndex[ssrc] = r
	}
	return r
}
