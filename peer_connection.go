// Copyright (c) 2019 Lanikai Labs. All rights reserved.

package alohartc

import (
	"bufio"
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/lanikai/alohartc/internal/dtls"
	"github.com/lanikai/alohartc/internal/ice"
	"github.com/lanikai/alohartc/internal/logging"
	"github.com/lanikai/alohartc/internal/mux"
	"github.com/lanikai/alohartc/internal/rtcp"
	"github.com/lanikai/alohartc/internal/rtp"
	"github.com/lanikai/alohartc/internal/sdp"
	"github.com/lanikai/alohartc/internal/srtp"
)

var rtcLog = logging.DefaultLogger.WithTag("alohartc")

const (
	sdpUsername = "lanikai"

	nalTypeSingleTimeAggregationPacketA = 24
	nalReferenceIndicatorPriority1      = 1 << 5
	nalReferenceIndicatorPriority2      = 2 << 5
	nalReferenceIndicatorPriority3      = 3 << 5

	naluBufferSize = 2 * 1024 * 1024

	keyLen  = 16
	saltLen = 14

	maxSRTCPSize = 65536
)

type PeerConnection struct {
	// Local context (for signaling)
	localContext context.Context
	teardown     context.CancelFunc

	// Local session description
	localDescription sdp.Session

	// Remote peer session description
	remoteDescription sdp.Session

	// RTP payload type (negotiated via SDP)
	DynamicType uint8

	// mid of the single media section this connection negotiates.
	mid string

	// remoteSSRC is the SSRC the remote description's a=ssrc attribute
	// declares for its single (non-simulcast) sending encoding, used to bind
	// the default route on router.
	remoteSSRC uint32

	config     *Config
	iceSession *ice.Session

	// SRTP session, established after successful call to Connect(). Drives
	// the legacy send path used by StreamH264.
	srtpSession *srtp.Conn

	// transceivers holds one Transceiver per negotiated m-line (C8). This
	// connection only ever negotiates one m-line, so exactly one entry once
	// SetRemoteDescription succeeds.
	transceivers []*Transceiver

	// router dispatches decrypted inbound RTP by RID or SSRC (C5) to the
	// Receiver inside transceivers[0].
	router *rtp.Router

	// rtpSession drives the router-based receive path: it decrypts inbound
	// SRTP off the same mux endpoint srtpSession writes on (see Connect) and
	// calls router.Route. srtpSession itself never reads, so the two share
	// one endpoint rather than racing for packets on two.
	rtpSession *rtp.Session

	// secureTransport aggregates ICE/DTLS state and gates SRTP attachment
	// per spec §4.8 (C8).
	secureTransport *SecureTransportManager

	// bwEstimator/twccGen implement congestion control (C7): bwEstimator
	// folds inbound TWCC feedback (there is none to fold yet, since this
	// connection is receive-only for video; it is wired and exercised by
	// its own tests), twccGen buffers inbound packet arrival times off of
	// the negotiated transport-wide-cc extension and periodically emits
	// feedback.
	bwEstimator *rtp.BandwidthEstimator
	twccGen     *rtp.TWCCGenerator

	// dtmfSender emits RFC4733 telephone-event packets on InsertDTMF.
	dtmfSender *rtp.DTMFSender

	// extIDURIMap is the negotiated RFC8285 header extension ID -> URI
	// table, parsed from the remote description's a=extmap attributes.
	extIDURIMap map[byte]string

	// Local certificate
	certificate *x509.Certificate // Public key
	privateKey  crypto.PrivateKey // Private key
	fingerprint string

	mux *mux.Mux
}

func NewPeerConnection(ctx context.Context, opts ...Option) *PeerConnection {
	var err error

	config := defaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	pc := &PeerConnection{
		config:     config,
		iceSession: ice.NewSession(),
	}
	pc.secureTransport = NewSecureTransportManager(pc.iceSession)

	// Create cancelable context
	pc.localContext, pc.teardown = context.WithCancel(ctx)

	// Dynamically generate a certificate for the peer connection
	if pc.certificate, pc.privateKey, err = dtls.GenerateSelfSigned(); err != nil {
		panic(err)
	}

	// Compute certificate fingerprint for later inclusion in SDP offer/answer
	if pc.fingerprint, err = dtls.Fingerprint(pc.certificate, dtls.HashAlgorithmSHA256); err != nil {
		panic(err)
	}

	return pc
}

// Create SDP answer. Only needs SDP offer, no ICE candidates.
func (pc *PeerConnection) createAnswer() sdp.Session {
	s := sdp.Session{
		Version: 0,
		Origin: sdp.Origin{
			Username:       sdpUsername,
			SessionId:      strconv.FormatInt(time.Now().UnixNano(), 10),
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			Address:        "127.0.0.1",
		},
		Name: "-",
		Time: []sdp.Time{
			{nil, nil},
		},
		Attributes: []sdp.Attribute{
			{"group", pc.remoteDescription.GetAttr("group")},
		},
	}

	for _, remoteMedia := range pc.remoteDescription.Media {
		for _, attr := range remoteMedia.Attributes {
			if attr.Key == "rtpmap" && strings.Contains(attr.Value, "H264/90000") {
				// Choose smallest rtpmap entry
				n, _ := strconv.Atoi(strings.Fields(attr.Value)[0])
				if pc.DynamicType == 0 || uint8(n) < pc.DynamicType {
					pc.DynamicType = uint8(n)
				}
			}
		}
		m := sdp.Media{
			Type:   "video",
			Port:   9,
			Proto:  "UDP/TLS/RTP/SAVPF",
			Format: []string{strconv.Itoa(int(pc.DynamicType))},
			Connection: &sdp.Connection{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     "0.0.0.0",
			},
			Attributes: []sdp.Attribute{
				{"mid", remoteMedia.GetAttr("mid")},
				{"rtcp", "9 IN IP4 0.0.0.0"},
				{"ice-ufrag", "n3E3"},
				{"ice-pwd", "auh7I7RsuhlZQgS2XYLStR05"},
				{"ice-options", "trickle"},
				{"fingerprint", "sha-256 " + strings.ToUpper(pc.fingerprint)},
				{"setup", "active"},
				{"sendonly", ""},
				{"rtcp-mux", ""},
				{"rtcp-rsize", ""},
				{"rtpmap", fmt.Sprintf("%d H264/90000", pc.DynamicType)},
				// Chrome offers following profile-level-id values:
				// 42001f (baseline)
				// 42e01f (constrained baseline)
				// 4d0032 (main)
				// 640032 (high)
				{"fmtp", fmt.Sprintf("%d level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", pc.DynamicType)},
				{"ssrc", "2541098696 cname:cYhx/N8U7h7+3GW3"},
				{"ssrc", "2541098696 msid:SdWLKyaNRoUSWQ7BzkKGcbCWcuV7rScYxCAv e9b60276-a415-4a66-8395-28a893918d4c"},
				{"ssrc", "2541098696 mslabel:SdWLKyaNRoUSWQ7BzkKGcbCWcuV7rScYxCAv"},
				{"ssrc", "2541098696 label:e9b60276-a415-4a66-8395-28a893918d4c"},
			},
		}
		s.Media = append(s.Media, m)
	}

	pc.localDescription = s
	return s
}

// Set remote SDP offer. Return SDP answer.
func (pc *PeerConnection) SetRemoteDescription(sdpOffer string) (sdpAnswer string, err error) {
	offer, err := sdp.ParseSession(sdpOffer)
	if err != nil {
		return
	}
	pc.remoteDescription = offer

	answer := pc.createAnswer()

	pc.mid = offer.Media[0].GetAttr("mid")
	remoteUfrag := offer.Media[0].GetAttr("ice-ufrag")
	localUfrag := answer.Media[0].GetAttr("ice-ufrag")
	username := remoteUfrag + ":" + localUfrag
	localPassword := answer.Media[0].GetAttr("ice-pwd")
	remotePassword := offer.Media[0].GetAttr("ice-pwd")

	// This peer answered the offer, so it takes the controlled role in ICE's
	// role-determination procedure (RFC8445 §6.1.1); the offerer controls.
	const rtpComponent = 1
	pc.iceSession.AddDataStream(pc.mid, rtpComponent, false, username, localPassword, remotePassword)

	pc.setupTransceiver(offer.Media[0])

	return answer.String(), nil
}

// setupTransceiver builds this connection's single Transceiver/Receiver/
// Router from the negotiated media section (C5/C6/C8), parsing the RFC8285
// extmap table, any a=rid simulcast declarations, and the default a=ssrc
// attribute for the non-simulcast case.
func (pc *PeerConnection) setupTransceiver(media sdp.Media) {
	pc.extIDURIMap = parseExtensionMap(media)

	codec := rtp.PayloadType{Number: pc.DynamicType, Name: "H264", ClockRate: 90000}
	receiver := rtp.NewReceiver(pc.mid, codec)
	receiver.OnFrame(func(hdr rtp.Header, payload []byte) {
		pc.onInboundFrame(hdr, payload)
	})
	receiver.OnTrack(func(t *rtp.Track) {
		rtcLog.Info("new simulcast track: %s", t.ID)
	})

	direction := DirectionRecvOnly
	for _, attr := range media.Attributes {
		if attr.Key == "sendrecv" {
			direction = DirectionSendRecv
		}
	}
	transceiver := NewTransceiver(pc.mid, "video", direction, nil, receiver)

	encodings := parseSimulcastEncodings(media)
	transceiver.SetSimulcastEncodings(encodings)

	pc.transceivers = []*Transceiver{transceiver}
	pc.router = rtp.NewRouter()
	pc.router.SetExtensionMap(pc.extIDURIMap)
	transceiver.BindRouter(pc.router)

	pc.remoteSSRC = parseRemoteSSRC(media)
	if len(encodings) == 0 && pc.remoteSSRC != 0 {
		pc.router.BindSSRC(pc.remoteSSRC, receiver)
	}
}

// onInboundFrame is the Receiver.OnFrame callback: it feeds the
// transport-wide-cc extension (if negotiated) to twccGen for congestion
// control (C7), then logs receipt. A fuller integration would hand payload
// off to a decoder; this connection is demonstration-only on the receive
// side.
func (pc *PeerConnection) onInboundFrame(hdr rtp.Header, payload []byte) {
	if pc.twccGen != nil {
		if id, ok := extensionIDForURI(pc.extIDURIMap, transportWideCCURI); ok {
			if raw, ok := hdr.Extension(id); ok && len(raw) >= 2 {
				seq := uint16(raw[0])<<8 | uint16(raw[1])
				pc.twccGen.RecordPacket(seq, time.Now())
			}
		}
	}
	rtcLog.Debug("received RTP frame: %d bytes", len(payload))
}

const (
	midURI             = "urn:ietf:params:rtp-hdrext:sdes:mid"
	absSendTimeURI     = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
	transportWideCCURI = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
	ridURI             = "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id"
)

// parseExtensionMap reads every a=extmap attribute on media into the
// ext_id_uri_map used by Router for RID-first dispatch (spec §4.5) and by
// onInboundFrame to find the transport-wide-cc extension.
func parseExtensionMap(media sdp.Media) map[byte]string {
	m := make(map[byte]string)
	for _, attr := range media.Attributes {
		if attr.Key != "extmap" {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) < 2 {
			continue
		}
		idField := strings.SplitN(fields[0], "/", 2)[0]
		id, err := strconv.Atoi(idField)
		if err != nil || id <= 0 || id > 255 {
			continue
		}
		m[byte(id)] = fields[1]
	}
	return m
}

// extensionIDForURI finds the local extension ID negotiated for uri, if any.
func extensionIDForURI(m map[byte]string, uri string) (byte, bool) {
	for id, u := range m {
		if u == uri {
			return id, true
		}
	}
	return 0, false
}

// parseSimulcastEncodings reads every a=rid attribute declaring a receive
// layer into Encoding entries (spec §3 Data Model), for Router.BindRID.
func parseSimulcastEncodings(media sdp.Media) []rtp.Encoding {
	var encodings []rtp.Encoding
	for _, attr := range media.Attributes {
		if attr.Key != "rid" {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) < 2 || fields[1] != "recv" {
			continue
		}
		encodings = append(encodings, rtp.Encoding{RID: fields[0], Active: true})
	}
	return encodings
}

// parseRemoteSSRC reads the first a=ssrc attribute's SSRC value, used as the
// default (non-simulcast) route.
func parseRemoteSSRC(media sdp.Media) uint32 {
	for _, attr := range media.Attributes {
		if attr.Key != "ssrc" {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) == 0 {
			continue
		}
		ssrc, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			continue
		}
		return uint32(ssrc)
	}
	return 0
}

// Add remote ICE candidate from an SDP candidate string. An empty string for `desc` denotes
// the end of remote candidates.
func (pc *PeerConnection) AddIceCandidate(desc, mid string) error {
	return pc.iceSession.AddRemoteCandidate(mid, desc)
}

// Attempt to connect to remote peer. Send local ICE candidates to lcand.
func (pc *PeerConnection) Connect(lcand chan<- ice.Candidate) error {
	gatherOpts := pc.config.gatherOptions()

	if err := pc.iceSession.GatherCandidates(pc.localContext, gatherOpts, func(mid string, c ice.Candidate) {
		lcand <- c
	}); err != nil {
		return err
	}

	conns, err := pc.iceSession.Connect(pc.localContext)
	if err != nil {
		return err
	}
	iceConn, ok := conns[pc.mid]
	if !ok {
		return fmt.Errorf("ice: no connection established for mid=%s", pc.mid)
	}

	// Instantiate a new net.Conn multiplexer
	pc.mux = mux.NewMux(iceConn, 8192)

	// Instantiate a new endpoint for DTLS from multiplexer
	dtlsEndpoint := pc.mux.NewEndpoint(mux.MatchDTLS)

	// Instantiate a new endpoint for SRTP from multiplexer
	srtpEndpoint := pc.mux.NewEndpoint(mux.MatchSRTP)

	// Configuration for DTLS handshake, namely certificate and private key
	dtlsConfig := &dtls.Config{Certificate: pc.certificate, PrivateKey: pc.privateKey}

	// Initiate a DTLS handshake as a client
	dtlsConn, err := dtls.Client(dtlsEndpoint, dtlsConfig)
	if err != nil {
		return err
	}

	// Create SRTP keys from DTLS handshake (see RFC5764 Section 4.2)
	material, err := dtlsConn.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 2*keyLen+2*saltLen)
	if err != nil {
		return err
	}
	offset := 0
	writeKey := append([]byte{}, material[offset:offset+keyLen]...)
	offset += keyLen
	readKey := append([]byte{}, material[offset:offset+keyLen]...)
	offset += keyLen
	writeSalt := append([]byte{}, material[offset:offset+saltLen]...)
	offset += saltLen
	readSalt := append([]byte{}, material[offset:offset+saltLen]...)

	// Start goroutine for processing incoming SRTCP packets
	go srtp.ReaderRunloop(pc.mux, readKey, readSalt)

	// Instantiate a new SRTP session
	pc.srtpSession, err = srtp.NewSession(srtpEndpoint, pc.DynamicType, writeKey, writeSalt)
	if err != nil {
		return err
	}

	pc.secureTransport.AddTransport(pc.mid, pc.mid)
	pc.secureTransport.SetDTLSState(pc.mid, DTLSConnected)

	// Router-based receive path (C5): srtpEndpoint is shared rather than
	// duplicated, since srtp.Conn only ever writes to it (Send/Stap) and
	// never reads — a second endpoint matching mux.MatchSRTP would race it
	// for every incoming packet, as Mux.dispatch delivers each packet to
	// exactly one matching endpoint.
	pc.rtpSession = rtp.NewSession(srtpEndpoint, rtp.SessionOptions{
		ReadKey:  readKey,
		ReadSalt: readSalt,
	})
	pc.secureTransport.BindSession(pc.mid, pc.rtpSession)
	pc.secureTransport.AttachSRTP(pc.mid, pc.router)

	pc.dtmfSender = pc.rtpSession.NewDTMFSender(dtmfSSRC, pc.DynamicType, dtmfSampleRate)

	pc.bwEstimator = rtp.NewBandwidthEstimator()
	pc.bwEstimator.OnCongestion(func(congested bool) {
		rtcLog.Info("congestion state changed: congested=%v", congested)
	})
	pc.bwEstimator.OnAvailableBitrate(func(bps float64) {
		rtcLog.Debug("available bitrate estimate: %.0f bps", bps)
	})

	localSSRC := uint32(2541098696) // matches the ssrc declared in createAnswer's local description.
	pc.twccGen = rtp.NewTWCCGenerator(localSSRC, pc.remoteSSRC, func(pkt *rtcp.TransportLayerCC) {
		// Sending TWCC feedback requires an encrypted RTCP egress path this
		// connection's legacy srtp.Conn does not expose; log the packet we
		// would otherwise send so the generator's buffering/flush logic is
		// still exercised end-to-end.
		rtcLog.Debug("twcc feedback: base=%d count=%d fb_count=%d", pkt.BaseSequenceNumber, pkt.PacketStatusCount, pkt.FeedbackPacketCount)
	})
	go pc.twccGen.Run()

	return nil
}

const (
	dtmfSSRC       = 2541098697
	dtmfSampleRate = 8000
)

// InsertDTMF queues a DTMF tone sequence for transmission on this
// connection's telephone-event sender (spec §6, C6).
func (pc *PeerConnection) InsertDTMF(tones string, duration, interToneGap time.Duration) error {
	if pc.dtmfSender == nil {
		return errors.New("must establish connection before sending DTMF")
	}
	pc.dtmfSender.InsertDTMF(tones, duration, interToneGap)
	return nil
}

// ConnectionState returns the aggregate RTCPeerConnectionState across every
// transport (spec §4.8, C8).
func (pc *PeerConnection) ConnectionState() string {
	return pc.secureTransport.ConnectionState()
}

// IceConnectionState returns the aggregate ICE connection state across every
// transport (spec §4.8, C8).
func (pc *PeerConnection) IceConnectionState() string {
	return pc.secureTransport.IceConnectionState()
}

// IceGatheringState returns the aggregate ICE gathering state across every
// transport (spec §4.8, C8).
func (pc *PeerConnection) IceGatheringState() string {
	return pc.secureTransport.IceGatheringState()
}

func (pc *PeerConnection) Close() {
	rtcLog.Info("Closing peer connection")

	// Call context cancel function
	pc.teardown()

	if pc.twccGen != nil {
		pc.twccGen.Stop()
	}
	if pc.rtpSession != nil {
		pc.rtpSession.Close()
	}

	// Close connection multiplexer and its endpoints
	if pc.mux != nil {
		pc.mux.Close()
	}

	if pc.iceSession != nil {
		pc.iceSession.Close()
	}
}

// Stream a raw H.264 video over the peer connection. If wholeNALUs is true, assume that each Read()
// returns a whole number of NAL units (this is just an optimization).
func (pc *PeerConnection) StreamH264(source io.Reader, wholeNALUs bool) error {
	if pc.srtpSession == nil {
		return errors.New("Must establish connection before streaming video")
	}

	// Custom splitter. Extracts NAL units.
	ScanNALU := func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		i := bytes.Index(data, []byte{0, 0, 1})

		switch i {
		case -1:
			if wholeNALUs {
				// Assume entire remaining data chunk is one NALU.
				return len(data), data, nil
			} else {
				// No NALU boundary found. Wait for more data.
				return 0, nil, nil
			}
		case 0:
			return 3, nil, nil
		case 1:
			return 4, nil, nil
		// Found NAL unit boundary
		default:
			if data[i-1] == 0 {
				// 4 byte boundary
				return i + 3, data[0 : i-1], nil
			} else {
				// 3 byte boundary
				return i + 3, data[0:i], nil
			}
		}
	}

	buffer := make([]byte, naluBufferSize)
	scanner := bufio.NewScanner(source)
	scanner.Buffer(buffer, naluBufferSize)
	scanner.Split(ScanNALU)
	var stap []byte
	var nalu []byte
	for scanner.Scan() {

		select {
		case <-pc.localContext.Done():
			return nil

		default:
			// Get most recent token generated by Scan(). Does no allocation.
			if nalu = scanner.Bytes(); len(nalu) < 1 {
				continue
			}

			// https://tools.ietf.org/html/rfc6184#section-1.3
			forbiddenBit := (nalu[0] & 0x80) >> 7
			nri := (nalu[0] & 0x60) >> 5
			typ := nalu[0] & 0x1f
			//log.Printf("F: %b, NRI: %02b, Type: %d, Length: %d\n", forbiddenBit, nri, typ, len(nalu))

			if (typ == 6) || (typ == 7) || (typ == 8) {
				// Wrap SPS/PPS/SEI in STAP-A packet
				// https://tools.ietf.org/html/rfc6184#section-5.7
				if stap == nil {
					stap = []byte{nalTypeSingleTimeAggregationPacketA}
				}
				length := len(nalu)
				stap = append(stap, byte(length>>8), byte(length))
				stap = append(stap, nalu...)

				// STAP-A forbidden bit is bitwise-OR of all aggregated forbidden bits
				stap[0] |= forbiddenBit << 7

				// STAP-A NRI value is the maximum of all aggregated NRI values.
				stapnri := (stap[0] & 0x60) >> 5
				if nri > stapnri {
					stap[0] = (stap[0] &^ 0x60) | (nri << 5)
				}
			} else {
				if stap != nil {
					pc.srtpSession.Stap(stap)
					stap = nil
				}

				// Make a copy of the NALU, since the RTP payload gets encrypted in place.
				naluCopy := make([]byte, len(nalu))
				copy(naluCopy, nalu)
				pc.srtpSession.Send(naluCopy)
			}
		}
	}

	return scanner.Err()
}
