package srtp

import (
	"net"

	"github.com/lanikai/alohartc/internal/logging"
	"github.com/lanikai/alohartc/internal/mux"
	"github.com/lanikai/alohartc/internal/rtcp"
)

var log = logging.DefaultLogger.WithTag("srtp")

// ReaderRunloop deciphers incoming SRTCP packets on mx's SRTCP endpoint and
// logs the feedback they carry (PLI/NACK/receiver reports). It exits when
// the endpoint's Read returns an error, which happens once mx is closed.
//
// This stack has no encoder that reacts to congestion or loss feedback yet,
// so decoded reports are logged rather than acted on; wiring a sender-side
// response (e.g. forcing a key frame on PLI) is a natural next step once
// internal/rtp grows a feedback-aware sender.
func ReaderRunloop(mx *mux.Mux, masterKey, masterSalt []byte) {
	endpoint := mx.NewEndpoint(mux.MatchSRTCP)

	ctx, err := CreateContext(masterKey, masterSalt)
	if err != nil {
		log.Error("srtcp: failed to create decryption context: %v", err)
		return
	}

	buf := make([]byte, 2048)
	for {
		n, err := endpoint.Read(buf)
		if err != nil {
			if err != net.ErrClosed {
				log.Debug("srtcp: reader exiting: %v", err)
			}
			return
		}

		plaintext, err := ctx.DecipherRTCP(nil, buf[:n])
		if err != nil {
			log.Warn("srtcp: failed to decipher packet: %v", err)
			continue
		}

		var h rtcp.Header
		if err := h.Unmarshal(plaintext); err != nil {
			log.Warn("srtcp: failed to parse header: %v", err)
			continue
		}

		switch h.Type {
		case rtcp.TypePayloadSpecificFeedback:
			if h.Count == rtcp.FormatPLI {
				log.Debug("srtcp: received picture loss indication")
			}
		case rtcp.TypeTransportSpecificFeedback:
			log.Debug("srtcp: received transport-layer feedback (fmt=%d)", h.Count)
		case rtcp.TypeReceiverReport, rtcp.TypeSenderReport:
			log.Debug("srtcp: received %s", h.Type)
		}
	}
}
