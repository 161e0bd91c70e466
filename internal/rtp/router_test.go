package rtp

import "testing"

type fakeHandler struct {
	track bool
	got   []string
}

func (h *fakeHandler) handleRoutedPacket(rid string, hdr rtpHeader, payload []byte) error {
	h.got = append(h.got, rid)
	return nil
}

func (h *fakeHandler) hasTrack() bool {
	return h.track
}

func TestRouterRoutesByRID(t *testing.T) {
	router := NewRouter()
	router.SetExtensionMap(map[byte]string{5: sdesRTPStreamIDURI})

	h := &fakeHandler{}
	router.BindRID("hi", h)

	hdr := rtpHeader{
		ssrc:       0x1111,
		extensions: map[byte][]byte{5: []byte("hi")},
	}
	if err := router.Route(hdr, []byte("payload")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(h.got) != 1 || h.got[0] != "hi" {
		t.Fatalf("expected one dispatch with rid=hi, got %v", h.got)
	}

	// A later packet for the same SSRC, but without the RID extension, should
	// still route via the SSRC memoized on the first dispatch.
	hdr2 := rtpHeader{ssrc: 0x1111}
	if err := router.Route(hdr2, []byte("payload2")); err != nil {
		t.Fatalf("Route (memoized): %v", err)
	}
	if len(h.got) != 2 || h.got[1] != "" {
		t.Fatalf("expected memoized dispatch with rid=\"\", got %v", h.got)
	}
}

func TestRouterRoutesBySSRC(t *testing.T) {
	router := NewRouter()
	h := &fakeHandler{}
	router.BindSSRC(0x2222, h)

	hdr := rtpHeader{ssrc: 0x2222}
	if err := router.Route(hdr, []byte("payload")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(h.got) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(h.got))
	}
}

func TestRouterBindsUnknownSSRCToExistingTrack(t *testing.T) {
	router := NewRouter()
	h := &fakeHandler{track: true}
	router.BindRID("lo", h)

	hdr := rtpHeader{ssrc: 0x3333}
	if err := router.Route(hdr, []byte("payload")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(h.got) != 1 || h.got[0] != "" {
		t.Fatalf("expected fallback dispatch with rid=\"\", got %v", h.got)
	}

	// Now memoized; a second packet for the same SSRC should go straight
	// through the SSRC table without re-scanning ridTable.
	if err := router.Route(hdr, []byte("payload2")); err != nil {
		t.Fatalf("Route (memoized): %v", err)
	}
	if len(h.got) != 2 {
		t.Fatalf("expected second dispatch, got %d", len(h.got))
	}
}

func TestRouterNoRoute(t *testing.T) {
	router := NewRouter()
	hdr := rtpHeader{ssrc: 0x4444}
	if err := router.Route(hdr, []byte("payload")); err != errNoRoute {
		t.Fatalf("expected errNoRoute, got %v", err)
	}
}

func TestRouterUnbind(t *testing.T) {
	router := NewRouter()
	h := &fakeHandler{}
	router.BindSSRC(0x5555, h)
	router.Unbind(0x5555)

	hdr := rtpHeader{ssrc: 0x5555}
	if err := router.Route(hdr, []byte("payload")); err != errNoRoute {
		t.Fatalf("expected errNoRoute after unbind, got %v", err)
	}
}
