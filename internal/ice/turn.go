package ice

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Minimal TURN (RFC 5766) client sufficient to obtain a relay candidate.
// TURN reuses the STUN message framing defined in stun.go, adding its own
// methods and attributes.

const (
	turnAllocateMethod     = 0x003
	turnRefreshMethod      = 0x004
	turnCreatePermMethod   = 0x008
	turnChannelBindMethod  = 0x009

	turnAttrChannelNumber    = 0x000C
	turnAttrLifetime         = 0x000D
	turnAttrXorPeerAddress   = 0x0012
	turnAttrData             = 0x0013
	turnAttrXorRelayedAddr   = 0x0016
	turnAttrRequestedTransport = 0x0019

	turnTransportUDP = 17

	defaultTURNLifetime = 600 * time.Second
)

// turnAllocate performs a single TURN Allocate transaction. When username is
// set, the request carries USERNAME and a MESSAGE-INTEGRITY keyed directly by
// password. A 401 challenge (REALM/NONCE) is not answered: the error response
// is returned as an error, and the caller does not retry.
func (base *Base) turnAllocate(ctx context.Context, server, username, password string) (TransportAddress, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return TransportAddress{}, err
	}

	req := newStunMessage(stunRequest, turnAllocateMethod, "")
	req.addAttribute(turnAttrRequestedTransport, []byte{turnTransportUDP, 0, 0, 0})
	lifetime := make([]byte, 4)
	binary.BigEndian.PutUint32(lifetime, uint32(defaultTURNLifetime/time.Second))
	req.addAttribute(turnAttrLifetime, lifetime)
	if username != "" {
		req.addAttribute(stunAttrUsername, []byte(username))
		req.addMessageIntegrity(password)
	}
	req.addFingerprint()

	respCh := make(chan *stunMessage, 1)
	if err := base.sendStun(req, serverAddr, func(resp *stunMessage, raddr net.Addr, b *Base) {
		respCh <- resp
	}); err != nil {
		return TransportAddress{}, err
	}

	select {
	case resp := <-respCh:
		if resp.class != stunSuccessResponse {
			return TransportAddress{}, fmt.Errorf("turn: allocate failed: %s", resp)
		}
		for _, attr := range resp.attributes {
			if attr.Type == turnAttrXorRelayedAddr {
				addr := extractAddr(attr, resp.transactionID, true)
				return makeTransportAddress(addr), nil
			}
		}
		return TransportAddress{}, fmt.Errorf("turn: allocate response missing XOR-RELAYED-ADDRESS")
	case <-ctx.Done():
		return TransportAddress{}, ctx.Err()
	case <-time.After(timeoutQuerySTUNServer):
		return TransportAddress{}, fmt.Errorf("turn: allocate timed out")
	}
}

// createPermission installs a permission for peerAddr on an existing relay
// allocation, required by RFC 5766 §9 before relayed data will be forwarded.
func (base *Base) turnCreatePermission(ctx context.Context, server string, peerAddr net.Addr) error {
	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return err
	}

	req := newStunMessage(stunRequest, turnCreatePermMethod, "")
	xorAddr := newStunMessage(stunSuccessResponse, stunBindingMethod, req.transactionID)
	xorAddr.setXorMappedAddress(peerAddr)
	for _, attr := range xorAddr.attributes {
		if attr.Type == stunAttrXorMappedAddress {
			attr.Type = turnAttrXorPeerAddress
			req.attributes = append(req.attributes, attr)
			req.length += uint16(attr.numBytes())
		}
	}
	req.addFingerprint()

	return base.sendStun(req, serverAddr, nil)
}
