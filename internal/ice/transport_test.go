package ice

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportAddressIPv4(t *testing.T) {
	ta := makeTransportAddress(&net.UDPAddr{
		IP:   net.ParseIP("1.2.3.4"),
		Port: 5678,
	})

	assert.Equal(t, "udp", ta.protocol)
	assert.Equal(t, "1.2.3.4", ta.ip)
	assert.Equal(t, 5678, ta.port)
	assert.Equal(t, "udp/1.2.3.4:5678", ta.String())
}

func TestTransportAddressIPv6(t *testing.T) {
	ta := makeTransportAddress(&net.UDPAddr{
		IP:   net.ParseIP("1:2:3:4::"),
		Port: 5678,
	})

	assert.Equal(t, "udp", ta.protocol)
	assert.Equal(t, "1:2:3:4::", ta.ip)
	assert.Equal(t, 5678, ta.port)
}

func TestTransportAddressNetAddr(t *testing.T) {
	ta := TransportAddress{protocol: "udp", ip: "192.168.1.1", port: 4321}
	addr := ta.netAddr()
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		t.Fatalf("expected *net.UDPAddr, got %T", addr)
	}
	assert.Equal(t, "192.168.1.1", udpAddr.IP.String())
	assert.Equal(t, 4321, udpAddr.Port)
}
