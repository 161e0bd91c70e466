package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCandidate(t *testing.T) {
	desc := "candidate:0 1 udp 123456789 192.168.1.1 12345 typ host"
	c := Candidate{mid: "mid"}
	err := parseCandidateSDP(desc, &c)
	if err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, "0", c.foundation)
	assert.Equal(t, 1, c.component)
	assert.Equal(t, "udp", c.address.protocol)
	assert.Equal(t, "192.168.1.1", c.address.ip)
	assert.Equal(t, 12345, c.address.port)
	assert.Equal(t, uint32(123456789), c.priority)
	assert.Equal(t, "host", c.typ)
}

func TestCandidateString(t *testing.T) {
	desc := "candidate:0 1 udp 123456789 192.168.1.1 12345 typ host"
	c := Candidate{mid: "mid"}
	if err := parseCandidateSDP(desc, &c); err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, desc, c.String())
}

func TestParseCandidateRejectsPeerReflexive(t *testing.T) {
	desc := "candidate:0 1 udp 123456789 192.168.1.1 12345 typ prflx"
	c := Candidate{mid: "mid"}
	err := parseCandidateSDP(desc, &c)
	assert.Error(t, err)
}
