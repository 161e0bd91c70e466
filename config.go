//////////////////////////////////////////////////////////////////////////////
//
// Config contains configuration data for PeerConnection
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package alohartc

import "github.com/lanikai/alohartc/internal/ice"

// Config controls how a PeerConnection gathers candidates and negotiates
// transport. defaultConfig gives the starting point (public STUN, no TURN, no
// mDNS); a zero Config has no STUN server, so gathering yields no
// server-reflexive candidates.
type Config struct {
	stunServer    string
	turnServer    string
	turnUsername  string
	turnPassword  string
	enableIPv6    bool
	enableMDNS    bool
}

// Option configures a Config. See WithSTUNServer, WithTURNServer, etc.
type Option func(*Config)

// defaultSTUNServer is the STUN server defaultConfig starts with. It has the
// same value as internal/ice's defaultStunServer; internal/ice does not fall
// back to that constant when GatherOptions.STUNServer is empty.
const defaultSTUNServer = "stun2.l.google.com:19302"

func defaultConfig() *Config {
	return &Config{
		stunServer: defaultSTUNServer,
	}
}

// WithSTUNServer overrides the default public STUN server used for
// server-reflexive candidate gathering.
func WithSTUNServer(addr string) Option {
	return func(c *Config) { c.stunServer = addr }
}

// WithTURNServer configures a TURN relay for candidate gathering when direct
// or server-reflexive connectivity fails.
func WithTURNServer(addr, username, password string) Option {
	return func(c *Config) {
		c.turnServer = addr
		c.turnUsername = username
		c.turnPassword = password
	}
}

// WithIPv6 enables gathering of IPv6 host and server-reflexive candidates.
func WithIPv6(enable bool) Option {
	return func(c *Config) { c.enableIPv6 = enable }
}

// WithMDNS enables mDNS obfuscation of host candidates (RFC8445 §5.1.1.3).
func WithMDNS(enable bool) Option {
	return func(c *Config) { c.enableMDNS = enable }
}

func (c *Config) gatherOptions() ice.GatherOptions {
	return ice.GatherOptions{
		EnableIPv6:   c.enableIPv6,
		STUNServer:   c.stunServer,
		TURNServer:   c.turnServer,
		TURNUsername: c.turnUsername,
		TURNPassword: c.turnPassword,
		EnableMDNS:   c.enableMDNS,
	}
}
