package ice

import (
	"errors"
	"io"
	"math"
	"net"
	"time"
)

// ChannelConn implements net.Conn on top of a channel of inbound packets and
// a Base used for outbound writes. It is the net.Conn handed back to callers
// once ICE connectivity has been established on a candidate pair.
type ChannelConn struct {
	base *Base

	in     <-chan []byte // Channel for reads, fed by Base.readLoop
	laddr  net.Addr
	raddr  net.Addr
	rtimer *time.Timer

	closed chan struct{}
}

func newChannelConn(base *Base, in <-chan []byte, raddr net.Addr) *ChannelConn {
	return &ChannelConn{
		base:   base,
		in:     in,
		laddr:  base.LocalAddr(),
		raddr:  raddr,
		rtimer: time.NewTimer(math.MaxInt64),
		closed: make(chan struct{}),
	}
}

// Read the next buffer from the connection. Returns io.EOF if closed.
func (c *ChannelConn) Read(b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, io.EOF

	case data, ok := <-c.in:
		if !ok {
			return 0, io.EOF
		}
		if len(data) > len(b) {
			log.Warn("ChannelConn: read truncated due to short buffer")
		}
		return copy(b, data), nil

	case <-c.rtimer.C:
		return 0, errors.New("ice: read timeout")
	}
}

// Write the buffer to the remote address over the underlying base.
func (c *ChannelConn) Write(b []byte) (int, error) {
	return c.base.WriteTo(b, c.raddr)
}

func (c *ChannelConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *ChannelConn) LocalAddr() net.Addr {
	return c.laddr
}

func (c *ChannelConn) RemoteAddr() net.Addr {
	return c.raddr
}

// SetDeadline sets both the read and write timeouts.
func (c *ChannelConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *ChannelConn) SetReadDeadline(t time.Time) error {
	if !c.rtimer.Stop() {
		select {
		case <-c.rtimer.C:
		default:
		}
	}
	if !t.IsZero() {
		c.rtimer.Reset(time.Until(t))
	} else {
		c.rtimer.Reset(math.MaxInt64)
	}
	return nil
}

// SetWriteDeadline sets a write timeout. The underlying base is shared across
// candidate pairs, so this is a best-effort hint rather than a hard bound.
func (c *ChannelConn) SetWriteDeadline(t time.Time) error {
	return c.base.SetWriteDeadline(t)
}
