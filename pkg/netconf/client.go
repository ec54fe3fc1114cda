package netconf

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("netconf: session closed")
	// ErrHandshake wraps failures of the hello exchange.
	ErrHandshake = errors.New("netconf: hello exchange failed")
)

// DefaultCapabilities are advertised by the client in its hello.
var DefaultCapabilities = []string{CapBase10, CapBase11}

// Client is a single NETCONF session over an established byte stream.
// Calls to Do are serialized.
type Client struct {
	mu        sync.Mutex
	rwc       io.ReadWriteCloser
	framer    *Framer
	nextID    atomic.Uint64
	caps      []string
	sessionID uint64
	closed    atomic.Bool
}

// Open performs the hello exchange over rwc and returns a ready client.
// rwc is closed if ctx expires before the exchange completes.
func Open(ctx context.Context, rwc io.ReadWriteCloser) (*Client, error) {
	c := &Client{rwc: rwc, framer: NewFramer(rwc, rwc)}
	err := c.run(ctx, func() error {
		out, _ := xml.Marshal(Hello{Capabilities: DefaultCapabilities})
		werr := make(chan error, 1)
		go func() { werr <- c.framer.WriteMsg(append([]byte(xml.Header), out...)) }()
		raw, err := c.framer.ReadMsg()
		if err != nil {
			return fmt.Errorf("%w: read hello: %v", ErrHandshake, err)
		}
		if err := <-werr; err != nil {
			return fmt.Errorf("%w: write hello: %v", ErrHandshake, err)
		}
		var peer Hello
		if err := xml.Unmarshal(raw, &peer); err != nil {
			return fmt.Errorf("%w: decode hello: %v", ErrHandshake, err)
		}
		if len(peer.Capabilities) == 0 {
			return fmt.Errorf("%w: peer advertised no capabilities", ErrHandshake)
		}
		c.caps = peer.Capabilities
		c.sessionID = peer.SessionID
		if c.HasCapability(CapBase11) {
			c.framer.SetChunked()
		}
		return nil
	})
	if err != nil {
		_ = rwc.Close()
		return nil, err
	}
	return c, nil
}

// Capabilities returns the capabilities advertised by the device.
func (c *Client) Capabilities() []string { return append([]string(nil), c.caps...) }

// SessionID returns the session id assigned by the device.
func (c *Client) SessionID() uint64 { return c.sessionID }

// HasCapability reports whether the device advertised a capability with the given prefix.
func (c *Client) HasCapability(prefix string) bool {
	for _, cp := range c.caps {
		if strings.HasPrefix(cp, prefix) {
			return true
		}
	}
	return false
}

// Do sends one operation body and waits for the matching reply.
// A reply carrying rpc-errors is returned together with a non-nil error.
// If ctx expires the transport is closed and the client becomes unusable.
func (c *Client) Do(ctx context.Context, body []byte) (*Reply, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID.Add(1)
	var rep *Reply
	err := c.run(ctx, func() error {
		if err := c.framer.WriteMsg(FormatRPC(id, body)); err != nil {
			return err
		}
		raw, err := c.framer.ReadMsg()
		if err != nil {
			return err
		}
		rep, err = ParseReply(raw)
		if err != nil {
			return err
		}
		if rep.MessageID != "" && rep.MessageID != fmt.Sprint(id) {
			return fmt.Errorf("netconf: reply message-id %s does not match %d", rep.MessageID, id)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil || IsTransportError(err) {
			c.shutdown()
		}
		return nil, err
	}
	if rerr := rep.Err(); rerr != nil {
		return rep, rerr
	}
	return rep, nil
}

// Close sends <close-session/> best-effort and closes the transport.
func (c *Client) Close() error {
	if c.closed.Load() {
		return nil
	}
	if c.mu.TryLock() {
		id := c.nextID.Add(1)
		_ = c.framer.WriteMsg(FormatRPC(id, CloseSession()))
		c.mu.Unlock()
	}
	return c.shutdown()
}

// Closed reports whether the client's transport has been closed.
func (c *Client) Closed() bool { return c.closed.Load() }

func (c *Client) shutdown() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.rwc.Close()
}

// run executes fn, abandoning it (and closing the transport) if ctx ends first.
func (c *Client) run(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = c.shutdown()
		<-done
		return ctx.Err()
	}
}

// IsTransportError reports whether err indicates the underlying stream is unusable.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, ErrFraming) ||
		errors.As(err, &ne)
}
