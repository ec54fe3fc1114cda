// Package netconftest provides an in-process NETCONF device for tests.
package netconftest

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/wilhg/netorch/pkg/netconf"
)

// Response is what the fake device answers to one RPC.
type Response struct {
	// Data is returned inside <data>; empty with no Error yields <ok/>.
	Data  string
	Error *netconf.RPCError
	// Delay postpones the reply.
	Delay time.Duration
	// Drop closes the transport instead of replying.
	Drop bool
}

// Handler decides the response for an operation (the local name of the
// first element inside <rpc>) and its raw body.
type Handler func(op string, body string) Response

// Device is a scripted NETCONF server.
type Device struct {
	Capabilities []string
	Handler      Handler

	mu    sync.Mutex
	calls []string
	conns int
}

// New returns a device advertising base:1.0 and base:1.1.
func New(h Handler) *Device {
	return &Device{
		Capabilities: []string{netconf.CapBase10, netconf.CapBase11, netconf.CapCandidate, netconf.CapConfirmedCommit},
		Handler:      h,
	}
}

// Calls returns the operations received so far, in order.
func (d *Device) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Connections returns how many sessions were opened against the device.
func (d *Device) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns
}

// Dial opens a client session over an in-memory pipe.
func (d *Device) Dial(ctx context.Context) (*netconf.Client, error) {
	c1, c2 := net.Pipe()
	d.mu.Lock()
	d.conns++
	id := d.conns
	d.mu.Unlock()
	go func() { _ = d.Serve(c2, uint64(id)) }()
	return netconf.Open(ctx, c1)
}

// Serve speaks NETCONF on rwc until the peer closes or sends <close-session/>.
func (d *Device) Serve(rwc io.ReadWriteCloser, sessionID uint64) error {
	defer rwc.Close()
	fr := netconf.NewFramer(rwc, rwc)
	hello, _ := xml.Marshal(netconf.Hello{Capabilities: d.Capabilities, SessionID: sessionID})
	werr := make(chan error, 1)
	go func() { werr <- fr.WriteMsg(hello) }()
	raw, err := fr.ReadMsg()
	if err != nil {
		return err
	}
	if err := <-werr; err != nil {
		return err
	}
	var peer netconf.Hello
	if err := xml.Unmarshal(raw, &peer); err != nil {
		return err
	}
	if has(peer.Capabilities, netconf.CapBase11) && has(d.Capabilities, netconf.CapBase11) {
		fr.SetChunked()
	}
	for {
		raw, err := fr.ReadMsg()
		if err != nil {
			return err
		}
		var req struct {
			MessageID string `xml:"message-id,attr"`
			Inner     string `xml:",innerxml"`
		}
		if err := xml.Unmarshal(raw, &req); err != nil {
			return err
		}
		op := netconf.RootElement(req.Inner)
		d.mu.Lock()
		d.calls = append(d.calls, op)
		d.mu.Unlock()

		var resp Response
		if op != "close-session" && d.Handler != nil {
			resp = d.Handler(op, req.Inner)
		}
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		if resp.Drop {
			return nil
		}
		if err := fr.WriteMsg([]byte(formatReply(req.MessageID, resp))); err != nil {
			return err
		}
		if op == "close-session" {
			return nil
		}
	}
}

func formatReply(id string, r Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<rpc-reply message-id="%s" xmlns="%s">`, id, netconf.BaseNamespace)
	switch {
	case r.Error != nil:
		sev := r.Error.Severity
		if sev == "" {
			sev = "error"
		}
		fmt.Fprintf(&b, "<rpc-error><error-type>%s</error-type><error-tag>%s</error-tag><error-severity>%s</error-severity><error-message>%s</error-message></rpc-error>",
			r.Error.Type, r.Error.Tag, sev, r.Error.Message)
	case r.Data != "":
		b.WriteString("<data>" + r.Data + "</data>")
	default:
		b.WriteString("<ok/>")
	}
	b.WriteString("</rpc-reply>")
	return b.String()
}

func has(caps []string, c string) bool {
	for _, x := range caps {
		if x == c {
			return true
		}
	}
	return false
}
