package netconf_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/wilhg/netorch/pkg/netconf"
	"github.com/wilhg/netorch/pkg/netconf/netconftest"
)

func TestFramer_EndOfMessage(t *testing.T) {
	var buf bytes.Buffer
	fr := netconf.NewFramer(&buf, &buf)
	if err := fr.WriteMsg([]byte("<a/>")); err != nil {
		t.Fatal(err)
	}
	if err := fr.WriteMsg([]byte("<b/>")); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"<a/>", "<b/>"} {
		got, err := fr.ReadMsg()
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Fatalf("got %q want %q", got, want)
		}
	}
}

func TestFramer_Chunked(t *testing.T) {
	var buf bytes.Buffer
	fr := netconf.NewFramer(&buf, &buf)
	fr.SetChunked()
	if err := fr.WriteMsg([]byte("<rpc-reply><ok/></rpc-reply>")); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "\n#28\n") {
		t.Fatalf("unexpected frame %q", buf.String())
	}
	got, err := fr.ReadMsg()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "<rpc-reply><ok/></rpc-reply>" {
		t.Fatalf("got %q", got)
	}
}

func TestFramer_ChunkedMultipleChunks(t *testing.T) {
	in := "\n#4\n<rpc\n#7\n-reply>\n#5\n<ok/>\n#12\n</rpc-reply>\n##\n"
	fr := netconf.NewFramer(strings.NewReader(in), nil)
	fr.SetChunked()
	got, err := fr.ReadMsg()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "<rpc-reply><ok/></rpc-reply>" {
		t.Fatalf("got %q", got)
	}
}

func TestFramer_ChunkedRejectsBadSize(t *testing.T) {
	fr := netconf.NewFramer(strings.NewReader("\n#0\n\n##\n"), nil)
	fr.SetChunked()
	if _, err := fr.ReadMsg(); !errors.Is(err, netconf.ErrFraming) {
		t.Fatalf("err=%v want framing error", err)
	}
}

func TestClient_GetConfigNegotiatesChunked(t *testing.T) {
	dev := netconftest.New(func(op, body string) netconftest.Response {
		if op != "get-config" {
			t.Errorf("op=%s", op)
		}
		if !strings.Contains(body, "<running/>") {
			t.Errorf("body=%s", body)
		}
		return netconftest.Response{Data: "<interfaces><interface><name>Ethernet1</name></interface></interfaces>"}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := dev.Dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if !c.HasCapability(netconf.CapBase11) {
		t.Fatalf("caps=%v", c.Capabilities())
	}
	rep, err := c.Do(ctx, netconf.GetConfig(netconf.Running, ""))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rep.DataXML(), "Ethernet1") {
		t.Fatalf("data=%q", rep.DataXML())
	}
}

func TestClient_Base10Only(t *testing.T) {
	dev := netconftest.New(func(op, body string) netconftest.Response { return netconftest.Response{} })
	dev.Capabilities = []string{netconf.CapBase10}
	ctx := context.Background()
	c, err := dev.Dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	rep, err := c.Do(ctx, netconf.Commit(netconf.CommitOptions{}))
	if err != nil {
		t.Fatal(err)
	}
	if rep.OK == nil {
		t.Fatalf("expected <ok/>, got %s", rep.Raw)
	}
}

func TestClient_RPCErrorIsReturned(t *testing.T) {
	dev := netconftest.New(func(op, body string) netconftest.Response {
		return netconftest.Response{Error: &netconf.RPCError{Type: "application", Tag: "invalid-value", Message: "bad filter"}}
	})
	ctx := context.Background()
	c, err := dev.Dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	rep, err := c.Do(ctx, netconf.GetConfig(netconf.Running, "<bogus/>"))
	var rpcErr netconf.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err=%v want RPCError", err)
	}
	if rpcErr.Tag != "invalid-value" || rep == nil {
		t.Fatalf("rpcErr=%+v rep=%v", rpcErr, rep)
	}
	// The session stays usable after a device-reported error.
	if c.Closed() {
		t.Fatal("client closed after rpc-error")
	}
}

func TestClient_TimeoutClosesTransport(t *testing.T) {
	dev := netconftest.New(func(op, body string) netconftest.Response {
		return netconftest.Response{Delay: 500 * time.Millisecond}
	})
	c, err := dev.Dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Do(ctx, netconf.GetConfig(netconf.Running, ""))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline", err)
	}
	if !c.Closed() {
		t.Fatal("client should be closed after timeout")
	}
	if _, err := c.Do(context.Background(), netconf.Commit(netconf.CommitOptions{})); !errors.Is(err, netconf.ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
}

func TestClient_DroppedTransportIsTransportError(t *testing.T) {
	dev := netconftest.New(func(op, body string) netconftest.Response { return netconftest.Response{Drop: true} })
	c, err := dev.Dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Do(context.Background(), netconf.GetConfig(netconf.Running, ""))
	if !netconf.IsTransportError(err) {
		t.Fatalf("err=%v want transport error", err)
	}
}

func TestBuilders(t *testing.T) {
	got := string(netconf.GetConfig(netconf.Candidate, "<interfaces/>"))
	want := `<get-config><source><candidate/></source><filter type="subtree"><interfaces/></filter></get-config>`
	if got != want {
		t.Fatalf("get-config=%s", got)
	}
	got = string(netconf.EditConfig(netconf.EditOptions{
		Target:           netconf.Candidate,
		Config:           "<config><system/></config>",
		DefaultOperation: "merge",
		TestOption:       "test-then-set",
		ErrorOption:      "rollback-on-error",
	}))
	want = `<edit-config><target><candidate/></target><default-operation>merge</default-operation><test-option>test-then-set</test-option><error-option>rollback-on-error</error-option><config><system/></config></edit-config>`
	if got != want {
		t.Fatalf("edit-config=%s", got)
	}
	got = string(netconf.Commit(netconf.CommitOptions{Confirmed: true, ConfirmTimeout: 120}))
	if got != "<commit><confirmed/><confirm-timeout>120</confirm-timeout></commit>" {
		t.Fatalf("commit=%s", got)
	}
	got = string(netconf.CommitConfiguration(netconf.CommitOptions{Confirmed: true, ConfirmTimeout: 5, Comment: "a<b"}))
	if got != `<commit-configuration confirmed="true" confirm-timeout="5"><log>a&lt;b</log></commit-configuration>` {
		t.Fatalf("commit-configuration=%s", got)
	}
	if w := netconf.WrapConfig("<system/>"); !strings.HasPrefix(w, "<config ") {
		t.Fatalf("wrap=%s", w)
	}
	if w := netconf.WrapConfig("<config><system/></config>"); w != "<config><system/></config>" {
		t.Fatalf("wrap kept=%s", w)
	}
}

func TestWellFormed(t *testing.T) {
	if err := netconf.WellFormed("<a><b/></a>"); err != nil {
		t.Fatal(err)
	}
	if err := netconf.WellFormed("<a><b></a>"); err == nil {
		t.Fatal("expected error for mismatched tags")
	}
	if err := netconf.WellFormed("   "); err == nil {
		t.Fatal("expected error for empty input")
	}
}
