package device_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wilhg/netorch/pkg/device"
	"github.com/wilhg/netorch/pkg/errmodel"
	"github.com/wilhg/netorch/pkg/netconf"
	"github.com/wilhg/netorch/pkg/netconf/netconftest"
)

func dialerFor(devs map[string]*netconftest.Device) device.Dialer {
	return device.DialerFunc(func(ctx context.Context, t device.Target) (device.Conn, error) {
		d, ok := devs[t.Host]
		if !ok {
			return nil, fmt.Errorf("%w: no route to %s", netconf.ErrUnreachable, t.Host)
		}
		return d.Dial(ctx)
	})
}

func target(host string) device.Target {
	return device.Target{Host: host, Credentials: device.Credentials{Username: "admin", Password: "admin"}}
}

func TestManager_SameKeyIsSerialized(t *testing.T) {
	var inflight, peak atomic.Int32
	dev := netconftest.New(func(op, body string) netconftest.Response {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		return netconftest.Response{Data: "<x/>"}
	})
	m := device.NewManager(dialerFor(map[string]*netconftest.Device{"r1": dev}))
	defer m.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Acquire(ctx, target("r1"))
			if err != nil {
				t.Error(err)
				return
			}
			defer m.Release(s)
			if _, err := m.Execute(ctx, s, device.Operation{Kind: device.OpGetConfig, Body: netconf.GetConfig(netconf.Running, "")}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Fatalf("peak concurrent operations=%d want 1", peak.Load())
	}
	if dev.Connections() != 1 {
		t.Fatalf("connections=%d want 1 (session reused)", dev.Connections())
	}
}

func TestManager_DistinctKeysRunConcurrently(t *testing.T) {
	gate := make(chan struct{})
	var arrived atomic.Int32
	h := func(op, body string) netconftest.Response {
		if arrived.Add(1) == 2 {
			close(gate)
		}
		select {
		case <-gate:
		case <-time.After(2 * time.Second):
			return netconftest.Response{Error: &netconf.RPCError{Type: "application", Tag: "operation-failed", Message: "not concurrent"}}
		}
		return netconftest.Response{}
	}
	devs := map[string]*netconftest.Device{"r1": netconftest.New(h), "r2": netconftest.New(h)}
	m := device.NewManager(dialerFor(devs))
	defer m.Close()

	ctx := context.Background()
	errs := make(chan error, 2)
	for _, host := range []string{"r1", "r2"} {
		go func(host string) {
			s, err := m.Acquire(ctx, target(host))
			if err != nil {
				errs <- err
				return
			}
			defer m.Release(s)
			_, err = m.Execute(ctx, s, device.Operation{Kind: device.OpCommit, Body: netconf.Commit(netconf.CommitOptions{})})
			errs <- err
		}(host)
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
}

func TestManager_DifferentCredentialsGetSeparateSessions(t *testing.T) {
	dev := netconftest.New(nil)
	m := device.NewManager(dialerFor(map[string]*netconftest.Device{"r1": dev}))
	defer m.Close()
	ctx := context.Background()
	for _, user := range []string{"alice", "bob"} {
		tg := device.Target{Host: "r1", Credentials: device.Credentials{Username: user, Password: "pw"}}
		s, err := m.Acquire(ctx, tg)
		if err != nil {
			t.Fatal(err)
		}
		m.Release(s)
	}
	if got := len(m.Sessions()); got != 2 {
		t.Fatalf("sessions=%d want 2", got)
	}
}

func TestManager_TransientFailureRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	dev := netconftest.New(func(op, body string) netconftest.Response {
		if calls.Add(1) == 1 {
			return netconftest.Response{Drop: true}
		}
		return netconftest.Response{Data: "<ok-after-retry/>"}
	})
	m := device.NewManager(dialerFor(map[string]*netconftest.Device{"r1": dev}))
	defer m.Close()

	ctx := context.Background()
	s, err := m.Acquire(ctx, target("r1"))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(s)
	gen := s.Generation()
	rep, err := m.Execute(ctx, s, device.Operation{Kind: device.OpGetConfig, Body: netconf.GetConfig(netconf.Running, "")})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rep.DataXML(), "ok-after-retry") {
		t.Fatalf("data=%s", rep.DataXML())
	}
	if dev.Connections() != 2 || s.Generation() != gen+1 {
		t.Fatalf("connections=%d generation=%d", dev.Connections(), s.Generation())
	}
}

func TestManager_SecondTransientFailureIsReported(t *testing.T) {
	var closed atomic.Int32
	dev := netconftest.New(func(op, body string) netconftest.Response { return netconftest.Response{Drop: true} })
	m := device.NewManager(dialerFor(map[string]*netconftest.Device{"r1": dev}),
		device.WithCloseHook(func(device.Key, uint64, string) { closed.Add(1) }))
	defer m.Close()

	ctx := context.Background()
	s, err := m.Acquire(ctx, target("r1"))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(s)
	_, err = m.Execute(ctx, s, device.Operation{Kind: device.OpGetConfig, Body: netconf.GetConfig(netconf.Running, "")})
	ce := errmodel.From(err)
	if ce.Category != errmodel.CategoryOperation || ce.Code != "transport" {
		t.Fatalf("err=%+v", ce)
	}
	if got := len(dev.Calls()); got != 2 {
		t.Fatalf("device saw %d calls want 2", got)
	}
	if s.State() != device.StateFaulted || closed.Load() != 2 {
		t.Fatalf("state=%s close hooks=%d", s.State(), closed.Load())
	}
}

func TestManager_CommitIsNotReplayedOnNewSession(t *testing.T) {
	dev := netconftest.New(func(op, body string) netconftest.Response {
		if op == "commit" {
			return netconftest.Response{Drop: true}
		}
		return netconftest.Response{}
	})
	m := device.NewManager(dialerFor(map[string]*netconftest.Device{"r1": dev}))
	defer m.Close()

	ctx := context.Background()
	s, err := m.Acquire(ctx, target("r1"))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(s)
	if _, err := m.Execute(ctx, s, device.Operation{Kind: device.OpEditConfig, Body: []byte("<edit-config/>")}); err != nil {
		t.Fatal(err)
	}
	_, err = m.Execute(ctx, s, device.Operation{Kind: device.OpCommit, Body: netconf.Commit(netconf.CommitOptions{})})
	if ce := errmodel.From(err); ce.Code != "transport" || !ce.Transient {
		t.Fatalf("err=%+v", ce)
	}
	if got := dev.Calls(); len(got) != 2 || got[1] != "commit" {
		t.Fatalf("calls=%v", got)
	}
	if dev.Connections() != 1 || s.State() != device.StateFaulted || s.Dirty() {
		t.Fatalf("connections=%d state=%s dirty=%v", dev.Connections(), s.State(), s.Dirty())
	}
}

func TestManager_TransientConnectFailureRedialsOnce(t *testing.T) {
	dev := netconftest.New(nil)
	var dials atomic.Int32
	m := device.NewManager(device.DialerFunc(func(ctx context.Context, _ device.Target) (device.Conn, error) {
		if dials.Add(1) == 1 {
			return nil, fmt.Errorf("%w: connection refused", netconf.ErrUnreachable)
		}
		return dev.Dial(ctx)
	}))
	defer m.Close()

	s, err := m.Acquire(context.Background(), target("r1"))
	if err != nil {
		t.Fatalf("acquire after one refused dial: %v", err)
	}
	m.Release(s)
	if dials.Load() != 2 || s.State() != device.StateReady {
		t.Fatalf("dials=%d state=%s", dials.Load(), s.State())
	}
}

func TestManager_AuthFailureIsNotRedialed(t *testing.T) {
	var dials atomic.Int32
	m := device.NewManager(device.DialerFunc(func(context.Context, device.Target) (device.Conn, error) {
		dials.Add(1)
		return nil, fmt.Errorf("%w: unable to authenticate", netconf.ErrAuth)
	}))
	defer m.Close()

	_, err := m.Acquire(context.Background(), target("r1"))
	if ce := errmodel.From(err); ce.Code != "auth_rejected" || ce.Transient {
		t.Fatalf("err=%+v", ce)
	}
	if dials.Load() != 1 {
		t.Fatalf("dials=%d want 1", dials.Load())
	}
}

func TestManager_RPCErrorKeepsSession(t *testing.T) {
	dev := netconftest.New(func(op, body string) netconftest.Response {
		return netconftest.Response{Error: &netconf.RPCError{Type: "application", Tag: "invalid-value", Message: "unknown element"}}
	})
	m := device.NewManager(dialerFor(map[string]*netconftest.Device{"r1": dev}))
	defer m.Close()

	ctx := context.Background()
	s, err := m.Acquire(ctx, target("r1"))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(s)
	_, err = m.Execute(ctx, s, device.Operation{Kind: device.OpEditConfig, Body: []byte("<edit-config/>")})
	ce := errmodel.From(err)
	if ce.Code != "rpc_error" || ce.Context["error_tag"] != "invalid-value" || ce.Context[errmodel.KeyHost] != "r1" {
		t.Fatalf("err=%+v", ce)
	}
	if s.State() != device.StateReady || s.Dirty() {
		t.Fatalf("state=%s dirty=%v", s.State(), s.Dirty())
	}
}

func TestManager_DirtyTracking(t *testing.T) {
	dev := netconftest.New(nil)
	m := device.NewManager(dialerFor(map[string]*netconftest.Device{"r1": dev}))
	defer m.Close()
	ctx := context.Background()
	s, err := m.Acquire(ctx, target("r1"))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(s)
	if _, err := m.Execute(ctx, s, device.Operation{Kind: device.OpEditConfig, Body: []byte("<edit-config/>")}); err != nil {
		t.Fatal(err)
	}
	if !s.Dirty() {
		t.Fatal("expected dirty after edit-config")
	}
	if _, err := m.Execute(ctx, s, device.Operation{Kind: device.OpCommit, Body: netconf.Commit(netconf.CommitOptions{})}); err != nil {
		t.Fatal(err)
	}
	if s.Dirty() {
		t.Fatal("expected clean after commit")
	}
}

func TestManager_ConnectFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code string
	}{
		{"unreachable", fmt.Errorf("%w: connection refused", netconf.ErrUnreachable), "unreachable"},
		{"auth", fmt.Errorf("%w: unable to authenticate", netconf.ErrAuth), "auth_rejected"},
		{"handshake", fmt.Errorf("%w: bad hello", netconf.ErrHandshake), "handshake_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := device.NewManager(device.DialerFunc(func(context.Context, device.Target) (device.Conn, error) { return nil, tc.err }))
			defer m.Close()
			_, err := m.Acquire(context.Background(), target("r1"))
			ce := errmodel.From(err)
			if ce.Category != errmodel.CategoryConnection || ce.Code != tc.code {
				t.Fatalf("err=%+v want connection/%s", ce, tc.code)
			}
		})
	}
}

func TestManager_ConnectTimeout(t *testing.T) {
	m := device.NewManager(device.DialerFunc(func(ctx context.Context, _ device.Target) (device.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), device.WithTimeouts(20*time.Millisecond, 0, 0))
	defer m.Close()
	_, err := m.Acquire(context.Background(), target("r1"))
	ce := errmodel.From(err)
	if ce.Code != "connect_timeout" || !ce.Transient {
		t.Fatalf("err=%+v", ce)
	}
	// A failed connect does not hold the slot.
	_, err = m.Acquire(context.Background(), target("r1"))
	if !errmodel.IsCategory(err, errmodel.CategoryConnection) {
		t.Fatalf("second acquire err=%v", err)
	}
}

func TestManager_IdleSessionsAreClosed(t *testing.T) {
	dev := netconftest.New(nil)
	reasons := make(chan string, 1)
	m := device.NewManager(dialerFor(map[string]*netconftest.Device{"r1": dev}),
		device.WithTimeouts(0, 0, 30*time.Millisecond),
		device.WithCloseHook(func(_ device.Key, _ uint64, reason string) { reasons <- reason }))
	defer m.Close()

	s, err := m.Acquire(context.Background(), target("r1"))
	if err != nil {
		t.Fatal(err)
	}
	m.Release(s)
	select {
	case r := <-reasons:
		if r != "idle" {
			t.Fatalf("reason=%s", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle session not closed")
	}
	if n := len(m.Sessions()); n != 0 {
		t.Fatalf("sessions=%d after idle close", n)
	}
}

func TestManager_AcquireHonoursContext(t *testing.T) {
	dev := netconftest.New(nil)
	m := device.NewManager(dialerFor(map[string]*netconftest.Device{"r1": dev}))
	defer m.Close()
	s, err := m.Acquire(context.Background(), target("r1"))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(s)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, target("r1")); !errmodel.IsTransient(err) {
		t.Fatalf("err=%v want transient timeout", err)
	}
}

func TestManager_ClosedRejectsAcquire(t *testing.T) {
	m := device.NewManager(dialerFor(nil))
	_ = m.Close()
	_, err := m.Acquire(context.Background(), target("r1"))
	var ce *errmodel.Error
	if !errors.As(err, &ce) || ce.Code != "manager_closed" {
		t.Fatalf("err=%v", err)
	}
}

func TestMask(t *testing.T) {
	cases := map[string]string{"": "<empty>", "abc": "***", "secret123": "se*****23"}
	for in, want := range cases {
		if got := device.Mask(in); got != want {
			t.Errorf("Mask(%q)=%q want %q", in, got, want)
		}
	}
}
