// Package device owns NETCONF sessions to network devices. Sessions are
// keyed by host, port and credential set; operations on one key are
// serialized while distinct keys proceed concurrently.
package device

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/wilhg/netorch/pkg/errmodel"
	"github.com/wilhg/netorch/pkg/netconf"
)

// Default timeouts.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultOpTimeout      = 120 * time.Second
	DefaultIdleTimeout    = 5 * time.Minute
)

// State is the lifecycle state of a session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateFaulted      State = "faulted"
)

// OpKind names the protocol operation carried by an Operation.
type OpKind string

const (
	OpGetConfig    OpKind = "get-config"
	OpEditConfig   OpKind = "edit-config"
	OpCommit       OpKind = "commit"
	OpCancelCommit OpKind = "cancel-commit"
	OpRPC          OpKind = "rpc"
)

// replayable reports whether the operation may be resent on a new session.
func (k OpKind) replayable() bool { return k != OpCommit && k != OpCancelCommit }

// Operation is one protocol request.
type Operation struct {
	Kind OpKind
	Body []byte
}

// CloseHook is notified whenever a session's transport is closed.
// generation identifies the session lifetime that ended.
type CloseHook func(key Key, generation uint64, reason string)

// Session is a leased NETCONF session. It is only valid between Acquire and Release.
type Session struct {
	key    Key
	target Target
	slot   *slot

	mu          sync.Mutex
	conn        Conn
	state       State
	dirty       bool
	generation  uint64
	connectedAt time.Time
	lastUsed    time.Time
	held        atomic.Bool
}

// Key returns the session key.
func (s *Session) Key() Key { return s.key }

// Target returns the device target.
func (s *Session) Target() Target { return s.target }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dirty reports whether a successful edit-config or raw RPC has been observed
// in the current session lifetime and not yet committed.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Generation identifies the current session lifetime; it changes on every reconnect.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Capabilities returns the device capabilities of the live connection.
func (s *Session) Capabilities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Capabilities()
}

func (s *Session) observe(kind OpKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case OpEditConfig, OpRPC:
		s.dirty = true
	case OpCommit, OpCancelCommit:
		s.dirty = false
	}
}

// SessionInfo is an observability snapshot of one session.
type SessionInfo struct {
	Key         Key       `json:"key"`
	State       State     `json:"state"`
	Dirty       bool      `json:"dirty"`
	Generation  uint64    `json:"generation"`
	InUse       bool      `json:"in_use"`
	ConnectedAt time.Time `json:"connected_at"`
	LastUsed    time.Time `json:"last_used"`
}

type slot struct {
	sem     chan struct{}
	sess    *Session
	limiter *rate.Limiter
	dead    bool
}

// Manager is the keyed session store.
type Manager struct {
	dialer         Dialer
	log            *slog.Logger
	connectTimeout time.Duration
	opTimeout      time.Duration
	idleTimeout    time.Duration
	rateLimit      rate.Limit
	burst          int
	hooks          []CloseHook

	mu     sync.Mutex
	slots  map[Key]*slot
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup

	tracer     trace.Tracer
	opCount    metric.Int64Counter
	opDuration metric.Float64Histogram
}

// Option configures the Manager at construction time.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithTimeouts sets connect, per-operation and idle timeouts; zero keeps the default.
func WithTimeouts(connect, op, idle time.Duration) Option {
	return func(m *Manager) {
		if connect > 0 {
			m.connectTimeout = connect
		}
		if op > 0 {
			m.opTimeout = op
		}
		if idle > 0 {
			m.idleTimeout = idle
		}
	}
}

// WithRateLimit bounds operations per second per device key. r <= 0 disables limiting.
func WithRateLimit(r float64, burst int) Option {
	return func(m *Manager) {
		if r > 0 {
			m.rateLimit = rate.Limit(r)
			m.burst = max(burst, 1)
		}
	}
}

// WithCloseHook registers a hook run whenever a session transport closes.
func WithCloseHook(h CloseHook) Option {
	return func(m *Manager) {
		if h != nil {
			m.hooks = append(m.hooks, h)
		}
	}
}

// NewManager constructs a Manager and starts its idle reaper.
func NewManager(d Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:         d,
		log:            slog.Default(),
		connectTimeout: DefaultConnectTimeout,
		opTimeout:      DefaultOpTimeout,
		idleTimeout:    DefaultIdleTimeout,
		rateLimit:      rate.Inf,
		burst:          1,
		slots:          make(map[Key]*slot),
		stop:           make(chan struct{}),
		tracer:         otel.Tracer("netorch/device"),
	}
	for _, opt := range opts {
		opt(m)
	}
	meter := otel.Meter("netorch/device")
	m.opCount, _ = meter.Int64Counter("device.operations", metric.WithDescription("NETCONF operations by kind and outcome"))
	m.opDuration, _ = meter.Float64Histogram("device.operation.duration", metric.WithUnit("s"))

	m.wg.Add(1)
	go m.reap()
	return m
}

// OnClose registers an additional close hook after construction.
func (m *Manager) OnClose(h CloseHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Acquire returns exclusive use of the session for t's key, connecting if
// needed. Callers must Release the session.
func (m *Manager) Acquire(ctx context.Context, t Target) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "device.Acquire", trace.WithAttributes(
		attribute.String("device.host", t.Host),
		attribute.Int("device.port", t.Key().Port),
	))
	defer span.End()

	if t.Host == "" {
		return nil, errmodel.Validation("missing_fields", "host required", map[string]any{"fields": []string{"host"}})
	}
	key := t.Key()
	for {
		sl, err := m.slotFor(key)
		if err != nil {
			return nil, err
		}
		select {
		case sl.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, errmodel.From(ctx.Err()).With(map[string]any{errmodel.KeyOperation: "acquire", errmodel.KeyHost: t.Host})
		}
		if sl.dead {
			<-sl.sem
			continue
		}
		if sl.sess == nil {
			sl.sess = &Session{key: key, target: t, slot: sl, state: StateDisconnected}
		}
		s := sl.sess
		s.held.Store(true)
		if s.State() != StateReady {
			if err := m.connect(ctx, s); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				m.Release(s)
				return nil, err
			}
		}
		return s, nil
	}
}

// Release returns the session to the idle pool without closing it.
func (m *Manager) Release(s *Session) {
	if s == nil || !s.held.Swap(false) {
		return
	}
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
	<-s.slot.sem
}

// Execute sends one operation on a held session. A transient failure
// (timeout, dropped transport) faults the session; it is redialed and the
// operation retried exactly once. Commit and cancel-commit are not replayed:
// the new session has not seen the write they depend on.
func (m *Manager) Execute(ctx context.Context, s *Session, op Operation) (*netconf.Reply, error) {
	ctx, span := m.tracer.Start(ctx, "device.Execute", trace.WithAttributes(
		attribute.String("device.host", s.key.Host),
		attribute.String("netconf.operation", string(op.Kind)),
	))
	defer span.End()

	start := time.Now()
	reply, err := m.execute(ctx, s, op)
	outcome := "success"
	if err != nil {
		outcome = errmodel.From(err).Code
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	attrs := metric.WithAttributes(attribute.String("operation", string(op.Kind)), attribute.String("outcome", outcome))
	m.opCount.Add(ctx, 1, attrs)
	m.opDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	return reply, err
}

func (m *Manager) execute(ctx context.Context, s *Session, op Operation) (*netconf.Reply, error) {
	if !s.held.Load() {
		return nil, errmodel.System("session_not_held", "session used outside Acquire/Release", map[string]any{errmodel.KeyHost: s.key.Host}, nil)
	}
	if s.State() != StateReady {
		if err := m.connect(ctx, s); err != nil {
			return nil, err
		}
	}
	if err := s.slot.limiter.Wait(ctx); err != nil {
		return nil, errmodel.From(err).With(map[string]any{errmodel.KeyOperation: string(op.Kind), errmodel.KeyHost: s.key.Host})
	}
	for attempt := 1; ; attempt++ {
		reply, err := m.do(ctx, s, op)
		if err == nil {
			s.observe(op.Kind)
			return reply, nil
		}
		ce := classifyOperation(err, s.key, op.Kind)
		if !ce.Transient {
			return reply, ce
		}
		m.fault(s, ce.Code)
		if attempt > 1 || !op.Kind.replayable() {
			return nil, ce
		}
		m.log.Warn("device operation failed; reconnecting for a single retry",
			"host", s.key.Host, "port", s.key.Port, "operation", op.Kind, "error", ce.Message)
		if err := m.connect(ctx, s); err != nil {
			return nil, err
		}
	}
}

func (m *Manager) do(ctx context.Context, s *Session, op Operation) (*netconf.Reply, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, netconf.ErrClosed
	}
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	return conn.Do(opCtx, op.Body)
}

func (m *Manager) connect(ctx context.Context, s *Session) error {
	s.mu.Lock()
	old := s.conn
	s.conn = nil
	s.state = StateConnecting
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	conn, err := m.dial(ctx, s)
	if err != nil && err.Transient && ctx.Err() == nil {
		m.log.Warn("device connect failed; redialing once", "host", s.key.Host, "port", s.key.Port, "code", err.Code)
		conn, err = m.dial(ctx, s)
	}
	if err != nil {
		s.mu.Lock()
		s.state = StateFaulted
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.state = StateReady
	s.dirty = false
	s.generation++
	s.connectedAt = time.Now()
	s.lastUsed = s.connectedAt
	s.mu.Unlock()
	m.log.Info("device session opened", "host", s.key.Host, "port", s.key.Port,
		"user", s.target.Credentials.Username, "password", Mask(s.target.Credentials.Password))
	return nil
}

func (m *Manager) dial(ctx context.Context, s *Session) (Conn, *errmodel.Error) {
	cctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	conn, err := m.dialer.Dial(cctx, s.target)
	if err != nil {
		ce := classifyConnect(err, s.key, cctx.Err() != nil)
		m.log.Warn("device connect failed", "host", s.key.Host, "port", s.key.Port,
			"user", s.target.Credentials.Username, "password", Mask(s.target.Credentials.Password), "code", ce.Code, "error", err)
		return nil, ce
	}
	return conn, nil
}

// fault closes the session's transport and marks it faulted.
func (m *Manager) fault(s *Session, reason string) {
	m.closeSession(s, StateFaulted, reason)
}

func (m *Manager) closeSession(s *Session, next State, reason string) {
	s.mu.Lock()
	conn := s.conn
	gen := s.generation
	s.conn = nil
	s.state = next
	s.dirty = false
	s.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.Close()
	m.log.Info("device session closed", "host", s.key.Host, "port", s.key.Port, "reason", reason)
	m.mu.Lock()
	hooks := append([]CloseHook(nil), m.hooks...)
	m.mu.Unlock()
	for _, h := range hooks {
		h(s.key, gen, reason)
	}
}

func (m *Manager) slotFor(key Key) (*slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errmodel.Connection("manager_closed", "session manager is shut down", map[string]any{errmodel.KeyHost: key.Host}, nil)
	}
	sl, ok := m.slots[key]
	if !ok {
		sl = &slot{sem: make(chan struct{}, 1), limiter: rate.NewLimiter(m.rateLimit, m.burst)}
		m.slots[key] = sl
	}
	return sl, nil
}

// Evict closes the session for t's key, waiting for any in-flight operation.
func (m *Manager) Evict(ctx context.Context, t Target) error {
	key := t.Key()
	m.mu.Lock()
	sl, ok := m.slots[key]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case sl.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sl.sem }()
	if sl.sess != nil {
		m.closeSession(sl.sess, StateDisconnected, "evicted")
	}
	return nil
}

// Sessions returns a snapshot of all known sessions.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.slots))
	for _, sl := range m.slots {
		s := sl.sess
		if s == nil {
			continue
		}
		s.mu.Lock()
		out = append(out, SessionInfo{
			Key: s.key, State: s.state, Dirty: s.dirty, Generation: s.generation,
			InUse: s.held.Load(), ConnectedAt: s.connectedAt, LastUsed: s.lastUsed,
		})
		s.mu.Unlock()
	}
	return out
}

// Close stops the reaper and closes every session, waiting for in-flight operations.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	slots := make([]*slot, 0, len(m.slots))
	for _, sl := range m.slots {
		slots = append(slots, sl)
	}
	m.mu.Unlock()
	close(m.stop)
	m.wg.Wait()
	for _, sl := range slots {
		sl.sem <- struct{}{}
		if sl.sess != nil {
			m.closeSession(sl.sess, StateDisconnected, "shutdown")
		}
		sl.dead = true
		<-sl.sem
	}
	return nil
}

func (m *Manager) reap() {
	defer m.wg.Done()
	interval := max(m.idleTimeout/2, 10*time.Millisecond)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-t.C:
			m.reapIdle(now)
		}
	}
}

func (m *Manager) reapIdle(now time.Time) {
	m.mu.Lock()
	var expired []*Session
	for key, sl := range m.slots {
		select {
		case sl.sem <- struct{}{}:
		default:
			continue // in use
		}
		s := sl.sess
		idle := s == nil
		if s != nil {
			s.mu.Lock()
			idle = now.Sub(s.lastUsed) >= m.idleTimeout
			s.mu.Unlock()
		}
		if idle {
			sl.dead = true
			delete(m.slots, key)
			if s != nil {
				expired = append(expired, s)
			}
		}
		<-sl.sem
	}
	m.mu.Unlock()
	for _, s := range expired {
		m.closeSession(s, StateDisconnected, "idle")
	}
}

func classifyConnect(err error, key Key, timedOut bool) *errmodel.Error {
	ctx := map[string]any{errmodel.KeyOperation: "connect", errmodel.KeyHost: key.Host, "port": key.Port}
	switch {
	case errors.Is(err, netconf.ErrAuth):
		ctx[errmodel.KeyClass] = "auth"
		return errmodel.Connection("auth_rejected", "device rejected credentials", ctx, err)
	case timedOut || errors.Is(err, context.DeadlineExceeded):
		ctx[errmodel.KeyClass] = "timeout"
		return errmodel.Connection("connect_timeout", "timed out connecting to device", ctx, err)
	case errors.Is(err, netconf.ErrHandshake):
		ctx[errmodel.KeyClass] = "handshake"
		return errmodel.Connection("handshake_failed", "NETCONF handshake failed", ctx, err)
	default:
		ctx[errmodel.KeyClass] = "network"
		return errmodel.Connection("unreachable", "device unreachable", ctx, err)
	}
}

func classifyOperation(err error, key Key, kind OpKind) *errmodel.Error {
	ctx := map[string]any{errmodel.KeyOperation: string(kind), errmodel.KeyHost: key.Host, "port": key.Port}
	var rpcErr netconf.RPCError
	switch {
	case errors.As(err, &rpcErr):
		ctx[errmodel.KeyClass] = "device"
		ctx["error_type"] = rpcErr.Type
		ctx["error_tag"] = rpcErr.Tag
		if rpcErr.Path != "" {
			ctx["error_path"] = rpcErr.Path
		}
		return errmodel.Operation("rpc_error", rpcErr.Error(), ctx, nil)
	case errors.Is(err, context.DeadlineExceeded):
		ctx[errmodel.KeyClass] = "timeout"
		return errmodel.Operation("timeout", "timed out awaiting device reply", ctx, err)
	case netconf.IsTransportError(err):
		ctx[errmodel.KeyClass] = "transport"
		return errmodel.Operation("transport", "device session dropped", ctx, err)
	case errors.Is(err, context.Canceled):
		ctx[errmodel.KeyClass] = "cancelled"
		return errmodel.Operation("cancelled", "operation cancelled", ctx, err)
	default:
		ctx[errmodel.KeyClass] = "protocol"
		return errmodel.Operation("malformed_reply", err.Error(), ctx, nil)
	}
}

// Mask hides all but the edges of a secret for logging.
func Mask(v string) string {
	switch {
	case v == "":
		return "<empty>"
	case len(v) <= 4:
		return "****"[:len(v)]
	default:
		b := []byte(v)
		for i := 2; i < len(b)-2; i++ {
			b[i] = '*'
		}
		return string(b)
	}
}
