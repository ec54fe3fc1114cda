// Package executor implements the four device operations (read config,
// write config, commit, raw RPC) on top of the session manager. Every
// operation returns an Envelope; failures never escape as raw errors.
package executor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/wilhg/netorch/pkg/device"
	"github.com/wilhg/netorch/pkg/errmodel"
	"github.com/wilhg/netorch/pkg/journal"
	"github.com/wilhg/netorch/pkg/netconf"
)

// Envelope statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Dialect selects the commit encoding.
type Dialect string

const (
	// DialectIETF uses RFC 6241 <commit>.
	DialectIETF Dialect = "ietf"
	// DialectJunos uses <commit-configuration>.
	DialectJunos Dialect = "junos"
)

// DefaultConfirmTimeout is the confirmed-commit timeout in seconds when none is given.
const DefaultConfirmTimeout = 120

// Envelope is the uniform result of an executor operation.
type Envelope struct {
	Status  string          `json:"status"`
	Payload map[string]any  `json:"payload,omitempty"`
	Error   *errmodel.Error `json:"error,omitempty"`
}

// OK reports whether the operation succeeded.
func (e Envelope) OK() bool { return e.Status == StatusSuccess }

// Err returns the envelope error, or nil on success.
func (e Envelope) Err() error {
	if e.Error == nil {
		return nil
	}
	return e.Error
}

func success(payload map[string]any) Envelope { return Envelope{Status: StatusSuccess, Payload: payload} }

func failure(err error) Envelope { return Envelope{Status: StatusError, Error: errmodel.From(err)} }

// ReadConfigInput parameterizes ReadConfig.
type ReadConfigInput struct {
	Target device.Target
	// Source is running or candidate; empty means running.
	Source string
	// Filter is a subtree filter passed through unmodified.
	Filter string
}

// WriteConfigInput parameterizes WriteConfig.
type WriteConfigInput struct {
	Target device.Target
	// Datastore is running or candidate; empty means running.
	Datastore        string
	Config           string
	DefaultOperation string
	TestOption       string
	ErrorOption      string
}

// CommitInput parameterizes Commit.
type CommitInput struct {
	Target         device.Target
	Confirmed      bool
	ConfirmTimeout int
	Comment        string
	Cancel         bool
}

// RawRPCInput parameterizes RawRPC.
type RawRPCInput struct {
	Target  device.Target
	Payload string
}

// Executor maps operations onto device sessions.
type Executor struct {
	mgr      *device.Manager
	dialect  Dialect
	log      *slog.Logger
	defaults device.Credentials
	journal  journal.Journal
	confirms *tracker
	after    func(time.Duration, func()) func() bool
	now      func() time.Time
}

// Option configures the Executor.
type Option func(*Executor)

// WithDialect selects the commit encoding.
func WithDialect(d Dialect) Option {
	return func(e *Executor) {
		if d != "" {
			e.dialect = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

// WithDefaultCredentials sets the credentials used when a call names none.
func WithDefaultCredentials(c device.Credentials) Option {
	return func(e *Executor) { e.defaults = c }
}

// WithJournal records confirmed-commit outcomes.
func WithJournal(j journal.Journal) Option {
	return func(e *Executor) { e.journal = j }
}

// WithClock replaces the timer and clock used for confirmation deadlines.
// after schedules f and returns a stop function.
func WithClock(now func() time.Time, after func(time.Duration, func()) func() bool) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
		if after != nil {
			e.after = after
		}
	}
}

// New constructs an Executor over m and subscribes to session closures so
// pending confirmations on a lost session are reported as rolled back.
func New(m *device.Manager, opts ...Option) *Executor {
	e := &Executor{
		mgr:     m,
		dialect: DialectIETF,
		log:     slog.Default(),
		now:     time.Now,
		after: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.confirms = newTracker(e)
	m.OnClose(e.confirms.sessionClosed)
	return e
}

// ReadConfig retrieves configuration from a datastore.
func (e *Executor) ReadConfig(ctx context.Context, in ReadConfigInput) Envelope {
	source := orDefault(in.Source, netconf.Running)
	in.Target = e.resolveTarget(in.Target)
	if err := e.checkTarget(in.Target); err != nil {
		return failure(err)
	}
	if !netconf.ValidDatastore(source) {
		return failure(errmodel.Validation("invalid_datastore", "source must be running or candidate", map[string]any{"source": source}))
	}
	return e.withSession(ctx, in.Target, "read_config", func(ctx context.Context, s *device.Session) (map[string]any, error) {
		rep, err := e.mgr.Execute(ctx, s, device.Operation{Kind: device.OpGetConfig, Body: netconf.GetConfig(source, in.Filter)})
		if err != nil {
			return nil, err
		}
		return map[string]any{"host": in.Target.Host, "source": source, "data": rep.DataXML()}, nil
	})
}

// WriteConfig edits configuration in a datastore.
func (e *Executor) WriteConfig(ctx context.Context, in WriteConfigInput) Envelope {
	target := orDefault(in.Datastore, netconf.Running)
	in.Target = e.resolveTarget(in.Target)
	if err := e.checkTarget(in.Target); err != nil {
		return failure(err)
	}
	if strings.TrimSpace(in.Config) == "" {
		return failure(errmodel.Validation("missing_fields", "config required", map[string]any{"fields": []string{"config"}}))
	}
	if err := netconf.WellFormed(in.Config); err != nil {
		return failure(errmodel.Validation("malformed_xml", "config is not well-formed XML", map[string]any{"error": err.Error()}))
	}
	if !netconf.ValidDatastore(target) {
		return failure(errmodel.Validation("invalid_datastore", "target must be running or candidate", map[string]any{"target": target}))
	}
	opts := netconf.EditOptions{
		Target:           target,
		Config:           netconf.WrapConfig(in.Config),
		DefaultOperation: orDefault(in.DefaultOperation, "merge"),
		TestOption:       in.TestOption,
		ErrorOption:      in.ErrorOption,
	}
	if err := checkEnum("default_operation", opts.DefaultOperation, "merge", "replace", "none"); err != nil {
		return failure(err)
	}
	if err := checkEnum("test_option", opts.TestOption, "", "test-then-set", "set"); err != nil {
		return failure(err)
	}
	if err := checkEnum("error_option", opts.ErrorOption, "", "stop-on-error", "continue-on-error", "rollback-on-error"); err != nil {
		return failure(err)
	}
	return e.withSession(ctx, in.Target, "write_config", func(ctx context.Context, s *device.Session) (map[string]any, error) {
		if _, err := e.mgr.Execute(ctx, s, device.Operation{Kind: device.OpEditConfig, Body: netconf.EditConfig(opts)}); err != nil {
			return nil, err
		}
		return map[string]any{"host": in.Target.Host, "target": target, "ok": true}, nil
	})
}

// RawRPC sends an arbitrary RPC body after a well-formedness check.
func (e *Executor) RawRPC(ctx context.Context, in RawRPCInput) Envelope {
	in.Target = e.resolveTarget(in.Target)
	if err := e.checkTarget(in.Target); err != nil {
		return failure(err)
	}
	if strings.TrimSpace(in.Payload) == "" {
		return failure(errmodel.Validation("missing_fields", "payload required", map[string]any{"fields": []string{"payload"}}))
	}
	if err := netconf.WellFormed(in.Payload); err != nil {
		return failure(errmodel.Validation("malformed_xml", "payload is not well-formed XML", map[string]any{"error": err.Error()}))
	}
	return e.withSession(ctx, in.Target, "raw_rpc", func(ctx context.Context, s *device.Session) (map[string]any, error) {
		rep, err := e.mgr.Execute(ctx, s, device.Operation{Kind: device.OpRPC, Body: []byte(in.Payload)})
		if err != nil {
			return nil, err
		}
		out := map[string]any{"host": in.Target.Host, "ok": rep.OK != nil}
		if rep.Data != nil {
			out["data"] = rep.DataXML()
		} else if rep.OK == nil {
			out["data"] = strings.TrimSpace(rep.Body)
		}
		return out, nil
	})
}

// Commit commits the candidate configuration, or confirms, extends or
// cancels a pending confirmed commit.
func (e *Executor) Commit(ctx context.Context, in CommitInput) Envelope {
	in.Target = e.resolveTarget(in.Target)
	if err := e.checkTarget(in.Target); err != nil {
		return failure(err)
	}
	if in.Confirmed && in.Cancel {
		return failure(errmodel.Validation("conflicting_options", "confirmed and cancel are mutually exclusive", nil))
	}
	if in.ConfirmTimeout < 0 {
		return failure(errmodel.Validation("invalid_value", "confirm_timeout must be positive", map[string]any{"confirm_timeout": in.ConfirmTimeout}))
	}
	if in.Confirmed && in.ConfirmTimeout == 0 {
		in.ConfirmTimeout = DefaultConfirmTimeout
	}
	return e.withSession(ctx, in.Target, "commit", func(ctx context.Context, s *device.Session) (map[string]any, error) {
		if in.Cancel {
			return e.cancel(ctx, s)
		}
		return e.commit(ctx, s, in)
	})
}

func (e *Executor) commit(ctx context.Context, s *device.Session, in CommitInput) (map[string]any, error) {
	key := s.Key()
	pending := e.confirms.pendingFor(key)
	if pending == nil && !s.Dirty() {
		if lost := e.confirms.takeRolledBack(key); lost != nil {
			return nil, rolledBack(*lost, "confirmed commit was rolled back before it was confirmed")
		}
		return nil, errmodel.Validation("commit_noop", "nothing to commit: no successful edit-config or rpc in this session", map[string]any{
			errmodel.KeyOperation: "commit", errmodel.KeyHost: key.Host,
		})
	}

	opts := netconf.CommitOptions{Confirmed: in.Confirmed, ConfirmTimeout: in.ConfirmTimeout, Comment: in.Comment}
	body := netconf.Commit(opts)
	if e.dialect == DialectJunos {
		body = netconf.CommitConfiguration(opts)
	}
	_, err := e.mgr.Execute(ctx, s, device.Operation{Kind: device.OpCommit, Body: body})
	out := map[string]any{"host": key.Host, "committed": err == nil, "confirmed": in.Confirmed}

	if pending != nil && !in.Confirmed {
		// Confirming commit: any non-success outcome leaves the device rolled back.
		if err != nil {
			c := e.confirms.resolve(pending.ID, ConfirmRolledBack, "confirming commit failed: "+errmodel.From(err).Message)
			return nil, rolledBack(c, "confirming commit failed")
		}
		c, ok := e.confirms.confirm(pending.ID)
		if !ok {
			return nil, rolledBack(c, "confirmation deadline passed before the confirming commit")
		}
		out["confirmation"] = c
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	e.confirms.takeRolledBack(key)
	if in.Confirmed {
		out["confirmation"] = e.confirms.arm(ctx, s, pending, time.Duration(in.ConfirmTimeout)*time.Second)
	}
	return out, nil
}

func (e *Executor) cancel(ctx context.Context, s *device.Session) (map[string]any, error) {
	key := s.Key()
	pending := e.confirms.pendingFor(key)
	if pending == nil {
		return nil, errmodel.Validation("no_pending_confirmation", "no confirmed commit is pending on this session", map[string]any{
			errmodel.KeyOperation: "cancel-commit", errmodel.KeyHost: key.Host,
		})
	}
	if _, err := e.mgr.Execute(ctx, s, device.Operation{Kind: device.OpCancelCommit, Body: netconf.CancelCommit()}); err != nil {
		return nil, err
	}
	c := e.confirms.resolve(pending.ID, ConfirmCancelled, "cancelled by operator")
	return map[string]any{"host": key.Host, "committed": false, "confirmation": c, "status": ConfirmCancelled}, nil
}

func rolledBack(c Confirmation, msg string) error {
	return errmodel.ConfirmationTimeout("rolled_back", msg, map[string]any{
		errmodel.KeyOperation: "commit",
		errmodel.KeyHost:      c.Host,
		"confirmation_id":     c.ID,
		"reason":              c.Reason,
	})
}

// Confirmation returns the confirmation with the given id.
func (e *Executor) Confirmation(id string) (Confirmation, bool) { return e.confirms.get(id) }

// Confirmations lists all tracked confirmations, newest first.
func (e *Executor) Confirmations() []Confirmation { return e.confirms.list() }

// ConfirmationsForRun lists the confirmations registered by one run.
func (e *Executor) ConfirmationsForRun(runID string) []Confirmation {
	var out []Confirmation
	for _, c := range e.confirms.list() {
		if runID != "" && c.RunID == runID {
			out = append(out, c)
		}
	}
	return out
}

func (e *Executor) withSession(ctx context.Context, t device.Target, op string, fn func(context.Context, *device.Session) (map[string]any, error)) Envelope {
	start := e.now()
	s, err := e.mgr.Acquire(ctx, t)
	if err != nil {
		e.log.Warn("device operation failed", "operation", op, "host", t.Host, "error", err)
		return failure(err)
	}
	defer e.mgr.Release(s)
	out, err := fn(ctx, s)
	if err != nil {
		ce := errmodel.From(err)
		if _, ok := ce.Context[errmodel.KeyOperation]; !ok {
			ce = ce.With(map[string]any{errmodel.KeyOperation: op, errmodel.KeyHost: t.Host})
		}
		e.log.Warn("device operation failed", "operation", op, "host", t.Host, "code", ce.Code, "error", ce.Message)
		return failure(ce)
	}
	e.log.Info("device operation completed", "operation", op, "host", t.Host, "duration", e.now().Sub(start))
	return success(out)
}

func (e *Executor) checkTarget(t device.Target) error {
	if strings.TrimSpace(t.Host) == "" {
		return errmodel.Validation("missing_fields", "host required", map[string]any{"fields": []string{"host"}})
	}
	if t.Port < 0 || t.Port > 65535 {
		return errmodel.Validation("invalid_value", "port out of range", map[string]any{"port": t.Port})
	}
	return nil
}

// resolveTarget fills credentials from the defaults when the call names none.
func (e *Executor) resolveTarget(t device.Target) device.Target {
	if t.Credentials.Username == "" {
		t.Credentials.Username = e.defaults.Username
	}
	if t.Credentials.Password == "" && len(t.Credentials.PrivateKey) == 0 {
		t.Credentials.Password = e.defaults.Password
		t.Credentials.PrivateKey = e.defaults.PrivateKey
	}
	return t
}

func checkEnum(name, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return errmodel.Validation("invalid_value", name+" must be one of "+strings.Join(nonEmpty(allowed), ", "), map[string]any{name: v})
}

func nonEmpty(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
