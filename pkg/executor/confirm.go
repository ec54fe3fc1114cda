package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wilhg/netorch/pkg/device"
	"github.com/wilhg/netorch/pkg/journal"
)

// Confirmation statuses.
const (
	ConfirmPending    = "pending"
	ConfirmConfirmed  = "confirmed"
	ConfirmCancelled  = "cancelled"
	ConfirmRolledBack = "rolled_back"
)

// Confirmation tracks one confirmed commit awaiting its confirming commit.
type Confirmation struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id,omitempty"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Deadline   time.Time `json:"deadline"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
	key        device.Key
	generation uint64
}

// tracker owns confirmation state. At most one confirmation is pending per
// session key; a rolled-back confirmation is remembered until the next
// commit on the key reports it.
type tracker struct {
	e *Executor

	mu      sync.Mutex
	byID    map[string]*Confirmation
	stops   map[string]func() bool
	pending map[device.Key]string
	lost    map[device.Key]string
}

func newTracker(e *Executor) *tracker {
	return &tracker{
		e:       e,
		byID:    make(map[string]*Confirmation),
		stops:   make(map[string]func() bool),
		pending: make(map[device.Key]string),
		lost:    make(map[device.Key]string),
	}
}

// pendingFor returns the pending confirmation for key, or nil.
func (t *tracker) pendingFor(key device.Key) *Confirmation {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.pending[key]
	if !ok {
		return nil
	}
	c := *t.byID[id]
	return &c
}

// arm registers a new pending confirmation, or extends prev with a new deadline.
func (t *tracker) arm(ctx context.Context, s *device.Session, prev *Confirmation, timeout time.Duration) Confirmation {
	now := t.e.now()
	t.mu.Lock()
	var c *Confirmation
	if prev != nil {
		if cur, ok := t.byID[prev.ID]; ok && cur.Status == ConfirmPending {
			c = cur
			if stop := t.stops[c.ID]; stop != nil {
				stop()
			}
		}
	}
	if c == nil {
		key := s.Key()
		c = &Confirmation{
			ID:         uuid.NewString(),
			RunID:      journal.RunFrom(ctx),
			Host:       key.Host,
			Port:       key.Port,
			Status:     ConfirmPending,
			CreatedAt:  now,
			key:        key,
			generation: s.Generation(),
		}
		t.byID[c.ID] = c
		t.pending[key] = c.ID
	}
	c.Deadline = now.Add(timeout)
	id := c.ID
	t.stops[id] = t.e.after(timeout, func() {
		t.resolve(id, ConfirmRolledBack, "confirm timeout expired")
	})
	out := *c
	t.mu.Unlock()
	t.notify(out)
	return out
}

// confirm marks id confirmed. It reports false when id is no longer pending,
// in which case the returned confirmation carries its terminal state.
func (t *tracker) confirm(id string) (Confirmation, bool) {
	t.mu.Lock()
	c, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return Confirmation{ID: id, Status: ConfirmRolledBack}, false
	}
	if c.Status != ConfirmPending {
		if t.lost[c.key] == id {
			delete(t.lost, c.key)
		}
		out := *c
		t.mu.Unlock()
		return out, false
	}
	t.finishLocked(c, ConfirmConfirmed, "confirming commit succeeded")
	out := *c
	t.mu.Unlock()
	t.notify(out)
	return out, true
}

// resolve moves a pending confirmation to a terminal status. Resolving an
// already terminal confirmation returns it unchanged.
func (t *tracker) resolve(id, status, reason string) Confirmation {
	t.mu.Lock()
	c, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return Confirmation{ID: id, Status: status, Reason: reason}
	}
	if c.Status != ConfirmPending {
		out := *c
		t.mu.Unlock()
		return out
	}
	t.finishLocked(c, status, reason)
	if status == ConfirmRolledBack {
		t.lost[c.key] = c.ID
	}
	out := *c
	t.mu.Unlock()
	t.notify(out)
	return out
}

func (t *tracker) finishLocked(c *Confirmation, status, reason string) {
	c.Status = status
	c.Reason = reason
	c.ResolvedAt = t.e.now()
	if stop := t.stops[c.ID]; stop != nil {
		stop()
	}
	delete(t.stops, c.ID)
	if t.pending[c.key] == c.ID {
		delete(t.pending, c.key)
	}
}

// takeRolledBack returns and forgets the unreported rollback for key.
func (t *tracker) takeRolledBack(key device.Key) *Confirmation {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.lost[key]
	if !ok {
		return nil
	}
	delete(t.lost, key)
	c := *t.byID[id]
	return &c
}

// sessionClosed rolls back the pending confirmation of the closed session lifetime.
func (t *tracker) sessionClosed(key device.Key, generation uint64, reason string) {
	t.mu.Lock()
	id, ok := t.pending[key]
	match := ok && t.byID[id].generation == generation
	t.mu.Unlock()
	if match {
		t.resolve(id, ConfirmRolledBack, "session closed: "+reason)
	}
}

func (t *tracker) get(id string) (Confirmation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byID[id]
	if !ok {
		return Confirmation{}, false
	}
	return *c, true
}

func (t *tracker) list() []Confirmation {
	t.mu.Lock()
	out := make([]Confirmation, 0, len(t.byID))
	for _, c := range t.byID {
		out = append(out, *c)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (t *tracker) notify(c Confirmation) {
	t.e.log.Info("confirmed commit", "id", c.ID, "host", c.Host, "status", c.Status, "reason", c.Reason, "deadline", c.Deadline)
	if _, err := journal.Record(context.Background(), t.e.journal, journal.Entry{
		RunID:  c.RunID,
		Kind:   journal.KindConfirmation,
		Tool:   "commit",
		Host:   c.Host,
		Status: c.Status,
	}, c); err != nil {
		t.e.log.Warn("journal append failed", "error", err)
	}
}
