// Package journal defines the device change journal: an append-only,
// per-run log of tool results and confirmed-commit outcomes. Implementations
// must provide identical semantics across backends.
package journal

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry kinds.
const (
	KindRequest      = "request"
	KindToolResult   = "tool_result"
	KindConfirmation = "confirmation"
	KindFinal        = "final"
)

// Entry is one journal record. Seq is assigned by the journal and is
// strictly increasing per run starting at 1.
type Entry struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Kind      string          `json:"kind"`
	Tool      string          `json:"tool,omitempty"`
	Host      string          `json:"host,omitempty"`
	Status    string          `json:"status,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Journal appends and lists entries.
type Journal interface {
	// Append assigns the next sequence number for e.RunID. Appending an
	// entry whose ID already exists returns the stored entry unchanged.
	Append(ctx context.Context, e Entry) (Entry, error)
	List(ctx context.Context, runID string, afterSeq int64, limit int) ([]Entry, error)
	LastSeq(ctx context.Context, runID string) (int64, error)
}

// Memory is an in-process Journal.
type Memory struct {
	mu   sync.Mutex
	runs map[string][]Entry
	ids  map[string]Entry
}

// NewMemory returns an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string][]Entry), ids: make(map[string]Entry)}
}

func (m *Memory) Append(_ context.Context, e Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if prev, ok := m.ids[e.ID]; ok {
		return prev, nil
	}
	e.Seq = int64(len(m.runs[e.RunID])) + 1
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.runs[e.RunID] = append(m.runs[e.RunID], e)
	m.ids[e.ID] = e
	return e, nil
}

func (m *Memory) List(_ context.Context, runID string, afterSeq int64, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.runs[runID]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Seq > afterSeq })
	out := append([]Entry(nil), entries[i:]...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) LastSeq(_ context.Context, runID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.runs[runID])), nil
}

// Record marshals payload and appends an entry, ignoring a nil journal.
func Record(ctx context.Context, j Journal, e Entry, payload any) (Entry, error) {
	if j == nil {
		return e, nil
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return e, err
		}
		e.Payload = b
	}
	return j.Append(ctx, e)
}

type runKey struct{}

// WithRun returns a context carrying the run id.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunFrom returns the run id carried by ctx, if any.
func RunFrom(ctx context.Context) string {
	v, _ := ctx.Value(runKey{}).(string)
	return v
}
