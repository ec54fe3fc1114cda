package sqljournal

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/wilhg/netorch/pkg/journal"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	st, err := Open(ctx, "sqlite:file:journal?mode=memory&cache=shared&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestSQLiteAppendAndList(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)

	payload, _ := json.Marshal(map[string]any{"data": "<interfaces/>"})
	e1, err := st.Append(ctx, journal.Entry{RunID: "run1", Kind: journal.KindToolResult, Tool: "netconf.read_config", Host: "r1", Status: "success", Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if e1.Seq != 1 {
		t.Fatalf("seq=%d want 1", e1.Seq)
	}
	e2, err := st.Append(ctx, journal.Entry{RunID: "run1", Kind: journal.KindFinal})
	if err != nil {
		t.Fatal(err)
	}
	if e2.Seq != 2 {
		t.Fatalf("seq=%d want 2", e2.Seq)
	}
	if _, err := st.Append(ctx, journal.Entry{RunID: "run2", Kind: journal.KindRequest}); err != nil {
		t.Fatal(err)
	}

	got, err := st.List(ctx, "run1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Tool != "netconf.read_config" || string(got[0].Payload) != string(payload) {
		t.Fatalf("list=%+v", got)
	}
	after, err := st.List(ctx, "run1", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 1 || after[0].Seq != 2 {
		t.Fatalf("after=%+v", after)
	}
	last, err := st.LastSeq(ctx, "run2")
	if err != nil || last != 1 {
		t.Fatalf("last=%d err=%v", last, err)
	}
	if last, _ := st.LastSeq(ctx, "missing"); last != 0 {
		t.Fatalf("missing last=%d", last)
	}
}

func TestSQLiteAppendIsIdempotentOnID(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	first, err := st.Append(ctx, journal.Entry{ID: "fixed", RunID: "r", Kind: journal.KindConfirmation, Status: "pending"})
	if err != nil {
		t.Fatal(err)
	}
	again, err := st.Append(ctx, journal.Entry{ID: "fixed", RunID: "r", Kind: journal.KindConfirmation, Status: "confirmed"})
	if err != nil {
		t.Fatal(err)
	}
	if again.Seq != first.Seq || again.Status != "pending" {
		t.Fatalf("again=%+v", again)
	}
}

func TestParseURL(t *testing.T) {
	cases := []struct {
		in, drv string
		ok      bool
	}{
		{"sqlite:", "sqlite3", true},
		{"postgres://u:p@h/db", "pgx", true},
		{"host=h user=u dbname=d", "pgx", true},
		{"mysql://h/db", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		drv, _, _, err := parseURL(tc.in)
		if (err == nil) != tc.ok || drv != tc.drv {
			t.Errorf("parseURL(%q)=%q,%v", tc.in, drv, err)
		}
	}
}
