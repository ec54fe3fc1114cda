//go:build integration

package openai

import (
	"context"
	"os"
	"testing"

	"github.com/wilhg/netorch/pkg/tool"
	"github.com/wilhg/netorch/pkg/toolindex"
)

var deviceTools = []tool.ToolSchema{
	{Name: "netconf.read_config", Source: "netconf", Description: "Retrieve the running or candidate configuration of a device",
		Parameters: []tool.Parameter{{Name: "host", Type: tool.TypeString, Required: true}, {Name: "filter", Type: tool.TypeString}}},
	{Name: "netconf.commit", Source: "netconf", Description: "Commit the candidate datastore, optionally as a confirmed commit that rolls back unless confirmed",
		Parameters: []tool.Parameter{{Name: "host", Type: tool.TypeString, Required: true}, {Name: "confirmed", Type: tool.TypeBoolean}}},
	{Name: "inventory.list_sites", Source: "inventory", Description: "List data center sites and their street addresses"},
}

func TestOpenAIRanksToolSignatures(t *testing.T) {
	if os.Getenv("OPENAI_API_KEY") == "" {
		t.Skip("OPENAI_API_KEY not set")
	}
	ctx := context.Background()
	e, err := Factory(ctx, map[string]any{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	x := toolindex.New(e)
	if n, err := x.Sync(ctx, deviceTools); err != nil || n != len(deviceTools) {
		t.Fatalf("sync: n=%d err=%v", n, err)
	}
	hits, err := x.Search(ctx, "make the pending change permanent before it reverts", 1, "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Name != "netconf.commit" {
		t.Fatalf("hits=%+v", hits)
	}
	hits, err = x.Search(ctx, "show me the device configuration", 3, "netconf")
	if err != nil || len(hits) != 2 || hits[0].Name != "netconf.read_config" {
		t.Fatalf("filtered hits=%+v err=%v", hits, err)
	}
}
