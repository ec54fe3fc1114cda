//go:build integration

package openai

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/wilhg/netorch/pkg/decision"
	"github.com/wilhg/netorch/pkg/runtime"
	"github.com/wilhg/netorch/pkg/tool"
)

func TestOpenAIDrivesReadConfig(t *testing.T) {
	if os.Getenv("OPENAI_API_KEY") == "" {
		t.Skip("OPENAI_API_KEY not set")
	}
	ctx := context.Background()
	m, err := Factory(ctx, map[string]any{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	d, err := decision.New(m, nil)
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var hosts []any
	reg := tool.NewRegistry()
	err = reg.Register(tool.ToolSchema{
		Name:        "netconf.read_config",
		Description: "Retrieve the configuration of a device datastore over NETCONF",
		Parameters: []tool.Parameter{
			{Name: "host", Type: tool.TypeString, Required: true, Description: "Device hostname or IP address"},
			{Name: "source", Type: tool.TypeString, Enum: []any{"running", "candidate"}},
		},
	}, func(_ context.Context, args map[string]any) (map[string]any, error) {
		mu.Lock()
		hosts = append(hosts, args["host"])
		mu.Unlock()
		return map[string]any{"data": "<system><hostname>edge-r1</hostname></system>"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := runtime.New(reg, d, runtime.WithMaxSteps(3)).HandleRequest(ctx, "What hostname is configured in the running config of device 192.0.2.1?")
	if err != nil {
		t.Fatalf("handle request: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(hosts) == 0 || hosts[0] != "192.0.2.1" {
		t.Fatalf("read_config hosts=%v result=%+v", hosts, res)
	}
	if res.Status != runtime.RunDone || res.FinalAnswer == "" {
		t.Fatalf("result=%+v", res)
	}
}
