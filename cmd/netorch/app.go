package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wilhg/netorch/pkg/adapters/embedding"
	_ "github.com/wilhg/netorch/pkg/adapters/embedding/gemini"
	_ "github.com/wilhg/netorch/pkg/adapters/embedding/openai"
	"github.com/wilhg/netorch/pkg/adapters/llm"
	_ "github.com/wilhg/netorch/pkg/adapters/llm/gemini"
	_ "github.com/wilhg/netorch/pkg/adapters/llm/openai"
	"github.com/wilhg/netorch/pkg/config"
	"github.com/wilhg/netorch/pkg/decision"
	"github.com/wilhg/netorch/pkg/device"
	"github.com/wilhg/netorch/pkg/executor"
	"github.com/wilhg/netorch/pkg/journal"
	"github.com/wilhg/netorch/pkg/journal/sqljournal"
	"github.com/wilhg/netorch/pkg/mcpserver"
	"github.com/wilhg/netorch/pkg/netconf"
	"github.com/wilhg/netorch/pkg/policy"
	"github.com/wilhg/netorch/pkg/prompt"
	"github.com/wilhg/netorch/pkg/runtime"
	"github.com/wilhg/netorch/pkg/runtime/assembler"
	"github.com/wilhg/netorch/pkg/tool"
	"github.com/wilhg/netorch/pkg/toolindex"
)

// app holds the wired components behind the HTTP surface.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	journal  journal.Journal
	manager  *device.Manager
	exec     *executor.Executor
	registry *tool.Registry
	guard    *policy.Guard
	prompts  *prompt.Store
	orch     *runtime.Orchestrator
	mcp      *mcpserver.Server
	index    *toolindex.Index
	closers  []func() error
}

type appOption func(*appDeps)

type appDeps struct {
	dialer   device.Dialer
	model    llm.LLM
	embedder embedding.Embedder
}

// withDialer replaces the SSH dialer, e.g. with an in-process device.
func withDialer(d device.Dialer) appOption { return func(o *appDeps) { o.dialer = d } }

// withModel replaces the configured LLM provider.
func withModel(m llm.LLM) appOption { return func(o *appDeps) { o.model = m } }

// withEmbedder replaces the configured embedding provider.
func withEmbedder(e embedding.Embedder) appOption { return func(o *appDeps) { o.embedder = e } }

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger, opts ...appOption) (_ *app, err error) {
	deps := appDeps{dialer: device.SSHDialer{SSH: netconf.SSHDialer{KnownHostsFile: cfg.NETCONF.KnownHosts}}}
	for _, o := range opts {
		o(&deps)
	}
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openJournal(ctx); err != nil {
		return nil, err
	}

	a.manager = device.NewManager(deps.dialer,
		device.WithLogger(log),
		device.WithTimeouts(cfg.NETCONF.ConnectTimeout, cfg.NETCONF.OpTimeout, cfg.NETCONF.IdleTimeout),
		device.WithRateLimit(cfg.NETCONF.RateLimit, cfg.NETCONF.Burst),
		device.WithCloseHook(func(key device.Key, generation uint64, reason string) {
			log.Debug("device session closed", "key", key.String(), "generation", generation, "reason", reason)
		}),
	)
	a.closers = append(a.closers, a.manager.Close)

	a.exec = executor.New(a.manager,
		executor.WithDialect(cfg.NETCONF.Dialect),
		executor.WithLogger(log),
		executor.WithJournal(a.journal),
		executor.WithDefaultCredentials(device.Credentials{Username: cfg.NETCONF.Username, Password: cfg.NETCONF.Password}),
	)

	a.registry = tool.NewRegistry(
		tool.WithLogger(log),
		tool.WithBinder(a.exec),
		tool.WithFetcher(tool.KindBuiltin, tool.StaticSource(a.exec.Schemas())),
	)
	if _, err := a.registry.Discover(ctx, cfg.Sources); err != nil {
		return nil, fmt.Errorf("discover tools: %w", err)
	}

	if err := a.buildIndex(ctx, deps.embedder); err != nil {
		return nil, err
	}

	if a.guard, err = policy.New(cfg.Policy, policy.WithLogger(log)); err != nil {
		return nil, err
	}

	a.prompts = prompt.NewStore()
	if cfg.Prompts != "" {
		if err := loadPrompts(a.prompts, cfg.Prompts); err != nil {
			return nil, err
		}
	}
	if err := prompt.Seed(a.prompts); err != nil {
		return nil, err
	}

	if err := a.buildOrchestrator(ctx, deps.model); err != nil {
		return nil, err
	}

	a.mcp = mcpserver.New(a.registry, version, mcpserver.WithLogger(log), mcpserver.WithGuard(a.guard))
	return a, nil
}

func (a *app) openJournal(ctx context.Context) error {
	if a.cfg.Journal.URL == "" {
		a.journal = journal.NewMemory()
		return nil
	}
	st, err := sqljournal.Open(ctx, a.cfg.Journal.URL)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	a.closers = append(a.closers, st.Close)
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	a.journal = st
	return nil
}

// buildIndex enables semantic tool search when an embedder is configured.
// Embedding failures at startup are logged; keyword search keeps working.
func (a *app) buildIndex(ctx context.Context, e embedding.Embedder) error {
	c := a.cfg.Search
	if e == nil && c.Embedder == "" {
		return nil
	}
	if e == nil {
		var err error
		e, err = embedding.Open(ctx, c.Embedder, map[string]any{"api_key": c.APIKey, "model": c.Model})
		if err != nil {
			return fmt.Errorf("embedder %s: %w", c.Embedder, err)
		}
	}
	a.index = toolindex.New(e, toolindex.WithLogger(a.log))
	a.syncIndex(ctx)
	return nil
}

func (a *app) syncIndex(ctx context.Context) {
	if a.index == nil {
		return
	}
	if _, err := a.index.Sync(ctx, a.registry.List()); err != nil {
		a.log.Warn("tool index sync failed", "error", err)
	}
}

// buildOrchestrator wires the decider. Without a model the orchestrator is
// left nil and natural-language requests are refused.
func (a *app) buildOrchestrator(ctx context.Context, model llm.LLM) error {
	c := a.cfg.LLM
	if model == nil && c.Provider == "" {
		a.log.Info("no llm provider configured, natural-language requests disabled")
		return nil
	}
	if model == nil {
		var err error
		model, err = llm.Open(ctx, c.Provider, map[string]any{
			"api_key":  c.APIKey,
			"model":    c.Model,
			"base_url": c.BaseURL,
		})
		if err != nil {
			return fmt.Errorf("llm %s: %w", c.Provider, err)
		}
	}
	opts := []decision.Option{
		decision.WithLogger(a.log),
		decision.WithTemperature(c.Temperature),
		decision.WithMaxTraceTokens(c.MaxTraceTokens),
		decision.WithModel(c.Model),
	}
	if c.Synthesize != nil {
		opts = append(opts, decision.WithSynthesis(*c.Synthesize))
	}
	if c.Tokenizer != "" {
		est, err := assembler.NewTikTokenEstimator(c.Tokenizer)
		if err != nil {
			a.log.Warn("tokenizer unavailable, using character estimate", "tokenizer", c.Tokenizer, "error", err)
		} else {
			opts = append(opts, decision.WithTokenEstimator(est))
		}
	}
	d, err := decision.New(model, a.prompts, opts...)
	if err != nil {
		return err
	}
	o := a.cfg.Orchestrator
	a.orch = runtime.New(a.registry, d,
		runtime.WithMaxSteps(o.MaxSteps),
		runtime.WithMaxDecisionErrors(o.MaxDecisionErrors),
		runtime.WithCallTimeout(o.CallTimeout),
		runtime.WithAbortOn(o.AbortOn...),
		runtime.WithGuard(a.guard),
		runtime.WithJournal(a.journal),
		runtime.WithConfirmations(a.exec),
		runtime.WithLogger(a.log),
	)
	return nil
}

// loadPrompts saves every prompt listed in a YAML file. Prompts failing lint
// abort startup.
func loadPrompts(s *prompt.Store, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("prompts: %w", err)
	}
	var ps []prompt.Prompt
	if err := yaml.Unmarshal(b, &ps); err != nil {
		return fmt.Errorf("prompts: parse %s: %w", path, err)
	}
	for _, p := range ps {
		if _, issues, err := s.Save(p); err != nil {
			return fmt.Errorf("prompts: %s: %w (%v)", p.Name, err, issues)
		}
	}
	return nil
}

// refresh rediscovers every source, re-exports the tools over MCP and
// re-embeds changed tools.
func (a *app) refresh(ctx context.Context) ([]tool.SourceReport, error) {
	reports, err := a.registry.Discover(ctx, a.cfg.Sources)
	if err != nil {
		return nil, err
	}
	a.mcp.Sync()
	a.syncIndex(ctx)
	return reports, nil
}

// searchTools ranks tools for query: by similarity when the index is
// enabled, by keyword otherwise or when the embedder fails.
func (a *app) searchTools(ctx context.Context, query string, limit int) []tool.ToolSchema {
	if a.index != nil {
		hits, err := a.index.Search(ctx, query, limit, "")
		if err == nil {
			out := make([]tool.ToolSchema, 0, len(hits))
			for _, h := range hits {
				if s, ok := a.registry.Lookup(h.Name); ok {
					out = append(out, s)
				}
			}
			return out
		}
		a.log.Warn("semantic tool search failed, using keywords", "error", err)
	}
	return a.registry.Search(query, limit)
}

// Close releases sessions and the journal in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
