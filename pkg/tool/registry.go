package tool

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/wilhg/netorch/pkg/errmodel"
)

// Source kinds.
const (
	KindBuiltin = "builtin"
	KindOpenAPI = "openapi"
	KindMCP     = "mcp"
)

// DefaultDiscoverTimeout bounds a discovery run shared by concurrent callers.
const DefaultDiscoverTimeout = 2 * time.Minute

// SourceConfig names one schema source. Tools discovered from it are named
// "<ID>.<operation>".
type SourceConfig struct {
	ID   string `yaml:"id" json:"id"`
	Kind string `yaml:"kind" json:"kind"`
	URL  string `yaml:"url,omitempty" json:"url,omitempty"`
}

// Operation is one operation described by a source. Invoke may be nil when
// the registry's binder is expected to supply a local implementation.
type Operation struct {
	Name        string
	Description string
	Parameters  []Parameter
	Invoke      InvokeFunc
}

// Fetcher lists the operations of one source.
type Fetcher interface {
	Fetch(ctx context.Context, src SourceConfig) ([]Operation, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, src SourceConfig) ([]Operation, error)

func (f FetcherFunc) Fetch(ctx context.Context, src SourceConfig) ([]Operation, error) {
	return f(ctx, src)
}

// StaticSource serves a fixed list of schemas, typically the executor's
// builtin operations. Their Operation field is used as the operation name.
func StaticSource(schemas []ToolSchema) Fetcher {
	return FetcherFunc(func(context.Context, SourceConfig) ([]Operation, error) {
		out := make([]Operation, 0, len(schemas))
		for _, s := range schemas {
			name := s.Operation
			if name == "" {
				name = s.Name
			}
			out = append(out, Operation{Name: name, Description: s.Description, Parameters: s.Parameters})
		}
		return out, nil
	})
}

type entry struct {
	schema ToolSchema
	invoke InvokeFunc
}

type snapshot struct {
	order  []string
	byName map[string]entry
}

// SourceReport summarizes the outcome of one source during Discover.
type SourceReport struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Tools int    `json:"tools"`
	Error string `json:"error,omitempty"`
}

// Registry holds the current set of tools. Reads never block on discovery:
// the snapshot is swapped atomically once every source has been fetched.
type Registry struct {
	log      *slog.Logger
	binder   Binder
	fetchers map[string]Fetcher
	limit    int
	timeout  time.Duration

	snap atomic.Pointer[snapshot]
	sf   singleflight.Group

	mu         sync.Mutex
	discovered []entry
	static     []entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithBinder sets the binder consulted before any remote invoker.
func WithBinder(b Binder) Option { return func(r *Registry) { r.binder = b } }

// WithFetcher sets the fetcher for a source kind, replacing the default.
func WithFetcher(kind string, f Fetcher) Option {
	return func(r *Registry) { r.fetchers[kind] = f }
}

// WithHTTPClient sets the client used by the default OpenAPI and MCP fetchers.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) {
		r.fetchers[KindOpenAPI] = NewOpenAPIFetcher(c)
		r.fetchers[KindMCP] = NewMCPFetcher(c)
	}
}

// WithDiscoverTimeout bounds one discovery run.
func WithDiscoverTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithConcurrency bounds how many sources are fetched at once.
func WithConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.limit = n
		}
	}
}

// NewRegistry returns an empty registry with OpenAPI and MCP fetchers over
// an instrumented HTTP client.
func NewRegistry(opts ...Option) *Registry {
	hc := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	r := &Registry{
		log: slog.Default(),
		fetchers: map[string]Fetcher{
			KindOpenAPI: NewOpenAPIFetcher(hc),
			KindMCP:     NewMCPFetcher(hc),
		},
		limit:   4,
		timeout: DefaultDiscoverTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	r.snap.Store(&snapshot{byName: map[string]entry{}})
	return r
}

// Discover fetches every source concurrently and replaces the discovered
// tools with the result. A failing source is logged, reported and skipped;
// only cancellation of ctx fails the call. Concurrent calls with the same
// sources share one discovery. The shared discovery is detached from the
// callers' cancellation and bounded by the discovery timeout, so a caller
// giving up does not fail the others.
func (r *Registry) Discover(ctx context.Context, sources []SourceConfig) ([]SourceReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, errmodel.From(err)
	}
	ch := r.sf.DoChan(sourcesKey(sources), func() (any, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.discover(dctx, sources)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]SourceReport), nil
	case <-ctx.Done():
		return nil, errmodel.From(ctx.Err())
	}
}

func (r *Registry) discover(ctx context.Context, sources []SourceConfig) ([]SourceReport, error) {
	ctx, span := otel.Tracer("netorch/tool").Start(ctx, "tool.discover")
	defer span.End()
	span.SetAttributes(attribute.Int("sources", len(sources)))

	results := make([][]entry, len(sources))
	reports := make([]SourceReport, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for i, src := range sources {
		g.Go(func() error {
			reports[i] = SourceReport{ID: src.ID, Kind: src.Kind}
			entries, err := r.fetch(gctx, src)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				reports[i].Error = err.Error()
				r.log.Warn("tool source skipped", "source", src.ID, "kind", src.Kind, "url", src.URL, "error", err)
				return nil
			}
			results[i] = entries
			reports[i].Tools = len(entries)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, errmodel.From(err)
	}

	var all []entry
	seen := map[string]int{}
	for _, es := range results {
		for _, e := range es {
			if i, dup := seen[e.schema.Name]; dup {
				all[i] = e
				continue
			}
			seen[e.schema.Name] = len(all)
			all = append(all, e)
		}
	}
	r.mu.Lock()
	r.discovered = all
	r.publishLocked()
	r.mu.Unlock()
	r.log.Info("tools discovered", "sources", len(sources), "tools", len(all))
	return reports, nil
}

func (r *Registry) fetch(ctx context.Context, src SourceConfig) ([]entry, error) {
	if src.ID == "" {
		return nil, fmt.Errorf("source id is empty")
	}
	f, ok := r.fetchers[src.Kind]
	if !ok {
		return nil, fmt.Errorf("unsupported source kind %q", src.Kind)
	}
	ops, err := f.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	out := make([]entry, 0, len(ops))
	for _, op := range ops {
		inv := op.Invoke
		if r.binder != nil {
			if local, ok := r.binder.Binding(op.Name); ok {
				inv = local
			}
		}
		if inv == nil {
			r.log.Warn("operation has no invoker", "source", src.ID, "operation", op.Name)
			continue
		}
		out = append(out, entry{
			schema: ToolSchema{
				Name:        src.ID + "." + op.Name,
				Source:      src.ID,
				Operation:   op.Name,
				Description: op.Description,
				Parameters:  append([]Parameter(nil), op.Parameters...),
			},
			invoke: inv,
		})
	}
	return out, nil
}

// Register adds a tool outside discovery. Registering an existing name
// replaces the prior entry in place. Registered tools survive rediscovery.
func (r *Registry) Register(s ToolSchema, invoke InvokeFunc) error {
	if s.Name == "" {
		return errmodel.Validation("invalid_tool", "tool name is empty", nil)
	}
	if invoke == nil {
		return errmodel.Validation("invalid_tool", "tool invoker is nil", map[string]any{errmodel.KeyTool: s.Name})
	}
	s.Parameters = append([]Parameter(nil), s.Parameters...)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.static {
		if r.static[i].schema.Name == s.Name {
			r.static[i] = entry{schema: s, invoke: invoke}
			r.publishLocked()
			return nil
		}
	}
	r.static = append(r.static, entry{schema: s, invoke: invoke})
	r.publishLocked()
	return nil
}

func (r *Registry) publishLocked() {
	next := &snapshot{byName: make(map[string]entry, len(r.discovered)+len(r.static))}
	for _, set := range [][]entry{r.discovered, r.static} {
		for _, e := range set {
			if _, ok := next.byName[e.schema.Name]; !ok {
				next.order = append(next.order, e.schema.Name)
			}
			next.byName[e.schema.Name] = e
		}
	}
	r.snap.Store(next)
}

// Lookup returns the schema registered under name.
func (r *Registry) Lookup(name string) (ToolSchema, bool) {
	e, ok := r.snap.Load().byName[name]
	return e.schema, ok
}

// Invoker returns the invoker registered under name.
func (r *Registry) Invoker(name string) (InvokeFunc, bool) {
	e, ok := r.snap.Load().byName[name]
	return e.invoke, ok
}

// List returns every schema in source order, then declaration order.
func (r *Registry) List() []ToolSchema {
	s := r.snap.Load()
	out := make([]ToolSchema, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.byName[n].schema)
	}
	return out
}

// Search returns up to limit tools whose name or description contains every
// word of query, best matches first. An empty query lists everything.
func (r *Registry) Search(query string, limit int) []ToolSchema {
	words := strings.Fields(strings.ToLower(query))
	type hit struct {
		s     ToolSchema
		score int
	}
	var hits []hit
	for _, s := range r.List() {
		name := strings.ToLower(s.Name)
		desc := strings.ToLower(s.Description)
		score, ok := 0, true
		for _, w := range words {
			switch {
			case strings.Contains(name, w):
				score += 2
			case strings.Contains(desc, w):
				score++
			default:
				ok = false
			}
		}
		if ok {
			hits = append(hits, hit{s: s, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]ToolSchema, len(hits))
	for i, h := range hits {
		out[i] = h.s
	}
	return out
}

// Invoke validates args against the named tool and runs it.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	e, ok := r.snap.Load().byName[name]
	if !ok {
		return nil, errmodel.Validation("unknown_tool", "no tool named "+name, map[string]any{errmodel.KeyTool: name})
	}
	if err := ValidateArgs(e.schema, args); err != nil {
		return nil, err
	}
	return e.invoke(ctx, args)
}

func sourcesKey(sources []SourceConfig) string {
	var b strings.Builder
	for _, s := range sources {
		b.WriteString(s.ID)
		b.WriteByte('|')
		b.WriteString(s.Kind)
		b.WriteByte('|')
		b.WriteString(s.URL)
		b.WriteByte('\n')
	}
	return b.String()
}
