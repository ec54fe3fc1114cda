package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wilhg/netorch/pkg/errmodel"
)

const maxDocumentBytes = 8 << 20

var httpMethods = []string{"get", "post", "put", "patch", "delete"}

// OpenAPIFetcher reads an OpenAPI 3 document (JSON or YAML) and turns each
// operation into a remotely invoked Operation. Document order is preserved.
type OpenAPIFetcher struct {
	client *http.Client
}

// NewOpenAPIFetcher returns a fetcher using c, or http.DefaultClient when c is nil.
func NewOpenAPIFetcher(c *http.Client) *OpenAPIFetcher {
	if c == nil {
		c = http.DefaultClient
	}
	return &OpenAPIFetcher{client: c}
}

func (f *OpenAPIFetcher) Fetch(ctx context.Context, src SourceConfig) ([]Operation, error) {
	if src.URL == "" {
		return nil, fmt.Errorf("openapi source %s: url is empty", src.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, application/yaml")
	res, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openapi source %s: GET %s: %s", src.ID, src.URL, res.Status)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxDocumentBytes))
	if err != nil {
		return nil, err
	}
	return parseOpenAPI(body, src.URL, f.client)
}

type paramLoc struct {
	name string
	in   string // path, query, header or body
}

// parseOpenAPI converts a document into operations. docURL resolves a
// relative or missing servers entry.
func parseOpenAPI(body []byte, docURL string, client *http.Client) ([]Operation, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("parse openapi: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("parse openapi: empty document")
	}
	doc := root.Content[0]
	if v := scalar(get(doc, "openapi")); !strings.HasPrefix(v, "3.") {
		return nil, fmt.Errorf("parse openapi: unsupported version %q", v)
	}
	base, err := baseURL(doc, docURL)
	if err != nil {
		return nil, err
	}
	paths := get(doc, "paths")
	if paths == nil || paths.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse openapi: no paths")
	}
	var ops []Operation
	for i := 0; i+1 < len(paths.Content); i += 2 {
		path, item := paths.Content[i].Value, deref(doc, paths.Content[i+1])
		shared := get(item, "parameters")
		for _, method := range httpMethods {
			opNode := get(item, method)
			if opNode == nil {
				continue
			}
			name := scalar(get(opNode, "operationId"))
			if name == "" {
				name = method + "_" + path
			}
			name = sanitizeName(name)
			desc := scalar(get(opNode, "summary"))
			if d := scalar(get(opNode, "description")); d != "" {
				if desc == "" {
					desc = d
				} else if d != desc {
					desc += ". " + d
				}
			}
			params, locs := operationParams(doc, shared, get(opNode, "parameters"), get(opNode, "requestBody"))
			ops = append(ops, Operation{
				Name:        name,
				Description: desc,
				Parameters:  params,
				Invoke:      httpInvoker(client, strings.ToUpper(method), base, path, locs),
			})
		}
	}
	return ops, nil
}

func baseURL(doc *yaml.Node, docURL string) (*url.URL, error) {
	ref, err := url.Parse(docURL)
	if err != nil {
		return nil, fmt.Errorf("parse openapi: document url: %w", err)
	}
	srv := ""
	if servers := get(doc, "servers"); servers != nil && servers.Kind == yaml.SequenceNode && len(servers.Content) > 0 {
		srv = scalar(get(servers.Content[0], "url"))
	}
	if srv == "" {
		return &url.URL{Scheme: ref.Scheme, Host: ref.Host, Path: "/"}, nil
	}
	u, err := url.Parse(srv)
	if err != nil {
		return nil, fmt.Errorf("parse openapi: server url: %w", err)
	}
	return ref.ResolveReference(u), nil
}

func operationParams(doc, shared, own, body *yaml.Node) ([]Parameter, []paramLoc) {
	var params []Parameter
	var locs []paramLoc
	index := map[string]int{}
	add := func(p Parameter, in string) {
		if i, ok := index[p.Name]; ok {
			params[i] = p
			locs[i].in = in
			return
		}
		index[p.Name] = len(params)
		params = append(params, p)
		locs = append(locs, paramLoc{name: p.Name, in: in})
	}
	for _, list := range []*yaml.Node{shared, own} {
		if list == nil || list.Kind != yaml.SequenceNode {
			continue
		}
		for _, pn := range list.Content {
			pn = deref(doc, pn)
			name := scalar(get(pn, "name"))
			if name == "" {
				continue
			}
			in := scalar(get(pn, "in"))
			p := schemaParam(doc, name, deref(doc, get(pn, "schema")))
			p.Required = scalar(get(pn, "required")) == "true" || in == "path"
			if d := scalar(get(pn, "description")); d != "" {
				p.Description = d
			}
			add(p, in)
		}
	}
	body = deref(doc, body)
	if content := get(body, "content"); content != nil {
		sch := deref(doc, get(get(content, "application/json"), "schema"))
		required := map[string]bool{}
		if req := get(sch, "required"); req != nil {
			for _, r := range req.Content {
				required[r.Value] = true
			}
		}
		if props := get(sch, "properties"); props != nil && props.Kind == yaml.MappingNode {
			for i := 0; i+1 < len(props.Content); i += 2 {
				name := props.Content[i].Value
				p := schemaParam(doc, name, deref(doc, props.Content[i+1]))
				p.Required = required[name]
				add(p, "body")
			}
		}
	}
	return params, locs
}

// schemaParam derives a parameter from a property schema. A nullable anyOf
// (as emitted for optional fields) collapses onto its non-null branch.
func schemaParam(doc *yaml.Node, name string, sch *yaml.Node) Parameter {
	p := Parameter{Name: name, Type: TypeString}
	if sch == nil {
		return p
	}
	p.Description = scalar(get(sch, "description"))
	if p.Description == "" {
		p.Description = scalar(get(sch, "title"))
	}
	typed := sch
	if t := scalar(get(sch, "type")); t == "" {
		for _, key := range []string{"anyOf", "oneOf"} {
			alts := get(sch, key)
			if alts == nil {
				continue
			}
			for _, alt := range alts.Content {
				alt = deref(doc, alt)
				if at := scalar(get(alt, "type")); at != "" && at != "null" {
					typed = alt
					break
				}
			}
		}
	}
	switch t := scalar(get(typed, "type")); t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeObject, TypeArray:
		p.Type = t
	}
	if en := get(typed, "enum"); en != nil {
		var vals []any
		if err := en.Decode(&vals); err == nil {
			p.Enum = vals
		}
	}
	if def := get(sch, "default"); def != nil {
		var v any
		if err := def.Decode(&v); err == nil {
			p.Default = v
		}
	}
	return p
}

var nameRe = regexp.MustCompile(`[^A-Za-z0-9_]+`)

func sanitizeName(s string) string {
	return strings.Trim(nameRe.ReplaceAllString(s, "_"), "_")
}

// get returns the value for key in a mapping node, or nil.
func get(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func scalar(n *yaml.Node) string {
	if n == nil || n.Kind != yaml.ScalarNode {
		return ""
	}
	return n.Value
}

// deref follows local "#/..." references, up to a small depth.
func deref(doc, n *yaml.Node) *yaml.Node {
	for depth := 0; n != nil && depth < 16; depth++ {
		ref := scalar(get(n, "$ref"))
		if !strings.HasPrefix(ref, "#/") {
			return n
		}
		cur := doc
		for _, part := range strings.Split(strings.TrimPrefix(ref, "#/"), "/") {
			part = strings.NewReplacer("~1", "/", "~0", "~").Replace(part)
			cur = get(cur, part)
		}
		n = cur
	}
	return n
}

// httpInvoker calls an OpenAPI operation. Path and query parameters are
// placed in the URL; the rest form the JSON body. Responses shaped as
// {status, payload, error} envelopes are unwrapped.
func httpInvoker(client *http.Client, method string, base *url.URL, path string, locs []paramLoc) InvokeFunc {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		p := path
		q := url.Values{}
		hdr := http.Header{}
		body := map[string]any{}
		known := map[string]string{}
		for _, l := range locs {
			known[l.name] = l.in
		}
		for k, v := range args {
			if v == nil {
				continue
			}
			switch known[k] {
			case "path":
				p = strings.ReplaceAll(p, "{"+k+"}", url.PathEscape(fmt.Sprint(v)))
			case "query":
				q.Set(k, fmt.Sprint(v))
			case "header":
				hdr.Set(k, fmt.Sprint(v))
			default:
				body[k] = v
			}
		}
		u := base.JoinPath(p)
		u.RawQuery = q.Encode()

		var rd io.Reader
		if method != http.MethodGet && method != http.MethodDelete {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, errmodel.Validation("invalid_value", "arguments are not JSON encodable", map[string]any{"error": err.Error()})
			}
			rd = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
		if err != nil {
			return nil, errmodel.System("bad_request", err.Error(), nil, err)
		}
		for k, vs := range hdr {
			req.Header[k] = vs
		}
		req.Header.Set("Accept", "application/json")
		if rd != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		res, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errmodel.From(ctx.Err())
			}
			e := errmodel.New(errmodel.CategoryNetwork, "unreachable", err.Error(), map[string]any{"url": u.String()})
			e.Transient = true
			return nil, e
		}
		defer func() { _ = res.Body.Close() }()
		raw, err := io.ReadAll(io.LimitReader(res.Body, maxDocumentBytes))
		if err != nil {
			return nil, errmodel.New(errmodel.CategoryNetwork, "read_failed", err.Error(), map[string]any{"url": u.String()})
		}
		return decodeResponse(res.StatusCode, raw, u.String())
	}
}

type envelope struct {
	Status  string          `json:"status"`
	Payload map[string]any  `json:"payload"`
	Error   *errmodel.Error `json:"error"`
}

func decodeResponse(status int, raw []byte, target string) (map[string]any, error) {
	var env envelope
	if json.Unmarshal(raw, &env) == nil && (env.Status == "success" || env.Status == "error") {
		if env.Status == "error" {
			if env.Error == nil {
				env.Error = errmodel.New(errmodel.CategoryTool, "remote_error", "remote tool reported an error", nil)
			}
			return nil, env.Error
		}
		if env.Payload == nil {
			env.Payload = map[string]any{}
		}
		return env.Payload, nil
	}
	if status >= 400 {
		e := errmodel.New(errmodel.CategoryTool, "http_status", fmt.Sprintf("remote tool returned %d", status),
			map[string]any{"url": target, "status": status, "body": string(raw)})
		e.Transient = status >= 500
		return nil, e
	}
	var v any
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"text": string(raw)}, nil
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": v}, nil
}
