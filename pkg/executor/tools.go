package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/wilhg/netorch/pkg/device"
	"github.com/wilhg/netorch/pkg/errmodel"
	"github.com/wilhg/netorch/pkg/tool"
)

// Canonical operation names.
const (
	OpReadConfig  = "read_config"
	OpWriteConfig = "write_config"
	OpCommit      = "commit"
	OpRawRPC      = "raw_rpc"
)

// aliases maps operation names seen in discovered documents onto the
// canonical operations. Longer names are tried first as prefixes, so a
// generated id such as netconf_get_config_netconf_get_config_post binds too.
var aliases = map[string]string{
	"read_config":         OpReadConfig,
	"get_config":          OpReadConfig,
	"netconf_get_config":  OpReadConfig,
	"write_config":        OpWriteConfig,
	"edit_config":         OpWriteConfig,
	"netconf_edit_config": OpWriteConfig,
	"commit":              OpCommit,
	"commit_config":       OpCommit,
	"netconf_commit":      OpCommit,
	"raw_rpc":             OpRawRPC,
	"rpc":                 OpRawRPC,
	"netconf_rpc":         OpRawRPC,
}

// argument aliases accepted from callers that use the long field names.
var argAliases = map[string]string{
	"filter_xml": "filter",
	"config_xml": "config",
	"rpc_xml":    "payload",
}

var targetParams = []tool.Parameter{
	{Name: "host", Type: tool.TypeString, Required: true, Description: "Device hostname or IP address"},
	{Name: "port", Type: tool.TypeInteger, Description: "NETCONF port", Default: device.DefaultPort},
	{Name: "username", Type: tool.TypeString, Description: "Login user; defaults to the configured user"},
	{Name: "password", Type: tool.TypeString, Description: "Login password; defaults to the configured password"},
}

func withTarget(ps ...tool.Parameter) []tool.Parameter {
	return append(append([]tool.Parameter(nil), targetParams...), ps...)
}

// Schemas returns the canonical schemas of the four operations. Name and
// Operation are both the canonical operation name; registries prefix Name
// with their source id.
func (e *Executor) Schemas() []tool.ToolSchema {
	return []tool.ToolSchema{
		{
			Name: OpReadConfig, Operation: OpReadConfig,
			Description: "Retrieve configuration from a device datastore, optionally narrowed by a subtree filter.",
			Parameters: withTarget(
				tool.Parameter{Name: "source", Type: tool.TypeString, Description: "Datastore to read", Enum: []any{"running", "candidate"}, Default: "running"},
				tool.Parameter{Name: "filter", Type: tool.TypeString, Description: "Subtree filter XML, e.g. <interfaces/>"},
			),
		},
		{
			Name: OpWriteConfig, Operation: OpWriteConfig,
			Description: "Edit configuration in a device datastore. The change is not active on candidate-based devices until committed.",
			Parameters: withTarget(
				tool.Parameter{Name: "config", Type: tool.TypeString, Required: true, Description: "Configuration XML; wrapped in <config> if needed"},
				tool.Parameter{Name: "target", Type: tool.TypeString, Description: "Datastore to edit", Enum: []any{"running", "candidate"}, Default: "running"},
				tool.Parameter{Name: "default_operation", Type: tool.TypeString, Enum: []any{"merge", "replace", "none"}, Default: "merge"},
				tool.Parameter{Name: "test_option", Type: tool.TypeString, Enum: []any{"test-then-set", "set"}},
				tool.Parameter{Name: "error_option", Type: tool.TypeString, Enum: []any{"stop-on-error", "continue-on-error", "rollback-on-error"}},
			),
		},
		{
			Name: OpCommit, Operation: OpCommit,
			Description: "Commit the candidate configuration. With confirmed=true the device rolls back unless a second commit confirms before confirm_timeout seconds; cancel=true aborts a pending confirmed commit.",
			Parameters: withTarget(
				tool.Parameter{Name: "confirmed", Type: tool.TypeBoolean, Default: false},
				tool.Parameter{Name: "confirm_timeout", Type: tool.TypeInteger, Description: "Seconds before automatic rollback", Default: DefaultConfirmTimeout},
				tool.Parameter{Name: "comment", Type: tool.TypeString, Description: "Commit log message"},
				tool.Parameter{Name: "cancel", Type: tool.TypeBoolean, Description: "Cancel a pending confirmed commit", Default: false},
			),
		},
		{
			Name: OpRawRPC, Operation: OpRawRPC,
			Description: "Send an arbitrary NETCONF RPC body, e.g. <get-software-information/>.",
			Parameters: withTarget(
				tool.Parameter{Name: "payload", Type: tool.TypeString, Required: true, Description: "RPC body XML"},
			),
		},
	}
}

// Binding resolves an operation name, or one of its aliases, to a local invoker.
func (e *Executor) Binding(operation string) (tool.InvokeFunc, bool) {
	canon, ok := canonical(operation)
	if !ok {
		return nil, false
	}
	return e.invoker(canon), true
}

// Bindings returns every accepted operation name mapped to its invoker.
func (e *Executor) Bindings() map[string]tool.InvokeFunc {
	out := make(map[string]tool.InvokeFunc, len(aliases))
	for name, canon := range aliases {
		out[name] = e.invoker(canon)
	}
	return out
}

// canonical accepts an exact alias, or the generated operation id
// "<alias>_<alias>_post" where both aliases name the same operation
// (function name, then path, then method).
func canonical(operation string) (string, bool) {
	op := strings.ToLower(strings.TrimSpace(operation))
	op = strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(op)
	if c, ok := aliases[op]; ok {
		return c, true
	}
	rest, ok := strings.CutSuffix(op, "_post")
	if !ok {
		return "", false
	}
	for name, c := range aliases {
		path, ok := strings.CutPrefix(rest, name+"_")
		if ok && aliases[path] == c {
			return c, true
		}
	}
	return "", false
}

func (e *Executor) invoker(op string) tool.InvokeFunc {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		a := normalizeArgs(args)
		t, err := targetFrom(a)
		if err != nil {
			return nil, err
		}
		var env Envelope
		switch op {
		case OpReadConfig:
			env = e.ReadConfig(ctx, ReadConfigInput{Target: t, Source: a.str("source"), Filter: a.str("filter")})
		case OpWriteConfig:
			env = e.WriteConfig(ctx, WriteConfigInput{
				Target: t, Datastore: a.str("target"), Config: a.str("config"),
				DefaultOperation: a.str("default_operation"), TestOption: a.str("test_option"), ErrorOption: a.str("error_option"),
			})
		case OpCommit:
			timeout, err := a.integer("confirm_timeout")
			if err != nil {
				return nil, err
			}
			env = e.Commit(ctx, CommitInput{
				Target: t, Confirmed: a.boolean("confirmed"), ConfirmTimeout: timeout,
				Comment: a.str("comment"), Cancel: a.boolean("cancel"),
			})
		case OpRawRPC:
			env = e.RawRPC(ctx, RawRPCInput{Target: t, Payload: a.str("payload")})
		default:
			return nil, errmodel.Validation("not_found", "unknown operation", map[string]any{errmodel.KeyOperation: op})
		}
		if env.Error != nil {
			return nil, env.Error
		}
		return env.Payload, nil
	}
}

type argMap map[string]any

// CanonicalArgs renames the long argument names (filter_xml, config_xml,
// rpc_xml) to the schema names. A canonical name already present wins.
func CanonicalArgs(in map[string]any) map[string]any { return normalizeArgs(in) }

func normalizeArgs(in map[string]any) argMap {
	out := make(argMap, len(in))
	for k, v := range in {
		if canon, ok := argAliases[k]; ok {
			if _, set := in[canon]; set {
				continue
			}
			k = canon
		}
		out[k] = v
	}
	return out
}

func targetFrom(a argMap) (device.Target, error) {
	port, err := a.integer("port")
	if err != nil {
		return device.Target{}, err
	}
	return device.Target{
		Host: a.str("host"),
		Port: port,
		Credentials: device.Credentials{
			Username: a.str("username"),
			Password: a.str("password"),
		},
	}, nil
}

func (a argMap) str(k string) string {
	switch v := a[k].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (a argMap) boolean(k string) bool {
	switch v := a[k].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func (a argMap) integer(k string) (int, error) {
	switch v := a[k].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v == math.Trunc(v) {
			return int(v), nil
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), nil
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n, nil
		}
	}
	return 0, errmodel.Validation("invalid_value", k+" must be an integer", map[string]any{k: a[k]})
}

// OpenAPI returns an OpenAPI 3 document describing the operations as
// POST endpoints under /netconf, one operationId per operation.
func (e *Executor) OpenAPI(serverURL string) map[string]any {
	paths := map[string]any{}
	for _, s := range e.Schemas() {
		path, opID := httpRoute(s.Operation)
		paths[path] = map[string]any{
			"post": map[string]any{
				"operationId": opID,
				"summary":     s.Description,
				"requestBody": map[string]any{
					"required": true,
					"content": map[string]any{
						"application/json": map[string]any{"schema": s.JSONSchema()},
					},
				},
				"responses": map[string]any{
					"200": map[string]any{"description": "Operation envelope"},
				},
			},
		}
	}
	doc := map[string]any{
		"openapi": "3.0.3",
		"info":    map[string]any{"title": "netorch NETCONF operations", "version": "1.0.0"},
		"paths":   paths,
	}
	if serverURL != "" {
		doc["servers"] = []any{map[string]any{"url": serverURL}}
	}
	return doc
}

// HTTPRoutes maps each canonical operation to its HTTP path.
func HTTPRoutes() map[string]string {
	out := map[string]string{}
	for _, op := range []string{OpReadConfig, OpWriteConfig, OpCommit, OpRawRPC} {
		path, _ := httpRoute(op)
		out[op] = path
	}
	return out
}

func httpRoute(op string) (path, operationID string) {
	switch op {
	case OpReadConfig:
		return "/netconf/get-config", "netconf_get_config"
	case OpWriteConfig:
		return "/netconf/edit-config", "netconf_edit_config"
	case OpCommit:
		return "/netconf/commit", "netconf_commit"
	default:
		return "/netconf/rpc", "netconf_rpc"
	}
}
