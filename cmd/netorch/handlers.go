package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/wilhg/netorch/pkg/errmodel"
	"github.com/wilhg/netorch/pkg/executor"
	"github.com/wilhg/netorch/pkg/tool"
)

const maxBody = 1 << 20

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	for op, path := range executor.HTTPRoutes() {
		mux.HandleFunc("POST "+path, a.handleOperation(op))
	}
	mux.HandleFunc("GET /openapi.json", a.handleOpenAPI)
	mux.HandleFunc("GET /api/tools", a.handleTools)
	mux.HandleFunc("POST /api/tools/refresh", a.handleRefresh)
	mux.HandleFunc("POST /api/requests", a.handleRequest)
	mux.HandleFunc("GET /api/confirmations", a.handleConfirmations)
	mux.HandleFunc("GET /api/confirmations/{id}", a.handleConfirmation)
	mux.HandleFunc("GET /api/runs/{id}/journal", a.handleJournal)
	mux.Handle("/mcp", a.mcp.Handler())
	return mux
}

// handleOperation runs one executor operation directly. Operation outcomes,
// failures included, are answered with 200 and the result envelope; only
// unreadable requests get an HTTP error status.
func (a *app) handleOperation(op string) http.HandlerFunc {
	invoke, _ := a.exec.Binding(op)
	var schema tool.ToolSchema
	for _, s := range a.exec.Schemas() {
		if s.Operation == op {
			schema = s
		}
	}
	schema.Source = "http"
	schema.Name = "http." + op
	return func(w http.ResponseWriter, r *http.Request) {
		args, err := decodeObject(w, r)
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		args = executor.CanonicalArgs(args)
		env := executor.Envelope{Status: executor.StatusSuccess}
		if err := tool.ValidateArgs(schema, args); err != nil {
			env = executor.Envelope{Status: executor.StatusError, Error: errmodel.From(err)}
		} else if err := a.guard.Check(r.Context(), schema, args); err != nil {
			env = executor.Envelope{Status: executor.StatusError, Error: errmodel.From(err)}
		} else if out, err := invoke(r.Context(), args); err != nil {
			env = executor.Envelope{Status: executor.StatusError, Error: errmodel.From(err)}
		} else {
			env.Payload = out
		}
		writeJSON(w, http.StatusOK, env)
	}
}

func (a *app) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	writeJSON(w, http.StatusOK, a.exec.OpenAPI(scheme+"://"+r.Host))
}

func (a *app) handleTools(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	var tools []tool.ToolSchema
	if query := strings.TrimSpace(q.Get("q")); query != "" {
		tools = a.searchTools(r.Context(), query, limit)
	} else {
		tools = a.registry.List()
		if limit > 0 && len(tools) > limit {
			tools = tools[:limit]
		}
	}
	if tools == nil {
		tools = []tool.ToolSchema{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (a *app) handleRefresh(w http.ResponseWriter, r *http.Request) {
	reports, err := a.refresh(r.Context())
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": reports, "tools": len(a.registry.List())})
}

func (a *app) handleRequest(w http.ResponseWriter, r *http.Request) {
	if a.orch == nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("llm_disabled", "no llm provider is configured", nil))
		return
	}
	body, err := decodeObject(w, r)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	text, _ := body["text"].(string)
	res, err := a.orch.HandleRequest(r.Context(), text)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *app) handleConfirmations(w http.ResponseWriter, r *http.Request) {
	list := a.exec.Confirmations()
	if run := r.URL.Query().Get("run_id"); run != "" {
		list = a.exec.ConfirmationsForRun(run)
	}
	if list == nil {
		list = []executor.Confirmation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"confirmations": list})
}

func (a *app) handleConfirmation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, ok := a.exec.Confirmation(id)
	if !ok {
		errmodel.WriteHTTP(w, r, errmodel.Validation("not_found", "unknown confirmation", map[string]any{"id": id}))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *app) handleJournal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := intParam(q.Get("after"), "after")
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	entries, err := a.journal.List(r.Context(), r.PathValue("id"), int64(after), limit)
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.System("journal_list", err.Error(), nil, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": r.PathValue("id"), "entries": entries})
}

// decodeObject reads a JSON object body. An empty body is an empty object.
func decodeObject(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, errmodel.Validation("invalid_json", "request body must be a JSON object", map[string]any{"cause": err.Error()})
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func intParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errmodel.Validation("invalid_value", name+" must be a non-negative integer", map[string]any{name: v})
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
