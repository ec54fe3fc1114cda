package tool

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/wilhg/netorch/pkg/errmodel"
)

const fastAPIDoc = `{
  "openapi": "3.1.0",
  "info": {"title": "NETCONF MCP", "version": "0.1.0"},
  "paths": {
    "/netconf/get-config": {
      "post": {
        "operationId": "netconf_get_config_netconf_get_config_post",
        "summary": "Netconf Get Config",
        "requestBody": {"required": true, "content": {"application/json": {"schema": {"$ref": "#/components/schemas/GetConfigRequest"}}}}
      }
    },
    "/devices/{name}": {
      "get": {
        "operationId": "get_device",
        "description": "Inventory record for one device",
        "parameters": [
          {"name": "name", "in": "path", "schema": {"type": "string"}},
          {"name": "verbose", "in": "query", "required": false, "schema": {"type": "boolean", "default": false}}
        ]
      }
    }
  },
  "components": {
    "schemas": {
      "GetConfigRequest": {
        "type": "object",
        "required": ["host"],
        "properties": {
          "host": {"type": "string", "title": "Host"},
          "port": {"type": "integer", "default": 830},
          "source": {"type": "string", "enum": ["running", "candidate"], "default": "running"},
          "filter_xml": {"anyOf": [{"type": "string"}, {"type": "null"}], "description": "Subtree filter"}
        }
      }
    }
  }
}`

const yamlDoc = `openapi: 3.0.3
info:
  title: lab
  version: "1"
servers:
  - url: /api/v1
paths:
  /reboot:
    post:
      operationId: reboot-device
      summary: Reboot a device
      requestBody:
        content:
          application/json:
            schema:
              type: object
              required: [host]
              properties:
                host: {type: string}
                delay: {type: integer}
`

func TestParseOpenAPIPreservesOrderAndResolvesRefs(t *testing.T) {
	ops, err := parseOpenAPI([]byte(fastAPIDoc), "http://svc:8000/openapi.json", http.DefaultClient)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ops) != 2 || ops[0].Name != "netconf_get_config_netconf_get_config_post" || ops[1].Name != "get_device" {
		t.Fatalf("ops: %+v", ops)
	}
	var got []string
	for _, p := range ops[0].Parameters {
		got = append(got, p.Name)
	}
	if !reflect.DeepEqual(got, []string{"host", "port", "source", "filter_xml"}) {
		t.Fatalf("param order: %v", got)
	}
	host, filter := ops[0].Parameters[0], ops[0].Parameters[3]
	if !host.Required || host.Description != "Host" {
		t.Fatalf("host: %+v", host)
	}
	if filter.Type != TypeString || filter.Required || filter.Description != "Subtree filter" {
		t.Fatalf("nullable filter: %+v", filter)
	}
	if src := ops[0].Parameters[2]; len(src.Enum) != 2 || src.Default != "running" {
		t.Fatalf("source: %+v", src)
	}
	name := ops[1].Parameters[0]
	if !name.Required || ops[1].Parameters[1].Type != TypeBoolean {
		t.Fatalf("path params: %+v", ops[1].Parameters)
	}
	if ops[1].Description != "Inventory record for one device" {
		t.Fatalf("description: %q", ops[1].Description)
	}
}

func TestParseOpenAPIRejectsSwagger2(t *testing.T) {
	if _, err := parseOpenAPI([]byte(`{"swagger":"2.0","paths":{}}`), "http://x/", http.DefaultClient); err == nil {
		t.Fatal("swagger 2 accepted")
	}
}

func TestOpenAPIFetchAndInvoke(t *testing.T) {
	var gotBody map[string]any
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, fastAPIDoc)
	})
	mux.HandleFunc("POST /netconf/get-config", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		if gotBody["host"] == "down" {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "error", "error": map[string]any{"category": "connection", "code": "unreachable", "message": "no route"}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "payload": map[string]any{"data": "<interfaces/>"}})
	})
	mux.HandleFunc("GET /devices/{name}", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		if r.PathValue("name") == "missing" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"name": r.PathValue("name"), "vendor": "juniper"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewOpenAPIFetcher(srv.Client())
	ops, err := f.Fetch(context.Background(), SourceConfig{ID: "svc", Kind: KindOpenAPI, URL: srv.URL + "/openapi.json"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	ctx := context.Background()

	out, err := ops[0].Invoke(ctx, map[string]any{"host": "r1", "filter_xml": "<interfaces/>"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out["data"] != "<interfaces/>" || gotBody["filter_xml"] != "<interfaces/>" {
		t.Fatalf("envelope not unwrapped: out=%v body=%v", out, gotBody)
	}

	_, err = ops[0].Invoke(ctx, map[string]any{"host": "down"})
	if !errmodel.IsCategory(err, errmodel.CategoryConnection) {
		t.Fatalf("remote error not surfaced: %v", err)
	}

	out, err = ops[1].Invoke(ctx, map[string]any{"name": "r1", "verbose": true})
	if err != nil || out["vendor"] != "juniper" || gotQuery != "verbose=true" {
		t.Fatalf("path invoke: %v %v query=%q", out, err, gotQuery)
	}

	_, err = ops[1].Invoke(ctx, map[string]any{"name": "missing"})
	if code(err) != "http_status" {
		t.Fatalf("404: %v", err)
	}
}

func TestOpenAPIYAMLRelativeServer(t *testing.T) {
	var path string
	mux := http.NewServeMux()
	mux.HandleFunc("/docs/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, yamlDoc)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = io.WriteString(w, `{"accepted": true}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ops, err := NewOpenAPIFetcher(nil).Fetch(context.Background(), SourceConfig{ID: "lab", URL: srv.URL + "/docs/openapi.yaml"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(ops) != 1 || ops[0].Name != "reboot_device" {
		t.Fatalf("ops: %+v", ops)
	}
	out, err := ops[0].Invoke(context.Background(), map[string]any{"host": "r1", "delay": 5})
	if err != nil || out["accepted"] != true {
		t.Fatalf("invoke: %v %v", out, err)
	}
	if path != "/api/v1/reboot" {
		t.Fatalf("server url not applied: %s", path)
	}
}

func TestOpenAPIFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	if _, err := NewOpenAPIFetcher(nil).Fetch(context.Background(), SourceConfig{ID: "x", URL: srv.URL}); err == nil {
		t.Fatal("404 document accepted")
	}
}
