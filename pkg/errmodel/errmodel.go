package errmodel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Category values for compact errors.
const (
	CategoryValidation   = "validation"
	CategoryConnection   = "connection"
	CategoryOperation    = "operation"
	CategoryDecision     = "decision"
	CategoryConfirmation = "confirmation"
	CategoryTool         = "tool"
	CategoryNetwork      = "network"
	CategoryModel        = "model"
	CategoryPolicy       = "policy"
	CategorySystem       = "system"
)

// Context keys shared by device-facing errors.
const (
	KeyOperation = "operation"
	KeyHost      = "host"
	KeyClass     = "class"
	KeyTool      = "tool"
)

// Error is the compact error payload returned by APIs, fed back to the
// decision function and used internally. It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	// Transient marks failures worth one more attempt (timeouts, dropped transports).
	Transient bool    `json:"transient,omitempty"`
	Causes    []Error `json:"causes,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// With returns a copy of e with the given context entries merged in.
func (e *Error) With(kv map[string]any) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+len(kv))
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	for k, v := range truncateContext(kv) {
		cp.Context[k] = v
	}
	return &cp
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error, it's returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Category: CategorySystem, Code: "timeout", Message: truncate(err.Error(), 512), Transient: true}
	case errors.Is(err, context.Canceled):
		return &Error{Category: CategorySystem, Code: "cancelled", Message: truncate(err.Error(), 512)}
	}
	// Default to system/internal for unknown error types.
	return &Error{Category: CategorySystem, Code: "internal", Message: truncate(err.Error(), 512)}
}

// Convenience constructors.
func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx)
}

func Policy(code, message string, ctx map[string]any) *Error {
	return New(CategoryPolicy, code, message, ctx)
}

func Decision(code, message string, ctx map[string]any) *Error {
	return New(CategoryDecision, code, message, ctx)
}

// Connection reports a failure to reach or establish a session with a device.
func Connection(code, message string, ctx map[string]any, cause error) *Error {
	ce := New(CategoryConnection, code, message, ctx, cause)
	ce.Transient = code == "connect_timeout" || code == "unreachable"
	return ce
}

// Operation reports a failure of a single protocol operation on an established session.
func Operation(code, message string, ctx map[string]any, cause error) *Error {
	ce := New(CategoryOperation, code, message, ctx, cause)
	ce.Transient = code == "timeout" || code == "transport"
	return ce
}

// ConfirmationTimeout reports a confirmed commit whose effective outcome is a rollback.
func ConfirmationTimeout(code, message string, ctx map[string]any) *Error {
	return New(CategoryConfirmation, code, message, ctx)
}

func System(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategorySystem, code, message, ctx, cause)
	}
	return New(CategorySystem, code, message, ctx)
}

// HTTPStatus maps category/code to HTTP status.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryValidation:
		// Special-case common codes
		switch e.Code {
		case "not_found":
			return http.StatusNotFound
		case "conflict", "commit_noop":
			return http.StatusConflict
		default:
			return http.StatusBadRequest
		}
	case CategoryPolicy:
		switch e.Code {
		case "unauthorized":
			return http.StatusUnauthorized
		case "method_not_allowed":
			return http.StatusMethodNotAllowed
		default:
			return http.StatusForbidden
		}
	case CategoryConnection, CategoryNetwork:
		if e.Code == "connect_timeout" || e.Code == "timeout" {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case CategoryOperation:
		if e.Code == "timeout" {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case CategoryConfirmation:
		return http.StatusConflict
	case CategoryTool, CategoryModel, CategoryDecision:
		return http.StatusBadGateway
	case CategorySystem:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes a compact error envelope to the response writer.
// It attempts to include the trace_id if present in ctx.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategorySystem, Code: "internal", Message: "unknown error"}
	}
	status := HTTPStatus(ce)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":    ce,
		"trace_id": TraceID(r),
	})
}

// TraceID returns the trace id of the span carried by r's context, or "".
func TraceID(r *http.Request) string {
	if r == nil {
		return ""
	}
	sc := trace.SpanFromContext(r.Context()).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		case bool, int, int64, float64:
			out[k] = t
		default:
			// Try to stringify composite values to keep payload compact.
			b, err := json.Marshal(t)
			if err == nil && len(b) > 0 {
				out[k] = truncate(string(b), 256)
			} else {
				out[k] = t
			}
		}
	}
	return out
}

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}

// IsTransient reports whether err is marked as worth a single retry.
func IsTransient(err error) bool {
	ce := From(err)
	return ce != nil && ce.Transient
}
