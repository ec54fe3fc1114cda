package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wilhg/netorch/pkg/errmodel"
)

// Mismatch describes one argument whose value does not fit its parameter.
type Mismatch struct {
	Param string `json:"param"`
	Want  string `json:"want"`
	Got   string `json:"got"`
}

// ValidateArgs checks args against s. Missing required parameters, unknown
// parameters, type mismatches and enum violations all yield a validation
// error naming every offending parameter; the call must not be sent.
func ValidateArgs(s ToolSchema, args map[string]any) error {
	var missing, unknown []string
	var mismatched, outside []Mismatch
	for _, p := range s.Parameters {
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				missing = append(missing, p.Name)
			}
			continue
		}
		if !typeMatches(p.Type, v) {
			mismatched = append(mismatched, Mismatch{Param: p.Name, Want: p.Type, Got: typeName(v)})
			continue
		}
		if len(p.Enum) > 0 && !inEnum(p.Enum, v) {
			outside = append(outside, Mismatch{Param: p.Name, Want: fmt.Sprint(p.Enum), Got: fmt.Sprint(v)})
		}
	}
	for k := range args {
		if _, ok := s.Param(k); !ok {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)

	ctx := map[string]any{errmodel.KeyTool: s.Name}
	if len(missing) > 0 {
		ctx["missing"] = missing
	}
	if len(unknown) > 0 {
		ctx["unknown"] = unknown
	}
	if len(mismatched) > 0 {
		ctx["mismatched"] = mismatched
	}
	if len(outside) > 0 {
		ctx["enum"] = outside
	}
	switch {
	case len(missing) > 0:
		return errmodel.Validation("missing_fields", fmt.Sprintf("missing required parameters: %v", missing), ctx)
	case len(unknown) > 0:
		return errmodel.Validation("unknown_parameter", fmt.Sprintf("unknown parameters: %v", unknown), ctx)
	case len(mismatched) > 0:
		return errmodel.Validation("type_mismatch", fmt.Sprintf("parameter %s must be %s", mismatched[0].Param, mismatched[0].Want), ctx)
	case len(outside) > 0:
		return errmodel.Validation("enum_violation", fmt.Sprintf("parameter %s must be one of %s", outside[0].Param, outside[0].Want), ctx)
	}
	if err := validateJSONSchema(s, args); err != nil {
		ctx["error"] = err.Error()
		return errmodel.Validation("schema_violation", "arguments do not satisfy the tool schema", ctx)
	}
	return nil
}

// validateJSONSchema runs the full JSON Schema check for constraints the
// structural pass does not cover.
func validateJSONSchema(s ToolSchema, args map[string]any) error {
	raw, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://tool.json", doc); err != nil {
		return err
	}
	sch, err := c.Compile("mem://tool.json")
	if err != nil {
		return err
	}
	present := make(map[string]any, len(args))
	for k, v := range args {
		if v != nil {
			present[k] = v
		}
	}
	b, err := json.Marshal(present)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}

func typeMatches(want string, v any) bool {
	switch want {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeInteger:
		switch n := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			return !math.IsInf(n, 0) && n == math.Trunc(n)
		case float32:
			return float64(n) == math.Trunc(float64(n))
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case TypeNumber:
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		case json.Number:
			return true
		}
		return false
	case TypeObject:
		if _, ok := v.(map[string]any); ok {
			return true
		}
		return reflect.ValueOf(v).Kind() == reflect.Map
	case TypeArray:
		k := reflect.ValueOf(v).Kind()
		return k == reflect.Slice || k == reflect.Array
	case "":
		return true
	}
	return false
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return TypeString
	case bool:
		return TypeBoolean
	case float32, float64, json.Number:
		return TypeNumber
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInteger
	case map[string]any:
		return TypeObject
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Array:
		return TypeArray
	case reflect.Map:
		return TypeObject
	}
	return fmt.Sprintf("%T", v)
}

func inEnum(enum []any, v any) bool {
	for _, e := range enum {
		if reflect.DeepEqual(normalize(e), normalize(v)) {
			return true
		}
	}
	return false
}

// normalize maps numeric values onto float64 so 1 and 1.0 compare equal.
func normalize(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}
	return v
}
