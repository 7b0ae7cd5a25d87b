package agentloop

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func paramValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// reflectSchema builds the JSON Schema for a parameter struct. Fields
// without omitempty are required.
func reflectSchema(params any) map[string]any {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	raw, err := json.Marshal(r.Reflect(params))
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	return schema
}

// requiredFields returns the "required" list of a schema.
func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// decodeParams converts raw model arguments into T and validates them.
// Every problem is reported, one per field, as "Parameter '<name>': <msg>",
// sorted by field name. Missing and mistyped fields are checked against
// the schema first; the validator tags run on the remaining fields.
func decodeParams[T any](schema map[string]any, params map[string]any) (T, []string) {
	var out T
	bad := map[string]string{}

	for _, field := range requiredFields(schema) {
		if v, ok := params[field]; !ok || v == nil {
			bad[field] = "field required"
		}
	}

	props, _ := schema["properties"].(map[string]any)
	clean := make(map[string]any, len(params))
	for name, v := range params {
		if _, reported := bad[name]; reported {
			continue
		}
		prop, _ := props[name].(map[string]any)
		want, _ := prop["type"].(string)
		if got := jsonType(v); want != "" && v != nil && !typeMatches(want, got, v) {
			bad[name] = fmt.Sprintf("expected %s, got %s", want, got)
			continue
		}
		clean[name] = v
	}

	raw, err := json.Marshal(clean)
	if err != nil {
		return out, []string{err.Error()}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return out, append(fieldProblems(bad), err.Error())
		}
		bad[typeErr.Field] = fmt.Sprintf("expected %s, got %s", typeErr.Type.Kind(), typeErr.Value)
	}

	if err := paramValidator().Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return out, append(fieldProblems(bad), err.Error())
		}
		for _, fe := range verrs {
			if _, reported := bad[fe.Field()]; !reported {
				bad[fe.Field()] = describeFieldError(fe)
			}
		}
	}
	return out, fieldProblems(bad)
}

func fieldProblems(bad map[string]string) []string {
	if len(bad) == 0 {
		return nil
	}
	fields := make([]string, 0, len(bad))
	for f := range bad {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	problems := make([]string, len(fields))
	for i, f := range fields {
		problems[i] = fmt.Sprintf("Parameter '%s': %s", f, bad[f])
	}
	return problems
}

// jsonType names the JSON type of a decoded argument value.
func jsonType(v any) string {
	if v == nil {
		return "null"
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return reflect.TypeOf(v).String()
	}
}

func typeMatches(want, got string, v any) bool {
	switch want {
	case "integer":
		if got != "number" {
			return false
		}
		f := reflect.ValueOf(v)
		if f.CanFloat() {
			x := f.Float()
			return x == float64(int64(x))
		}
		return true
	case "number":
		return got == "number"
	default:
		return want == got
	}
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field required"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "url", "http_url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// paramTool adds reflected schema and validation for a parameter struct T
// to a tool.
type paramTool[T any] struct {
	toolBase
	schema map[string]any
}

func newParamTool[T any](name, description string, kind ToolKind) paramTool[T] {
	var zero T
	return paramTool[T]{
		toolBase: toolBase{name: name, description: description, kind: kind},
		schema:   reflectSchema(&zero),
	}
}

func (p paramTool[T]) Schema() map[string]any { return p.schema }

func (p paramTool[T]) Validate(params map[string]any) []string {
	_, problems := decodeParams[T](p.schema, params)
	return problems
}

// decode returns the typed parameters of an invocation that already passed
// Validate.
func (p paramTool[T]) decode(params map[string]any) T {
	v, _ := decodeParams[T](p.schema, params)
	return v
}
