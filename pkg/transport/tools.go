package transport

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/vango-go/zenlive/pkg/core"
	"github.com/vango-go/zenlive/pkg/transport/protocol"
)

// ToolSet validates tool calls against the JSON-schema subset declared to the
// model: type, properties, required, enum, minimum, maximum, minLength,
// minItems, maxItems and items.
type ToolSet struct {
	decls map[string]protocol.ToolDeclaration
	order []string
}

// NewToolSet indexes declarations by name.
func NewToolSet(decls []protocol.ToolDeclaration) *ToolSet {
	ts := &ToolSet{decls: make(map[string]protocol.ToolDeclaration, len(decls))}
	for _, d := range decls {
		if _, dup := ts.decls[d.Name]; !dup {
			ts.order = append(ts.order, d.Name)
		}
		ts.decls[d.Name] = d
	}
	return ts
}

// Declarations returns the declarations in registration order.
func (ts *ToolSet) Declarations() []protocol.ToolDeclaration {
	if ts == nil {
		return nil
	}
	out := make([]protocol.ToolDeclaration, 0, len(ts.order))
	for _, name := range ts.order {
		out = append(out, ts.decls[name])
	}
	return out
}

// Validate checks call before any side effect. Failures are
// core.KindToolValidation errors.
func (ts *ToolSet) Validate(call ToolCall) error {
	if ts == nil {
		return core.NewToolValidationError(call.Name, "no tools are registered")
	}
	decl, ok := ts.decls[call.Name]
	if !ok {
		return core.NewToolValidationError(call.Name, "unknown tool")
	}
	if decl.Parameters == nil {
		return nil
	}
	var args any = call.Args
	if call.Args == nil {
		args = map[string]any{}
	}
	if err := validateValue(decl.Parameters, args, "args"); err != nil {
		return core.NewToolValidationError(call.Name, err.Error())
	}
	return nil
}

func validateValue(schema map[string]any, v any, path string) error {
	if typ, _ := schema["type"].(string); typ != "" {
		if err := checkType(typ, v, path); err != nil {
			return err
		}
	}
	if enum, ok := schema["enum"]; ok {
		if !inEnum(enum, v) {
			return fmt.Errorf("%s must be one of %v", path, enum)
		}
	}

	switch val := v.(type) {
	case map[string]any:
		for _, name := range stringList(schema["required"]) {
			if _, ok := val[name]; !ok {
				return fmt.Errorf("%s.%s is required", path, name)
			}
		}
		props, _ := schema["properties"].(map[string]any)
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sub, ok := props[k].(map[string]any)
			if !ok {
				continue
			}
			if err := validateValue(sub, val[k], path+"."+k); err != nil {
				return err
			}
		}
	case []any:
		if n, ok := number(schema["minItems"]); ok && float64(len(val)) < n {
			return fmt.Errorf("%s must have at least %d items", path, int(n))
		}
		if n, ok := number(schema["maxItems"]); ok && float64(len(val)) > n {
			return fmt.Errorf("%s must have at most %d items", path, int(n))
		}
		if items, ok := schema["items"].(map[string]any); ok {
			for i, item := range val {
				if err := validateValue(items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	case string:
		if n, ok := number(schema["minLength"]); ok && float64(len(strings.TrimSpace(val))) < n {
			return fmt.Errorf("%s must be at least %d characters", path, int(n))
		}
	default:
		if f, ok := number(v); ok {
			if min, ok := number(schema["minimum"]); ok && f < min {
				return fmt.Errorf("%s must be >= %v", path, min)
			}
			if max, ok := number(schema["maximum"]); ok && f > max {
				return fmt.Errorf("%s must be <= %v", path, max)
			}
		}
	}
	return nil
}

func checkType(typ string, v any, path string) error {
	ok := false
	switch typ {
	case "object":
		_, ok = v.(map[string]any)
	case "array":
		_, ok = v.([]any)
	case "string":
		_, ok = v.(string)
	case "boolean":
		_, ok = v.(bool)
	case "number":
		_, ok = number(v)
	case "integer":
		var f float64
		f, ok = number(v)
		ok = ok && f == math.Trunc(f)
	default:
		ok = true
	}
	if !ok {
		return fmt.Errorf("%s must be of type %s", path, typ)
	}
	return nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func inEnum(enum any, v any) bool {
	switch list := enum.(type) {
	case []any:
		for _, e := range list {
			if e == v {
				return true
			}
		}
	case []string:
		s, ok := v.(string)
		if !ok {
			return false
		}
		for _, e := range list {
			if e == s {
				return true
			}
		}
	}
	return false
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
