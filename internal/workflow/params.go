package workflow

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

func lookupPath(src any, path string) (any, bool) {
	if path == "" {
		return src, true
	}
	cur := src
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func decodeResult(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode previous result: %w", err)
	}
	return v, nil
}

// resolveParams builds a step's parameters: static params first, then the
// bound values from the previous result or the instance context.
func resolveParams(step *Step, cp *Checkpoint) (map[string]any, error) {
	params := maps.Clone(step.Params)
	if params == nil {
		params = make(map[string]any)
	}

	var src any
	switch step.Mode {
	case ModeStatic, "":
		return params, nil
	case ModePrevious:
		v, err := decodeResult(cp.LastResult)
		if err != nil {
			return nil, err
		}
		src = v
	case ModeContext:
		src = cp.Context
	default:
		return nil, fmt.Errorf("unknown param mode %q", step.Mode)
	}

	if len(step.Bind) == 0 {
		if m, ok := src.(map[string]any); ok {
			for k, v := range m {
				params[k] = v
			}
		}
		return params, nil
	}
	for param, path := range step.Bind {
		v, ok := lookupPath(src, path)
		if !ok {
			return nil, fmt.Errorf("step %s: %s value %q not found", step.Name, step.Mode, path)
		}
		params[param] = v
	}
	return params, nil
}

// itemsOf returns the collection a per-item step iterates over.
func itemsOf(step *Step, cp *Checkpoint) ([]any, error) {
	prev, err := decodeResult(cp.LastResult)
	if err != nil {
		return nil, err
	}
	v, ok := lookupPath(prev, step.Items)
	if !ok {
		return nil, fmt.Errorf("step %s: items %q not found in previous result", step.Name, step.Items)
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("step %s: items %q is not a list", step.Name, step.Items)
	}
	return items, nil
}

// itemParams overlays one item on the step's resolved parameters. Object
// items contribute their fields; scalars are passed as "item".
func itemParams(base map[string]any, item any) map[string]any {
	p := maps.Clone(base)
	if p == nil {
		p = make(map[string]any)
	}
	if m, ok := item.(map[string]any); ok {
		for k, v := range m {
			p[k] = v
		}
		return p
	}
	p["item"] = item
	return p
}

// compensationParams builds the undo parameters: static params plus each
// FromResult field, looked up in the step result and then in its input.
func compensationParams(c *Compensation, result any, input map[string]any) map[string]any {
	p := maps.Clone(c.Params)
	if p == nil {
		p = make(map[string]any)
	}
	for _, field := range c.FromResult {
		name := field[strings.LastIndex(field, ".")+1:]
		if v, ok := lookupPath(result, field); ok {
			p[name] = v
		} else if v, ok := lookupPath(input, field); ok {
			p[name] = v
		}
	}
	return p
}
