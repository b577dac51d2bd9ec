// Package merge deep-merges pipeline definition documents
package merge

import (
	"fmt"
	"reflect"
)

// Merge returns base overlaid with override. Neither input is modified.
//
// Maps merge recursively and override wins on scalar conflicts. Lists combine as a union:
// base entries first, then override entries that are not already present.
func Merge(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = Clone(v)
	}
	for k, v := range override {
		existing, ok := out[k]
		if !ok {
			out[k] = Clone(v)
			continue
		}
		out[k] = mergeValue(existing, v)
	}
	return out
}

// All merges documents left to right, so later documents win
func All(docs ...map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for _, d := range docs {
		if d != nil {
			out = Merge(out, d)
		}
	}
	return out
}

func mergeValue(base, override interface{}) interface{} {
	baseMap, baseIsMap := AsMap(base)
	overrideMap, overrideIsMap := AsMap(override)
	if baseIsMap && overrideIsMap {
		return Merge(baseMap, overrideMap)
	}

	baseList, baseIsList := base.([]interface{})
	overrideList, overrideIsList := override.([]interface{})
	if baseIsList && overrideIsList {
		return union(baseList, overrideList)
	}

	return Clone(override)
}

func union(base, override []interface{}) []interface{} {
	out := make([]interface{}, 0, len(base)+len(override))
	for _, v := range base {
		if !contains(out, v) {
			out = append(out, Clone(v))
		}
	}
	for _, v := range override {
		if !contains(out, v) {
			out = append(out, Clone(v))
		}
	}
	return out
}

func contains(list []interface{}, v interface{}) bool {
	for _, e := range list {
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

// AsMap converts YAML mappings to map[string]interface{}; yaml.v3 may produce
// map[interface{}]interface{} for non-string keys
func AsMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// Clone deep-copies maps and lists; scalars are returned as is
func Clone(v interface{}) interface{} {
	if m, ok := AsMap(v); ok {
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[k] = Clone(val)
		}
		return out
	}
	if l, ok := v.([]interface{}); ok {
		out := make([]interface{}, len(l))
		for i, val := range l {
			out[i] = Clone(val)
		}
		return out
	}
	return v
}
