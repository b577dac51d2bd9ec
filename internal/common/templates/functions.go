package templates

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

func (e *Engine) buildFunctionMap() template.FuncMap {
	funcMap := template.FuncMap{
		"upper":      strings.ToUpper,
		"lower":      strings.ToLower,
		"trim":       strings.TrimSpace,
		"replace":    strings.ReplaceAll,
		"join":       strings.Join,
		"contains":   strings.Contains,
		"hasPrefix":  strings.HasPrefix,
		"hasSuffix":  strings.HasSuffix,
		"quote":      e.quote,
		"indent":     e.indent,
		"nindent":    e.nindent,
		"toYAML":     e.toYAML,
		"toJSON":     e.toJSON,
		"default":    e.defaultFunc,
		"empty":      e.empty,
		"hasKey":     e.hasKey,
		"sortedKeys": e.sortedKeys,
		"resourceName": func(owner, repo string) string {
			return strings.ReplaceAll(owner+"_"+repo, "/", "_")
		},
	}

	for _, disallowed := range e.config.DisallowedFunctions {
		delete(funcMap, disallowed)
	}
	return funcMap
}

// quote renders s as a double-quoted YAML scalar
func (e *Engine) quote(v interface{}) string {
	b, _ := json.Marshal(fmt.Sprint(v))
	return string(b)
}

func (e *Engine) indent(spaces int, s string) string {
	pad := strings.Repeat(" ", spaces)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = pad + line
		}
	}
	return strings.Join(lines, "\n")
}

func (e *Engine) nindent(spaces int, s string) string {
	return "\n" + e.indent(spaces, s)
}

func (e *Engine) toYAML(v interface{}) (string, error) {
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(string(out), "\n"), nil
}

func (e *Engine) toJSON(v interface{}) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (e *Engine) defaultFunc(defaultVal, actualVal interface{}) interface{} {
	if e.empty(actualVal) {
		return defaultVal
	}
	return actualVal
}

func (e *Engine) empty(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Bool:
		return !rv.Bool()
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() == 0
	default:
		return false
	}
}

func (e *Engine) hasKey(m interface{}, key string) bool {
	rv := reflect.ValueOf(m)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return false
	}
	return rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key())).IsValid()
}

// sortedKeys returns the string keys of a map in order, for stable rendering
func (e *Engine) sortedKeys(m interface{}) []string {
	rv := reflect.ValueOf(m)
	if rv.Kind() != reflect.Map {
		return nil
	}
	keys := make([]string, 0, rv.Len())
	for _, k := range rv.MapKeys() {
		keys = append(keys, fmt.Sprint(k.Interface()))
	}
	sort.Strings(keys)
	return keys
}
