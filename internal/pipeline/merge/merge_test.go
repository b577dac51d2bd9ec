package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeVariantWinsOnScalars(t *testing.T) {
	base := map[string]interface{}{"template": "default", "timeout": "1h"}
	variant := map[string]interface{}{"timeout": "2h"}

	got := Merge(base, variant)
	assert.Equal(t, map[string]interface{}{"template": "default", "timeout": "2h"}, got)
}

func TestMergeRecursesIntoMaps(t *testing.T) {
	base := map[string]interface{}{
		"steps": map[string]interface{}{
			"build": map[string]interface{}{"image": "golang:1.22"},
		},
	}
	variant := map[string]interface{}{
		"steps": map[string]interface{}{
			"build": map[string]interface{}{"execute": "make"},
			"test":  map[string]interface{}{},
		},
	}

	got := Merge(base, variant)
	steps := got["steps"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"image": "golang:1.22", "execute": "make"}, steps["build"])
	assert.Contains(t, steps, "test")
}

func TestMergeListsAreUnion(t *testing.T) {
	base := map[string]interface{}{"depends": []interface{}{"a", "b"}}
	variant := map[string]interface{}{"depends": []interface{}{"b", "c"}}

	got := Merge(base, variant)
	assert.Equal(t, []interface{}{"a", "b", "c"}, got["depends"])
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	inner := map[string]interface{}{"x": 1}
	base := map[string]interface{}{"m": inner, "l": []interface{}{"a"}}
	variant := map[string]interface{}{"m": map[string]interface{}{"y": 2}, "l": []interface{}{"b"}}

	got := Merge(base, variant)
	got["m"].(map[string]interface{})["z"] = 3

	assert.Equal(t, map[string]interface{}{"x": 1}, inner)
	assert.Equal(t, []interface{}{"a"}, base["l"])
	assert.Equal(t, []interface{}{"b"}, variant["l"])
}

func TestMergeTypeMismatchTakesOverride(t *testing.T) {
	got := Merge(
		map[string]interface{}{"repo": map[string]interface{}{"branch": "master"}},
		map[string]interface{}{"repo": "none"},
	)
	assert.Equal(t, "none", got["repo"])
}

func TestAllAppliesInOrder(t *testing.T) {
	got := All(
		map[string]interface{}{"a": 1, "b": 1},
		nil,
		map[string]interface{}{"b": 2},
		map[string]interface{}{"b": 3, "c": 3},
	)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 3, "c": 3}, got)
}

func TestAsMapConvertsInterfaceKeys(t *testing.T) {
	m, ok := AsMap(map[interface{}]interface{}{1: "one", "two": 2})
	assert.True(t, ok)
	assert.Equal(t, map[string]interface{}{"1": "one", "two": 2}, m)

	_, ok = AsMap([]interface{}{})
	assert.False(t, ok)
}
