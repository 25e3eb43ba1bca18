package upstream

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// Document is a decoded response body.
type Document map[string]any

// FindOne returns the first value stored under key, searching depth first in
// document order. Object keys are visited in a stable (sorted) order.
func FindOne(v any, key string) any {
	var out any
	walk(v, key, func(x any) bool {
		out = x
		return false
	})
	return out
}

// FindAll returns every value stored under key. Matched values are not searched further.
func FindAll(v any, key string) []any {
	var out []any
	walk(v, key, func(x any) bool {
		out = append(out, x)
		return true
	})
	return out
}

// walk calls fn for every value under key until fn returns false.
func walk(v any, key string, fn func(any) bool) bool {
	switch x := v.(type) {
	case Document:
		return walk(map[string]any(x), key, fn)
	case map[string]any:
		if m, ok := x[key]; ok {
			return fn(m)
		}
		for _, k := range slices.Sorted(maps.Keys(x)) {
			if !walk(x[k], key, fn) {
				return false
			}
		}
	case []any:
		for _, e := range x {
			if !walk(e, key, fn) {
				return false
			}
		}
	}
	return true
}

// obj returns v as an object, or nil.
func obj(v any) map[string]any {
	switch x := v.(type) {
	case map[string]any:
		return x
	case Document:
		return x
	}
	return nil
}

// path follows object keys from v.
func path(v any, keys ...string) any {
	for _, k := range keys {
		m := obj(v)
		if m == nil {
			return nil
		}
		v = m[k]
	}
	return v
}

func str(v any, keys ...string) string {
	switch x := path(v, keys...).(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func num(v any, keys ...string) int64 {
	switch x := path(v, keys...).(type) {
	case float64:
		return int64(x)
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	}
	return 0
}

func list(v any, keys ...string) []any {
	l, _ := path(v, keys...).([]any)
	return l
}

// errorCodes collects the numeric codes of a top-level "errors" array.
func errorCodes(doc Document) []int {
	var out []int
	for _, e := range list(doc, "errors") {
		if c := num(e, "code"); c != 0 {
			out = append(out, int(c))
		}
	}
	return out
}
