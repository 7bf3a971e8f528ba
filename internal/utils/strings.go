package utils

import (
	"sort"
	"strings"
)

// ToStringSlice keeps the string members of a decoded JSON array, as found
// in `aud` claims.
func ToStringSlice(slice []any) []string {
	stringSlice := make([]string, 0)
	for _, v := range slice {
		if s, ok := v.(string); ok {
			stringSlice = append(stringSlice, s)
		}
	}
	return stringSlice
}

// ScopeContains reports whether a space separated scope string holds s.
func ScopeContains(scope, s string) bool {
	for _, part := range strings.Fields(scope) {
		if part == s {
			return true
		}
	}
	return false
}

// SortedKeys returns the keys of m in order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
