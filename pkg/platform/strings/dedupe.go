// Package strings provides string manipulation utilities.
package strings

import (
	"strings"
)

// Dedupe removes duplicates and empty strings from a slice. Order is
// preserved and values are compared exactly, without trimming or case folding.
//
// Example:
//
//	Dedupe([]string{"a@x.com", "", "b@x.com", "a@x.com"})
//	// Returns: []string{"a@x.com", "b@x.com"}
func Dedupe(values []string) []string {
	result := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))

	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			result = append(result, v)
		}
	}

	return result
}

// SplitAndTrim splits a comma separated list, trimming whitespace and
// dropping empty elements. Used for list-valued environment variables.
//
// Example:
//
//	SplitAndTrim(" broker-1:9092, ,broker-2:9092 ")
//	// Returns: []string{"broker-1:9092", "broker-2:9092"}
func SplitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
