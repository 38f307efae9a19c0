// Package env reads typed configuration values from the process environment.
//
// Every helper returns the parsed value or the supplied default; malformed
// values fall back to the default instead of aborting startup. Rusuban has no
// required variables, so there is no fatal path here.
package env

import (
	"os"
	"strconv"
	"time"
)

// StringOr returns the named variable, or def when unset or empty.
func StringOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// BoolOr parses the named variable with strconv.ParseBool semantics
// ("1", "t", "true", ...). Unset, empty, or malformed values yield def.
func BoolOr(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// IntOr parses the named variable as a base-10 integer, falling back to def.
func IntOr(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// DurationOr parses the named variable as a time.Duration ("45s", "2m"),
// falling back to def.
func DurationOr(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
