// Package utils provides helpers shared by the gateway packages: environment
// lookups, request identifiers, token masking, retry backoff and the optional
// YAML configuration file.
package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GetEnvWithDefault retrieves an environment variable or returns a default value if not set.
//
// Parameters:
//   - name: The name of the environment variable
//   - defaultValue: The default value to return if the environment variable is not set
//
// Returns the value of the environment variable, or the default value if not set.
func GetEnvWithDefault(name, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultValue
	}
	// .env files sometimes carry quoted values
	return strings.Trim(value, "'\"")
}

// GetEnvBool reports whether the variable is set to "true" or "1".
func GetEnvBool(name string) bool {
	v := strings.ToLower(GetEnvWithDefault(name, ""))
	return v == "true" || v == "1"
}

// GetEnvInt parses an integer variable, falling back to defaultValue when it is
// unset or malformed.
func GetEnvInt(name string, defaultValue int) int {
	raw := GetEnvWithDefault(name, "")
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvDuration parses a Go duration string ("30s", "5m").
func GetEnvDuration(name string, defaultValue time.Duration) time.Duration {
	raw := GetEnvWithDefault(name, "")
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return d
}

// SplitList splits a comma-separated list and drops empty entries.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NewRequestID returns a sortable request identifier: a UTC timestamp followed
// by the first block of a random UUID.
func NewRequestID() string {
	return fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405.000Z"), uuid.New().String()[:8])
}

// MaskToken masks a token for display by showing only the first and last few characters.
func MaskToken(token string) string {
	if token == "" {
		return "[empty token]"
	}
	if len(token) < 10 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
