package utils

import (
	"os"
	"strings"
)

// ParseWithFallback returns the trimmed value of envName, or fallback when the
// variable is unset or blank.
func ParseWithFallback(envName string, fallback string) string {
	if value, ok := os.LookupEnv(envName); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}

	return fallback
}
