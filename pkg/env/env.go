// Package env reads typed settings from the environment. Malformed values
// fall back to the default.
package env

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

func parse[T any](key string, defaultValue T, conv func(string) (T, error)) T {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := conv(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

// GetStringFromFile prefers the file named by KEY_FILE (Docker secrets) and
// falls back to KEY when that file cannot be read
func GetStringFromFile(key, defaultValue string) string {
	if path := os.Getenv(key + "_FILE"); path != "" {
		if content, err := os.ReadFile(filepath.Clean(path)); err == nil {
			return string(bytes.TrimSpace(content))
		}
	}
	return GetString(key, defaultValue)
}

// GetString returns the variable or defaultValue when unset
func GetString(key, defaultValue string) string {
	return parse(key, defaultValue, func(s string) (string, error) { return s, nil })
}

func GetInt(key string, defaultValue int) int {
	return parse(key, defaultValue, strconv.Atoi)
}

func GetBool(key string, defaultValue bool) bool {
	return parse(key, defaultValue, strconv.ParseBool)
}

// GetDuration accepts time.ParseDuration syntax ("45s", "5m")
func GetDuration(key string, defaultValue time.Duration) time.Duration {
	return parse(key, defaultValue, time.ParseDuration)
}

func GetFloat(key string, defaultValue float64) float64 {
	return parse(key, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// GetStringSlice splits a comma-separated variable, skipping empty items.
// A variable with no items yields defaultValue.
func GetStringSlice(key string, defaultValue []string) []string {
	items := parse(key, []string(nil), func(s string) ([]string, error) {
		var out []string
		for _, item := range strings.Split(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out, nil
	})
	if len(items) == 0 {
		return defaultValue
	}
	return items
}
