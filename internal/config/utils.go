package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment lookup helpers. Unparsable values fall back to the default
// rather than failing here: New reports the semantic errors after the whole
// Config is assembled.

func getEnv(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsBool(key string, defaultVal bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvAsDuration accepts Go duration syntax ("90m", "72h") and, for knobs
// like ORDER_LINK_LIFETIME that operators tend to set in whole seconds, a
// bare integer meaning seconds.
func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}

func getEnvAsStringSlice(key string, defaults []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaults
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaults
	}
	return out
}
