package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const NotExists = "~!-===X===-!~"

// GetString retrieves the value of the environment variable named by the key.
// It returns the value, or if the variable is not present, it returns the defaultValue.
func GetString(key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	return strings.TrimSpace(value)
}

// GetBool returns true if the env variable with the key set and is truthy and
// defaultValue otherwise.
func GetBool(key string, defaultValue bool) bool {
	strValue := GetString(key, NotExists)
	if strValue == NotExists {
		return defaultValue
	}

	switch strings.ToLower(strValue) {
	case "1", "true", "yes", "on":
		return true
	}

	return false
}

// GetInt returns an integer if the env variable with the key set and contains
// an integer and defaultValue otherwise.
func GetInt(key string, defaultValue int) int {
	return int(GetInt64(key, int64(defaultValue)))
}

func GetInt64(key string, defaultValue int64) int64 {
	strValue := GetString(key, NotExists)
	if strValue == NotExists {
		return defaultValue
	}

	intValue, err := strconv.ParseInt(strValue, 10, 64)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// GetDuration parses values like "90s" or "5m". A bare integer is treated as
// seconds.
func GetDuration(key string, defaultValue time.Duration) time.Duration {
	strValue := GetString(key, NotExists)
	if strValue == NotExists {
		return defaultValue
	}

	if seconds, err := strconv.ParseInt(strValue, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second
	}

	d, err := time.ParseDuration(strValue)
	if err != nil {
		return defaultValue
	}

	return d
}
