package utils

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

// GetEnv returns the value of key, or the first fallback when it is unset.
func GetEnv(key string, fallback ...string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	if len(fallback) > 0 {
		return fallback[0]
	}
	return ""
}

// CreateFolder creates folderPath and any missing parents.
func CreateFolder(folderPath string) error {
	return os.MkdirAll(folderPath, 0o755)
}

// GenerateUniqueID returns a random identifier safe to embed in filenames.
func GenerateUniqueID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
