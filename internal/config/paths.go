package config

import (
	"os"
	"path/filepath"
	"strings"
)

const heavyDirName = ".heavy"

func LocalHeavyDirExists() bool {
	info, err := os.Stat(heavyDirName)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// DefaultHeavyRoot is ./.heavy when it exists, otherwise ~/.heavy.
func DefaultHeavyRoot() string {
	if LocalHeavyDirExists() {
		return heavyDirName
	}
	home, err := os.UserHomeDir()
	if err == nil && strings.TrimSpace(home) != "" {
		return filepath.Join(home, heavyDirName)
	}
	return heavyDirName
}

// ResolveHeavyPath expands ~ and rewrites a leading .heavy/ onto the
// default root. Other relative paths are returned cleaned.
func ResolveHeavyPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}

	expanded := trimmed
	if resolved, err := expandPath(trimmed); err == nil && strings.TrimSpace(resolved) != "" {
		expanded = resolved
	}

	cleaned := filepath.Clean(expanded)
	if filepath.IsAbs(cleaned) {
		return cleaned
	}
	if cleaned == heavyDirName {
		return DefaultHeavyRoot()
	}

	prefix := heavyDirName + string(filepath.Separator)
	if strings.HasPrefix(cleaned, prefix) {
		return filepath.Join(DefaultHeavyRoot(), strings.TrimPrefix(cleaned, prefix))
	}
	return cleaned
}
