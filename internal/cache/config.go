package cache

import (
	"os"
	"path/filepath"
	goruntime "runtime"
)

// GetCacheDir returns the OS-specific tile cache directory
func GetCacheDir() string {
	homeDir, _ := os.UserHomeDir()

	switch goruntime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Caches", "mapcompose", "tiles")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(appData, "mapcompose", "cache", "tiles")
	default:
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}
		return filepath.Join(cacheHome, "mapcompose", "tiles")
	}
}
