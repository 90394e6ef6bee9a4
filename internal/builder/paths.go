package builder

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const appName = "syncbuild"

// ProjectConfigNames are tried in order in the working directory.
var ProjectConfigNames = []string{"syncbuild.toml", "syncbuild.yaml", "syncbuild.yml"}

// UserConfigPath is the per-user fallback config.
//
//	Linux:   $XDG_CONFIG_HOME/syncbuild/config.toml or ~/.config/syncbuild/config.toml
//	macOS:   ~/Library/Application Support/syncbuild/config.toml
//	Windows: %LOCALAPPDATA%\syncbuild\config.toml
func UserConfigPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.toml")
}

// FindConfig returns the config file that applies to dir, or "" when the
// built-in defaults should be used.
func FindConfig(dir string) string {
	for _, name := range ProjectConfigNames {
		path := filepath.Join(dir, name)
		if stat, err := os.Stat(path); err == nil && !stat.IsDir() {
			return path
		}
	}
	if path := UserConfigPath(); fileExists(path) {
		return path
	}
	return ""
}

// LoadConfig loads the config at path, or discovers one for dir when path is empty.
func LoadConfig(dir, path string) (*Config, error) {
	if path == "" {
		path = FindConfig(dir)
	}
	if path == "" {
		return DefaultConfig(), nil
	}
	return ParseConfigFromFile(path, NewConfigEnv())
}

func fileExists(path string) bool {
	stat, err := os.Stat(path)
	return err == nil && !stat.IsDir()
}
