package config

import (
	"os"
	"path/filepath"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "XESH_CONFIG"

// GetConfigPath returns the configuration file path. XESH_CONFIG wins;
// otherwise ~/.xesh/config.
func GetConfigPath() (string, error) {
	return ResolvePath(os.LookupEnv, os.UserHomeDir)
}

// ResolvePath is GetConfigPath with the environment and home directory
// supplied by the caller.
func ResolvePath(lookupEnv func(string) (string, bool), homeDir func() (string, error)) (string, error) {
	if p, ok := lookupEnv(EnvConfigPath); ok && p != "" {
		return p, nil
	}
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".xesh", "config"), nil
}
