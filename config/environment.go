package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	appEnvVar         = "APP_ENV"
	defaultConfigPath = "config/config.yml"

	envDevelopment = "development"
	envStaging     = "staging"
	envProduction  = "production"
)

var envAliases = map[string]string{
	"dev":   envDevelopment,
	"stage": envStaging,
	"stg":   envStaging,
	"prod":  envProduction,
}

// Environment returns the normalized APP_ENV value, development when unset.
func Environment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return envDevelopment
	}
	if canonical, ok := envAliases[env]; ok {
		return canonical
	}
	return env
}

func productionLike(env string) bool {
	return env == envProduction || env == envStaging
}

// envConfigPath picks the file LoadConfig reads. An explicit path other than
// the default always wins. Otherwise config.<env>.yml next to the default is
// used when present; staging and production fail without it instead of
// running on the development file.
func envConfigPath(path, defaultPath string) (string, error) {
	if path == "" {
		path = defaultPath
	}
	env := Environment()
	if path != defaultPath || env == envDevelopment {
		return path, nil
	}

	candidate := filepath.Join(filepath.Dir(defaultPath), "config."+env+".yml")
	_, err := os.Stat(candidate)
	switch {
	case err == nil:
		return candidate, nil
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("stat %s: %w", candidate, err)
	case productionLike(env):
		return "", fmt.Errorf("%s=%s requires %s", appEnvVar, env, candidate)
	default:
		return path, nil
	}
}
