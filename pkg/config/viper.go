// Package config wraps viper with the file lookup and environment rules
// shared by the server's configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load reads name.yaml from dir, the working directory or ./config, in
// that order. Every key can also be overridden by its upper-cased
// environment name (server.port -> SERVER_PORT). A missing file is not an
// error.
func Load(dir, name string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	for _, p := range []string{dir, ".", "./config"} {
		if p != "" {
			v.AddConfigPath(p)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// BindEnvs binds each key to an extra environment variable name, for the
// conventional names (PORT, JWT_SECRET) that do not follow key paths.
func BindEnvs(v *viper.Viper, aliases map[string]string) error {
	var errs []error
	for key, env := range aliases {
		if err := v.BindEnv(key, env); err != nil {
			errs = append(errs, fmt.Errorf("bind %s to %s: %w", key, env, err))
		}
	}
	return errors.Join(errs...)
}

// Duration reads key as a duration string ("250ms", "10s"). Missing or
// malformed values yield def; "0" is kept.
func Duration(v *viper.Viper, key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return def
	}
	return d
}
