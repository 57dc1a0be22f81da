package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	// envPrefix is the prefix for environment variables.
	// For example, reuse_db is looked up as SAVEKIT_REUSE_DB.
	envPrefix = "SAVEKIT"

	KeyReuseDB           = "reuse_db"
	KeyCreateDB          = "create_db"
	KeyMigrate           = "migrate"
	KeySkipTransactional = "skip_trans"
	KeyKeepDatabase      = "keep_db"
	KeyVerbosity         = "verbosity"
	KeyWorkerID          = "worker_id"
	KeyLiveServerAddr    = "live_server_addr"
)

// Load reads the settings file at path on top of DefaultConfig and applies
// SAVEKIT_* environment overrides. An empty path loads defaults and
// environment only. The result is validated.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	// Environment variables only reach Unmarshal for keys viper knows about.
	v.SetDefault(KeyReuseDB, cfg.ReuseDB)
	v.SetDefault(KeyCreateDB, cfg.CreateDB)
	v.SetDefault(KeyMigrate, cfg.Migrate)
	v.SetDefault(KeySkipTransactional, cfg.SkipTransactional)
	v.SetDefault(KeyKeepDatabase, cfg.KeepDatabase)
	v.SetDefault(KeyVerbosity, cfg.Verbosity)
	v.SetDefault(KeyWorkerID, cfg.WorkerID)
	v.SetDefault(KeyLiveServerAddr, cfg.LiveServerAddr)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read settings file %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
