// Package config holds the savekit configuration: the databases under test,
// how their test databases are prepared, the embedded server used when a
// postgres database has no DSN, and the functional options, settings file
// and command-line flags that fill it in.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-playground/validator/v10"
)

// DefaultAlias names the database every configuration must define.
const DefaultAlias = "default"

// Config is the complete savekit configuration.
type Config struct {
	// Databases maps connection aliases to database definitions.
	Databases map[string]DatabaseConfig `mapstructure:"databases" validate:"required,min=1,dive"`
	// Server configures the embedded PostgreSQL server started for postgres
	// databases without a DSN.
	Server ServerConfig `mapstructure:"server"`

	ReuseDB           bool   `mapstructure:"reuse_db"`
	CreateDB          bool   `mapstructure:"create_db"`
	Migrate           bool   `mapstructure:"migrate"`
	SkipTransactional bool   `mapstructure:"skip_trans"`
	KeepDatabase      bool   `mapstructure:"keep_db"`
	Verbosity         int    `mapstructure:"verbosity" validate:"gte=0,lte=3"`
	WorkerID          string `mapstructure:"worker_id" validate:"omitempty,alphanum"`
	LiveServerAddr    string `mapstructure:"live_server_addr"`
}

// DatabaseConfig describes one database under test.
type DatabaseConfig struct {
	Vendor string `mapstructure:"vendor" validate:"required,oneof=postgresql postgres pgx sqlite sqlite3"`
	// DSN of the configured database. The test database is derived from it.
	// Empty means the embedded server for postgres and memory for sqlite.
	DSN string `mapstructure:"dsn"`
	// TestName overrides the derived test database name.
	TestName string `mapstructure:"test_name" validate:"omitempty,max=63"`
}

// ServerConfig defines the embedded PostgreSQL instance.
type ServerConfig struct {
	Version  embeddedpostgres.PostgresVersion `mapstructure:"version"`
	Host     string                           `mapstructure:"host"`     // Defaults to "localhost".
	Port     uint32                           `mapstructure:"port"`     // 0 selects a random free port.
	Database string                           `mapstructure:"database"` // Admin database, e.g. "postgres".
	Username string                           `mapstructure:"username"`
	Password string                           `mapstructure:"password"`
	// BinariesPath points to existing postgres binaries. Empty downloads them.
	BinariesPath  string            `mapstructure:"binaries_path"`
	StartTimeout  time.Duration     `mapstructure:"start_timeout"`
	Logger        *os.File          `mapstructure:"-"` // Raw postgres output; nil discards it.
	StartupParams map[string]string `mapstructure:"startup_params"`
	DSNParams     map[string]string `mapstructure:"dsn_params"`
}

var validate = validator.New()

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config validation failed: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Sprintf("%s failed on %q", fe.Namespace(), fe.Tag()))
		}
	}
	if _, ok := c.Databases[DefaultAlias]; !ok && len(c.Databases) > 0 {
		errs = append(errs, fmt.Sprintf("database %q must be defined", DefaultAlias))
	}
	for alias, db := range c.Databases {
		if alias == "" {
			errs = append(errs, "database alias must not be empty")
		}
		if isPostgres(db.Vendor) && db.DSN == "" {
			if c.Server.Database == "" {
				errs = append(errs, "Server.Database must not be empty")
			}
			if c.Server.Username == "" {
				errs = append(errs, "Server.Username must not be empty")
			}
			if c.Server.Password == "" {
				errs = append(errs, "Server.Password must not be empty")
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(dedupe(errs), ", "))
	}
	return nil
}

// NeedsServer reports whether a postgres database relies on the embedded server.
func (c *Config) NeedsServer() bool {
	for _, db := range c.Databases {
		if isPostgres(db.Vendor) && db.DSN == "" {
			return true
		}
	}
	return false
}

// DefaultConfig returns a configuration with one in-memory sqlite database
// and the embedded server defaults.
func DefaultConfig() Config {
	return Config{
		Databases: map[string]DatabaseConfig{
			DefaultAlias: {Vendor: "sqlite", DSN: ":memory:"},
		},
		Server:         DefaultServerConfig(),
		LiveServerAddr: "localhost:8081-8179",
	}
}

// DefaultServerConfig returns the embedded server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Version:      embeddedpostgres.V16,
		Host:         "localhost",
		Port:         0,
		Database:     "postgres",
		Username:     "savekit",
		Password:     "savekit",
		StartTimeout: 15 * time.Second,
		Logger:       os.Stderr,
	}
}

// DSN builds the admin DSN of the server.
// The port must already be assigned.
func (s *ServerConfig) DSN() string {
	host := s.Host
	if host == "" {
		host = "localhost"
	}
	baseDSN := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		s.Username,
		s.Password,
		host,
		s.Port,
		s.Database,
	)

	if len(s.DSNParams) > 0 {
		var params []string
		for k, v := range s.DSNParams {
			params = append(params, fmt.Sprintf("%s=%s", k, v))
		}
		return baseDSN + "&" + strings.Join(params, "&")
	}
	return baseDSN
}

func isPostgres(vendor string) bool {
	switch strings.ToLower(vendor) {
	case "postgresql", "postgres", "pgx":
		return true
	}
	return false
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
