// Package db manages the databases savekit tests run against: the embedded
// PostgreSQL server started for postgres databases without a DSN, and the
// test databases themselves (naming, creation, reuse between runs, drop).
package db

import (
	"context"
	"fmt"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/veiloq/savekit/config"
	"github.com/veiloq/savekit/connection"
	"github.com/veiloq/savekit/internal/cleanup"
	"go.uber.org/zap"
)

// AssignRandomPort picks a free TCP port on the server host when cfg.Port is 0.
func AssignRandomPort(cfg *config.ServerConfig, logger *zap.Logger) error {
	if cfg.Port != 0 {
		return nil
	}
	freePort, err := connection.FreePort(cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to get free port: %w", err)
	}
	cfg.Port = uint32(freePort)
	logger.Info("Assigned random free port", zap.Uint32("port", cfg.Port))
	return nil
}

// StartServer starts an embedded PostgreSQL server described by cfg, keeping
// its runtime data under instanceWorkDir. The port must already be assigned.
func StartServer(ctx context.Context, cfg config.ServerConfig, instanceWorkDir string, logger *zap.Logger) (*embeddedpostgres.EmbeddedPostgres, error) {
	embeddedPostgresConfig := embeddedpostgres.DefaultConfig().
		Version(cfg.Version).
		Port(cfg.Port).
		Database(cfg.Database).
		Username(cfg.Username).
		Password(cfg.Password).
		RuntimePath(instanceWorkDir).
		BinariesPath(cfg.BinariesPath).
		StartTimeout(cfg.StartTimeout).
		StartParameters(cfg.StartupParams)

	// A nil logger silences the server's own output.
	if cfg.Logger != nil {
		embeddedPostgresConfig = embeddedPostgresConfig.Logger(cfg.Logger)
	} else {
		embeddedPostgresConfig = embeddedPostgresConfig.Logger(nil)
	}

	embeddedDB := embeddedpostgres.NewDatabase(embeddedPostgresConfig)
	logger.Info("Starting embedded postgres server...",
		zap.Uint32("port", cfg.Port),
		zap.String("version", string(cfg.Version)),
		zap.Int("startup_params", len(cfg.StartupParams)))

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("embedded postgres start aborted: %w", err)
	}
	if err := embeddedDB.Start(); err != nil {
		return nil, fmt.Errorf("failed to start embedded postgres: %w", err)
	}

	logger.Info("Embedded postgres server started successfully.")
	return embeddedDB, nil
}

// StopEmbeddedServer returns a cleanup function that stops the server pointed
// to by embeddedDBPtr and nils the pointer once it is stopped.
func StopEmbeddedServer(embeddedDBPtr **embeddedpostgres.EmbeddedPostgres, logger *zap.Logger) cleanup.Func {
	return func() error {
		embeddedDB := *embeddedDBPtr
		if embeddedDB == nil {
			logger.Debug("Embedded postgres server already stopped or never started.")
			return nil
		}

		logger.Debug("Stopping embedded postgres server...")
		if err := embeddedDB.Stop(); err != nil {
			// The server state is unknown; keep the pointer.
			logger.Error("Error stopping embedded postgres server", zap.Error(err))
			return fmt.Errorf("error stopping embedded postgres: %w", err)
		}

		logger.Debug("Embedded postgres server stopped successfully.")
		*embeddedDBPtr = nil
		return nil
	}
}
