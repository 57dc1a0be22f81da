// Package logger builds the zap logger a savekit run logs through.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/veiloq/savekit/config"
)

// LogDir is where the development logger writes its LOG file.
const LogDir = ".savekit"

// Name is the name of the root logger; components log through named children.
const Name = "savekit"

// InitLogger returns a zaptest logger bound to t, or, without t, a
// development logger writing to stdout and .savekit/LOG. The boolean reports
// whether the logger is a test logger.
//
// Options from config.WithZapOptions apply to both. When a worker id is set,
// every entry carries it, so parallel workers sharing one LOG file can be
// told apart.
func InitLogger(t *testing.T, options *config.Settings) (*zap.Logger, bool, error) {
	var (
		logger *zap.Logger
		isTest = t != nil
	)
	if isTest {
		var zaptestOpts []zaptest.LoggerOption
		if options != nil && options.ZapTestLevel() != nil {
			zaptestOpts = append(zaptestOpts, zaptest.Level(*options.ZapTestLevel()))
		}
		logger = zaptest.NewLogger(t, zaptestOpts...)
		if options != nil && len(options.ZapOptions()) > 0 {
			logger = logger.WithOptions(options.ZapOptions()...)
		}
	} else {
		var err error
		if logger, err = developmentLogger(options); err != nil {
			return nil, false, err
		}
	}

	logger = logger.Named(Name)
	if options != nil && options.WorkerID() != "" {
		logger = logger.With(zap.String("worker", options.WorkerID()))
	}
	logger.Debug("Initialized logger", zap.Bool("zaptest", isTest))
	return logger, isTest, nil
}

func developmentLogger(options *config.Settings) (*zap.Logger, error) {
	if err := os.MkdirAll(LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", LogDir, err)
	}
	logFilePath := filepath.Join(LogDir, "LOG")

	devConfig := zap.NewDevelopmentConfig()
	devConfig.OutputPaths = []string{"stdout", logFilePath}
	devConfig.ErrorOutputPaths = []string{"stderr", logFilePath}

	var opts []zap.Option
	if options != nil {
		opts = options.ZapOptions()
	}
	logger, err := devConfig.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create development zap logger: %w", err)
	}
	return logger, nil
}
