package savekit

import "fmt"

// Stages of the bootstrap reported by DatabaseSetupError.
const (
	StageConfig   = "config"
	StageLogger   = "logger"
	StageServer   = "server"
	StageDatabase = "database"
	StageConnect  = "connect"
	StageHook     = "hook"
	StageMigrate  = "migrate"
)

// DatabaseSetupError reports a failure while preparing the test databases.
// It is fatal: no test can run without them.
type DatabaseSetupError struct {
	Stage string
	Alias string // empty when the stage is not tied to one database
	Err   error
}

func (e *DatabaseSetupError) Error() string {
	if e.Alias != "" {
		return fmt.Sprintf("savekit: %s setup failed for database %q: %v", e.Stage, e.Alias, e.Err)
	}
	return fmt.Sprintf("savekit: %s setup failed: %v", e.Stage, e.Err)
}

func (e *DatabaseSetupError) Unwrap() error { return e.Err }

func setupError(stage, alias string, err error) error {
	return &DatabaseSetupError{Stage: stage, Alias: alias, Err: err}
}
