// Package cleanup runs teardown steps in reverse registration order.
package cleanup

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Func is one cleanup step.
type Func func() error

type step struct {
	name string
	fn   Func
}

// Manager is a LIFO stack of named cleanup steps that runs at most once.
// Every step runs even when an earlier one failed.
type Manager struct {
	mu     sync.Mutex
	steps  []step
	err    error // first error encountered
	logger *zap.Logger
	once   sync.Once
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger.Named("cleanup")}
}

// Add pushes f under name, which prefixes its error and log lines. Nil
// functions are ignored.
func (cm *Manager) Add(name string, f Func) {
	if f == nil {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.steps = append(cm.steps, step{name: name, fn: f})
}

// Len returns the number of registered steps.
func (cm *Manager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.steps)
}

// Execute runs every step, last added first, and returns the first error
// wrapped with its step name. Later errors are logged. Subsequent calls
// return the same result without running anything.
func (cm *Manager) Execute() error {
	cm.once.Do(func() {
		cm.mu.Lock()
		defer cm.mu.Unlock()

		start := time.Now()
		cm.logger.Debug("Starting cleanup", zap.Int("steps", len(cm.steps)))
		for i := len(cm.steps) - 1; i >= 0; i-- {
			s := cm.steps[i]
			if err := s.fn(); err != nil {
				if cm.err == nil {
					cm.err = fmt.Errorf("%s: %w", s.name, err)
					cm.logger.Error("Cleanup step failed", zap.String("step", s.name), zap.Error(err))
				} else {
					cm.logger.Error("Additional cleanup step failed", zap.String("step", s.name), zap.Error(err))
				}
				continue
			}
			cm.logger.Debug("Cleanup step done", zap.String("step", s.name))
		}
		cm.logger.Debug("Cleanup finished", zap.Duration("took", time.Since(start)))

		// zap documents Sync errors on stdout/stderr as ignorable.
		_ = cm.logger.Sync()
	})
	return cm.err
}
