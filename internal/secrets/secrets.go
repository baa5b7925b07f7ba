// Package secrets runs the post-step secrets check against a step's
// artifact directory.
package secrets

import (
	"context"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

const checkTimeout = 30 * time.Second

// Checker invokes an external helper script with the step directory as
// its single argument. A non-zero exit means the step leaked something.
type Checker struct {
	script string
	log    *zap.Logger
}

// NewChecker returns a checker for the configured script path. An empty
// path, or a path that does not exist, disables the check (it passes).
func NewChecker(script string, log *zap.Logger) *Checker {
	return &Checker{script: script, log: log}
}

// Check scans stepDir. Returns true when the check passed.
func (c *Checker) Check(ctx context.Context, stepDir string) bool {
	if c.script == "" {
		return true
	}
	if _, err := os.Stat(c.script); err != nil {
		c.log.Debug("secrets check script not present, skipping", zap.String("script", c.script))
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.script, stepDir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		c.log.Warn("secrets check failed",
			zap.String("step_dir", stepDir),
			zap.String("output", string(output)),
			zap.Error(err))
		return false
	}
	return true
}
