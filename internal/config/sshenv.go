package config

import (
	"fmt"
	"log/slog"
	"os"
)

// SSHEnv returns the environment overlay for git invocations that may reach
// upstream over SSH, per spec.md §6. A configured key path wins over an
// ambient GIT_SSH_COMMAND; if neither is present a warning is logged and an
// empty overlay is returned (git falls back to its own ssh defaults).
func SSHEnv(keyPath string, logger *slog.Logger) []string {
	if keyPath != "" {
		return []string{
			fmt.Sprintf("GIT_SSH_COMMAND=ssh -i %s -o StrictHostKeyChecking=accept-new -o UserKnownHostsFile=/dev/null", keyPath),
		}
	}
	if cmd := os.Getenv("GIT_SSH_COMMAND"); cmd != "" {
		return nil
	}
	if logger != nil {
		logger.Warn("no GIT_SSH_KEY_PATH configured and no ambient GIT_SSH_COMMAND set; proceeding with empty SSH overlay")
	}
	return nil
}
