// Package bootstrap prepares a bare mirror directory so it can serve as both
// a git-http-backend target and a push gate: it sets http.receivepack so
// http-backend accepts pushes, and installs a pre-receive hook that
// shells back into this binary's own `pre-receive <repo>` subcommand.
//
// Grounded in the pre-receive-hook-writing pattern of
// other_examples' gitreceive-server (writeRepoHook: a literal script body
// written to .git/hooks/pre-receive with executable permissions), adapted
// here to invoke this binary instead of a fixed bash archiver script.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/crohr/git-push-gate/internal/gitproc"
)

const hookTemplate = `#!/bin/sh
set -e
exec %s pre-receive %q
`

// EnsureMirror makes sure the bare mirror at path is configured to accept
// receive-pack over the CGI gateway and carries a pre-receive hook that
// calls back into binaryPath for repoName.
func EnsureMirror(invoker *gitproc.Invoker, path, repoName, binaryPath string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("mirror %s does not exist: %w", path, err)
	}

	if res, err := invoker.Run(context.Background(), path, nil, "config", "http.receivepack", "true"); err != nil {
		return fmt.Errorf("set http.receivepack: %w", err)
	} else if res.ExitCode != 0 {
		return fmt.Errorf("git config http.receivepack failed: %s", res.Stderr)
	}

	hookPath := filepath.Join(path, "hooks", "pre-receive")
	script := fmt.Sprintf(hookTemplate, binaryPath, repoName)
	if err := os.WriteFile(hookPath, []byte(script), 0o755); err != nil {
		return fmt.Errorf("write pre-receive hook: %w", err)
	}
	return nil
}
