// Package receive implements the pre-receive callback of spec §4.4: the
// procedure the git backend invokes, as a re-exec of this same binary,
// before finalizing a receive-pack. It reads ref updates from stdin,
// re-reads policy from the same config path the server uses, and drives the
// Validator.
//
// Deliberately does not import internal/serializer: the callback runs as a
// child of the backend, which itself runs inside the Serializer's critical
// section for this repo (see internal/router). Acquiring another lock here
// would either deadlock against the outer holder or, if keyed differently,
// defeat the single-critical-section guarantee spec §5 requires. This is a
// recursion guard by construction, not a runtime check.
package receive

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/crohr/git-push-gate/internal/config"
	"github.com/crohr/git-push-gate/internal/gitproc"
	"github.com/crohr/git-push-gate/internal/pushresult"
	"github.com/crohr/git-push-gate/internal/validator"
)

// Run executes the pre-receive callback for repoName, reading update lines
// from stdin and writing the acceptance line or rejection envelope to
// stdout/stderr respectively. It returns the process exit code the caller
// should use (0 accept, 1 reject).
func Run(ctx context.Context, repoName string, stdin io.Reader, stdout, stderr io.Writer, log *slog.Logger) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "pre-receive: failed to load config: %v\n", err)
		return 1
	}

	policy, ok := cfg.Repos[repoName]
	if !ok {
		fmt.Fprintf(stderr, "pre-receive: unknown repo %q\n", repoName)
		return 1
	}

	updates, err := parseUpdates(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "pre-receive: malformed input: %v\n", err)
		return 1
	}
	if len(updates) == 0 {
		fmt.Fprintln(stdout, "ok (no updates)")
		return 0
	}

	sshEnv := config.SSHEnv(cfg.SSHKeyPath, log)
	mirrorPath := repoMirrorPath(cfg.ReposDir, repoName)

	vctx := validator.Context{
		MirrorPath: mirrorPath,
		Policy:     policy,
		SSHEnv:     sshEnv,
		Invoker:    gitproc.New(),
	}

	allowed, message, reasons, forwardDuration := validator.ValidateAndPush(ctx, updates, vctx)

	reasonStrs := make([]string, len(reasons))
	for i, r := range reasons {
		reasonStrs[i] = string(r)
	}
	result := pushresult.Result{Allowed: allowed, Reasons: reasonStrs, ForwardSeconds: forwardDuration.Seconds()}
	if err := pushresult.Write(mirrorPath, result); err != nil {
		log.Warn("failed to record push result for metrics", "repo", repoName, "err", err)
	}

	if allowed {
		fmt.Fprintln(stdout, message)
		return 0
	}
	fmt.Fprint(stderr, message)
	return 1
}

// parseUpdates reads "<old> <new> <ref>" lines. Empty or whitespace-only
// input is a successful no-op per spec §4.4.
func parseUpdates(r io.Reader) ([]validator.Update, error) {
	var updates []validator.Update
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("expected '<old> <new> <ref>', got: %q", line)
		}
		updates = append(updates, validator.Update{OldOID: fields[0], NewOID: fields[1], RefName: fields[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return updates, nil
}

func repoMirrorPath(reposDir, repoName string) string {
	return filepath.Join(reposDir, repoName+".git")
}
