package mirror

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/crohr/git-push-gate/internal/config"
	"github.com/crohr/git-push-gate/internal/gitproc"
)

func skipIfNoGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not in PATH")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestEnsureConfiguredClonesAndPopulatesBothRefNamespaces(t *testing.T) {
	skipIfNoGit(t)
	root := t.TempDir()

	upstream := filepath.Join(root, "upstream.git")
	run(t, root, "init", "--bare", upstream)
	work := filepath.Join(root, "work")
	run(t, root, "init", work)
	run(t, work, "commit", "--allow-empty", "-m", "initial")
	run(t, work, "branch", "-M", "main")
	run(t, work, "remote", "add", "origin", upstream)
	run(t, work, "push", "origin", "main")

	store, err := New(filepath.Join(root, "mirrors"), gitproc.New(), discardLogger())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	policies := map[string]config.RepoPolicy{"demo": {Upstream: upstream}}
	if err := store.EnsureConfigured(context.Background(), policies, nil); err != nil {
		t.Fatalf("ensure configured: %v", err)
	}

	mirrorPath := store.Path("demo")
	assertRefResolves(t, mirrorPath, "refs/heads/main")
	assertRefResolves(t, mirrorPath, "refs/remotes/origin/main")
}

func TestSyncConcurrentCallsAllSucceed(t *testing.T) {
	skipIfNoGit(t)
	root := t.TempDir()

	upstream := filepath.Join(root, "upstream.git")
	run(t, root, "init", "--bare", upstream)
	work := filepath.Join(root, "work")
	run(t, root, "init", work)
	run(t, work, "commit", "--allow-empty", "-m", "initial")
	run(t, work, "branch", "-M", "main")
	run(t, work, "remote", "add", "origin", upstream)
	run(t, work, "push", "origin", "main")

	store, err := New(filepath.Join(root, "mirrors"), gitproc.New(), discardLogger())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	policies := map[string]config.RepoPolicy{"demo": {Upstream: upstream}}
	if err := store.EnsureConfigured(context.Background(), policies, nil); err != nil {
		t.Fatalf("ensure configured: %v", err)
	}

	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			errs <- store.Sync(context.Background(), "demo", upstream, nil)
		}()
	}
	for i := 0; i < 5; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("sync: %v", err)
		}
	}
}

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func assertRefResolves(t *testing.T, repoPath, ref string) {
	t.Helper()
	cmd := exec.Command("git", "rev-parse", "--verify", ref)
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("expected %s to resolve in %s: %v\n%s", ref, repoPath, err, out)
	}
}
