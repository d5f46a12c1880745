package validator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
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

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// newFixture sets up an upstream bare repo with an initial commit on main, a
// mirror of it (as EnsureConfigured would produce), and a scratch work tree
// used to fabricate new commits/oids for push scenarios.
func newFixture(t *testing.T) (upstream, mirror, work string) {
	t.Helper()
	root := t.TempDir()
	upstream = filepath.Join(root, "upstream.git")
	mirror = filepath.Join(root, "mirror.git")
	work = filepath.Join(root, "work")

	run(t, root, "init", "--bare", upstream)
	run(t, root, "init", work)
	run(t, work, "commit", "--allow-empty", "-m", "initial")
	run(t, work, "branch", "-M", "main")
	run(t, work, "remote", "add", "origin", upstream)
	run(t, work, "push", "origin", "main")

	run(t, root, "init", "--bare", mirror)
	run(t, mirror, "remote", "add", "origin", upstream)
	run(t, mirror, "config", "remote.origin.fetch", "+refs/heads/*:refs/heads/*")
	run(t, mirror, "config", "--add", "remote.origin.fetch", "+refs/heads/*:refs/remotes/origin/*")
	run(t, mirror, "fetch", "origin")
	return
}

func headOID(t *testing.T, dir, ref string) string {
	t.Helper()
	return run(t, dir, "rev-parse", ref)
}

func commitFile(t *testing.T, work, branch, path, content string) string {
	t.Helper()
	run(t, work, "checkout", "-B", branch)
	if err := os.WriteFile(filepath.Join(work, path), []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run(t, work, "add", path)
	run(t, work, "commit", "-m", "update "+path)
	return headOID(t, work, branch)
}

// loadIntoMirror transfers oid's objects into mirror under a scratch ref,
// mimicking what a real `git receive-pack` unpack would have done to the
// mirror before the pre-receive hook (and so the validator's object-graph
// inspections — merge-base, rev-list, diff) runs, without touching any
// refs/heads/* branch the policy checks reason about.
func loadIntoMirror(t *testing.T, mirror, work, oid string) {
	t.Helper()
	run(t, work, "push", mirror, oid+":refs/scratch/"+oid)
}

func basePolicy() config.RepoPolicy {
	return config.RepoPolicy{
		Upstream:        "unused-in-tests",
		BaseBranch:      "main",
		ForcePush:       config.ForcePushDeny,
		AllowedBranches: []string{"agent/*"},
	}
}

func TestAllowedBranchCleanPush(t *testing.T) {
	skipIfNoGit(t)
	_, mirror, work := newFixture(t)

	newOID := commitFile(t, work, "agent/test-feature", "newfile.txt", "hello")
	loadIntoMirror(t, mirror, work, newOID)
	updates := []Update{{OldOID: ZeroOID, NewOID: newOID, RefName: "refs/heads/agent/test-feature"}}

	allowed, msg, _, _ := ValidateAndPush(context.Background(), updates, Context{
		MirrorPath: mirror,
		Policy:     basePolicy(),
		Invoker:    gitproc.New(),
	})
	if !allowed {
		t.Fatalf("expected push to be allowed, got: %s", msg)
	}
}

func TestBlockedTargetBranch(t *testing.T) {
	skipIfNoGit(t)
	_, mirror, work := newFixture(t)

	newOID := commitFile(t, work, "main", "x.txt", "x")
	updates := []Update{{OldOID: headOID(t, mirror, "refs/heads/main"), NewOID: newOID, RefName: "refs/heads/main"}}

	allowed, msg, reasons, _ := ValidateAndPush(context.Background(), updates, Context{
		MirrorPath: mirror,
		Policy:     basePolicy(),
		Invoker:    gitproc.New(),
	})
	if allowed {
		t.Fatal("expected push to main to be rejected")
	}
	if !strings.Contains(msg, "Branch 'main' is not in allowed list. Allowed patterns: agent/*") {
		t.Fatalf("unexpected message: %s", msg)
	}
	if len(reasons) != 1 || reasons[0] != ReasonBranchNotAllowed {
		t.Fatalf("expected [ReasonBranchNotAllowed], got %v", reasons)
	}
}

func TestProtectedPathViolation(t *testing.T) {
	skipIfNoGit(t)
	_, mirror, work := newFixture(t)

	newOID := commitFile(t, work, "agent/sneaky", ".github/workflows/ci.yml", "evil: true")
	loadIntoMirror(t, mirror, work, newOID)
	policy := basePolicy()
	policy.ProtectedPaths = []string{".github/**"}
	updates := []Update{{OldOID: ZeroOID, NewOID: newOID, RefName: "refs/heads/agent/sneaky"}}

	allowed, msg, _, _ := ValidateAndPush(context.Background(), updates, Context{
		MirrorPath: mirror,
		Policy:     policy,
		Invoker:    gitproc.New(),
	})
	if allowed {
		t.Fatal("expected protected path violation to be rejected")
	}
	if !strings.Contains(msg, "- .github/workflows/ci.yml") {
		t.Fatalf("expected violating path listed, got: %s", msg)
	}
}

func TestIntroduceThenRevertIsAccepted(t *testing.T) {
	skipIfNoGit(t)
	_, mirror, work := newFixture(t)

	run(t, work, "checkout", "-B", "agent/revert-test")
	if err := os.WriteFile(filepath.Join(work, ".github_ci.yml"), []byte("evil"), 0o644); err != nil {
		t.Fatal(err)
	}
	run(t, work, "add", ".github_ci.yml")
	run(t, work, "commit", "-m", "bad change")
	run(t, work, "revert", "--no-edit", "HEAD")
	if err := os.WriteFile(filepath.Join(work, "newfile.txt"), []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}
	run(t, work, "add", "newfile.txt")
	run(t, work, "commit", "-m", "add newfile")
	newOID := headOID(t, work, "agent/revert-test")
	loadIntoMirror(t, mirror, work, newOID)

	policy := basePolicy()
	policy.ProtectedPaths = []string{".github_ci.yml"}
	updates := []Update{{OldOID: ZeroOID, NewOID: newOID, RefName: "refs/heads/agent/revert-test"}}

	allowed, msg, _, _ := ValidateAndPush(context.Background(), updates, Context{
		MirrorPath: mirror,
		Policy:     policy,
		Invoker:    gitproc.New(),
	})
	if !allowed {
		t.Fatalf("expected revert push to be accepted, got: %s", msg)
	}
}

func TestForcePushDeniedByDefault(t *testing.T) {
	skipIfNoGit(t)
	_, mirror, work := newFixture(t)

	oldOID := commitFile(t, work, "agent/force-test", "a.txt", "v1")
	loadIntoMirror(t, mirror, work, oldOID)
	run(t, work, "reset", "--hard", "HEAD~1")
	newOID := commitFile(t, work, "agent/force-test", "a.txt", "v2-diverged")
	loadIntoMirror(t, mirror, work, newOID)

	updates := []Update{{OldOID: oldOID, NewOID: newOID, RefName: "refs/heads/agent/force-test"}}
	allowed, msg, _, _ := ValidateAndPush(context.Background(), updates, Context{
		MirrorPath: mirror,
		Policy:     basePolicy(),
		Invoker:    gitproc.New(),
	})
	if allowed {
		t.Fatal("expected force push to be rejected by default policy")
	}
	if !strings.Contains(msg, "Force push detected and not allowed") {
		t.Fatalf("unexpected message: %s", msg)
	}
}

func TestForcePushAllowedWhenPolicyAllows(t *testing.T) {
	skipIfNoGit(t)
	_, mirror, work := newFixture(t)

	oldOID := commitFile(t, work, "agent/force-test", "a.txt", "v1")
	loadIntoMirror(t, mirror, work, oldOID)
	run(t, work, "reset", "--hard", "HEAD~1")
	newOID := commitFile(t, work, "agent/force-test", "a.txt", "v2-diverged")
	loadIntoMirror(t, mirror, work, newOID)

	policy := basePolicy()
	policy.ForcePush = config.ForcePushAllow
	updates := []Update{{OldOID: oldOID, NewOID: newOID, RefName: "refs/heads/agent/force-test"}}
	allowed, msg, _, _ := ValidateAndPush(context.Background(), updates, Context{
		MirrorPath: mirror,
		Policy:     policy,
		Invoker:    gitproc.New(),
	})
	if !allowed {
		t.Fatalf("expected force push to be accepted, got: %s", msg)
	}
}

func TestTagPushRejected(t *testing.T) {
	skipIfNoGit(t)
	_, mirror, _ := newFixture(t)

	updates := []Update{{OldOID: ZeroOID, NewOID: headOID(t, mirror, "refs/heads/main"), RefName: "refs/tags/v1.0"}}
	allowed, msg, _, _ := ValidateAndPush(context.Background(), updates, Context{
		MirrorPath: mirror,
		Policy:     basePolicy(),
		Invoker:    gitproc.New(),
	})
	if allowed {
		t.Fatal("expected tag push to be rejected")
	}
	if !strings.Contains(msg, "Only branch pushes allowed (refs/heads/*), got: refs/tags/v1.0") {
		t.Fatalf("unexpected message: %s", msg)
	}
}

func TestNewBranchOfAlreadyMergedCommitAccepted(t *testing.T) {
	skipIfNoGit(t)
	_, mirror, _ := newFixture(t)

	policy := basePolicy()
	policy.ProtectedPaths = []string{".github/**"}
	mainOID := headOID(t, mirror, "refs/heads/main")
	updates := []Update{{OldOID: ZeroOID, NewOID: mainOID, RefName: "refs/heads/agent/already-merged"}}

	allowed, msg, _, _ := ValidateAndPush(context.Background(), updates, Context{
		MirrorPath: mirror,
		Policy:     policy,
		Invoker:    gitproc.New(),
	})
	if !allowed {
		t.Fatalf("expected push of already-merged commit to be accepted, got: %s", msg)
	}
}

func TestDuplicateRefUpdateRejected(t *testing.T) {
	skipIfNoGit(t)
	_, mirror, work := newFixture(t)

	newOID := commitFile(t, work, "agent/dup", "a.txt", "v1")
	updates := []Update{
		{OldOID: ZeroOID, NewOID: newOID, RefName: "refs/heads/agent/dup"},
		{OldOID: ZeroOID, NewOID: newOID, RefName: "refs/heads/agent/dup"},
	}
	allowed, msg, reasons, _ := ValidateAndPush(context.Background(), updates, Context{
		MirrorPath: mirror,
		Policy:     basePolicy(),
		Invoker:    gitproc.New(),
	})
	if allowed {
		t.Fatal("expected duplicate ref update to be rejected")
	}
	if len(reasons) != 1 || reasons[0] != ReasonDuplicateRef {
		t.Fatalf("expected [ReasonDuplicateRef], got %v", reasons)
	}
	if !strings.Contains(msg, "Duplicate ref update") {
		t.Fatalf("unexpected message: %s", msg)
	}
}
