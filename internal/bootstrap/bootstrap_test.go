package bootstrap

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/crohr/git-push-gate/internal/gitproc"
)

func skipIfNoGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not in PATH")
	}
}

func TestEnsureMirrorConfiguresReceivePackAndHook(t *testing.T) {
	skipIfNoGit(t)
	dir := t.TempDir()
	mirrorPath := filepath.Join(dir, "demo.git")
	cmd := exec.Command("git", "init", "--bare", mirrorPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init --bare: %v\n%s", err, out)
	}

	if err := EnsureMirror(gitproc.New(), mirrorPath, "demo", "/usr/local/bin/git-push-gate"); err != nil {
		t.Fatalf("EnsureMirror: %v", err)
	}

	out, err := exec.Command("git", "-C", mirrorPath, "config", "http.receivepack").Output()
	if err != nil {
		t.Fatalf("read http.receivepack: %v", err)
	}
	if strings.TrimSpace(string(out)) != "true" {
		t.Fatalf("expected http.receivepack=true, got %q", out)
	}

	hookPath := filepath.Join(mirrorPath, "hooks", "pre-receive")
	info, err := os.Stat(hookPath)
	if err != nil {
		t.Fatalf("stat hook: %v", err)
	}
	if info.Mode()&0o111 == 0 {
		t.Fatal("expected pre-receive hook to be executable")
	}
	contents, err := os.ReadFile(hookPath)
	if err != nil {
		t.Fatalf("read hook: %v", err)
	}
	if !strings.Contains(string(contents), `exec /usr/local/bin/git-push-gate pre-receive "demo"`) {
		t.Fatalf("unexpected hook contents:\n%s", contents)
	}
}

func TestEnsureMirrorMissingDirErrors(t *testing.T) {
	skipIfNoGit(t)
	if err := EnsureMirror(gitproc.New(), filepath.Join(t.TempDir(), "nope.git"), "demo", "/bin/true"); err == nil {
		t.Fatal("expected error for nonexistent mirror directory")
	}
}
