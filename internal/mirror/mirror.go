// Package mirror manages the bare git mirrors this gate keeps for each
// configured repo: one directory per repo name under the configured repos
// root, kept in sync with its upstream via `git fetch`. Adapted from the
// teacher's internal/mirror, dropping the host/owner/repo cache-proxy
// addressing scheme (EnsureRepo/Status/LRU eviction/auth-cache) in favor of a
// small fixed set of upstream-policy-bound mirrors, each identified by the
// name it was declared under in the policy file. The singleflight-backed
// sync dedup and the resource-limiting git fetch flags are kept verbatim in
// spirit from the teacher.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/crohr/git-push-gate/internal/config"
	"github.com/crohr/git-push-gate/internal/gitproc"
	"golang.org/x/sync/singleflight"
)

// resourceLimitArgs are the teacher's GC/pack-pressure flags, applied to
// every clone and fetch so a large upstream history can't blow out memory on
// a small gate instance.
var resourceLimitArgs = []string{
	"-c", "gc.auto=0",
	"-c", "core.compression=0",
	"-c", "pack.window=0",
	"-c", "pack.depth=0",
	"-c", "pack.deltaCacheSize=1",
	"-c", "pack.threads=1",
}

// Store manages the set of bare mirrors backing configured repos.
type Store struct {
	root    string
	invoker *gitproc.Invoker
	log     *slog.Logger

	group singleflight.Group
}

// New returns a Store rooted at root, creating it if necessary.
func New(root string, invoker *gitproc.Invoker, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create mirror root: %w", err)
	}
	return &Store{root: root, invoker: invoker, log: log}, nil
}

// Path returns the bare repo directory for a configured repo name.
func (s *Store) Path(repo string) string {
	return filepath.Join(s.root, repo+".git")
}

// EnsureConfigured makes sure every repo in policies has a bare mirror,
// cloning it from its configured upstream if the directory doesn't exist
// yet. Called once at startup so an unreachable upstream fails fast instead
// of surfacing as a confusing error on the first push.
func (s *Store) EnsureConfigured(ctx context.Context, policies map[string]config.RepoPolicy, sshEnv []string) error {
	for name, policy := range policies {
		path := s.Path(name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		s.log.Info("bootstrapping mirror", "repo", name, "upstream", policy.Upstream)
		if err := s.clone(ctx, path, policy.Upstream, sshEnv); err != nil {
			return fmt.Errorf("bootstrap mirror %s: %w", name, err)
		}
	}
	return nil
}

// Sync fetches upstream into the named repo's mirror, deduplicating
// concurrent calls for the same repo via singleflight so a burst of
// requests against a stale mirror triggers exactly one fetch.
func (s *Store) Sync(ctx context.Context, repo, upstream string, sshEnv []string) error {
	_, err, shared := s.group.Do("sync:"+repo, func() (interface{}, error) {
		return nil, s.fetch(ctx, s.Path(repo), sshEnv)
	})
	if shared {
		s.log.Debug("waited for in-flight sync", "repo", repo)
	}
	return err
}

// clone bare-inits a mirror directory and wires its origin remote with two
// fetch refspecs, so that a single `git fetch origin` keeps both ref
// namespaces the rest of the system depends on in sync from one network
// round trip: refs/heads/* is the mirror's own live branch state (what
// clients see and what receive-pack writes into directly), while
// refs/remotes/origin/* is an untouched record of upstream's last known
// state, used as the divergence baseline in internal/validator.
func (s *Store) clone(ctx context.Context, path, upstream string, sshEnv []string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create mirror dir: %w", err)
	}
	if res, err := s.invoker.Run(ctx, path, nil, "init", "--bare"); err != nil {
		return fmt.Errorf("git init: %w", err)
	} else if res.ExitCode != 0 {
		return fmt.Errorf("git init failed: %s", res.Stderr)
	}
	if res, err := s.invoker.Run(ctx, path, nil, "remote", "add", "origin", upstream); err != nil {
		return fmt.Errorf("git remote add: %w", err)
	} else if res.ExitCode != 0 {
		return fmt.Errorf("git remote add failed: %s", res.Stderr)
	}
	if res, err := s.invoker.Run(ctx, path, nil, "config", "remote.origin.fetch", "+refs/heads/*:refs/heads/*"); err != nil {
		return fmt.Errorf("git config fetch refspec: %w", err)
	} else if res.ExitCode != 0 {
		return fmt.Errorf("git config fetch refspec failed: %s", res.Stderr)
	}
	if res, err := s.invoker.Run(ctx, path, nil, "config", "--add", "remote.origin.fetch", "+refs/heads/*:refs/remotes/origin/*"); err != nil {
		return fmt.Errorf("git config add fetch refspec: %w", err)
	} else if res.ExitCode != 0 {
		return fmt.Errorf("git config add fetch refspec failed: %s", res.Stderr)
	}
	return s.fetch(ctx, path, sshEnv)
}

func (s *Store) fetch(ctx context.Context, path string, sshEnv []string) error {
	start := time.Now()
	args := append(append([]string{}, resourceLimitArgs...), "fetch", "origin", "--prune")
	res, err := s.invoker.Run(ctx, path, sshEnv, args...)
	if err != nil {
		return fmt.Errorf("git fetch: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git fetch failed: %s", res.Stderr)
	}
	s.log.Debug("mirror synced", "path", path, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Root returns the mirror store's root directory.
func (s *Store) Root() string {
	return s.root
}
