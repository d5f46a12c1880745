// Package validator implements the push-validation and upstream-forwarding
// state machine: ref-update classification, branch admission, force-push
// control, divergence detection, protected-path diff inspection, and the
// two-pass validate-then-forward protocol that is the reason this proxy
// exists.
//
// There is no single teacher file this is grounded on — the teacher repo
// only ever served reads — so the shape here follows the teacher's general
// idiom (explicit Invoker-mediated subprocess calls, plain error values
// joined into a formatted message) while the git plumbing
// itself (merge-base --is-ancestor, rev-parse --verify, rev-list --not,
// diff --name-only) is the mechanism this system's own contract specifies.
// Glob matching is delegated to doublestar, the pattern library carried by
// several pack repos for this exact * vs ** distinction.
package validator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/crohr/git-push-gate/internal/config"
	"github.com/crohr/git-push-gate/internal/gitproc"
	"github.com/hashicorp/go-set/v3"
)

var osEnviron = os.Environ

// ZeroOID is git's sentinel for "no such object".
const ZeroOID = "0000000000000000000000000000000000000000"

// Reason labels a rejection for the git_push_gate_rejected_total metric
// (see internal/router), mirroring the distinct checks in validateOne.
type Reason string

const (
	ReasonNonBranchRef     Reason = "non-branch-ref"
	ReasonBranchNotAllowed Reason = "branch-not-allowed"
	ReasonBranchBlocked    Reason = "branch-blocked"
	ReasonForceDenied      Reason = "force-denied"
	ReasonDiverged         Reason = "diverged"
	ReasonMissingBase      Reason = "missing-base-branch"
	ReasonProtectedPath    Reason = "protected-path"
	ReasonDuplicateRef     Reason = "duplicate-ref"
	ReasonForwardFailed    Reason = "forward-failed"
	ReasonInternal         Reason = "internal-error"
)

// reasonErr tags a validation error with the Reason slug it should be
// reported under, without disturbing the plain error-message text that
// ends up in the §7 rejection envelope.
type reasonErr struct {
	reason Reason
	err    error
}

func (e *reasonErr) Error() string { return e.err.Error() }
func (e *reasonErr) Unwrap() error { return e.err }

func rej(r Reason, format string, args ...any) error {
	return &reasonErr{reason: r, err: fmt.Errorf(format, args...)}
}

func reasonOf(err error) Reason {
	var re *reasonErr
	if errors.As(err, &re) {
		return re.reason
	}
	return ReasonInternal
}

// Class is the classification derived from an update's (old, new) pair.
type Class string

const (
	ClassCreate      Class = "create"
	ClassDelete      Class = "delete"
	ClassFastForward Class = "fast-forward"
	ClassForceUpdate Class = "force-update"
)

// Update is a single ref-update triple as read from pre-receive stdin.
type Update struct {
	OldOID  string
	NewOID  string
	RefName string
}

// Context carries everything the validator needs about the repo it is
// operating on: where its mirror lives, its policy, and the SSH overlay to
// use for any invocation that reaches upstream.
type Context struct {
	MirrorPath string
	Policy     config.RepoPolicy
	SSHEnv     []string
	Invoker    *gitproc.Invoker
}

type acceptedUpdate struct {
	update      Update
	class       Class
	branch      string
	isForcePush bool
}

// quarantineVar is the environment variable git's receive-pack sets to point
// hooks at an isolated object quarantine directory for the incoming pack.
// It must not reach the Forwarder's push, or the push would read from (or
// leak) the quarantine area instead of the mirror's real object store.
const quarantineVar = "GIT_QUARANTINE_PATH"

// ValidateAndPush runs the two-pass protocol over updates and, on success,
// forwards every accepted update to upstream. The returned reasons slice is
// empty when allowed is true, and otherwise carries one Reason slug per
// rejected update (or a single ReasonForwardFailed entry if forwarding an
// already-accepted batch failed) for metrics attribution. forwardDuration
// covers only the upstream-push loop (zero if rejected in validation, before
// any forwarding was attempted), for the git_push_gate_forward_seconds
// histogram.
func ValidateAndPush(ctx context.Context, updates []Update, vctx Context) (allowed bool, message string, reasons []Reason, forwardDuration time.Duration) {
	var errs []string
	var accepted []acceptedUpdate
	seenRefs := set.New[string](len(updates))

	for _, u := range updates {
		if seenRefs.Contains(u.RefName) {
			err := rej(ReasonDuplicateRef, "Duplicate ref update for %s in a single push", u.RefName)
			errs = append(errs, err.Error())
			reasons = append(reasons, reasonOf(err))
			continue
		}
		seenRefs.Insert(u.RefName)

		a, err := validateOne(ctx, u, vctx)
		if err != nil {
			errs = append(errs, err.Error())
			reasons = append(reasons, reasonOf(err))
			continue
		}
		accepted = append(accepted, *a)
	}

	if len(errs) > 0 {
		return false, formatRejection(errs), reasons, 0
	}

	env := forwardEnv(vctx.SSHEnv)
	forwardStart := time.Now()
	for _, a := range accepted {
		if err := forward(ctx, vctx, env, a); err != nil {
			return false, formatRejection([]string{fmt.Sprintf("Failed to push to upstream:\n%s", err.Error())}), []Reason{ReasonForwardFailed}, time.Since(forwardStart)
		}
	}

	return true, "All refs validated and pushed successfully", nil, time.Since(forwardStart)
}

func validateOne(ctx context.Context, u Update, vctx Context) (*acceptedUpdate, error) {
	branch, err := admitBranch(u.RefName, vctx.Policy)
	if err != nil {
		return nil, err
	}

	class, isForcePush, err := classify(ctx, u, vctx)
	if err != nil {
		return nil, err
	}

	if err := checkDivergence(ctx, u, branch, class, isForcePush, vctx); err != nil {
		return nil, err
	}

	if err := checkProtectedPaths(ctx, u, class, vctx); err != nil {
		return nil, err
	}

	return &acceptedUpdate{update: u, class: class, branch: branch, isForcePush: isForcePush}, nil
}

// admitBranch validates step 1: branch admission.
func admitBranch(refName string, policy config.RepoPolicy) (string, error) {
	const prefix = "refs/heads/"
	if !strings.HasPrefix(refName, prefix) {
		return "", rej(ReasonNonBranchRef, "Only branch pushes allowed (refs/heads/*), got: %s", refName)
	}
	branch := strings.TrimPrefix(refName, prefix)

	if len(policy.AllowedBranches) > 0 {
		if !matchAny(policy.AllowedBranches, branch) {
			return "", rej(ReasonBranchNotAllowed, "Branch '%s' is not in allowed list. Allowed patterns: %s", branch, strings.Join(policy.AllowedBranches, ", "))
		}
		return branch, nil
	}
	if len(policy.BlockedBranches) > 0 && matchAny(policy.BlockedBranches, branch) {
		return "", rej(ReasonBranchBlocked, "Branch '%s' is blocked. Blocked patterns: %s", branch, strings.Join(policy.BlockedBranches, ", "))
	}
	return branch, nil
}

// classify validates step 2: force-push classification.
func classify(ctx context.Context, u Update, vctx Context) (Class, bool, error) {
	switch {
	case u.OldOID == ZeroOID:
		return ClassCreate, false, nil
	case u.NewOID == ZeroOID:
		if vctx.Policy.ForcePush == config.ForcePushDeny {
			return "", false, rej(ReasonForceDenied, "Branch deletion is not allowed (force_push: deny)")
		}
		return ClassDelete, false, nil
	default:
		isAncestor, _, err := vctx.Invoker.Success(ctx, vctx.MirrorPath, nil, "merge-base", "--is-ancestor", u.OldOID, u.NewOID)
		if err != nil {
			return "", false, rej(ReasonInternal, "merge-base check failed: %w", err)
		}
		if isAncestor {
			return ClassFastForward, false, nil
		}
		if vctx.Policy.ForcePush == config.ForcePushDeny {
			return "", false, rej(ReasonForceDenied, "Force push detected and not allowed. Old: %s, New: %s", shortOID(u.OldOID), shortOID(u.NewOID))
		}
		return ClassForceUpdate, true, nil
	}
}

// checkDivergence validates step 3: divergence check.
func checkDivergence(ctx context.Context, u Update, branch string, class Class, isForcePush bool, vctx Context) error {
	if isForcePush || class == ClassCreate {
		return nil
	}
	ok, res, err := vctx.Invoker.Success(ctx, vctx.MirrorPath, nil, "rev-parse", "--verify", "refs/remotes/origin/"+branch)
	if err != nil {
		return rej(ReasonInternal, "rev-parse check failed: %w", err)
	}
	if !ok {
		// Upstream has no such branch yet.
		return nil
	}
	remoteOID := strings.TrimSpace(res.Stdout)
	if remoteOID != u.OldOID {
		return rej(ReasonDiverged, "Upstream has diverged. Expected: %s, Actual: %s. Please fetch and rebase.", shortOID(u.OldOID), shortOID(remoteOID))
	}
	return nil
}

// checkProtectedPaths validates step 4: protected-path check.
func checkProtectedPaths(ctx context.Context, u Update, class Class, vctx Context) error {
	if len(vctx.Policy.ProtectedPaths) == 0 || class == ClassDelete {
		return nil
	}

	base := "origin/" + vctx.Policy.BaseBranch
	if ok, _, err := vctx.Invoker.Success(ctx, vctx.MirrorPath, nil, "rev-parse", "--verify", base); err != nil {
		return rej(ReasonInternal, "rev-parse check failed: %w", err)
	} else if !ok {
		return rej(ReasonMissingBase, "Base branch %s not found. Cannot validate protected paths.", base)
	}

	revListRes, err := vctx.Invoker.Run(ctx, vctx.MirrorPath, nil, "rev-list", u.NewOID, "--not", base)
	if err != nil {
		return rej(ReasonInternal, "rev-list failed: %w", err)
	}
	if strings.TrimSpace(revListRes.Stdout) == "" {
		// New tip already reachable from base: no new commits to check.
		return nil
	}

	diffRes, err := vctx.Invoker.Run(ctx, vctx.MirrorPath, nil, "diff", "--name-only", base, u.NewOID)
	if err != nil {
		return rej(ReasonInternal, "diff failed: %w", err)
	}

	patterns := normalizeProtectedPatterns(vctx.Policy.ProtectedPaths)
	var violations []string
	for _, line := range strings.Split(diffRes.Stdout, "\n") {
		path := strings.TrimSpace(line)
		if path == "" {
			continue
		}
		if matchAny(patterns, path) {
			violations = append(violations, path)
		}
	}
	if len(violations) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("Changes to protected paths detected:\n")
	for _, v := range violations {
		fmt.Fprintf(&b, "  - %s\n", v)
	}
	return rej(ReasonProtectedPath, "%s", strings.TrimRight(b.String(), "\n"))
}

// normalizeProtectedPatterns expands trailing-slash patterns per spec:
// "foo/" matches "foo" itself as well as anything under it.
func normalizeProtectedPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns)*2)
	for _, p := range patterns {
		if strings.HasSuffix(p, "/") {
			bare := strings.TrimSuffix(p, "/")
			out = append(out, bare, p+"**")
			continue
		}
		out = append(out, p)
	}
	return out
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

func shortOID(oid string) string {
	if len(oid) > 8 {
		return oid[:8]
	}
	return oid
}

// forwardEnv builds the Forwarder's full-replacement environment: the
// ambient process environment (inherited from the pre-receive callback,
// which the git backend invoked with its quarantine variable set) with that
// variable stripped, plus the SSH overlay.
func forwardEnv(sshEnv []string) []string {
	ambient := osEnviron()
	filtered := make([]string, 0, len(ambient)+len(sshEnv))
	for _, kv := range ambient {
		if strings.HasPrefix(kv, quarantineVar+"=") {
			continue
		}
		filtered = append(filtered, kv)
	}
	return append(filtered, sshEnv...)
}

func forward(ctx context.Context, vctx Context, env []string, a acceptedUpdate) error {
	var args []string
	switch a.class {
	case ClassDelete:
		args = []string{"push", "origin", "--delete", a.branch}
	case ClassForceUpdate:
		args = []string{"push", "--force", "origin", a.update.NewOID + ":refs/heads/" + a.branch}
	default:
		args = []string{"push", "origin", a.update.NewOID + ":refs/heads/" + a.branch}
	}
	res, err := vctx.Invoker.RunWithEnv(ctx, vctx.MirrorPath, env, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s", res.Stderr)
	}
	return nil
}

func formatRejection(errs []string) string {
	var b strings.Builder
	b.WriteString("\n==================================================\n")
	b.WriteString("PUSH REJECTED\n")
	b.WriteString("==================================================\n")
	for _, e := range errs {
		b.WriteString(e)
		b.WriteString("\n")
	}
	b.WriteString("==================================================\n\n")
	return b.String()
}
