// Package router demultiplexes request paths into (repo, sub-path) per spec
// §4.6 and dispatches to the gated git CGI path, pairing the Serializer, the
// Upstream Syncer, and the CGI Gateway the way the data-flow in spec §2
// describes: Router → Serializer → Upstream Syncer → CGI Gateway.
//
// Grounded in the teacher's cmd/proxy/main.go mux-building idiom
// (http.NewServeMux, /healthz and /metrics registered alongside the catch-all
// git path) and in other_examples' gitreceive-server routing-table
// pattern (a small ordered list of path/method matchers) for the non-greedy
// repo-path regex this router needs instead of fixed suffixes.
package router

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/crohr/git-push-gate/internal/cgi"
	"github.com/crohr/git-push-gate/internal/config"
	"github.com/crohr/git-push-gate/internal/metrics"
	"github.com/crohr/git-push-gate/internal/mirror"
	"github.com/crohr/git-push-gate/internal/pushresult"
	"github.com/crohr/git-push-gate/internal/serializer"
)

// repoPathRe captures the repo name (possibly namespaced with slashes) up to
// the first ".git" boundary, and an optional sub-path after it.
var repoPathRe = regexp.MustCompile(`^/(.+?)\.git(/.*)?$`)

// Router wires the gated git path and health endpoints.
type Router struct {
	cfg        *config.Config
	mirrors    *mirror.Store
	serializer *serializer.Serializer
	gateway    *cgi.Gateway
	metrics    *metrics.Metrics
	log        *slog.Logger
	sshEnv     []string
}

// New returns a configured Router.
func New(cfg *config.Config, mirrors *mirror.Store, ser *serializer.Serializer, gateway *cgi.Gateway, m *metrics.Metrics, log *slog.Logger, sshEnv []string) *Router {
	return &Router{cfg: cfg, mirrors: mirrors, serializer: ser, gateway: gateway, metrics: m, log: log, sshEnv: sshEnv}
}

// Handler returns the top-level http.Handler, including panic recovery.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(rt.cfg.HealthPath, rt.handleHealth)
	if rt.cfg.HealthPath != "/healthz" {
		mux.HandleFunc("/healthz", rt.handleHealth)
	}
	if rt.cfg.HealthPath != "/health" {
		mux.HandleFunc("/health", rt.handleHealth)
	}
	mux.HandleFunc("/", rt.handleGit)
	return rt.recover(mux)
}

func (rt *Router) recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				rt.log.Error("panic handling request", "path", r.URL.Path, "err", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	backend := "missing"
	if p, err := rt.gateway.BackendPath(); err == nil {
		backend = p
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "git_http_backend": backend})
}

func (rt *Router) handleGit(w http.ResponseWriter, r *http.Request) {
	m := repoPathRe.FindStringSubmatch(r.URL.Path)
	if m == nil {
		http.Error(w, "Not Found - Invalid repo path", http.StatusNotFound)
		return
	}
	repoName, tail := m[1], m[2]

	policy, ok := rt.cfg.Repos[repoName]
	if !ok {
		http.Error(w, "Not Found - Unknown repo: "+repoName, http.StatusNotFound)
		return
	}

	kind := requestKind(r, tail)
	rt.metrics.RequestsTotal.WithLabelValues(repoName, kind).Inc()

	ctx := r.Context()
	mirrorPath := rt.mirrors.Path(repoName)

	err := rt.serializer.WithExclusive(repoName, func() error {
		if err := rt.mirrors.Sync(ctx, repoName, policy.Upstream, rt.sshEnv); err != nil {
			rt.metrics.SyncTotal.WithLabelValues(repoName, "error").Inc()
			return errSyncFailed{err}
		}
		rt.metrics.SyncTotal.WithLabelValues(repoName, "ok").Inc()

		cgiStart := time.Now()
		err := rt.gateway.Serve(ctx, w, r, mirrorPath, tail, repoName, rt.sshEnv)
		rt.metrics.CGISeconds.WithLabelValues(repoName, kind).Observe(time.Since(cgiStart).Seconds())

		rt.recordPushResult(repoName, mirrorPath)
		return err
	})

	if err != nil {
		if _, ok := err.(errSyncFailed); ok {
			http.Error(w, "Internal Error - Failed to sync with upstream", http.StatusInternalServerError)
			return
		}
		rt.log.Error("git backend error", "repo", repoName, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// recordPushResult picks up the sidecar result file the pre-receive hook's
// re-exec'd process leaves behind (see internal/pushresult) and turns it into
// the push_validations/rejected metrics, since that process's own in-memory
// Prometheus registry is never the one /metrics serves. A no-op for requests
// that never triggered a pre-receive run (plain fetches).
func (rt *Router) recordPushResult(repoName, mirrorPath string) {
	result, ok, err := pushresult.ReadAndClear(mirrorPath)
	if err != nil {
		rt.log.Warn("failed to read push result", "repo", repoName, "err", err)
		return
	}
	if !ok {
		return
	}
	if result.ForwardSeconds > 0 {
		rt.metrics.ForwardSeconds.WithLabelValues(repoName).Observe(result.ForwardSeconds)
	}
	if result.Allowed {
		rt.metrics.PushValidations.WithLabelValues(repoName, "accepted").Inc()
		return
	}
	rt.metrics.PushValidations.WithLabelValues(repoName, "rejected").Inc()
	for _, reason := range result.Reasons {
		rt.metrics.RejectedTotal.WithLabelValues(repoName, reason).Inc()
	}
}

type errSyncFailed struct{ err error }

func (e errSyncFailed) Error() string { return e.err.Error() }
func (e errSyncFailed) Unwrap() error { return e.err }

func requestKind(r *http.Request, tail string) string {
	switch {
	case tail == "/info/refs" && r.URL.Query().Get("service") == "git-receive-pack":
		return "info-refs-receive"
	case tail == "/info/refs":
		return "info-refs-upload"
	case tail == "/git-receive-pack":
		return "receive-pack"
	case tail == "/git-upload-pack":
		return "upload-pack"
	default:
		return "other"
	}
}
