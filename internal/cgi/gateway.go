// Package cgi runs git-http-backend as a CGI child process per request,
// translating an inbound net/http request into the CGI environment
// http-backend expects and its framed stdout back into an http.ResponseWriter
// write.
//
// Grounded in other_examples' catnip git_http.go (the
// CGI environment construction and \r\n\r\n-delimited response parsing) and
// corroborated by the PATH_INFO/GIT_HTTP_EXPORT_ALL usage seen in the
// protohasir-api and sketch pack entries. Unlike catnip's symlink-per-request
// staging, this gateway points GIT_PROJECT_ROOT directly at the repo's own
// mirror directory and passes only the service tail as PATH_INFO.
package cgi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Gateway executes git-http-backend against a bare repo root.
type Gateway struct {
	backendPath string
	resolveOnce sync.Once
	resolveErr  error
}

// New returns a Gateway that lazily resolves the git-http-backend binary on
// first use.
func New() *Gateway {
	return &Gateway{}
}

var backendCandidates = []string{
	"/usr/lib/git-core/git-http-backend",
	"/usr/libexec/git-core/git-http-backend",
}

func (g *Gateway) backend() (string, error) {
	g.resolveOnce.Do(func() {
		for _, p := range backendCandidates {
			if _, err := os.Stat(p); err == nil {
				g.backendPath = p
				return
			}
		}
		out, err := exec.Command("git", "--exec-path").Output()
		if err != nil {
			g.resolveErr = fmt.Errorf("resolve git --exec-path: %w", err)
			return
		}
		candidate := strings.TrimSpace(string(out)) + "/git-http-backend"
		if _, err := os.Stat(candidate); err != nil {
			g.resolveErr = fmt.Errorf("git-http-backend not found at %s or any known location", candidate)
			return
		}
		g.backendPath = candidate
	})
	return g.backendPath, g.resolveErr
}

// BackendPath resolves (and caches) the git-http-backend binary location,
// exposed so callers can surface discovery failures at /healthz instead of
// only at first request.
func (g *Gateway) BackendPath() (string, error) {
	return g.backend()
}

// Serve runs git-http-backend for a request against a repo rooted at
// projectRoot (GIT_PROJECT_ROOT), with pathInfo set to the service tail only
// (e.g. "/info/refs" or "/git-upload-pack") — the "/<repo>.git" prefix must
// already be stripped by the caller, since git-http-backend resolves the
// repo it serves as GIT_PROJECT_ROOT joined with PATH_INFO and would
// otherwise look for the mirror a level too deep.
// env is appended to the process environment the child inherits — used to
// carry GIT_SSH_COMMAND and any upstream auth material the backend's own
// subprocesses (e.g. receive-pack's implicit hooks) might need. repoName is
// exported to the child as GIT_PROXY_RECEIVE_REPO_NAME and is also used to
// build SCRIPT_NAME; the pre-receive hook installed by internal/bootstrap
// does not read that variable, since it is given the repo name as its
// command-line argument.
// A non-zero exit of the child that still produced output is not an error:
// the CGI response is parsed and written as usual. A failure to start the
// child, or a non-zero exit with no output, is returned as an error.
func (g *Gateway) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, projectRoot, pathInfo, repoName string, env []string) error {
	backend, err := g.backend()
	if err != nil {
		return err
	}

	body := r.Body
	if body == nil {
		body = http.NoBody
	}
	bodyBytes, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}

	cgiEnv := append(os.Environ(),
		"GIT_PROJECT_ROOT="+projectRoot,
		"GIT_HTTP_EXPORT_ALL=1",
		"GIT_HTTP_RECEIVE_PACK=true",
		"GIT_HTTP_UPLOAD_PACK=true",
		"PATH_INFO="+pathInfo,
		"PATH_TRANSLATED="+projectRoot+pathInfo,
		"SCRIPT_NAME=/"+repoName+".git",
		"REQUEST_METHOD="+r.Method,
		"QUERY_STRING="+r.URL.RawQuery,
		"CONTENT_TYPE="+r.Header.Get("Content-Type"),
		"CONTENT_LENGTH="+strconv.Itoa(len(bodyBytes)),
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_PROTOCOL=HTTP/1.1",
		"SERVER_SOFTWARE=git-push-gate",
		"SERVER_NAME="+r.Host,
		"SERVER_PORT="+serverPort(r),
		"REMOTE_ADDR="+r.RemoteAddr,
		"GIT_PROXY_RECEIVE_REPO_NAME="+repoName,
	)
	cgiEnv = append(cgiEnv, env...)
	for key, values := range r.Header {
		headerKey := "HTTP_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		cgiEnv = append(cgiEnv, headerKey+"="+strings.Join(values, ", "))
	}

	cmd := exec.CommandContext(ctx, backend)
	cmd.Env = cgiEnv
	cmd.Dir = projectRoot
	cmd.Stdin = bytes.NewReader(bodyBytes)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok || stdout.Len() == 0 {
			return fmt.Errorf("git http-backend: %w: %s", err, stderr.String())
		}
	}

	return writeCGIResponse(w, stdout.Bytes())
}

// serverPort returns the port the request was addressed to, defaulting to
// "80" when r.Host carries no explicit port (the common case behind a plain
// HTTP listener), per the SERVER_PORT CGI variable's contract.
func serverPort(r *http.Request) string {
	if _, port, err := net.SplitHostPort(r.Host); err == nil {
		return port
	}
	return "80"
}

func writeCGIResponse(w http.ResponseWriter, raw []byte) error {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(raw, sep)
	sepLen := 4
	if idx == -1 {
		sep = []byte("\n\n")
		idx = bytes.Index(raw, sep)
		sepLen = 2
	}
	if idx == -1 {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, err := w.Write(raw)
		return err
	}

	headerBlock := raw[:idx]
	body := raw[idx+sepLen:]

	status := http.StatusOK
	for _, line := range strings.Split(strings.ReplaceAll(string(headerBlock), "\r\n", "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if strings.EqualFold(key, "Status") {
			if n, err := strconv.Atoi(strings.Fields(value)[0]); err == nil {
				status = n
			}
			continue
		}
		w.Header().Add(key, value)
	}
	w.WriteHeader(status)
	_, err := w.Write(body)
	return err
}
