// Package pushresult hands a validation outcome back across the process
// boundary between the pre-receive callback (a fresh re-exec of this binary,
// invoked by git as a hook) and the server process that is still waiting on
// the git-http-backend CGI child that spawned it. Prometheus counters live
// in-process, so a metric incremented inside the hook's own process would
// never appear on the server's /metrics endpoint; this sidecar file is the
// handoff. Safe because both sides operate while the router's per-repo
// Serializer holds the repo's exclusive slot: at most one pre-receive run
// (and one reader) ever touches a given mirror's result file at a time.
package pushresult

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const fileName = ".push-gate-result.json"

// Result is the outcome of one pre-receive validation run.
type Result struct {
	Allowed        bool     `json:"allowed"`
	Reasons        []string `json:"reasons,omitempty"`
	ForwardSeconds float64  `json:"forward_seconds,omitempty"`
}

func path(mirrorPath string) string {
	return filepath.Join(mirrorPath, fileName)
}

// Write records r for the mirror at mirrorPath, overwriting any stale result.
func Write(mirrorPath string, r Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return os.WriteFile(path(mirrorPath), data, 0o600)
}

// ReadAndClear reads back the most recent result for mirrorPath, if any, and
// removes the file so a request that never ran pre-receive (e.g. a read-only
// fetch) never sees a stale result from an earlier push.
func ReadAndClear(mirrorPath string) (*Result, bool, error) {
	p := path(mirrorPath)
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	_ = os.Remove(p)

	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, err
	}
	return &r, true, nil
}
