package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// ReadyCheck is a named dependency check for /readyz.
type ReadyCheck struct {
	Name  string
	Check func(context.Context) error
}

type readyReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// RunChecks probes every dependency concurrently, each bounded by timeout, and
// returns the failures keyed by check name.
func RunChecks(ctx context.Context, timeout time.Duration, checks ...ReadyCheck) map[string]string {
	results := make([]error, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		if check.Check == nil {
			continue
		}
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			results[i] = check.Check(checkCtx)
			return nil
		})
	}
	_ = g.Wait()

	failures := map[string]string{}
	for i, err := range results {
		if err == nil {
			continue
		}
		name := checks[i].Name
		if name == "" {
			name = "dependency"
		}
		failures[name] = err.Error()
	}
	return failures
}

func NewBaseMuxWithReady(checks ...ReadyCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeReport(w, http.StatusOK, readyReport{Status: "ok"})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		failures := RunChecks(r.Context(), 2*time.Second, checks...)
		if len(failures) > 0 {
			writeReport(w, http.StatusServiceUnavailable, readyReport{Status: "unavailable", Checks: failures})
			return
		}
		writeReport(w, http.StatusOK, readyReport{Status: "ok"})
	})
	return mux
}

func writeReport(w http.ResponseWriter, code int, rep readyReport) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
