// Package sweep holds the bookkeeping shared by batch passes: per-row isolation and the
// summary report every pass returns.
package sweep

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/metrics"
)

type Result int

const (
	Succeeded Result = iota
	Failed
	Skipped
)

type Report struct {
	Sweep     string
	DryRun    bool
	Claimed   int
	Succeeded int
	Failed    int
	Skipped   int
	// Err is set when the pass could not start, for example when claiming failed.
	Err error
}

func (r *Report) Add(res Result) {
	switch res {
	case Succeeded:
		r.Succeeded++
	case Failed:
		r.Failed++
	default:
		r.Skipped++
	}
}

// Finish records metrics and logs the summary line.
func (r Report) Finish(logger *slog.Logger, started time.Time) Report {
	metrics.ObserveSweep(r.Sweep, started, r.Succeeded, r.Failed, r.Skipped)
	attrs := []any{
		"sweep", r.Sweep,
		"dry_run", r.DryRun,
		"claimed", r.Claimed,
		"succeeded", r.Succeeded,
		"failed", r.Failed,
		"skipped", r.Skipped,
		"duration_ms", time.Since(started).Milliseconds(),
	}
	if r.Err != nil {
		logger.Error(r.Sweep+": pass aborted", append(attrs, "err", r.Err)...)
		return r
	}
	logger.Info(r.Sweep+": pass complete", attrs...)
	return r
}

func (r Report) String() string {
	return fmt.Sprintf("%s: claimed=%d succeeded=%d failed=%d skipped=%d", r.Sweep, r.Claimed, r.Succeeded, r.Failed, r.Skipped)
}

// Row runs fn for one item. A panic is logged and counted as Failed so the rest of the
// batch keeps going.
func Row(logger *slog.Logger, sweep, id string, fn func() Result) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error(sweep+": row panicked", "id", id, "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			res = Failed
		}
	}()
	return fn()
}
