package batch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/warp/coverage-audit/analysis"
)

// Worker is the tab opened for a claimed URL.
type Worker struct {
	Orchestrator *Orchestrator
	Pipeline     *analysis.Pipeline
	Logger       *slog.Logger
}

// Run processes page only if it is the URL holding the baton. It
// reports whether it ran. Whatever happens inside the pipeline, an
// error or a panic, the baton is released afterwards.
func (w *Worker) Run(ctx context.Context, page analysis.Page) (ran bool, err error) {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	location := page.Location()

	job, err := w.Orchestrator.State(ctx)
	if err != nil {
		return false, err
	}
	if job.Active == "" || !SameURL(job.Active, location) {
		logger.Debug("not the active batch url", "url", location, "active", job.Active)
		return false, nil
	}

	ran = true
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
			logger.Error("batch worker panicked", "url", location, "panic", r)
		}
		if cerr := w.Orchestrator.Complete(ctx, job.Active); cerr != nil {
			logger.Error("batch completion failed", "url", location, "error", cerr)
			if err == nil {
				err = cerr
			}
		}
	}()

	if _, err = w.Pipeline.Run(ctx, page, analysis.RunOptions{Automated: true}); err != nil {
		logger.Error("batch worker pipeline failed", "url", location, "error", err)
	}
	return true, err
}
