package batch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/warp/coverage-audit/coverage"
)

// Coordinator is the tab that owns the batch UI. It moves the queue
// forward each time a worker releases the baton.
type Coordinator struct {
	Orchestrator *Orchestrator
	Progress     ProgressSink
	Logger       *slog.Logger
}

// Run drives the current batch until it drains or ctx is done, and
// returns the number of URLs processed.
func (c *Coordinator) Run(ctx context.Context) (int, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	wake := make(chan struct{}, 1)
	cancel := c.Orchestrator.Store().Subscribe(func(changes []coverage.Change) {
		for _, ch := range changes {
			if ch.Key == coverage.KeyActiveRefundJob && released(ch) {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	})
	defer cancel()

	for {
		job, err := c.Orchestrator.State(ctx)
		if err != nil {
			return 0, err
		}
		c.render(logger, job)

		if job.Active == "" {
			if len(job.Queue) == 0 {
				total, err := c.Orchestrator.Drain(ctx)
				if err != nil {
					return 0, err
				}
				if c.Progress != nil && total > 0 {
					if err := c.Progress.BatchFinished(total); err != nil {
						logger.Warn("render failed", "what", "batch finished", "error", err)
					}
				}
				return total, nil
			}
			if _, err := c.Orchestrator.ClaimNext(ctx); err != nil {
				return 0, err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-wake:
		}
	}
}

func (c *Coordinator) render(logger *slog.Logger, job Job) {
	if c.Progress == nil || job.Total == 0 {
		return
	}
	if err := c.Progress.RenderQueueProgress(job.Processed, job.Total); err != nil {
		logger.Warn("render failed", "what", "queue progress", "error", err)
	}
}

// released reports an active URL turning into null or disappearing.
func released(ch coverage.Change) bool {
	return activeURL(ch.Old) != "" && activeURL(ch.New) == ""
}

func activeURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil || s == nil {
		return ""
	}
	return *s
}
