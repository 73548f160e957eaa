/*
Package batch drives the audit across many report pages unattended.

PURPOSE:
  One coordinator hands report URLs, one at a time, to worker tabs. The
  only channel between them is the shared key-value store: a queue, a
  single active URL (the baton) and two progress counters.

STATE MACHINE:
  Idle (no job)
    -> Start(urls)         queue = urls, total = len(urls), processed = 0
  Queued
    -> ClaimNext           pop head, active = head, processed++, one Set,
                           then open the URL in a new tab
  Claimed(url)
    -> Complete(url)       worker clears active (success or failure)
  Idle | Queued
    -> ClaimNext again (coordinator saw active go url -> null)
    -> Drain when queue is empty and active is null: counters cleared

SINGLE FLIGHT:
  Start is rejected while a queue or an active URL exists. ClaimNext is
  a no-op while active is set.

NO RECOVERY:
  There is no heartbeat. A worker that never completes stalls the batch
  until Reset, the manual escape hatch.

KEYS:
  refundQueue, activeRefundJob, totalRefundsToProcess,
  processedRefundsCount

SEE ALSO:
  - coordinator.go: Resumes the queue on completion notifications
  - worker.go: Runs the analysis pipeline for the claimed URL
*/
package batch

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/warp/coverage-audit/coverage"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// TabOpener opens a URL in a new tab context.
type TabOpener interface {
	Open(ctx context.Context, url string) error
}

// TabOpenerFunc adapts a function to TabOpener.
type TabOpenerFunc func(ctx context.Context, url string) error

func (f TabOpenerFunc) Open(ctx context.Context, url string) error { return f(ctx, url) }

// ProgressSink shows queue progress to the operator.
type ProgressSink interface {
	RenderQueueProgress(processed, total int) error
	BatchFinished(total int) error
}

// =============================================================================
// JOB STATE
// =============================================================================

// Job is a snapshot of the shared batch state.
type Job struct {
	Queue     []string `json:"queue"`
	Active    string   `json:"activeUrl"`
	Total     int      `json:"totalCount"`
	Processed int      `json:"processedCount"`
}

// Running reports whether work is queued or claimed.
func (j Job) Running() bool { return len(j.Queue) > 0 || j.Active != "" }

// Drained reports whether nothing is left to claim or complete.
func (j Job) Drained() bool { return !j.Running() }

var jobKeys = []string{
	coverage.KeyRefundQueue,
	coverage.KeyActiveRefundJob,
	coverage.KeyTotalRefunds,
	coverage.KeyProcessedCount,
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator implements the baton transitions over the shared store.
type Orchestrator struct {
	kv     coverage.Store
	opener TabOpener
	logger *slog.Logger
}

func New(kv coverage.Store, opener TabOpener, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{kv: kv, opener: opener, logger: logger}
}

// Store returns the shared store the orchestrator coordinates through.
func (o *Orchestrator) Store() coverage.Store { return o.kv }

// State reads the current job.
func (o *Orchestrator) State(ctx context.Context) (Job, error) {
	values, err := o.kv.Get(ctx, jobKeys...)
	if err != nil {
		return Job{}, &coverage.StoreError{Op: "get", Key: coverage.KeyRefundQueue, Err: err}
	}
	var job Job
	var active *string
	if _, err := coverage.Decode(values, coverage.KeyRefundQueue, &job.Queue); err != nil {
		return Job{}, err
	}
	if _, err := coverage.Decode(values, coverage.KeyActiveRefundJob, &active); err != nil {
		return Job{}, err
	}
	if active != nil {
		job.Active = *active
	}
	if _, err := coverage.Decode(values, coverage.KeyTotalRefunds, &job.Total); err != nil {
		return Job{}, err
	}
	if _, err := coverage.Decode(values, coverage.KeyProcessedCount, &job.Processed); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Start queues urls and claims the first. It returns ErrBatchActive,
// without touching any state, when a batch is already running.
func (o *Orchestrator) Start(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return coverage.ErrEmptyQueue
	}
	job, err := o.State(ctx)
	if err != nil {
		return err
	}
	if job.Running() {
		o.logger.Warn("batch start rejected", "queued", len(job.Queue), "active", job.Active)
		return coverage.ErrBatchActive
	}

	queue := append([]string(nil), urls...)
	values, err := coverage.Encode(map[string]any{
		coverage.KeyRefundQueue:     queue,
		coverage.KeyActiveRefundJob: nil,
		coverage.KeyTotalRefunds:    len(queue),
		coverage.KeyProcessedCount:  0,
	})
	if err != nil {
		return err
	}
	if err := o.kv.Set(ctx, values); err != nil {
		return &coverage.StoreError{Op: "set", Key: coverage.KeyRefundQueue, Err: err}
	}
	o.logger.Info("batch started", "total", len(queue))

	_, err = o.ClaimNext(ctx)
	return err
}

// ClaimNext hands the next URL to a new tab. It returns the claimed URL,
// or "" when a worker is still active or the queue drained.
func (o *Orchestrator) ClaimNext(ctx context.Context) (string, error) {
	job, err := o.State(ctx)
	if err != nil {
		return "", err
	}
	if job.Active != "" {
		return "", nil
	}
	if len(job.Queue) == 0 {
		_, err := o.Drain(ctx)
		return "", err
	}

	next := job.Queue[0]
	values, err := coverage.Encode(map[string]any{
		coverage.KeyRefundQueue:     job.Queue[1:],
		coverage.KeyActiveRefundJob: next,
		coverage.KeyProcessedCount:  job.Processed + 1,
	})
	if err != nil {
		return "", err
	}
	if err := o.kv.Set(ctx, values); err != nil {
		return "", &coverage.StoreError{Op: "set", Key: coverage.KeyActiveRefundJob, Err: err}
	}
	o.logger.Info("claimed", "url", next, "processed", job.Processed+1, "total", job.Total)

	if o.opener != nil {
		if err := o.opener.Open(ctx, next); err != nil {
			o.logger.Error("open tab failed; batch stalled until reset", "url", next, "error", err)
			return next, err
		}
	}
	return next, nil
}

// Complete releases the baton held by url. A completion for any other
// URL is logged and ignored.
func (o *Orchestrator) Complete(ctx context.Context, completed string) error {
	job, err := o.State(ctx)
	if err != nil {
		return err
	}
	if job.Active == "" || !SameURL(job.Active, completed) {
		o.logger.Warn("ignoring completion for unclaimed url", "url", completed, "active", job.Active)
		return nil
	}
	if err := coverage.SetJSON(ctx, o.kv, coverage.KeyActiveRefundJob, nil); err != nil {
		return err
	}
	o.logger.Info("completed", "url", completed)
	return nil
}

// Drain clears the counters once nothing is queued or claimed. It
// returns the finished batch's total, or 0 when the batch is not done.
func (o *Orchestrator) Drain(ctx context.Context) (int, error) {
	job, err := o.State(ctx)
	if err != nil {
		return 0, err
	}
	if job.Running() {
		return 0, nil
	}
	if err := o.kv.Remove(ctx, coverage.KeyTotalRefunds, coverage.KeyProcessedCount); err != nil {
		return 0, &coverage.StoreError{Op: "remove", Key: coverage.KeyTotalRefunds, Err: err}
	}
	if job.Total > 0 {
		o.logger.Info("batch drained", "total", job.Total, "processed", job.Processed)
	}
	return job.Total, nil
}

// Reset clears every batch key. It is the recovery path for a worker
// that never completed.
func (o *Orchestrator) Reset(ctx context.Context) error {
	if err := o.kv.Remove(ctx, jobKeys...); err != nil {
		return &coverage.StoreError{Op: "remove", Key: coverage.KeyRefundQueue, Err: err}
	}
	o.logger.Warn("batch state reset")
	return nil
}

// =============================================================================
// URL IDENTITY
// =============================================================================

// NormalizeURL canonicalizes a URL for baton comparison: the scheme and
// host are lower-cased, the fragment and any trailing slash dropped.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

// SameURL reports whether two URLs name the same report page.
func SameURL(a, b string) bool { return NormalizeURL(a) == NormalizeURL(b) }
