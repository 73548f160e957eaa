/*
scheduler.go - Automated inbox analysis

PURPOSE:
  Periodically scans a directory for saved report documents and
  analyzes new or changed ones when the autoAnalysis setting is on.
  It is the server-side counterpart of analyzing a report as soon as
  its page loads.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - A document is analyzed again only when its modification time moves
  - autoAnalysis is read from the stored settings on every scan, so the
    settings panel can switch it without a restart

USAGE:
  scheduler := NewInboxScheduler(handler, dir)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: AnalyzeReport endpoint (manual analysis)
  - report/document.go: Document loading
*/
package api

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/warp/coverage-audit/analysis"
	"github.com/warp/coverage-audit/report"
)

// InboxScheduler analyzes report documents dropped into a directory.
type InboxScheduler struct {
	Handler       *Handler
	Dir           string
	CheckInterval time.Duration

	scanMu sync.Mutex
	seen   map[string]time.Time
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewInboxScheduler creates a new scheduler.
func NewInboxScheduler(h *Handler, dir string) *InboxScheduler {
	return &InboxScheduler{
		Handler:       h,
		Dir:           dir,
		CheckInterval: time.Minute,
		seen:          make(map[string]time.Time),
	}
}

// Start begins the scheduler. It is a no-op without a directory.
func (s *InboxScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := s.Handler.Logger
	if s.Dir == "" {
		logger.Info("inbox scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	logger.Info("inbox scheduler started", "dir", s.Dir, "interval", s.CheckInterval)
}

// Stop stops the scheduler.
func (s *InboxScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Handler.Logger.Info("inbox scheduler stopped")
	}
}

func (s *InboxScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.CheckOnce(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.CheckOnce(context.Background())
		case <-s.stop:
			return
		}
	}
}

// CheckOnce scans the inbox once and returns the documents analyzed.
func (s *InboxScheduler) CheckOnce(ctx context.Context) []string {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	logger := s.Handler.Logger

	settings, err := s.Handler.settings(ctx)
	if err != nil {
		logger.Error("inbox: load settings", "error", err)
		return nil
	}
	if !settings.AutoAnalysis {
		return nil
	}

	paths, err := filepath.Glob(filepath.Join(s.Dir, "*.json"))
	if err != nil {
		logger.Error("inbox: scan", "dir", s.Dir, "error", err)
		return nil
	}
	sort.Strings(paths)

	var analyzed []string
	pipeline := s.Handler.pipeline(settings, nil)
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if last, ok := s.seen[path]; ok && !info.ModTime().After(last) {
			continue
		}

		doc, err := report.Load(path)
		if err != nil {
			logger.Warn("inbox: skipping document", "path", path, "error", err)
			s.seen[path] = info.ModTime()
			continue
		}
		if doc.URL == "" {
			doc.URL = "file://" + filepath.ToSlash(path)
		}

		rep, err := pipeline.Run(ctx, report.NewPage(doc), analysis.RunOptions{Automated: true})
		if err != nil {
			logger.Error("inbox: analysis failed", "path", path, "error", err)
			continue
		}
		s.seen[path] = info.ModTime()
		analyzed = append(analyzed, path)
		logger.Info("inbox: analyzed",
			"path", path,
			"entitlement_id", rep.EntitlementID,
			"gaps", len(rep.Result.Gaps),
			"late_refunds", len(rep.Result.LateRefunds),
		)
	}
	return analyzed
}
