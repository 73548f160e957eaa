package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/warp/coverage-audit/analysis"
)

// PageSource resolves a URL to the page a new tab would load.
type PageSource func(ctx context.Context, url string) (analysis.Page, error)

// LocalTabs is a TabOpener that runs each opened "tab" as a goroutine
// executing the Worker against the page for that URL. Used by the CLI
// and tests in place of a browser.
type LocalTabs struct {
	Pages  PageSource
	Worker *Worker
	Logger *slog.Logger

	wg sync.WaitGroup
}

func (t *LocalTabs) Open(ctx context.Context, url string) error {
	page, err := t.Pages(ctx, url)
	if err != nil {
		return fmt.Errorf("load %s: %w", url, err)
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if _, err := t.Worker.Run(ctx, page); err != nil && t.Logger != nil {
			t.Logger.Warn("tab finished with error", "url", url, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every opened tab has finished.
func (t *LocalTabs) Wait() { t.wg.Wait() }
