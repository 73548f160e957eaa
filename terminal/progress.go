package terminal

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// Progress shows batch progress as a bar. The bar is created on the
// first update, once the total is known.
type Progress struct {
	mu    sync.Mutex
	out   io.Writer
	bar   *progressbar.ProgressBar
	total int
}

func NewProgress(w io.Writer) *Progress { return &Progress{out: w} }

func (p *Progress) RenderQueueProgress(processed, total int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil || p.total != total {
		p.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionSetDescription("Auditing entitlements"),
			progressbar.OptionShowCount(),
		)
		p.total = total
	}
	return p.bar.Set(processed)
}

func (p *Progress) BatchFinished(total int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		if err := p.bar.Finish(); err != nil {
			return err
		}
		p.bar = nil
	}
	_, err := fmt.Fprintf(p.out, "\nBatch finished: %d report pages processed\n", total)
	return err
}
