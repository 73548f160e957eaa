package ticket

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/warp/coverage-audit/coverage"
)

// Submission is the one-shot payload the ticket form reads on load.
type Submission struct {
	EntitlementID string `json:"aen"`
	Summary       string `json:"summary"`
	Description   string `json:"description"`
}

// Submitter delivers a draft to whatever files it.
type Submitter interface {
	Submit(ctx context.Context, s Submission) error
}

// Opener opens a URL in a new tab or window.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, url string) error

func (f OpenerFunc) Open(ctx context.Context, url string) error { return f(ctx, url) }

// KVSubmitter stores the submission under supportTicketData and opens
// the ticket form, which consumes it.
type KVSubmitter struct {
	Store   coverage.Store
	Opener  Opener
	FormURL string
	Logger  *slog.Logger
}

func (k *KVSubmitter) Submit(ctx context.Context, s Submission) error {
	if err := coverage.SetJSON(ctx, k.Store, coverage.KeySupportTicket, s); err != nil {
		return fmt.Errorf("stage ticket submission: %w", err)
	}
	if k.Opener == nil || k.FormURL == "" {
		return nil
	}
	if err := k.Opener.Open(ctx, k.FormURL); err != nil {
		return fmt.Errorf("open ticket form: %w", err)
	}
	if k.Logger != nil {
		k.Logger.Info("ticket form opened", "entitlement_id", s.EntitlementID, "url", k.FormURL)
	}
	return nil
}

// Consume reads and deletes the pending submission. It reports false
// when none is waiting.
func Consume(ctx context.Context, kv coverage.Store) (*Submission, bool, error) {
	var s Submission
	ok, err := coverage.GetJSON(ctx, kv, coverage.KeySupportTicket, &s)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := kv.Remove(ctx, coverage.KeySupportTicket); err != nil {
		return nil, false, &coverage.StoreError{Op: "remove", Key: coverage.KeySupportTicket, Err: err}
	}
	return &s, true, nil
}
