/*
main.go - Command-line auditor

PURPOSE:
  Runs the coverage audit against saved report documents without a
  browser: one report at a time, or a whole batch through the same
  cross-tab baton the extension uses, with a progress bar.

COMMANDS:
  analyze <report.json>       Analyze one report [--process] [--xlsx out.xlsx]
  batch <dir|files...>        Audit every report document, one at a time
  status <orderId>            Show the stored status of an order
  reset-history <aen>         Forget an entitlement's periods and tickets
  reset-batch                 Clear a stuck batch queue

COMMON FLAGS:
  --config      YAML or JSON(C) config file
  --driver      Storage driver: sqlite, postgres, mysql, file, memory
  --db          Database path, DSN or JSON file path
  --log-level   debug, info, warn, error

SEE ALSO:
  - cmd/server/main.go: HTTP bridge sharing the same store
  - batch/coordinator.go: Batch loop
  - terminal/sink.go: Output rendering
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/warp/coverage-audit/analysis"
	"github.com/warp/coverage-audit/batch"
	"github.com/warp/coverage-audit/config"
	"github.com/warp/coverage-audit/coverage"
	"github.com/warp/coverage-audit/export"
	"github.com/warp/coverage-audit/internal/clock"
	"github.com/warp/coverage-audit/internal/storage"
	"github.com/warp/coverage-audit/report"
	"github.com/warp/coverage-audit/status"
	"github.com/warp/coverage-audit/terminal"
	"github.com/warp/coverage-audit/ticket"
)

const usage = `Usage: coverage-audit <command> [flags] [args]

Commands:
  analyze <report.json>       Analyze one report document
  batch <dir|files...>        Audit report documents one at a time
  status <orderId>            Show the stored status of an order
  reset-history <aen>         Forget an entitlement's periods and tickets
  reset-batch                 Clear the batch queue

Run 'coverage-audit <command> --help' for command flags.
`

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	commands := map[string]func(context.Context, *app, []string) error{
		"analyze":       analyzeCmd,
		"batch":         batchCmd,
		"status":        statusCmd,
		"reset-history": resetHistoryCmd,
		"reset-batch":   resetBatchCmd,
	}
	name, rest := args[0], args[1:]
	if name == "help" || name == "-h" || name == "--help" {
		fmt.Fprint(stdout, usage)
		return 0
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", name, usage)
		return 2
	}

	a := &app{name: name, stdout: stdout, stderr: stderr}
	err := a.parse(rest)
	if err == nil {
		err = cmd(ctx, a, a.flags.Args())
	}
	if a.closeStore != nil {
		if cerr := a.closeStore(); cerr != nil {
			fmt.Fprintf(stderr, "close storage: %v\n", cerr)
		}
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, pflag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "%v\n", err)
		return 2
	default:
		fmt.Fprintf(stderr, "coverage-audit %s: %v\n", name, err)
		return 1
	}
}

// =============================================================================
// APP
// =============================================================================

// app carries what every command shares once flags are parsed.
type app struct {
	name   string
	stdout io.Writer
	stderr io.Writer

	flags      *pflag.FlagSet
	configPath string
	driver     string
	dsn        string
	logLevel   string

	// analyze
	xlsxPath string
	process  bool

	cfg        *config.Config
	logger     *slog.Logger
	kv         coverage.Store
	closeStore func() error
	status     *status.Store
}

func (a *app) parse(args []string) error {
	fs := pflag.NewFlagSet("coverage-audit "+a.name, pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.StringVar(&a.configPath, "config", "", "Config file (YAML or JSON)")
	fs.StringVar(&a.driver, "driver", "", "Storage driver (sqlite, postgres, mysql, file, memory)")
	fs.StringVar(&a.dsn, "db", "", "Database path or DSN")
	fs.StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	if a.name == "analyze" {
		fs.StringVar(&a.xlsxPath, "xlsx", "", "Write the analysis to an XLSX workbook")
		fs.BoolVar(&a.process, "process", false, "File a ticket for new findings")
	}
	a.flags = fs
	return fs.Parse(args)
}

// open loads configuration and the shared store.
func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.driver != "" {
		cfg.Storage.Driver = a.driver
	}
	if a.dsn != "" {
		cfg.Storage.DSN = a.dsn
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.Log.NewLogger(a.stderr)
	if err != nil {
		return err
	}
	kv, closeStore, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}

	a.cfg, a.logger, a.kv, a.closeStore = cfg, logger, kv, closeStore
	a.status = status.New(kv, logger)
	return nil
}

func (a *app) settings(ctx context.Context) (config.Settings, error) {
	return config.LoadSettings(ctx, a.kv, a.cfg.Settings)
}

func (a *app) pipeline(settings config.Settings, sink analysis.Sink) *analysis.Pipeline {
	submitter := &ticket.KVSubmitter{Store: a.kv, FormURL: a.cfg.Ticket.FormURL, Logger: a.logger}
	return &analysis.Pipeline{
		Status:   a.status,
		Filer:    &ticket.Filer{Status: a.status, Submitter: submitter, GraceDays: settings.LateRefundGraceDays, Logger: a.logger},
		Sink:     sink,
		Settings: settings,
		Clock:    clock.Real(),
		Logger:   a.logger,
	}
}

func exactArgs(args []string, n int, what string) error {
	if len(args) != n {
		return fmt.Errorf("%w: expected %s", errUsage, what)
	}
	return nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func analyzeCmd(ctx context.Context, a *app, args []string) error {
	if err := exactArgs(args, 1, "<report.json>"); err != nil {
		return err
	}
	doc, err := report.Load(args[0])
	if err != nil {
		return err
	}
	sink := terminal.New(a.stdout)
	if doc.URL != "" && !report.IsTransactionsPage(doc.URL) {
		sink.Alert(fmt.Sprintf("%s is not a transactions report page", doc.URL))
	}
	if doc.URL == "" {
		abs, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		doc.URL = "file://" + filepath.ToSlash(abs)
	}

	if err := a.open(ctx); err != nil {
		return err
	}
	settings, err := a.settings(ctx)
	if err != nil {
		return err
	}

	if u := doc.TransactionsURL(); u != "" {
		fmt.Fprintf(a.stdout, "Transactions: %s\n", u)
	}

	p := a.pipeline(settings, sink)
	p.Session = analysis.NewSession(settings.DefaultChecked)
	rep, err := p.Run(ctx, report.NewPage(doc), analysis.RunOptions{FileTicket: a.process})
	if err != nil {
		return err
	}
	if rep.Draft != nil {
		fmt.Fprintf(a.stdout, "\nTicket: %s\n%s\n", rep.Draft.Summary, rep.Draft.Description)
	}

	if a.xlsxPath != "" {
		if err := export.New(a.logger).WriteFile(a.xlsxPath, rep); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Wrote %s\n", a.xlsxPath)
	}
	return nil
}

func batchCmd(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: expected <dir|files...>", errUsage)
	}
	docs, err := report.LoadAll(args...)
	if err != nil {
		return err
	}
	if err := a.open(ctx); err != nil {
		return err
	}
	settings, err := a.settings(ctx)
	if err != nil {
		return err
	}

	registry := make(map[string]*report.Document, len(docs))
	candidates := make([]batch.Candidate, 0, len(docs))
	for _, doc := range docs {
		registry[batch.NormalizeURL(doc.URL)] = doc
		candidates = append(candidates, batch.Candidate{URL: doc.URL, OrderIDs: doc.OrderIDs()})
	}
	urls, err := batch.Plan(ctx, candidates, a.status, batch.PlanOptions{SkipIfNoNew: settings.SkipIfNoNew, Limit: settings.BatchLimit})
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		fmt.Fprintln(a.stdout, "Nothing to audit: every order already has a status")
		return nil
	}

	tabs := &batch.LocalTabs{
		Pages: func(_ context.Context, url string) (analysis.Page, error) {
			doc, ok := registry[batch.NormalizeURL(url)]
			if !ok {
				return nil, fmt.Errorf("no report document for %s", url)
			}
			return report.NewPage(doc), nil
		},
		Logger: a.logger,
	}
	orch := batch.New(a.kv, tabs, a.logger)
	tabs.Worker = &batch.Worker{Orchestrator: orch, Pipeline: a.pipeline(settings, nil), Logger: a.logger}

	if err := orch.Start(ctx, urls); err != nil {
		if coverage.IsConflict(err) {
			return fmt.Errorf("%w (run 'coverage-audit reset-batch' to clear it)", err)
		}
		return err
	}

	coord := &batch.Coordinator{Orchestrator: orch, Progress: terminal.NewProgress(a.stdout), Logger: a.logger}
	_, err = coord.Run(ctx)
	tabs.Wait()
	return err
}

func statusCmd(ctx context.Context, a *app, args []string) error {
	if err := exactArgs(args, 1, "<orderId>"); err != nil {
		return err
	}
	if err := a.open(ctx); err != nil {
		return err
	}
	st, ok, err := a.status.OrderStatus(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no stored status for order %s", args[0])
	}
	return terminal.New(a.stdout).RenderBadge(args[0], st)
}

func resetHistoryCmd(ctx context.Context, a *app, args []string) error {
	if err := exactArgs(args, 1, "<aen>"); err != nil {
		return err
	}
	if err := a.open(ctx); err != nil {
		return err
	}
	if err := a.status.ResetHistory(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "History cleared for %s\n", args[0])
	return nil
}

func resetBatchCmd(ctx context.Context, a *app, args []string) error {
	if err := exactArgs(args, 0, "no arguments"); err != nil {
		return err
	}
	if err := a.open(ctx); err != nil {
		return err
	}
	if err := batch.New(a.kv, nil, a.logger).Reset(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "Batch queue cleared")
	return nil
}
