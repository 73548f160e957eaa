/*
handlers.go - HTTP API handlers for the coverage audit

PURPOSE:
  Exposes the in-page buttons and panels over HTTP so a browser
  extension, or any client holding a report document, can drive the
  audit. Handles HTTP request/response and JSON serialization, and
  delegates to the analysis pipeline, the status store and the batch
  orchestrator.

ENDPOINTS:
  Reports:
    POST   /api/reports/analyze                Analyze a report document
    POST   /api/reports/process                Analyze and file a ticket
    POST   /api/reports/export                 Analyze and return XLSX

  Entitlements:
    POST   /api/entitlements/{id}/ticket        File Ticket button
    POST   /api/entitlements/{id}/reset-history Forget periods and tickets
    GET    /api/entitlements/{id}/periods       Stored periods

  Orders:
    GET    /api/orders/{id}/status              Stored status
    POST   /api/orders/reset                    Forget some orders

  Batch:
    GET    /api/batch                           Queue state
    POST   /api/batch                           Start a batch
    POST   /api/batch/complete                  Release the baton
    POST   /api/batch/reset                     Reset state

  Panels:
    GET    /api/ticket-submission               One-shot form payload
    GET    /api/settings                        Settings panel
    PUT    /api/settings
    POST   /api/selection/sum                   Selected-rows total

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid document or input
  - 404: Unknown order
  - 409: Batch already in progress
  - 422: Report grid never became ready
  - 503: Shared store failure
  - 500: Internal errors

SECURITY NOTE:
  No authentication. CORS limits browser callers to the configured
  origins.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Inbox auto-analysis
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/warp/coverage-audit/analysis"
	"github.com/warp/coverage-audit/batch"
	"github.com/warp/coverage-audit/config"
	"github.com/warp/coverage-audit/coverage"
	"github.com/warp/coverage-audit/export"
	"github.com/warp/coverage-audit/internal/clock"
	"github.com/warp/coverage-audit/report"
	"github.com/warp/coverage-audit/status"
	"github.com/warp/coverage-audit/ticket"
)

const maxBodyBytes = 8 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	KV       coverage.Store
	Status   *status.Store
	Filer    *ticket.Filer
	Batch    *batch.Orchestrator
	Exporter *export.Exporter

	// Base settings; the stored settings panel overlays them.
	Base   config.Settings
	Clock  clock.Clock
	Logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a handler over the shared store.
func NewHandler(kv coverage.Store, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	st := status.New(kv, logger)
	submitter := &ticket.KVSubmitter{Store: kv, FormURL: cfg.Ticket.FormURL, Logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		KV:       kv,
		Status:   st,
		Filer:    &ticket.Filer{Status: st, Submitter: submitter, GraceDays: cfg.Settings.LateRefundGraceDays, Logger: logger},
		Batch:    batch.New(kv, nil, logger),
		Exporter: export.New(logger),
		Base:     cfg.Settings,
		Clock:    clock.Real(),
		Logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close stops background batches and waits for them.
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}

// Wait blocks until background batches finish.
func (h *Handler) Wait() { h.wg.Wait() }

func (h *Handler) settings(ctx context.Context) (config.Settings, error) {
	return config.LoadSettings(ctx, h.KV, h.Base)
}

func (h *Handler) pipeline(settings config.Settings, sink analysis.Sink) *analysis.Pipeline {
	filer := *h.Filer
	filer.GraceDays = settings.LateRefundGraceDays
	return &analysis.Pipeline{
		Status:   h.Status,
		Filer:    &filer,
		Sink:     sink,
		Settings: settings,
		Clock:    h.Clock,
		Logger:   h.Logger,
	}
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// AnalyzeReport runs the pipeline over a posted report document.
// POST /api/reports/analyze
func (h *Handler) AnalyzeReport(w http.ResponseWriter, r *http.Request) {
	h.runReport(w, r, "", analysis.RunOptions{})
}

// ProcessReport is the Process button: analyze and file a ticket.
// POST /api/reports/process
func (h *Handler) ProcessReport(w http.ResponseWriter, r *http.Request) {
	h.runReport(w, r, "", analysis.RunOptions{FileTicket: true})
}

// FileTicket is the File Ticket button for one entitlement.
// POST /api/entitlements/{id}/ticket
func (h *Handler) FileTicket(w http.ResponseWriter, r *http.Request) {
	h.runReport(w, r, chi.URLParam(r, "id"), analysis.RunOptions{FileTicket: true})
}

func (h *Handler) runReport(w http.ResponseWriter, r *http.Request, entitlementID string, opts analysis.RunOptions) {
	resp, code, err := h.analyze(r, entitlementID, opts)
	if err != nil {
		writeDomainError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ExportReport analyzes a report document and returns the workbook.
// POST /api/reports/export
func (h *Handler) ExportReport(w http.ResponseWriter, r *http.Request) {
	resp, code, err := h.analyze(r, "", analysis.RunOptions{})
	if err != nil {
		writeDomainError(w, code, err)
		return
	}
	data, err := h.Exporter.XLSX(resp.Report)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to export report", err)
		return
	}
	name := resp.EntitlementID
	if name == "" {
		name = "report"
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".xlsx"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// analyze decodes the document and runs it. A non-zero code is the
// HTTP status to use for err.
func (h *Handler) analyze(r *http.Request, entitlementID string, opts analysis.RunOptions) (*AnalyzeResponse, int, error) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	doc, err := report.Parse(body)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	if doc.URL != "" && !report.IsTransactionsPage(doc.URL) {
		return nil, http.StatusBadRequest, fmt.Errorf("%w: %s is not a transactions report page", report.ErrInvalidDocument, doc.URL)
	}
	if entitlementID != "" {
		if doc.EntitlementID == "" {
			doc.EntitlementID = entitlementID
		} else if doc.EntitlementID != entitlementID {
			return nil, http.StatusBadRequest, fmt.Errorf("%w: document is for %s", report.ErrInvalidDocument, doc.EntitlementID)
		}
	}

	settings, err := h.settings(ctx)
	if err != nil {
		return nil, 0, err
	}
	sink := &collectSink{}
	rep, err := h.pipeline(settings, sink).Run(ctx, report.NewPage(doc), opts)
	if err != nil {
		return nil, 0, err
	}
	return &AnalyzeResponse{
		Report:          rep,
		TransactionsURL: doc.TransactionsURL(),
		Alerts:          sink.alerts,
	}, 0, nil
}

// =============================================================================
// STATUS HANDLERS
// =============================================================================

// GetOrderStatus returns one order's stored status.
// GET /api/orders/{id}/status
func (h *Handler) GetOrderStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok, err := h.Status.OrderStatus(r.Context(), id)
	if err != nil {
		writeDomainError(w, 0, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Order has no stored status", nil)
		return
	}
	writeJSON(w, http.StatusOK, OrderStatusDTO{OrderID: id, Status: st})
}

// GetPeriods lists an entitlement's stored periods and ticketed ids.
// GET /api/entitlements/{id}/periods
func (h *Handler) GetPeriods(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	aen := chi.URLParam(r, "id")
	periods, err := h.Status.Periods(ctx, aen)
	if err != nil {
		writeDomainError(w, 0, err)
		return
	}
	ticketed, err := h.Status.TicketedIDs(ctx, aen)
	if err != nil {
		writeDomainError(w, 0, err)
		return
	}
	ids := make([]string, 0, len(ticketed))
	for id := range ticketed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if periods == nil {
		periods = map[string]status.PeriodRecord{}
	}
	writeJSON(w, http.StatusOK, PeriodsDTO{EntitlementID: aen, Periods: periods, Ticketed: ids})
}

// ResetHistory forgets an entitlement's periods and ticketed ids.
// POST /api/entitlements/{id}/reset-history
func (h *Handler) ResetHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.Status.ResetHistory(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, 0, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetOrders forgets stored state for the given orders.
// POST /api/orders/reset
func (h *Handler) ResetOrders(w http.ResponseWriter, r *http.Request) {
	var req ResetOrdersRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.OrderIDs) == 0 {
		writeError(w, http.StatusBadRequest, "orderIds is required", nil)
		return
	}
	if err := h.Status.ResetForOrderIDs(r.Context(), req.OrderIDs, req.EntitlementID); err != nil {
		writeDomainError(w, 0, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// GetBatch returns the queue state.
// GET /api/batch
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	job, err := h.Batch.State(r.Context())
	if err != nil {
		writeDomainError(w, 0, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchDTO{Job: job, Running: job.Running()})
}

// StartBatch queues report pages and starts coordinating them in the
// background. Posted documents run in-process; other URLs are left to
// an external tab.
// POST /api/batch
func (h *Handler) StartBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req StartBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	docs := make(map[string]*report.Document, len(req.Documents))
	candidates := append([]batch.Candidate(nil), req.Candidates...)
	for _, u := range req.URLs {
		candidates = append(candidates, batch.Candidate{URL: u})
	}
	for i, raw := range req.Documents {
		doc, err := report.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid document %d", i), err)
			return
		}
		if doc.URL == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Document %d has no url", i), nil)
			return
		}
		docs[batch.NormalizeURL(doc.URL)] = doc
		candidates = append(candidates, batch.Candidate{URL: doc.URL, OrderIDs: doc.OrderIDs()})
	}

	settings, err := h.settings(ctx)
	if err != nil {
		writeDomainError(w, 0, err)
		return
	}
	urls, err := batch.Plan(ctx, candidates, h.Status, batch.PlanOptions{SkipIfNoNew: settings.SkipIfNoNew, Limit: settings.BatchLimit})
	if err != nil {
		writeDomainError(w, 0, err)
		return
	}

	orch := h.batchRunner(settings, docs)
	if err := orch.Start(ctx, urls); err != nil {
		writeDomainError(w, 0, err)
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		coord := &batch.Coordinator{Orchestrator: orch, Logger: h.Logger}
		if _, err := coord.Run(h.ctx); err != nil && !errors.Is(err, context.Canceled) {
			h.Logger.Error("batch coordinator stopped", "error", err)
		}
	}()

	job, err := h.Batch.State(ctx)
	if err != nil {
		writeDomainError(w, 0, err)
		return
	}
	writeJSON(w, http.StatusAccepted, BatchDTO{Job: job, Running: job.Running()})
}

// batchRunner builds an orchestrator whose tabs analyze the posted
// documents and leave any other URL to an external worker.
func (h *Handler) batchRunner(settings config.Settings, docs map[string]*report.Document) *batch.Orchestrator {
	tabs := &batch.LocalTabs{
		Pages: func(_ context.Context, url string) (analysis.Page, error) {
			return report.NewPage(docs[batch.NormalizeURL(url)]), nil
		},
		Logger: h.Logger,
	}
	opener := batch.TabOpenerFunc(func(ctx context.Context, url string) error {
		if _, ok := docs[batch.NormalizeURL(url)]; !ok {
			h.Logger.Info("waiting for external tab", "url", url)
			return nil
		}
		return tabs.Open(h.ctx, url)
	})
	orch := batch.New(h.KV, opener, h.Logger)
	tabs.Worker = &batch.Worker{Orchestrator: orch, Pipeline: h.pipeline(settings, nil), Logger: h.Logger}
	return orch
}

// CompleteBatch releases the baton held by an external tab.
// POST /api/batch/complete
func (h *Handler) CompleteBatch(w http.ResponseWriter, r *http.Request) {
	var req CompleteBatchRequest
	if err := decodeJSON(r, &req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required", err)
		return
	}
	if err := h.Batch.Complete(r.Context(), req.URL); err != nil {
		writeDomainError(w, 0, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetBatch is the Reset state button.
// POST /api/batch/reset
func (h *Handler) ResetBatch(w http.ResponseWriter, r *http.Request) {
	if err := h.Batch.Reset(r.Context()); err != nil {
		writeDomainError(w, 0, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// PANEL HANDLERS
// =============================================================================

// ConsumeTicketSubmission hands the staged ticket to the form once.
// GET /api/ticket-submission
func (h *Handler) ConsumeTicketSubmission(w http.ResponseWriter, r *http.Request) {
	sub, ok, err := ticket.Consume(r.Context(), h.KV)
	if err != nil {
		writeDomainError(w, 0, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// GetSettings returns the effective settings.
// GET /api/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings(r.Context())
	if err != nil {
		writeDomainError(w, 0, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// UpdateSettings applies a partial settings document.
// PUT /api/settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings, err := h.settings(ctx)
	if err != nil {
		writeDomainError(w, 0, err)
		return
	}
	if err := decodeJSON(r, &settings); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid settings", err)
		return
	}
	if err := settings.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid settings", err)
		return
	}
	if err := config.SaveSettings(ctx, h.KV, settings); err != nil {
		writeDomainError(w, 0, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// SelectionSum totals the selected rows of a grid.
// POST /api/selection/sum
func (h *Handler) SelectionSum(w http.ResponseWriter, r *http.Request) {
	var req SelectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	settings, err := h.settings(r.Context())
	if err != nil {
		writeDomainError(w, 0, err)
		return
	}
	selectAll := settings.DefaultChecked
	if req.SelectAll != nil {
		selectAll = *req.SelectAll
	}

	session := analysis.NewSession(selectAll)
	session.SetRows(req.Rows)
	for _, id := range req.Unchecked {
		session.Toggle(id, false)
	}
	for _, id := range req.Checked {
		session.Toggle(id, true)
	}
	writeJSON(w, http.StatusOK, session.Selection())
}

// =============================================================================
// HELPERS
// =============================================================================

// collectSink keeps alerts for the response.
type collectSink struct {
	analysis.NopSink
	mu     sync.Mutex
	alerts []string
}

func (s *collectSink) Alert(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, message)
	return nil
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, code, resp)
}

// writeDomainError maps err onto an HTTP status. A non-zero code wins
// over the mapping.
func writeDomainError(w http.ResponseWriter, code int, err error) {
	message := "Internal error"
	switch {
	case code != 0:
		message = "Invalid request"
	case errors.Is(err, report.ErrInvalidDocument) || coverage.IsClientError(err):
		code, message = http.StatusBadRequest, "Invalid request"
	case coverage.IsConflict(err):
		code, message = http.StatusConflict, "Batch already in progress"
	case coverage.IsRetryable(err):
		code, message = http.StatusUnprocessableEntity, "Report page not ready"
	case errors.Is(err, coverage.ErrStore):
		code, message = http.StatusServiceUnavailable, "Shared store unavailable"
	default:
		code = http.StatusInternalServerError
	}
	writeError(w, code, message, err)
}
