/*
handlers.go - HTTP API handlers for the count engine

PURPOSE:
  Exposes the count engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine.

ENDPOINTS:
  Batches:
    POST   /api/batches                          Import a batch and its expected lines
    GET    /api/batches?state=pending            List batches (state optional, repeatable)
    GET    /api/batches/pending                  Batches still accepting entries
    GET    /api/batches/{id}                     Batch details

  Entries:
    POST   /api/batches/{id}/entries             Append a count entry
    GET    /api/batches/{id}/lines/{article}     Line total and log (empty lot)
    GET    /api/batches/{id}/lines/{article}/{lot}

  Views:
    GET    /api/batches/{id}/view?consolidate=true  Composed inventory
    GET    /api/batches/{id}/audit/{user}           One counter's submissions
    GET    /api/batches/{id}/results                Final totals (confirmed only)
    GET    /api/batches/{id}/snapshot               Latest cached view
    POST   /api/batches/{id}/snapshot               Refresh the cached view

  Reconciliation:
    POST   /api/batches/{id}/request-confirmation
    POST   /api/batches/{id}/confirm             {"force_uncounted": true}
    POST   /api/batches/{id}/cancel

  Scenarios:
    GET    /api/scenarios                        List demo scenarios
    POST   /api/scenarios/load                   Load a demo scenario

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Engine: count log, aggregators and lifecycle
  - Store: reset access for scenarios
  - Factory: JSON to Batch conversion

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid entry, invalid batch
  - 404: Batch not found
  - 409: Batch locked, batch exists, concurrent modification
  - 422: Incomplete count (details list the uncounted lines)
  - 503: Batch lock not obtained (retry)
  - 500: Internal errors

  A duplicate entry is not an error: 200 with result "duplicate".

SECURITY NOTE:
  No authentication. User ids in entries are taken at face value.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/count-engine/count"
	"github.com/warp/count-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the persistence the handlers need beyond the engine.
type Store interface {
	count.EngineStore
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *count.Engine
	Store   Store
	Factory *factory.BatchFactory
	Logger  logrus.FieldLogger

	validate *validator.Validate
	now      func() time.Time

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over an engine and its store.
func NewHandler(engine *count.Engine, store Store, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		Engine:   engine,
		Store:    store,
		Factory:  factory.NewBatchFactory(),
		Logger:   logger,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// ImportBatch registers a batch from the sync importer.
func (h *Handler) ImportBatch(w http.ResponseWriter, r *http.Request) {
	var req factory.BatchJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	batch, lines, err := h.Factory.FromJSON(req)
	if err != nil {
		writeEngineError(w, "Invalid batch", err)
		return
	}
	stored, err := h.Engine.ImportBatch(r.Context(), batch, lines)
	if err != nil {
		writeEngineError(w, "Failed to import batch", err)
		return
	}

	writeJSON(w, http.StatusCreated, toBatchDTO(*stored, len(lines)))
}

// ListBatches returns all batches, optionally filtered by ?state=.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	var states []count.State
	for _, s := range r.URL.Query()["state"] {
		states = append(states, count.State(s))
	}

	batches, err := h.Engine.ListBatches(r.Context(), states...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list batches", err)
		return
	}
	h.writeBatches(r.Context(), w, batches)
}

// ListPendingBatches returns batches that still accept entries.
func (h *Handler) ListPendingBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.Engine.PendingBatches(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list pending batches", err)
		return
	}
	h.writeBatches(r.Context(), w, batches)
}

func (h *Handler) writeBatches(ctx context.Context, w http.ResponseWriter, batches []count.Batch) {
	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		lines, err := h.Engine.ExpectedLines(ctx, b.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to load expected lines", err)
			return
		}
		dtos[i] = toBatchDTO(b, len(lines))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBatch returns a single batch.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchIDParam(w, r)
	if !ok {
		return
	}

	batch, err := h.Engine.Batch(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to get batch", err)
		return
	}
	lines, err := h.Engine.ExpectedLines(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to load expected lines", err)
		return
	}

	writeJSON(w, http.StatusOK, toBatchDTO(*batch, len(lines)))
}

// =============================================================================
// ENTRY HANDLERS
// =============================================================================

// AppendEntry stores one count submission. Replays answer 200 "duplicate".
func (h *Handler) AppendEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := batchIDParam(w, r)
	if !ok {
		return
	}

	var req AppendEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	ctx := r.Context()
	line := count.LineKey{BatchID: id, ArticleCode: req.ArticleCode, LotCode: req.LotCode}

	factor, err := h.factorFor(ctx, line, req.ConversionFactor)
	if err != nil {
		writeEngineError(w, "Failed to resolve conversion factor", err)
		return
	}
	submittedAt := h.now()
	if req.SubmittedAt != nil {
		submittedAt = req.SubmittedAt.UTC()
	}

	entry, err := count.NewEntry(line, count.UserID(req.UserID), req.Sequence, count.UnitKind(req.UnitKind), *req.Quantity, factor, submittedAt)
	if err != nil {
		writeEngineError(w, "Invalid entry", err)
		return
	}
	entry.DeviceID = req.DeviceID

	result, err := h.Engine.Append(ctx, entry)
	if err != nil {
		writeEngineError(w, "Failed to append entry", err)
		return
	}

	status := http.StatusCreated
	if result == count.AppendDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, AppendEntryResponse{Result: string(result), Entry: toEntryDTO(entry)})
}

// factorFor resolves the conversion factor of a submission: the explicit
// one, else the catalog's, else 1.
func (h *Handler) factorFor(ctx context.Context, line count.LineKey, explicit *count.Quantity) (count.Quantity, error) {
	if explicit != nil {
		return *explicit, nil
	}
	lines, err := h.Engine.ExpectedLines(ctx, line.BatchID)
	if err != nil {
		return count.Quantity{}, err
	}
	for _, l := range lines {
		if l.Key == line {
			return l.ConversionFactor, nil
		}
	}
	return count.QuantityFromInt(1), nil
}

// GetLine returns the total of one line with its log.
func (h *Handler) GetLine(w http.ResponseWriter, r *http.Request) {
	id, ok := batchIDParam(w, r)
	if !ok {
		return
	}
	line := count.LineKey{
		BatchID:     id,
		ArticleCode: chi.URLParam(r, "article"),
		LotCode:     chi.URLParam(r, "lot"),
	}

	total, err := h.Engine.Fold(r.Context(), line)
	if err != nil {
		writeEngineError(w, "Failed to fold line", err)
		return
	}
	entries, err := h.Engine.EntriesFor(r.Context(), line)
	if err != nil {
		writeEngineError(w, "Failed to load line entries", err)
		return
	}

	writeJSON(w, http.StatusOK, LineDetailDTO{
		LineTotalDTO: toLineTotalDTO(total),
		Log:          toEntryDTOs(entries),
	})
}

// =============================================================================
// VIEW HANDLERS
// =============================================================================

// GetView composes the batch. ?consolidate=true adds per-article totals.
func (h *Handler) GetView(w http.ResponseWriter, r *http.Request) {
	id, ok := batchIDParam(w, r)
	if !ok {
		return
	}

	view, err := h.Engine.Compose(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to compose batch", err)
		return
	}

	consolidate, _ := strconv.ParseBool(r.URL.Query().Get("consolidate"))
	writeJSON(w, http.StatusOK, toBatchViewDTO(view, consolidate))
}

// GetAudit returns one counter's submissions in a batch.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := batchIDParam(w, r)
	if !ok {
		return
	}
	user := count.UserID(chi.URLParam(r, "user"))

	audit, err := h.Engine.AuditFor(r.Context(), id, user)
	if err != nil {
		writeEngineError(w, "Failed to build audit", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserAuditDTO(audit))
}

// GetResults returns the final totals of a confirmed batch.
func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	id, ok := batchIDParam(w, r)
	if !ok {
		return
	}

	batch, err := h.Engine.Batch(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to get batch", err)
		return
	}
	if batch.State != count.StateConfirmed {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: "Batch is not confirmed",
			Code:  "not_confirmed",
		})
		return
	}

	results, err := h.Engine.Results(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to load results", err)
		return
	}
	writeJSON(w, http.StatusOK, toLineTotalDTOs(results))
}

// GetSnapshot returns the latest cached view, or 404 if none was taken yet.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := batchIDParam(w, r)
	if !ok {
		return
	}

	snap, err := h.Engine.LatestSnapshot(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to get snapshot", err)
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "No snapshot yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(*snap))
}

// TakeSnapshot refreshes the cached view of a batch.
func (h *Handler) TakeSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := batchIDParam(w, r)
	if !ok {
		return
	}

	snap, err := h.Engine.Snapshot(r.Context(), id, count.SnapshotManual)
	if err != nil {
		writeEngineError(w, "Failed to take snapshot", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSnapshotDTO(snap))
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// RequestConfirmation checks coverage and returns the uncounted warning.
func (h *Handler) RequestConfirmation(w http.ResponseWriter, r *http.Request) {
	id, ok := batchIDParam(w, r)
	if !ok {
		return
	}

	req, err := h.Engine.RequestConfirmation(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to request confirmation", err)
		return
	}

	dto := ConfirmationRequestDTO{
		BatchID:   int64(req.BatchID),
		State:     string(req.State),
		Ready:     req.Ready,
		Uncounted: req.Uncounted,
		Sample:    toLineKeyDTOs(req.Sample),
	}
	if !req.Ready {
		dto.Warning = fmt.Sprintf("%d lines have not been counted; confirm with force_uncounted to register them as zero", req.Uncounted)
	}
	writeJSON(w, http.StatusOK, dto)
}

// Confirm finalizes a batch.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	id, ok := batchIDParam(w, r)
	if !ok {
		return
	}

	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Engine.Confirm(r.Context(), id, req.ForceUncounted)
	if err != nil {
		writeEngineError(w, "Failed to confirm batch", err)
		return
	}

	writeJSON(w, http.StatusOK, ConfirmationResultDTO{
		BatchID:       int64(result.BatchID),
		State:         string(result.State),
		Results:       toLineTotalDTOs(result.Results),
		ImplicitZeros: toLineKeyDTOs(result.ImplicitZeros),
		ConfirmedAt:   result.ConfirmedAt.Format(time.RFC3339),
	})
}

// Cancel closes a batch without confirming it.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := batchIDParam(w, r)
	if !ok {
		return
	}

	batch, err := h.Engine.Cancel(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to cancel batch", err)
		return
	}
	lines, err := h.Engine.ExpectedLines(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to load expected lines", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(*batch, len(lines)))
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func batchIDParam(w http.ResponseWriter, r *http.Request) (count.BatchID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid batch id", fmt.Errorf("%q is not a positive integer", raw))
		return 0, false
	}
	return count.BatchID(id), true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   "Validation failed",
		Code:    "validation",
		Details: fields,
	})
}

// writeEngineError maps count errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	var incomplete *count.IncompleteCountError
	switch {
	case errors.As(err, &incomplete):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: message,
			Code:  "incomplete_count",
			Details: IncompleteCountDTO{
				Uncounted: incomplete.Uncounted,
				Sample:    toLineKeyDTOs(incomplete.Sample),
			},
		})
	case count.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: message, Code: "batch_not_found", Details: err.Error()})
	case errors.Is(err, count.ErrBatchLocked):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: message, Code: "batch_locked", Details: err.Error()})
	case count.IsConflict(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: message, Code: "conflict", Details: err.Error()})
	case errors.Is(err, count.ErrInvalidBatch):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Code: "invalid_batch", Details: err.Error()})
	case count.IsClientError(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Code: "invalid_entry", Details: err.Error()})
	case errors.Is(err, count.ErrLockNotObtained):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: message, Code: "busy", Details: err.Error()})
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
