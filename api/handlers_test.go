/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Batch import and listing
- Entry append (accepted, duplicate, invalid)
- Confirmation flow (warning, 422, forced confirm, locked batch)
- Error mapping
*/
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/count-engine/count"
	"github.com/warp/count-engine/count/store"
)

const testBatchDoc = `{
	"id": 42,
	"mode": "simultaneous",
	"scope": {"branch": "01", "warehouse": "MAIN"},
	"lines": [
		{"article_code": "100830", "lot_code": "000000", "conversion_factor": 24},
		{"article_code": "200114", "lot_code": "A1", "conversion_factor": "12"}
	]
}`

func newTestServer(t *testing.T) (*httptest.Server, *Handler) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mem := store.NewMemory()
	engine := count.NewEngine(mem, count.EngineOptions{Logger: logger})
	h := NewHandler(engine, mem, logger)
	h.now = func() time.Time { return time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC) }

	srv := httptest.NewServer(NewRouter(h, RouterOptions{}))
	t.Cleanup(srv.Close)
	return srv, h
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, body string, out any) int {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func importTestBatch(t *testing.T, srv *httptest.Server) {
	t.Helper()
	var b BatchDTO
	require.Equal(t, http.StatusCreated, doJSON(t, srv, http.MethodPost, "/api/batches", testBatchDoc, &b))
	require.Equal(t, int64(42), b.ID)
}

// =============================================================================
// BATCH TESTS
// =============================================================================

func TestImportBatch_CreatesAndReimportIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)

	var b BatchDTO
	status := doJSON(t, srv, http.MethodPost, "/api/batches", testBatchDoc, &b)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "pending", b.State)
	assert.Equal(t, 2, b.ExpectedLines)

	status = doJSON(t, srv, http.MethodPost, "/api/batches", testBatchDoc, &b)
	assert.Equal(t, http.StatusCreated, status)

	var list []BatchDTO
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/api/batches/pending", "", &list))
	assert.Len(t, list, 1)
}

func TestImportBatch_ConflictingReimport(t *testing.T) {
	srv, _ := newTestServer(t)
	importTestBatch(t, srv)

	var errResp ErrorResponse
	status := doJSON(t, srv, http.MethodPost, "/api/batches", `{"id": 42, "lines": []}`, &errResp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", errResp.Code)
}

func TestImportBatch_ValidationErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	var errResp ErrorResponse
	status := doJSON(t, srv, http.MethodPost, "/api/batches", `{"id": 0, "mode": "parallel"}`, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", errResp.Code)

	fields, ok := errResp.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "required", fields["ID"])
	assert.Equal(t, "oneof", fields["Mode"])
}

func TestGetBatch_NotFoundAndBadID(t *testing.T) {
	srv, _ := newTestServer(t)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusNotFound, doJSON(t, srv, http.MethodGet, "/api/batches/7", "", &errResp))
	assert.Equal(t, "batch_not_found", errResp.Code)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, srv, http.MethodGet, "/api/batches/abc", "", nil))
}

// =============================================================================
// ENTRY TESTS
// =============================================================================

func TestAppendEntry_AcceptedThenDuplicate(t *testing.T) {
	// GIVEN: An imported batch
	// WHEN: A device sends 2 boxes, then retries the same submission
	// THEN: 201 accepted with 48 units, then 200 duplicate

	srv, _ := newTestServer(t)
	importTestBatch(t, srv)

	body := `{"article_code": "100830", "lot_code": "000000", "user_id": "ana", "sequence": 1, "unit_kind": "boxes", "quantity": 2, "device_id": "pda-7"}`

	var resp AppendEntryResponse
	assert.Equal(t, http.StatusCreated, doJSON(t, srv, http.MethodPost, "/api/batches/42/entries", body, &resp))
	assert.Equal(t, "accepted", resp.Result)
	assert.Equal(t, "24", resp.Entry.ConversionFactor, "factor comes from the catalog")
	assert.Equal(t, "48", resp.Entry.ConvertedQuantity)

	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/batches/42/entries", body, &resp))
	assert.Equal(t, "duplicate", resp.Result)

	var line LineDetailDTO
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/api/batches/42/lines/100830/000000", "", &line))
	assert.Equal(t, "48", line.Total)
	assert.Len(t, line.Log, 1)
	assert.Equal(t, "pda-7", line.Log[0].DeviceID)
}

func TestAppendEntry_InvalidRequests(t *testing.T) {
	srv, _ := newTestServer(t)
	importTestBatch(t, srv)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"missing quantity", `{"article_code": "100830", "user_id": "ana", "sequence": 1, "unit_kind": "units"}`, http.StatusBadRequest, "validation"},
		{"bad unit kind", `{"article_code": "100830", "user_id": "ana", "sequence": 1, "unit_kind": "pallets", "quantity": 1}`, http.StatusBadRequest, "validation"},
		{"system user", `{"article_code": "100830", "user_id": "system", "sequence": 1, "unit_kind": "units", "quantity": 1}`, http.StatusBadRequest, "validation"},
		{"negative quantity", `{"article_code": "100830", "user_id": "ana", "sequence": 1, "unit_kind": "units", "quantity": -3}`, http.StatusBadRequest, "invalid_entry"},
		{"fractional boxes", `{"article_code": "100830", "user_id": "ana", "sequence": 1, "unit_kind": "boxes", "quantity": "1.5"}`, http.StatusBadRequest, "invalid_entry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp ErrorResponse
			assert.Equal(t, tt.status, doJSON(t, srv, http.MethodPost, "/api/batches/42/entries", tt.body, &errResp))
			assert.Equal(t, tt.code, errResp.Code)
		})
	}
}

func TestAppendEntry_EmptyLotRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	importTestBatch(t, srv)

	body := `{"article_code": "300010", "user_id": "ana", "sequence": 1, "unit_kind": "units", "quantity": 5}`
	assert.Equal(t, http.StatusCreated, doJSON(t, srv, http.MethodPost, "/api/batches/42/entries", body, nil))

	var line LineDetailDTO
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/api/batches/42/lines/300010", "", &line))
	assert.Equal(t, "", line.LotCode)
	assert.Equal(t, "5", line.Total)
}

// =============================================================================
// RECONCILIATION TESTS
// =============================================================================

func TestConfirmationFlow(t *testing.T) {
	// GIVEN: A batch with one of two lines counted
	// WHEN: Request, confirm, force confirm, append again
	// THEN: Warning, 422, 200 with an implicit zero, 409 locked

	srv, _ := newTestServer(t)
	importTestBatch(t, srv)

	entry := `{"article_code": "100830", "lot_code": "000000", "user_id": "ana", "sequence": 1, "unit_kind": "units", "quantity": 10}`
	require.Equal(t, http.StatusCreated, doJSON(t, srv, http.MethodPost, "/api/batches/42/entries", entry, nil))

	var req ConfirmationRequestDTO
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/batches/42/request-confirmation", "", &req))
	assert.False(t, req.Ready)
	assert.Equal(t, "pending_confirmation", req.State)
	assert.Equal(t, 1, req.Uncounted)
	assert.NotEmpty(t, req.Warning)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusUnprocessableEntity, doJSON(t, srv, http.MethodPost, "/api/batches/42/confirm", "", &errResp))
	assert.Equal(t, "incomplete_count", errResp.Code)

	var results ErrorResponse
	assert.Equal(t, http.StatusConflict, doJSON(t, srv, http.MethodGet, "/api/batches/42/results", "", &results))
	assert.Equal(t, "not_confirmed", results.Code)

	var confirmed ConfirmationResultDTO
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/batches/42/confirm", `{"force_uncounted": true}`, &confirmed))
	assert.Equal(t, "confirmed", confirmed.State)
	require.Len(t, confirmed.ImplicitZeros, 1)
	assert.Equal(t, "200114", confirmed.ImplicitZeros[0].ArticleCode)

	var final []LineTotalDTO
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/api/batches/42/results", "", &final))
	require.Len(t, final, 2)
	assert.Equal(t, "10", final[0].Total)
	assert.True(t, final[1].ImplicitZero)

	again := `{"article_code": "100830", "lot_code": "000000", "user_id": "ana", "sequence": 2, "unit_kind": "units", "quantity": 1}`
	assert.Equal(t, http.StatusConflict, doJSON(t, srv, http.MethodPost, "/api/batches/42/entries", again, &errResp))
	assert.Equal(t, "batch_locked", errResp.Code)
}

func TestCancel(t *testing.T) {
	srv, _ := newTestServer(t)
	importTestBatch(t, srv)

	var b BatchDTO
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/batches/42/cancel", "", &b))
	assert.Equal(t, "cancelled", b.State)
	assert.NotNil(t, b.ClosedAt)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusConflict, doJSON(t, srv, http.MethodPost, "/api/batches/42/confirm", `{"force_uncounted": true}`, &errResp))
	assert.Equal(t, "batch_locked", errResp.Code)
}

// =============================================================================
// VIEW TESTS
// =============================================================================

func TestViewAuditAndSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)
	importTestBatch(t, srv)

	for _, body := range []string{
		`{"article_code": "100830", "lot_code": "000000", "user_id": "ana", "sequence": 1, "unit_kind": "boxes", "quantity": 1}`,
		`{"article_code": "100830", "lot_code": "000000", "user_id": "luis", "sequence": 1, "unit_kind": "units", "quantity": 6}`,
	} {
		require.Equal(t, http.StatusCreated, doJSON(t, srv, http.MethodPost, "/api/batches/42/entries", body, nil))
	}

	var view BatchViewDTO
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/api/batches/42/view?consolidate=true", "", &view))
	assert.Equal(t, 2, view.CountersCount)
	assert.Len(t, view.Uncounted, 1)
	require.Len(t, view.ByArticle, 2)
	assert.Equal(t, "30", view.ByArticle[0].Total)

	var audit UserAuditDTO
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/api/batches/42/audit/luis", "", &audit))
	assert.Len(t, audit.Records, 1)
	assert.Equal(t, "6", audit.Total)

	assert.Equal(t, http.StatusNotFound, doJSON(t, srv, http.MethodGet, "/api/batches/42/snapshot", "", nil))

	var snap SnapshotDTO
	assert.Equal(t, http.StatusCreated, doJSON(t, srv, http.MethodPost, "/api/batches/42/snapshot", "", &snap))
	assert.Equal(t, "manual", snap.Reason)
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/api/batches/42/snapshot", "", &snap))
	assert.Equal(t, 2, snap.CountersCount)
}

// =============================================================================
// SCENARIO AND ADMIN TESTS
// =============================================================================

func TestLoadScenarioAndReset(t *testing.T) {
	srv, _ := newTestServer(t)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusBadRequest, doJSON(t, srv, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "nope"}`, &errResp))

	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "simultaneous-merge"}`, nil))

	var current ScenarioDTO
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/api/scenarios/current", "", &current))
	assert.Equal(t, "simultaneous-merge", current.ID)

	var line LineDetailDTO
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/api/batches/1001/lines/100830/000000", "", &line))
	assert.Equal(t, "58", line.Total)

	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/reset", "", nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, srv, http.MethodGet, "/api/batches/1001", "", nil))
}
