/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	count data for demos. Each scenario imports batches through the batch
	factory and appends entries through the engine, so everything a
	scenario creates went through the same validation as live traffic.

AVAILABLE SCENARIOS:

	simultaneous-merge:  Two counters on one line (boxes + units) merge to one total
	uncounted-override:  Batch with uncounted lines, awaiting forced confirmation
	individual-count:    Individual-mode batch restricted to one counter
	corrections:         Counter adds a missed quantity on a new sequence
	confirmed-batch:     Fully counted and confirmed batch with final results

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Import batches via factory JSON
 3. Append entries through the engine
 4. Optionally drive the lifecycle (request confirmation, confirm)

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "simultaneous-merge"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: LoadScenario, ListScenarios handlers
  - factory/batch.go: Batch JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/count-engine/config"
	"github.com/warp/count-engine/count"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "simultaneous-merge",
		Name:        "Simultaneous Merge",
		Description: "Two counters count the same article in boxes and units; totals merge",
		Category:    "simultaneous",
	},
	{
		ID:          "uncounted-override",
		Name:        "Uncounted Override",
		Description: "Confirmation requested with uncounted lines; force to register zeros",
		Category:    "reconciliation",
	},
	{
		ID:          "individual-count",
		Name:        "Individual Count",
		Description: "Individual-mode batch assigned to a single counter",
		Category:    "individual",
	},
	{
		ID:          "corrections",
		Name:        "Corrections",
		Description: "A counter adds a missed quantity with a new sequence number",
		Category:    "simultaneous",
	},
	{
		ID:          "confirmed-batch",
		Name:        "Confirmed Batch",
		Description: "Fully counted batch, confirmed and locked",
		Category:    "reconciliation",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	loader, ok := h.scenarioLoaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q not found", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := loader(ctx); err != nil {
		config.LogError(h.Logger, "api", "LoadScenario", req, err)
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.currentScenario = req.ScenarioID

	h.Logger.WithFields(logrus.Fields{
		"module":   "api",
		"func":     "LoadScenario",
		"scenario": req.ScenarioID,
	}).Info("scenario loaded")

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"scenario": req.ScenarioID,
	})
}

func (h *Handler) scenarioLoaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"simultaneous-merge": h.loadSimultaneousMergeScenario,
		"uncounted-override": h.loadUncountedOverrideScenario,
		"individual-count":   h.loadIndividualCountScenario,
		"corrections":        h.loadCorrectionsScenario,
		"confirmed-batch":    h.loadConfirmedBatchScenario,
	}
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadSimultaneousMergeScenario: counter-a counts 2 boxes of 24, counter-b
// counts 10 loose units of the same lot. The line totals 58.
func (h *Handler) loadSimultaneousMergeScenario(ctx context.Context) error {
	if err := h.importDemoBatch(ctx, `{
		"id": 1001,
		"mode": "simultaneous",
		"scope": {"branch": "01", "warehouse": "MAIN", "area": "A", "family": "ANALGESICS"},
		"lines": [
			{"article_code": "100830", "lot_code": "000000", "conversion_factor": 24},
			{"article_code": "100831", "lot_code": "L2301", "conversion_factor": 12},
			{"article_code": "100832", "lot_code": "", "conversion_factor": 1}
		]
	}`); err != nil {
		return err
	}

	base := demoStart()
	entries := []demoEntry{
		{"100830", "000000", "counter-a", 1, count.UnitBoxes, 2, 0},
		{"100830", "000000", "counter-b", 1, count.UnitUnits, 10, 2 * time.Minute},
		{"100831", "L2301", "counter-a", 1, count.UnitBoxes, 3, 4 * time.Minute},
		{"100832", "", "counter-b", 1, count.UnitUnits, 7, 5 * time.Minute},
	}
	return h.appendDemoEntries(ctx, 1001, base, entries)
}

// loadUncountedOverrideScenario leaves two of three lines uncounted and
// requests confirmation, so the batch waits in PendingConfirmation.
func (h *Handler) loadUncountedOverrideScenario(ctx context.Context) error {
	if err := h.importDemoBatch(ctx, `{
		"id": 1002,
		"mode": "simultaneous",
		"scope": {"branch": "01", "warehouse": "MAIN", "area": "B", "family": "ANTIBIOTICS"},
		"lines": [
			{"article_code": "200114", "lot_code": "A1", "conversion_factor": 10},
			{"article_code": "200115", "lot_code": "A2", "conversion_factor": 10},
			{"article_code": "200116", "lot_code": "A3", "conversion_factor": 6}
		]
	}`); err != nil {
		return err
	}

	entries := []demoEntry{
		{"200114", "A1", "counter-a", 1, count.UnitBoxes, 4, 0},
	}
	if err := h.appendDemoEntries(ctx, 1002, demoStart(), entries); err != nil {
		return err
	}

	_, err := h.Engine.RequestConfirmation(ctx, 1002)
	return err
}

// loadIndividualCountScenario assigns the batch to counter-c only.
func (h *Handler) loadIndividualCountScenario(ctx context.Context) error {
	if err := h.importDemoBatch(ctx, `{
		"id": 1003,
		"mode": "individual",
		"assigned_user": "counter-c",
		"scope": {"branch": "02", "warehouse": "NORTH", "section": "S1"},
		"lines": [
			{"article_code": "300010", "lot_code": "B7", "conversion_factor": 20},
			{"article_code": "300011", "lot_code": "B8", "conversion_factor": 20}
		]
	}`); err != nil {
		return err
	}

	entries := []demoEntry{
		{"300010", "B7", "counter-c", 1, count.UnitBoxes, 5, 0},
		{"300011", "B8", "counter-c", 1, count.UnitUnits, 13, time.Minute},
	}
	return h.appendDemoEntries(ctx, 1003, demoStart(), entries)
}

// loadCorrectionsScenario: counter-a records 3 boxes of 12, then finds 5
// loose units and records them on sequence 2 instead of editing the first
// entry. counter-b adds 2 units. The line totals 43.
func (h *Handler) loadCorrectionsScenario(ctx context.Context) error {
	if err := h.importDemoBatch(ctx, `{
		"id": 1004,
		"mode": "simultaneous",
		"scope": {"branch": "01", "warehouse": "MAIN", "area": "C"},
		"lines": [
			{"article_code": "400200", "lot_code": "C1", "conversion_factor": 12}
		]
	}`); err != nil {
		return err
	}

	entries := []demoEntry{
		{"400200", "C1", "counter-a", 1, count.UnitBoxes, 3, 0},
		{"400200", "C1", "counter-a", 2, count.UnitUnits, 5, 3 * time.Minute},
		{"400200", "C1", "counter-b", 1, count.UnitUnits, 2, 4 * time.Minute},
	}
	return h.appendDemoEntries(ctx, 1004, demoStart(), entries)
}

// loadConfirmedBatchScenario counts every line and confirms.
func (h *Handler) loadConfirmedBatchScenario(ctx context.Context) error {
	if err := h.importDemoBatch(ctx, `{
		"id": 1005,
		"mode": "simultaneous",
		"scope": {"branch": "03", "warehouse": "SOUTH"},
		"lines": [
			{"article_code": "500001", "lot_code": "D1", "conversion_factor": 24},
			{"article_code": "500002", "lot_code": "D2", "conversion_factor": 1}
		]
	}`); err != nil {
		return err
	}

	entries := []demoEntry{
		{"500001", "D1", "counter-a", 1, count.UnitBoxes, 1, 0},
		{"500002", "D2", "counter-b", 1, count.UnitUnits, 0, time.Minute},
	}
	if err := h.appendDemoEntries(ctx, 1005, demoStart(), entries); err != nil {
		return err
	}

	_, err := h.Engine.Confirm(ctx, 1005, false)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

type demoEntry struct {
	Article  string
	Lot      string
	User     count.UserID
	Sequence int64
	Kind     count.UnitKind
	Quantity int64
	Offset   time.Duration
}

func demoStart() time.Time {
	return time.Now().UTC().Add(-time.Hour).Truncate(time.Minute)
}

func (h *Handler) importDemoBatch(ctx context.Context, doc string) error {
	batch, lines, err := h.Factory.ParseBatch(doc)
	if err != nil {
		return err
	}
	_, err = h.Engine.ImportBatch(ctx, batch, lines)
	return err
}

func (h *Handler) appendDemoEntries(ctx context.Context, id count.BatchID, base time.Time, entries []demoEntry) error {
	for _, de := range entries {
		line := count.LineKey{BatchID: id, ArticleCode: de.Article, LotCode: de.Lot}
		factor, err := h.factorFor(ctx, line, nil)
		if err != nil {
			return err
		}
		e, err := count.NewEntry(line, de.User, de.Sequence, de.Kind, count.QuantityFromInt(de.Quantity), factor, base.Add(de.Offset))
		if err != nil {
			return err
		}
		e.DeviceID = "demo-" + string(de.User)
		if _, err := h.Engine.Append(ctx, e); err != nil {
			return fmt.Errorf("failed to append %s: %w", e.Key, err)
		}
	}
	return nil
}
