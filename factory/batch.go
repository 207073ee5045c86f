/*
Package factory provides JSON to Go batch conversion.

PURPOSE:
  Converts the batch documents delivered by the synchronization importer
  into a count.Batch and its expected line set. The engine never reads the
  catalog directly; whatever the importer sends is the expected set.

JSON SCHEMA:
  {
    "id": 100830,
    "mode": "simultaneous",
    "scope": {
      "branch": "01",
      "warehouse": "MAIN",
      "area": "A",
      "department": "PHARMA",
      "section": "S1",
      "family": "ANALGESICS",
      "group": "G1"
    },
    "assigned_user": "",
    "lines": [
      {"article_code": "100830", "lot_code": "000000", "conversion_factor": 24},
      {"article_code": "200114", "lot_code": "L2301", "conversion_factor": "12"}
    ]
  }

DEFAULTS:
  - mode: simultaneous
  - conversion_factor: 1
  - lot_code: "" (articles without lot tracking)

USAGE:
  f := NewBatchFactory()
  batch, lines, err := f.ParseBatch(jsonString)
  engine.ImportBatch(ctx, batch, lines)

SEE ALSO:
  - count/reconcile.go: ImportBatch validates and stores the result
  - api/scenarios.go: demo documents
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/count-engine/count"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// BatchJSON is the JSON representation of an imported batch.
type BatchJSON struct {
	ID           int64      `json:"id" validate:"required,gt=0"`
	Mode         string     `json:"mode,omitempty" validate:"omitempty,oneof=individual simultaneous"`
	Scope        ScopeJSON  `json:"scope"`
	AssignedUser string     `json:"assigned_user,omitempty" validate:"omitempty,ne=system"`
	Lines        []LineJSON `json:"lines" validate:"dive"`
}

// ScopeJSON mirrors count.Scope.
type ScopeJSON struct {
	Branch     string `json:"branch,omitempty"`
	Warehouse  string `json:"warehouse,omitempty"`
	Area       string `json:"area,omitempty"`
	Department string `json:"department,omitempty"`
	Section    string `json:"section,omitempty"`
	Family     string `json:"family,omitempty"`
	Group      string `json:"group,omitempty"`
}

// LineJSON is one expected article/lot. The factor accepts a number or a
// numeric string.
type LineJSON struct {
	ArticleCode      string          `json:"article_code" validate:"required"`
	LotCode          string          `json:"lot_code"`
	ConversionFactor *count.Quantity `json:"conversion_factor,omitempty"`
}

// =============================================================================
// BATCH FACTORY
// =============================================================================

// BatchFactory converts JSON documents to batches.
type BatchFactory struct{}

func NewBatchFactory() *BatchFactory {
	return &BatchFactory{}
}

// ParseBatch parses a JSON string into a batch and its expected lines.
func (f *BatchFactory) ParseBatch(jsonStr string) (count.Batch, []count.ExpectedLine, error) {
	var bj BatchJSON
	if err := json.Unmarshal([]byte(jsonStr), &bj); err != nil {
		return count.Batch{}, nil, fmt.Errorf("%w: failed to parse batch JSON: %v", count.ErrInvalidBatch, err)
	}
	return f.FromJSON(bj)
}

// FromJSON converts BatchJSON. Structural checks beyond the mode are left
// to the engine's import validation.
func (f *BatchFactory) FromJSON(bj BatchJSON) (count.Batch, []count.ExpectedLine, error) {
	mode, err := parseMode(bj.Mode)
	if err != nil {
		return count.Batch{}, nil, err
	}

	batch := count.Batch{
		ID:   count.BatchID(bj.ID),
		Mode: mode,
		Scope: count.Scope{
			Branch:     bj.Scope.Branch,
			Warehouse:  bj.Scope.Warehouse,
			Area:       bj.Scope.Area,
			Department: bj.Scope.Department,
			Section:    bj.Scope.Section,
			Family:     bj.Scope.Family,
			Group:      bj.Scope.Group,
		},
		AssignedUser: count.UserID(strings.TrimSpace(bj.AssignedUser)),
	}

	lines := make([]count.ExpectedLine, 0, len(bj.Lines))
	for _, lj := range bj.Lines {
		factor := count.QuantityFromInt(1)
		if lj.ConversionFactor != nil {
			factor = *lj.ConversionFactor
		}
		lines = append(lines, count.ExpectedLine{
			Key: count.LineKey{
				BatchID:     batch.ID,
				ArticleCode: strings.TrimSpace(lj.ArticleCode),
				LotCode:     strings.TrimSpace(lj.LotCode),
			},
			ConversionFactor: factor,
		})
	}

	return batch, lines, nil
}

// ToJSON converts a batch back to its document form.
func (f *BatchFactory) ToJSON(b count.Batch, lines []count.ExpectedLine) BatchJSON {
	bj := BatchJSON{
		ID:   int64(b.ID),
		Mode: string(b.Mode),
		Scope: ScopeJSON{
			Branch:     b.Scope.Branch,
			Warehouse:  b.Scope.Warehouse,
			Area:       b.Scope.Area,
			Department: b.Scope.Department,
			Section:    b.Scope.Section,
			Family:     b.Scope.Family,
			Group:      b.Scope.Group,
		},
		AssignedUser: string(b.AssignedUser),
		Lines:        make([]LineJSON, 0, len(lines)),
	}
	for _, l := range lines {
		factor := l.ConversionFactor
		bj.Lines = append(bj.Lines, LineJSON{
			ArticleCode:      l.Key.ArticleCode,
			LotCode:          l.Key.LotCode,
			ConversionFactor: &factor,
		})
	}
	return bj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseMode(s string) (count.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "simultaneous":
		return count.ModeSimultaneous, nil
	case "individual":
		return count.ModeIndividual, nil
	default:
		return "", fmt.Errorf("%w: unknown batch mode %q", count.ErrInvalidBatch, s)
	}
}
