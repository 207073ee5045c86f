/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the count engine's model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Batches:
    BatchDTO (import body is factory.BatchJSON)

  Entries:
    AppendEntryRequest, AppendEntryResponse, EntryDTO

  Views:
    LineTotalDTO, BatchViewDTO, ArticleTotalDTO, UserAuditDTO, SnapshotDTO

  Reconciliation:
    ConfirmRequest, ConfirmationRequestDTO, ConfirmationResultDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

QUANTITIES:
  Quantities are serialized as decimal strings ("48") so no client ever
  sees a float rounding of a stock figure.

VALIDATION:
  Request structs carry go-playground/validator tags. Handlers call
  h.validate.Struct before touching the engine; the engine still runs its
  own invariant checks.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/batch.go: BatchJSON type
*/
package api

import (
	"time"

	"github.com/warp/count-engine/count"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// AppendEntryRequest is one count submission from a device.
type AppendEntryRequest struct {
	ArticleCode string `json:"article_code" validate:"required"`
	LotCode     string `json:"lot_code"`
	UserID      string `json:"user_id" validate:"required,ne=system"`
	Sequence    int64  `json:"sequence" validate:"required,gte=1"`
	UnitKind    string `json:"unit_kind" validate:"required,oneof=boxes units"`

	Quantity *count.Quantity `json:"quantity" validate:"required"`

	// ConversionFactor defaults to the expected line's factor, or 1 for a
	// line outside the catalog.
	ConversionFactor *count.Quantity `json:"conversion_factor,omitempty"`

	// SubmittedAt defaults to the server time.
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	DeviceID    string     `json:"device_id,omitempty"`
}

// ConfirmRequest is the body of POST /confirm. An empty body means no override.
type ConfirmRequest struct {
	ForceUncounted bool `json:"force_uncounted"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// BatchDTO represents a batch in API responses.
type BatchDTO struct {
	ID            int64       `json:"id"`
	Mode          string      `json:"mode"`
	Scope         count.Scope `json:"scope"`
	State         string      `json:"state"`
	AssignedUser  string      `json:"assigned_user,omitempty"`
	ExpectedLines int         `json:"expected_lines"`
	CreatedAt     string      `json:"created_at"`
	UpdatedAt     string      `json:"updated_at"`
	ClosedAt      *string     `json:"closed_at,omitempty"`
}

// LineKeyDTO identifies a line.
type LineKeyDTO struct {
	ArticleCode string `json:"article_code"`
	LotCode     string `json:"lot_code"`
}

// EntryDTO represents a stored entry.
type EntryDTO struct {
	ID                string `json:"id"`
	BatchID           int64  `json:"batch_id"`
	ArticleCode       string `json:"article_code"`
	LotCode           string `json:"lot_code"`
	UserID            string `json:"user_id"`
	Sequence          int64  `json:"sequence"`
	UnitKind          string `json:"unit_kind"`
	EnteredQuantity   string `json:"entered_quantity"`
	ConversionFactor  string `json:"conversion_factor"`
	ConvertedQuantity string `json:"converted_quantity"`
	SubmittedAt       string `json:"submitted_at"`
	DeviceID          string `json:"device_id,omitempty"`
	Origin            string `json:"origin"`
}

// AppendEntryResponse tells the device whether its entry was new.
type AppendEntryResponse struct {
	Result string   `json:"result"` // "accepted" or "duplicate"
	Entry  EntryDTO `json:"entry"`
}

// LineTotalDTO is the fold of one line.
type LineTotalDTO struct {
	ArticleCode  string   `json:"article_code"`
	LotCode      string   `json:"lot_code"`
	Total        string   `json:"total"`
	Counted      bool     `json:"counted"`
	ImplicitZero bool     `json:"implicit_zero,omitempty"`
	Users        []string `json:"users"`
	Entries      int      `json:"entries"`
}

// LineDetailDTO is a line total with its entries, for the line screen.
type LineDetailDTO struct {
	LineTotalDTO
	Log []EntryDTO `json:"log"`
}

// ArticleTotalDTO is the per-article consolidation. Display-only.
type ArticleTotalDTO struct {
	ArticleCode string `json:"article_code"`
	Total       string `json:"total"`
	Lots        int    `json:"lots"`
	Counted     bool   `json:"counted"`
}

// BatchViewDTO is the composed inventory of a batch.
type BatchViewDTO struct {
	BatchID       int64             `json:"batch_id"`
	State         string            `json:"state"`
	Lines         []LineTotalDTO    `json:"lines"`
	Counters      []string          `json:"counters"`
	CountersCount int               `json:"counters_count"`
	Uncounted     []LineKeyDTO      `json:"uncounted"`
	ByArticle     []ArticleTotalDTO `json:"by_article,omitempty"`
	ComposedAt    string            `json:"composed_at"`
}

// LineAuditDTO is one line in a user's audit.
type LineAuditDTO struct {
	ArticleCode string     `json:"article_code"`
	LotCode     string     `json:"lot_code"`
	Subtotal    string     `json:"subtotal"`
	Entries     []EntryDTO `json:"entries"`
}

// UserAuditDTO lists everything one counter submitted in a batch.
type UserAuditDTO struct {
	BatchID int64          `json:"batch_id"`
	UserID  string         `json:"user_id"`
	Records []EntryDTO     `json:"records"`
	Lines   []LineAuditDTO `json:"lines"`
	Total   string         `json:"total"`
}

// ConfirmationRequestDTO answers POST /request-confirmation.
type ConfirmationRequestDTO struct {
	BatchID   int64        `json:"batch_id"`
	State     string       `json:"state"`
	Ready     bool         `json:"ready"`
	Uncounted int          `json:"uncounted"`
	Sample    []LineKeyDTO `json:"sample,omitempty"`
	Warning   string       `json:"warning,omitempty"`
}

// ConfirmationResultDTO answers a successful POST /confirm.
type ConfirmationResultDTO struct {
	BatchID       int64          `json:"batch_id"`
	State         string         `json:"state"`
	Results       []LineTotalDTO `json:"results"`
	ImplicitZeros []LineKeyDTO   `json:"implicit_zeros"`
	ConfirmedAt   string         `json:"confirmed_at"`
}

// IncompleteCountDTO is the details payload of a refused confirmation.
type IncompleteCountDTO struct {
	Uncounted int          `json:"uncounted"`
	Sample    []LineKeyDTO `json:"sample"`
}

// SnapshotDTO is a cached batch view.
type SnapshotDTO struct {
	ID            string         `json:"id"`
	BatchID       int64          `json:"batch_id"`
	State         string         `json:"state"`
	Lines         []LineTotalDTO `json:"lines"`
	Counters      []string       `json:"counters"`
	CountersCount int            `json:"counters_count"`
	Uncounted     []LineKeyDTO   `json:"uncounted"`
	TakenAt       string         `json:"taken_at"`
	Reason        string         `json:"reason"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toBatchDTO(b count.Batch, expected int) BatchDTO {
	dto := BatchDTO{
		ID:            int64(b.ID),
		Mode:          string(b.Mode),
		Scope:         b.Scope,
		State:         string(b.State),
		AssignedUser:  string(b.AssignedUser),
		ExpectedLines: expected,
		CreatedAt:     b.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     b.UpdatedAt.Format(time.RFC3339),
	}
	if b.ClosedAt != nil {
		s := b.ClosedAt.Format(time.RFC3339)
		dto.ClosedAt = &s
	}
	return dto
}

func toLineKeyDTOs(keys []count.LineKey) []LineKeyDTO {
	dtos := make([]LineKeyDTO, len(keys))
	for i, k := range keys {
		dtos[i] = LineKeyDTO{ArticleCode: k.ArticleCode, LotCode: k.LotCode}
	}
	return dtos
}

func toEntryDTO(e count.Entry) EntryDTO {
	return EntryDTO{
		ID:                e.ID,
		BatchID:           int64(e.Key.Line.BatchID),
		ArticleCode:       e.Key.Line.ArticleCode,
		LotCode:           e.Key.Line.LotCode,
		UserID:            string(e.Key.UserID),
		Sequence:          e.Key.Sequence,
		UnitKind:          string(e.UnitKind),
		EnteredQuantity:   e.EnteredQuantity.String(),
		ConversionFactor:  e.ConversionFactor.String(),
		ConvertedQuantity: e.ConvertedQuantity.String(),
		SubmittedAt:       e.SubmittedAt.Format(time.RFC3339Nano),
		DeviceID:          e.DeviceID,
		Origin:            string(e.Origin),
	}
}

func toEntryDTOs(entries []count.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toUserStrings(users []count.UserID) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = string(u)
	}
	return out
}

func toLineTotalDTO(lt count.LineTotal) LineTotalDTO {
	return LineTotalDTO{
		ArticleCode:  lt.Key.ArticleCode,
		LotCode:      lt.Key.LotCode,
		Total:        lt.Total.String(),
		Counted:      lt.Counted,
		ImplicitZero: lt.ImplicitZero,
		Users:        toUserStrings(lt.Users),
		Entries:      lt.Entries,
	}
}

func toLineTotalDTOs(lines []count.LineTotal) []LineTotalDTO {
	dtos := make([]LineTotalDTO, len(lines))
	for i, lt := range lines {
		dtos[i] = toLineTotalDTO(lt)
	}
	return dtos
}

func toBatchViewDTO(v count.BatchView, consolidate bool) BatchViewDTO {
	dto := BatchViewDTO{
		BatchID:       int64(v.BatchID),
		State:         string(v.State),
		Lines:         toLineTotalDTOs(v.SortedLines()),
		Counters:      toUserStrings(v.Counters),
		CountersCount: v.CountersCount,
		Uncounted:     toLineKeyDTOs(v.Uncounted),
		ComposedAt:    v.ComposedAt.Format(time.RFC3339),
	}
	if consolidate {
		for _, a := range v.ByArticle() {
			dto.ByArticle = append(dto.ByArticle, ArticleTotalDTO{
				ArticleCode: a.ArticleCode,
				Total:       a.Total.String(),
				Lots:        a.Lots,
				Counted:     a.Counted,
			})
		}
	}
	return dto
}

func toUserAuditDTO(a count.UserAudit) UserAuditDTO {
	dto := UserAuditDTO{
		BatchID: int64(a.BatchID),
		UserID:  string(a.UserID),
		Records: make([]EntryDTO, len(a.Records)),
		Lines:   make([]LineAuditDTO, len(a.Lines)),
		Total:   a.Total.String(),
	}
	for i, r := range a.Records {
		dto.Records[i] = toEntryDTO(r.Entry)
	}
	for i, l := range a.Lines {
		dto.Lines[i] = LineAuditDTO{
			ArticleCode: l.Line.ArticleCode,
			LotCode:     l.Line.LotCode,
			Subtotal:    l.Subtotal.String(),
			Entries:     toEntryDTOs(l.Entries),
		}
	}
	return dto
}

func toSnapshotDTO(s count.Snapshot) SnapshotDTO {
	return SnapshotDTO{
		ID:            s.ID,
		BatchID:       int64(s.BatchID),
		State:         string(s.State),
		Lines:         toLineTotalDTOs(s.Lines),
		Counters:      toUserStrings(s.Counters),
		CountersCount: s.CountersCount,
		Uncounted:     toLineKeyDTOs(s.Uncounted),
		TakenAt:       s.TakenAt.Format(time.RFC3339),
		Reason:        string(s.Reason),
	}
}
