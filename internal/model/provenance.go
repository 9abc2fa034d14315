package model

import "time"

// ValueType is the stored representation of a field value.
type ValueType string

const (
	ValueText   ValueType = "text"
	ValueNumber ValueType = "number"
	ValueDate   ValueType = "date"
	ValueList   ValueType = "list"
	ValueJSON   ValueType = "json"
)

// Origin records which channel produced a field value.
type Origin string

const (
	OriginAI       Origin = "ai"
	OriginExternal Origin = "external"
	OriginScraped  Origin = "scraped"
	OriginOCR      Origin = "ocr"
	OriginManual   Origin = "manual"
)

// BatchOwned reports whether reconciliation batches own fields of this
// origin. Only batch-owned fields are overwritten or purged by a batch.
func (o Origin) BatchOwned() bool {
	return o == OriginAI || o == OriginExternal
}

// SourceExternal is the source location stamped on injected overrides.
const SourceExternal = "external"

// ProvenanceField is one stored field of a case with its audit trail.
type ProvenanceField struct {
	CaseID         string     `json:"case_id"`
	FieldName      string     `json:"field_name"`
	Value          string     `json:"value"`
	ValueType      ValueType  `json:"value_type"`
	DocumentID     *string    `json:"document_id,omitempty"`
	Confidence     float64    `json:"confidence"`
	SourceLocation string     `json:"source_location,omitempty"`
	Origin         Origin     `json:"origin"`
	IsVerified     bool       `json:"is_verified"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Batch is one reconciliation run ready to be committed atomically.
type Batch struct {
	CaseID string
	Phase  Phase
	// ReplaceAI purges unverified batch-owned fields before the upserts,
	// restricted to Owned when it is set.
	ReplaceAI bool
	Owned     []string
	Fields    []ProvenanceField
	Status    CaseStatus
	Summary   RunSummary
}
