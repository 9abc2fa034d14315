package model

import (
	"time"
	"unicode"
)

// DocumentType is the semantic role of a source document, decided from its content.
type DocumentType string

const (
	DocumentNotice            DocumentType = "notice"
	DocumentRegulation        DocumentType = "regulation"
	DocumentSpecialConditions DocumentType = "special_conditions"
	DocumentAnnex             DocumentType = "annex"
	DocumentUnknown           DocumentType = "unknown"
)

// Label is the short tag used in oracle prompts and console output.
func (t DocumentType) Label() string {
	switch t {
	case DocumentNotice:
		return "AVIS"
	case DocumentRegulation:
		return "RC"
	case DocumentSpecialConditions:
		return "CPS"
	case DocumentAnnex:
		return "ANNEXE"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t is one of the declared document types.
func (t DocumentType) Valid() bool {
	switch t {
	case DocumentNotice, DocumentRegulation, DocumentSpecialConditions, DocumentAnnex, DocumentUnknown:
		return true
	}
	return false
}

// SourceDocument is one ingested document of a case. The text is never
// modified after ingestion; Type is recomputed from it on every run.
type SourceDocument struct {
	ID        string       `json:"id"`
	CaseID    string       `json:"case_id"`
	Filename  string       `json:"filename"`
	Text      string       `json:"-"`
	PageCount int          `json:"page_count"`
	Type      DocumentType `json:"type"`
	Position  int          `json:"position"`
	IssuedAt  *time.Time   `json:"issued_at,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// FirstPage returns the leading limit runes of the text, the only part the
// classifier looks at.
func (d SourceDocument) FirstPage(limit int) string {
	if limit <= 0 {
		return d.Text
	}
	n := 0
	for i := range d.Text {
		if n == limit {
			return d.Text[:i]
		}
		n++
	}
	return d.Text
}

// Usable reports whether the document carries at least minChars
// non-whitespace characters.
func (d SourceDocument) Usable(minChars int) bool {
	return TextChars(d.Text) >= minChars
}

// TextChars counts the non-whitespace runes of s.
func TextChars(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
