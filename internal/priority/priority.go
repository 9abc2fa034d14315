// Package priority orders classified documents by authority for an
// extraction phase. It only orders; it never drops a document and never
// looks at extracted content.
package priority

import (
	"sort"

	"github.com/sells-group/tender-cli/internal/model"
)

// RankTable maps a non-annex document type to its authority within a phase.
// Higher ranks are consulted first. Annexes are not ranked here: they always
// form the trailing override segment.
type RankTable map[model.DocumentType]int

// ListingRanks prefers the notice; the regulation stands in when no notice
// exists.
var ListingRanks = RankTable{
	model.DocumentNotice:            4,
	model.DocumentRegulation:        3,
	model.DocumentSpecialConditions: 2,
	model.DocumentUnknown:           1,
}

// DeepRanks puts the special-conditions document above the regulation and
// the notice last among authoritative documents.
var DeepRanks = RankTable{
	model.DocumentSpecialConditions: 4,
	model.DocumentRegulation:        3,
	model.DocumentNotice:            2,
	model.DocumentUnknown:           1,
}

// AnnexRank is reported for annexes; it outranks every base document.
const AnnexRank = 5

// RanksFor returns the rank table for a phase.
func RanksFor(phase model.Phase) RankTable {
	if phase == model.PhaseDeep {
		return DeepRanks
	}
	return ListingRanks
}

// Rank returns the authority of a document type within a phase.
func Rank(phase model.Phase, t model.DocumentType) int {
	if t == model.DocumentAnnex {
		return AnnexRank
	}
	return RanksFor(phase)[t]
}

// Sequence is the merge order for one phase. Base documents come first in
// descending authority, so the first non-null claim among them stands.
// Annexes follow in chronological order, so the latest annex overrides.
type Sequence struct {
	Phase   model.Phase
	Base    []model.SourceDocument
	Annexes []model.SourceDocument
}

// All returns base documents followed by annexes.
func (s Sequence) All() []model.SourceDocument {
	out := make([]model.SourceDocument, 0, len(s.Base)+len(s.Annexes))
	out = append(out, s.Base...)
	return append(out, s.Annexes...)
}

// Len returns the number of documents in the sequence.
func (s Sequence) Len() int {
	return len(s.Base) + len(s.Annexes)
}

// Order builds the sequence for a phase. Ties among base documents keep
// discovery order. The input slice is not modified.
func Order(phase model.Phase, docs []model.SourceDocument) Sequence {
	ranks := RanksFor(phase)
	seq := Sequence{Phase: phase}
	for _, d := range docs {
		if d.Type == model.DocumentAnnex {
			seq.Annexes = append(seq.Annexes, d)
		} else {
			seq.Base = append(seq.Base, d)
		}
	}

	sort.SliceStable(seq.Base, func(i, j int) bool {
		ri, rj := ranks[seq.Base[i].Type], ranks[seq.Base[j].Type]
		if ri != rj {
			return ri > rj
		}
		return seq.Base[i].Position < seq.Base[j].Position
	})
	sortAnnexes(seq.Annexes)
	return seq
}

// sortAnnexes orders by issue date when every annex has one, otherwise by
// discovery order alone, keeping the comparison a strict weak ordering.
func sortAnnexes(annexes []model.SourceDocument) {
	dated := true
	for _, a := range annexes {
		if a.IssuedAt == nil {
			dated = false
			break
		}
	}
	sort.SliceStable(annexes, func(i, j int) bool {
		if dated && !annexes[i].IssuedAt.Equal(*annexes[j].IssuedAt) {
			return annexes[i].IssuedAt.Before(*annexes[j].IssuedAt)
		}
		return annexes[i].Position < annexes[j].Position
	})
}

// ListingInputs selects the documents sent to the oracle in the listing
// phase: the notices, or the regulations when the case has no notice, plus
// every annex. A case with neither sends its whole sequence.
func ListingInputs(seq Sequence) Sequence {
	pick := func(t model.DocumentType) []model.SourceDocument {
		var out []model.SourceDocument
		for _, d := range seq.Base {
			if d.Type == t {
				out = append(out, d)
			}
		}
		return out
	}

	base := pick(model.DocumentNotice)
	if len(base) == 0 {
		base = pick(model.DocumentRegulation)
	}
	if len(base) == 0 {
		return seq
	}
	return Sequence{Phase: seq.Phase, Base: base, Annexes: seq.Annexes}
}

// Primary returns the document that represents the case for fields without
// their own attribution: the first base document, else the first annex.
func (s Sequence) Primary() *model.SourceDocument {
	if len(s.Base) > 0 {
		return &s.Base[0]
	}
	if len(s.Annexes) > 0 {
		return &s.Annexes[0]
	}
	return nil
}
