package model

import "time"

// CaseStatus is the processing state of a case.
type CaseStatus string

const (
	CaseStatusPending    CaseStatus = "pending"
	CaseStatusClassified CaseStatus = "classified"
	CaseStatusExtracting CaseStatus = "extracting"
	CaseStatusReconciled CaseStatus = "reconciled"
	CaseStatusCompleted  CaseStatus = "completed"
	CaseStatusFailed     CaseStatus = "failed"
)

// Terminal reports whether the status ends a run.
func (s CaseStatus) Terminal() bool {
	return s == CaseStatusCompleted || s == CaseStatusFailed
}

var caseTransitions = map[CaseStatus][]CaseStatus{
	CaseStatusPending:    {CaseStatusClassified, CaseStatusFailed},
	CaseStatusClassified: {CaseStatusExtracting, CaseStatusFailed},
	CaseStatusExtracting: {CaseStatusReconciled, CaseStatusFailed},
	CaseStatusReconciled: {CaseStatusCompleted, CaseStatusFailed},
	// Terminal states re-enter the lifecycle on a new run.
	CaseStatusCompleted: {CaseStatusClassified},
	CaseStatusFailed:    {CaseStatusClassified},
}

// CanTransition reports whether a case may move from one status to another.
func CanTransition(from, to CaseStatus) bool {
	for _, next := range caseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Phase names an extraction phase.
type Phase string

const (
	// PhaseListing is the cheap pass run on every new case.
	PhaseListing Phase = "listing"
	// PhaseDeep is the expensive pass run on demand.
	PhaseDeep Phase = "deep"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p == PhaseListing || p == PhaseDeep
}

// Case is the procurement record being enriched.
type Case struct {
	ID               string      `json:"id"`
	Reference        string      `json:"reference"`
	Title            string      `json:"title,omitempty"`
	ExternalDeadline *time.Time  `json:"external_deadline,omitempty"`
	Status           CaseStatus  `json:"status"`
	ListingAt        *time.Time  `json:"listing_at,omitempty"`
	DeepAt           *time.Time  `json:"deep_at,omitempty"`
	LastSummary      *RunSummary `json:"last_summary,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// PhaseDone reports whether the phase has completed at least once.
func (c Case) PhaseDone(p Phase) bool {
	switch p {
	case PhaseListing:
		return c.ListingAt != nil
	case PhaseDeep:
		return c.DeepAt != nil
	}
	return false
}

// ExternalDeadline is a deadline shown on the listing page. Either part may
// be empty when the listing does not show it.
type ExternalDeadline struct {
	Date string `json:"date,omitempty"`
	Time string `json:"time,omitempty"`
}

// Empty reports whether neither part is set.
func (d ExternalDeadline) Empty() bool {
	return d.Date == "" && d.Time == ""
}

// DeadlineFromTime splits a listing timestamp into date and time parts as
// read on a wall clock in loc. A nil loc means UTC.
func DeadlineFromTime(t time.Time, loc *time.Location) ExternalDeadline {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return ExternalDeadline{
		Date: t.Format("2006-01-02"),
		Time: t.Format("15:04"),
	}
}
