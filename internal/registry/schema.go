package registry

import "github.com/sells-group/tender-cli/internal/model"

// Deadline sub-field keys, the targets of external overrides.
const (
	KeyDeadlineDate = "submission_deadline.date"
	KeyDeadlineTime = "submission_deadline.time"
	KeyLots         = "lots"
)

// Lot keys used by the derived value calculator.
const (
	LotEstimatedValue      = "lot_estimated_value"
	LotGuaranteePercentage = "caution_definitive_percentage"
	LotGuaranteeValue      = "estimated_caution_definitive_value"
	LotExecutionDate       = "execution_date"
	LotNumber              = "lot_number"
	LotSubject             = "lot_subject"
)

// TenderTypes is the closed set accepted for tender_type.
var TenderTypes = []string{"AOON", "AOOI"}

func text(key, stored string) Field {
	return Field{Key: key, Type: model.ValueText, Strategy: Scalar, Stored: stored}
}

func number(key, stored string) Field {
	return Field{Key: key, Type: model.ValueNumber, Strategy: Scalar, Stored: stored}
}

func date(key, stored string) Field {
	return Field{Key: key, Type: model.ValueDate, Strategy: Scalar, Stored: stored}
}

func list(key, stored string) Field {
	return Field{Key: key, Type: model.ValueList, Strategy: List, Stored: stored}
}

// Listing returns the registry of the listing phase.
func Listing() *Registry {
	tenderType := text("tender_type", "avis_tender_type")
	tenderType.Enum = TenderTypes

	return New(model.PhaseListing, "avis_metadata", []Field{
		text("reference_tender", "avis_reference_tender"),
		tenderType,
		text("issuing_institution", "avis_issuing_institution"),
		text("folder_opening_location", "avis_folder_opening_location"),
		text("subject", "avis_subject"),
		number("total_estimated_value", "avis_total_estimated_value"),
		date("publication_date", "avis_publication_date"),
		date(KeyDeadlineDate, "avis_submission_deadline_date"),
		text(KeyDeadlineTime, "avis_submission_deadline_time"),
		list("keywords_fr", "keywords_fr"),
		list("keywords_eng", "keywords_eng"),
		list("keywords_ar", "keywords_ar"),
		list("eligibility_criteria", "avis_eligibility_criteria"),
		list("submission_requirements", "avis_submission_requirements"),
		list("technical_requirements", "avis_technical_requirements"),
		list("required_documents", "avis_required_documents"),
		{
			Key:      KeyLots,
			Type:     model.ValueJSON,
			Strategy: Composite,
			Stored:   "avis_lots",
			Children: []Field{
				text(LotNumber, ""),
				text(LotSubject, ""),
				number(LotEstimatedValue, ""),
			},
		},
	})
}

// Deep returns the registry of the deep phase.
func Deep() *Registry {
	tenderType := text("tender_type", "deep_tender_type")
	tenderType.Enum = TenderTypes

	guarantee := number(LotGuaranteeValue, "")
	guarantee.Derived = true

	return New(model.PhaseDeep, "universal_analysis", []Field{
		text("reference_tender", "deep_reference_tender"),
		tenderType,
		text("issuing_institution", "deep_issuing_institution"),
		text("institution_address", "deep_institution_address"),
		date(KeyDeadlineDate, "deep_submission_deadline_date"),
		text(KeyDeadlineTime, "deep_submission_deadline_time"),
		text("folder_opening_location", "deep_folder_opening_location"),
		text("subject", "deep_subject"),
		number("total_estimated_value", "deep_total_estimated_value"),
		{
			Key:      KeyLots,
			Type:     model.ValueJSON,
			Strategy: Composite,
			Stored:   "deep_lots",
			Children: []Field{
				text(LotNumber, ""),
				text(LotSubject, ""),
				number(LotEstimatedValue, ""),
				number("caution_provisoire", ""),
				number(LotGuaranteePercentage, ""),
				guarantee,
				date(LotExecutionDate, ""),
				{
					Key:      "items",
					Type:     model.ValueJSON,
					Strategy: Composite,
					Children: []Field{
						text("item_name", ""),
						text("quantity", ""),
						text("technical_description_full", ""),
					},
				},
			},
		},
	})
}
