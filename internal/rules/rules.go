// Package rules holds the eligibility rule set applied to every loan record
// that passes validation.
//
// Import Path: loanmvp.io/pipeline/internal/rules
package rules

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"loanmvp.io/pipeline/internal/domain"
)

// Rule is one entry in the rule table. Predicate must be pure.
type Rule struct {
	Name     string
	Category string
	Severity domain.Severity
	Code     string
	// Message is a format string with a single %s for the observed value.
	Message string
	// Field names the record field the rule reads.
	Field     string
	Predicate func(domain.LoanRecord) bool
}

// Violation builds the violation this rule reports for r.
func (rule Rule) Violation(r domain.LoanRecord) domain.Violation {
	observed := r.Value(rule.Field)
	if observed == "" {
		observed = "missing"
	}
	return domain.Violation{
		RuleName:      rule.Name,
		Category:      rule.Category,
		Severity:      rule.Severity,
		Message:       fmt.Sprintf(rule.Message, observed),
		RejectionCode: rule.Code,
	}
}

// Set is an ordered rule table.
type Set []Rule

// Evaluate runs every rule in declared order without short-circuiting.
// passed is false only when a hard rule failed; soft failures are returned
// as violations but leave passed untouched.
func (s Set) Evaluate(r domain.LoanRecord) (passed bool, violations []domain.Violation) {
	passed = true
	for _, rule := range s {
		if rule.Predicate(r) {
			continue
		}
		v := rule.Violation(r)
		violations = append(violations, v)
		if v.IsHard() {
			passed = false
		}
	}
	return passed, violations
}

// Evaluate applies the default rule set.
func Evaluate(r domain.LoanRecord) (bool, []domain.Violation) {
	return defaultSet.Evaluate(r)
}

// Limits used by the default rule set. Bounds are inclusive.
var (
	MinLoanAmount  = decimal.NewFromInt(50_000)
	MaxLoanAmount  = decimal.NewFromInt(5_000_000)
	MaxLTV         = decimal.RequireFromString("97.0")
	MaxDTI         = decimal.RequireFromString("50.0")
	MinCreditScore = 620
	MinNoteRate    = decimal.RequireFromString("1.0")
	MaxNoteRate    = decimal.RequireFromString("15.0")
)

var (
	allowedPropertyTypes = setOf("sfr", "condo", "townhouse", "pud", "2-4 unit")
	allowedOccupancy     = setOf("primary", "second home", "investment")
	allowedPurposes      = setOf("purchase", "rate_term_refinance", "cash_out_refinance")
)

var defaultSet = Set{
	{
		Name: "loan_amount_range", Category: "loan_amount", Severity: domain.SeverityHard,
		Code:    "notebook.loan_amount_out_of_range",
		Message: "loan amount %s outside [50000, 5000000]",
		Field:   domain.FieldLoanAmount,
		Predicate: func(r domain.LoanRecord) bool {
			return r.LoanAmount != nil &&
				r.LoanAmount.GreaterThanOrEqual(MinLoanAmount) &&
				r.LoanAmount.LessThanOrEqual(MaxLoanAmount)
		},
	},
	{
		Name: "ltv_max", Category: "collateral", Severity: domain.SeverityHard,
		Code:    "notebook.ltv_exceeds_max",
		Message: "LTV %s exceeds 97.0",
		Field:   domain.FieldLTVRatio,
		Predicate: func(r domain.LoanRecord) bool {
			return r.LTVRatio != nil && r.LTVRatio.LessThanOrEqual(MaxLTV)
		},
	},
	{
		Name: "dti_max", Category: "capacity", Severity: domain.SeverityHard,
		Code:    "notebook.dti_exceeds_max",
		Message: "DTI %s exceeds 50.0",
		Field:   domain.FieldDTIRatio,
		Predicate: func(r domain.LoanRecord) bool {
			return r.DTIRatio != nil && r.DTIRatio.LessThanOrEqual(MaxDTI)
		},
	},
	{
		Name: "credit_score_min", Category: "credit", Severity: domain.SeverityHard,
		Code:    "notebook.credit_score_below_min",
		Message: "credit score %s below 620",
		Field:   domain.FieldCreditScore,
		Predicate: func(r domain.LoanRecord) bool {
			return r.CreditScore != nil && *r.CreditScore >= MinCreditScore
		},
	},
	{
		Name: "property_type_allowed", Category: "property", Severity: domain.SeverityHard,
		Code:    "notebook.invalid_property_type",
		Message: "property type %s not eligible",
		Field:   domain.FieldPropertyType,
		Predicate: func(r domain.LoanRecord) bool {
			return allowedPropertyTypes.has(r.PropertyType)
		},
	},
	{
		Name: "occupancy_allowed", Category: "occupancy", Severity: domain.SeverityHard,
		Code:    "notebook.invalid_occupancy",
		Message: "occupancy %s not eligible",
		Field:   domain.FieldOccupancyStatus,
		Predicate: func(r domain.LoanRecord) bool {
			return allowedOccupancy.has(r.OccupancyStatus)
		},
	},
	{
		Name: "loan_purpose_allowed", Category: "purpose", Severity: domain.SeverityHard,
		Code:    "notebook.invalid_loan_purpose",
		Message: "loan purpose %s not eligible",
		Field:   domain.FieldLoanPurpose,
		Predicate: func(r domain.LoanRecord) bool {
			return allowedPurposes.has(r.LoanPurpose)
		},
	},
	{
		Name: "purchase_price_present", Category: "valuation", Severity: domain.SeveritySoft,
		Code:    "notebook.missing_purchase_price",
		Message: "purchase price %s must be present and positive",
		Field:   domain.FieldPurchasePrice,
		Predicate: func(r domain.LoanRecord) bool {
			return r.PurchasePrice != nil && r.PurchasePrice.IsPositive()
		},
	},
	{
		Name: "appraisal_value_present", Category: "valuation", Severity: domain.SeveritySoft,
		Code:    "notebook.missing_appraisal_value",
		Message: "appraisal value %s must be present and positive",
		Field:   domain.FieldAppraisalValue,
		Predicate: func(r domain.LoanRecord) bool {
			return r.AppraisalValue != nil && r.AppraisalValue.IsPositive()
		},
	},
	{
		Name: "note_rate_range", Category: "pricing", Severity: domain.SeveritySoft,
		Code:    "notebook.note_rate_out_of_range",
		Message: "note rate %s outside [1.0, 15.0]",
		Field:   domain.FieldNoteRate,
		Predicate: func(r domain.LoanRecord) bool {
			return r.NoteRate != nil &&
				r.NoteRate.GreaterThanOrEqual(MinNoteRate) &&
				r.NoteRate.LessThanOrEqual(MaxNoteRate)
		},
	},
}

// Default returns a copy of the default rule table.
func Default() Set {
	return append(Set(nil), defaultSet...)
}

type stringSet map[string]struct{}

func setOf(values ...string) stringSet {
	s := make(stringSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

func (s stringSet) has(v string) bool {
	_, ok := s[strings.ToLower(strings.TrimSpace(v))]
	return ok
}
