package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"loanmvp.io/pipeline/internal/domain"
	"loanmvp.io/pipeline/internal/pkg/worker"
	"loanmvp.io/pipeline/internal/rules"
)

// Validation exception identity.
const (
	MissingRequiredFields = "missing_required_fields"
	ValidationCategory    = "validation"
)

// RequiredFields must be present for a record to reach eligibility.
var RequiredFields = []string{
	domain.FieldSellerLoanNumber,
	domain.FieldLoanAmount,
	domain.FieldNoteRate,
	domain.FieldLTVRatio,
	domain.FieldCreditScore,
	domain.FieldPropertyType,
}

var (
	priceBase       = decimal.NewFromInt(100)
	priceMultiplier = decimal.RequireFromString("2.5")
)

// priceScale is the number of decimal places kept by pricing.
const priceScale = 4

// Validate flags records missing a required field. Each such record gets
// one hard exception listing every missing field.
func Validate(runID string, records []domain.LoanRecord, at time.Time) ([]RecordProcessingState, []domain.RunException) {
	states := make([]RecordProcessingState, len(records))
	var exceptions []domain.RunException
	for i, r := range records {
		missing := r.MissingFields(RequiredFields...)
		if len(missing) == 0 {
			continue
		}
		states[i].ValidationFailed = true
		exceptions = append(exceptions, domain.NewRunException(runID, domain.PhaseValidate, i, r.SellerLoanNumber,
			domain.Violation{
				RuleName:      MissingRequiredFields,
				Category:      ValidationCategory,
				Severity:      domain.SeverityHard,
				Message:       "missing required fields: " + strings.Join(missing, ", "),
				RejectionCode: MissingRequiredFields,
			}, at))
	}
	return states, exceptions
}

// EligibilityOptions controls rule evaluation.
type EligibilityOptions struct {
	Rules rules.Set
	// Pool evaluates records concurrently when the batch is larger than
	// ParallelThreshold. nil always evaluates sequentially.
	Pool              *worker.Pool
	ParallelThreshold int
}

type evaluation struct {
	passed     bool
	violations []domain.Violation
}

// Eligibility runs the rule set over every record that passed validation
// and sets states[i].Eligible. Exceptions come back in record order, then
// rule order, whichever way the records were evaluated.
func Eligibility(runID string, records []domain.LoanRecord, states []RecordProcessingState, opts EligibilityOptions, at time.Time) ([]domain.RunException, error) {
	if len(states) != len(records) {
		return nil, fmt.Errorf("eligibility: %d states for %d records", len(states), len(records))
	}
	set := opts.Rules
	if set == nil {
		set = rules.Default()
	}

	results := make([]evaluation, len(records))
	eval := func(i int) {
		if states[i].ValidationFailed {
			return
		}
		passed, violations := set.Evaluate(records[i])
		results[i] = evaluation{passed: passed, violations: violations}
	}

	if opts.Pool != nil && len(records) > opts.ParallelThreshold {
		if err := opts.Pool.ForEach(len(records), eval); err != nil {
			return nil, fmt.Errorf("eligibility: %w", err)
		}
	} else {
		for i := range records {
			eval(i)
		}
	}

	var exceptions []domain.RunException
	for i, res := range results {
		if states[i].ValidationFailed {
			states[i].Eligible = false
			continue
		}
		states[i].Eligible = res.passed
		for _, v := range res.violations {
			exceptions = append(exceptions,
				domain.NewRunException(runID, domain.PhaseEligibility, i, records[i].SellerLoanNumber, v, at))
		}
	}
	return exceptions, nil
}

// Price computes the pricing spread and final price for a note rate.
// Both are rounded to four places; the price is derived from the unrounded
// spread.
func Price(noteRate, irrTarget decimal.Decimal) (spread, finalPrice decimal.Decimal) {
	diff := noteRate.Sub(irrTarget)
	return diff.Round(priceScale), priceBase.Add(diff.Mul(priceMultiplier)).Round(priceScale)
}

// Pricing prices every eligible record in place and returns how many were
// priced. Ineligible records are left untouched.
func Pricing(records []domain.LoanRecord, states []RecordProcessingState, irrTarget decimal.Decimal) int {
	priced := 0
	for i := range records {
		if !states[i].Eligible || records[i].NoteRate == nil {
			continue
		}
		spread, price := Price(*records[i].NoteRate, irrTarget)
		records[i].PricingSpread = &spread
		records[i].FinalPrice = &price
		priced++
	}
	return priced
}

// Dispose maps one record's state to its disposition.
func Dispose(r domain.LoanRecord, s RecordProcessingState) domain.Disposition {
	switch {
	case s.ValidationFailed || !s.Eligible:
		return domain.DispositionRejected
	case r.IsPriced():
		return domain.DispositionToPurchase
	default:
		return domain.DispositionProjected
	}
}

// Disposition assigns exactly one disposition per record and returns one
// fact per record in record order.
func Disposition(runID string, records []domain.LoanRecord, states []RecordProcessingState, at time.Time) ([]domain.LoanFact, DispositionCounts) {
	facts := make([]domain.LoanFact, 0, len(records))
	var counts DispositionCounts
	for i, r := range records {
		d := Dispose(r, states[i])
		switch d {
		case domain.DispositionToPurchase:
			counts.ToPurchase++
		case domain.DispositionProjected:
			counts.Projected++
		case domain.DispositionRejected:
			counts.Rejected++
		}
		facts = append(facts, domain.LoanFact{
			RunID:            runID,
			RecordIndex:      i,
			SellerLoanNumber: r.SellerLoanNumber,
			Disposition:      d,
			Record:           r.Clone(),
			CreatedAt:        at,
		})
	}
	return facts, counts
}
