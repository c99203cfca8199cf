// Package domain holds the loan tape pipeline's core types: records,
// violations, persisted exceptions and facts, and the run aggregate.
//
// Import Path: loanmvp.io/pipeline/internal/domain
package domain

import (
	"maps"
	"strconv"

	"github.com/shopspring/decimal"
)

// Canonical tape column names.
const (
	FieldSellerLoanNumber = "seller_loan_number"
	FieldLoanAmount       = "loan_amount"
	FieldNoteRate         = "note_rate"
	FieldLTVRatio         = "ltv_ratio"
	FieldDTIRatio         = "dti_ratio"
	FieldCreditScore      = "credit_score"
	FieldPropertyType     = "property_type"
	FieldOccupancyStatus  = "occupancy_status"
	FieldLoanPurpose      = "loan_purpose"
	FieldPurchasePrice    = "purchase_price"
	FieldAppraisalValue   = "appraisal_value"
	FieldPricingSpread    = "pricing_spread"
	FieldFinalPrice       = "final_price"
)

// LoanRecord is one tape row. Absent numeric fields are nil and absent
// categorical fields are empty. PricingSpread and FinalPrice are derived by
// the pricing phase; nothing changes a record after disposition.
type LoanRecord struct {
	SellerLoanNumber string           `json:"seller_loan_number"`
	LoanAmount       *decimal.Decimal `json:"loan_amount"`
	NoteRate         *decimal.Decimal `json:"note_rate"`
	LTVRatio         *decimal.Decimal `json:"ltv_ratio"`
	DTIRatio         *decimal.Decimal `json:"dti_ratio"`
	CreditScore      *int             `json:"credit_score"`
	PropertyType     string           `json:"property_type"`
	OccupancyStatus  string           `json:"occupancy_status"`
	LoanPurpose      string           `json:"loan_purpose"`
	PurchasePrice    *decimal.Decimal `json:"purchase_price"`
	AppraisalValue   *decimal.Decimal `json:"appraisal_value"`

	PricingSpread *decimal.Decimal `json:"pricing_spread"`
	FinalPrice    *decimal.Decimal `json:"final_price"`

	// Extra keeps tape columns the pipeline does not interpret, verbatim.
	Extra map[string]string `json:"extra,omitempty"`
}

// Clone returns a deep copy of the record.
func (r LoanRecord) Clone() LoanRecord {
	out := r
	out.LoanAmount = cloneDec(r.LoanAmount)
	out.NoteRate = cloneDec(r.NoteRate)
	out.LTVRatio = cloneDec(r.LTVRatio)
	out.DTIRatio = cloneDec(r.DTIRatio)
	out.PurchasePrice = cloneDec(r.PurchasePrice)
	out.AppraisalValue = cloneDec(r.AppraisalValue)
	out.PricingSpread = cloneDec(r.PricingSpread)
	out.FinalPrice = cloneDec(r.FinalPrice)
	if r.CreditScore != nil {
		v := *r.CreditScore
		out.CreditScore = &v
	}
	if r.Extra != nil {
		out.Extra = maps.Clone(r.Extra)
	}
	return out
}

// IsPriced reports whether the pricing phase attached a final price.
func (r LoanRecord) IsPriced() bool {
	return r.FinalPrice != nil
}

// MissingFields returns the names of the given fields that are absent, in
// the order requested.
func (r LoanRecord) MissingFields(fields ...string) []string {
	var missing []string
	for _, f := range fields {
		if !r.Has(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// Has reports whether the named canonical field carries a value.
func (r LoanRecord) Has(field string) bool {
	switch field {
	case FieldSellerLoanNumber:
		return r.SellerLoanNumber != ""
	case FieldLoanAmount:
		return r.LoanAmount != nil
	case FieldNoteRate:
		return r.NoteRate != nil
	case FieldLTVRatio:
		return r.LTVRatio != nil
	case FieldDTIRatio:
		return r.DTIRatio != nil
	case FieldCreditScore:
		return r.CreditScore != nil
	case FieldPropertyType:
		return r.PropertyType != ""
	case FieldOccupancyStatus:
		return r.OccupancyStatus != ""
	case FieldLoanPurpose:
		return r.LoanPurpose != ""
	case FieldPurchasePrice:
		return r.PurchasePrice != nil
	case FieldAppraisalValue:
		return r.AppraisalValue != nil
	case FieldPricingSpread:
		return r.PricingSpread != nil
	case FieldFinalPrice:
		return r.FinalPrice != nil
	default:
		_, ok := r.Extra[field]
		return ok
	}
}

func cloneDec(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// Dec is a convenience for building optional decimal fields.
func Dec(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

// Int is a convenience for building optional integer fields.
func Int(v int) *int {
	return &v
}

// Value renders a canonical field as tape text; absent fields render "".
func (r LoanRecord) Value(field string) string {
	switch field {
	case FieldSellerLoanNumber:
		return r.SellerLoanNumber
	case FieldLoanAmount:
		return decString(r.LoanAmount)
	case FieldNoteRate:
		return decString(r.NoteRate)
	case FieldLTVRatio:
		return decString(r.LTVRatio)
	case FieldDTIRatio:
		return decString(r.DTIRatio)
	case FieldCreditScore:
		if r.CreditScore == nil {
			return ""
		}
		return strconv.Itoa(*r.CreditScore)
	case FieldPropertyType:
		return r.PropertyType
	case FieldOccupancyStatus:
		return r.OccupancyStatus
	case FieldLoanPurpose:
		return r.LoanPurpose
	case FieldPurchasePrice:
		return decString(r.PurchasePrice)
	case FieldAppraisalValue:
		return decString(r.AppraisalValue)
	case FieldPricingSpread:
		return decString(r.PricingSpread)
	case FieldFinalPrice:
		return decString(r.FinalPrice)
	default:
		return r.Extra[field]
	}
}

func decString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
