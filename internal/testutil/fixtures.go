package testutil

import (
	"strings"

	"loanmvp.io/pipeline/internal/domain"
)

// EligibleLoan returns a record that passes every eligibility rule.
func EligibleLoan(loanNumber string) domain.LoanRecord {
	return domain.LoanRecord{
		SellerLoanNumber: loanNumber,
		LoanAmount:       domain.Dec("200000"),
		NoteRate:         domain.Dec("6.5"),
		LTVRatio:         domain.Dec("80"),
		DTIRatio:         domain.Dec("35"),
		CreditScore:      domain.Int(720),
		PropertyType:     "SFR",
		OccupancyStatus:  "Primary",
		LoanPurpose:      "Purchase",
		PurchasePrice:    domain.Dec("250000"),
		AppraisalValue:   domain.Dec("255000"),
	}
}

// TapeHeader is the column order used by TapeCSV.
var TapeHeader = []string{
	"seller_loan_number", "loan_amount", "note_rate", "ltv_ratio", "dti_ratio", "credit_score",
	"property_type", "occupancy_status", "loan_purpose", "purchase_price", "appraisal_value",
}

// TapeCSV renders records as a loan tape in TapeHeader column order.
func TapeCSV(records ...domain.LoanRecord) []byte {
	var b strings.Builder
	b.WriteString(strings.Join(TapeHeader, ","))
	b.WriteByte('\n')
	for _, r := range records {
		cells := make([]string, len(TapeHeader))
		for i, f := range TapeHeader {
			cells[i] = r.Value(f)
		}
		b.WriteString(strings.Join(cells, ","))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
