package domain

import "time"

// Disposition is the final bucket a record lands in.
type Disposition string

const (
	DispositionToPurchase Disposition = "to_purchase"
	DispositionProjected  Disposition = "projected"
	DispositionRejected   Disposition = "rejected"
)

// LoanFact is the persisted terminal state of one record for a run. It is
// written exactly once, by the disposition phase. Record holds the snapshot
// without any processing flags.
type LoanFact struct {
	ID               int64       `json:"id"`
	RunID            string      `json:"run_id"`
	RecordIndex      int         `json:"record_index"`
	SellerLoanNumber string      `json:"seller_loan_number"`
	Disposition      Disposition `json:"disposition"`
	Record           LoanRecord  `json:"record_snapshot"`
	CreatedAt        time.Time   `json:"created_at"`
}

// FactFilter narrows ListFacts. Zero values match everything.
type FactFilter struct {
	Disposition      Disposition
	SellerLoanNumber string
}

// Match reports whether f passes the filter.
func (ff FactFilter) Match(f LoanFact) bool {
	if ff.Disposition != "" && f.Disposition != ff.Disposition {
		return false
	}
	if ff.SellerLoanNumber != "" && f.SellerLoanNumber != ff.SellerLoanNumber {
		return false
	}
	return true
}
