package domain

import "time"

// Severity classifies a violation: hard forces rejection, soft only annotates.
type Severity string

const (
	SeverityHard Severity = "hard"
	SeveritySoft Severity = "soft"
)

// Violation is one rule failure for one record. Values are immutable once
// produced by a rule.
type Violation struct {
	RuleName      string   `json:"rule_name"`
	Category      string   `json:"category"`
	Severity      Severity `json:"severity"`
	Message       string   `json:"message"`
	RejectionCode string   `json:"rejection_code"`
}

// IsHard reports whether the violation forces rejection.
func (v Violation) IsHard() bool {
	return v.Severity == SeverityHard
}

// RunException is the persisted, append-only form of a Violation.
type RunException struct {
	ID                int64     `json:"id"`
	RunID             string    `json:"run_id"`
	RecordIndex       int       `json:"record_index"`
	SellerLoanNumber  string    `json:"seller_loan_number"`
	Phase             Phase     `json:"phase"`
	ExceptionType     string    `json:"exception_type"`
	ExceptionCategory string    `json:"exception_category"`
	Severity          Severity  `json:"severity"`
	Message           string    `json:"message"`
	RejectionCriteria string    `json:"rejection_criteria"`
	CreatedAt         time.Time `json:"created_at"`
}

// NewRunException binds a violation to a run and record.
func NewRunException(runID string, phase Phase, recordIndex int, loanNumber string, v Violation, at time.Time) RunException {
	return RunException{
		RunID:             runID,
		RecordIndex:       recordIndex,
		SellerLoanNumber:  loanNumber,
		Phase:             phase,
		ExceptionType:     v.RuleName,
		ExceptionCategory: v.Category,
		Severity:          v.Severity,
		Message:           v.Message,
		RejectionCriteria: v.RejectionCode,
		CreatedAt:         at,
	}
}

// ExceptionFilter narrows ListExceptions. Zero values match everything.
type ExceptionFilter struct {
	SellerLoanNumber string
	Severity         Severity
	ExceptionType    string
	Phase            Phase
}

// Match reports whether e passes the filter.
func (f ExceptionFilter) Match(e RunException) bool {
	if f.SellerLoanNumber != "" && e.SellerLoanNumber != f.SellerLoanNumber {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.ExceptionType != "" && e.ExceptionType != f.ExceptionType {
		return false
	}
	if f.Phase != "" && e.Phase != f.Phase {
		return false
	}
	return true
}
