// Package report renders the run artifacts: purchase and projected tapes,
// the rejection report and the exception summary.
//
// Rendering is deterministic: rows follow fact and exception insertion
// order, so identical input and rules produce byte-identical files.
//
// Import Path: loanmvp.io/pipeline/internal/report
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"

	"loanmvp.io/pipeline/internal/domain"
	"loanmvp.io/pipeline/internal/storage"
)

// Artifact names.
const (
	PurchaseTape     = "purchase_tape.csv"
	ProjectedTape    = "projected_tape.csv"
	RejectionReport  = "rejection_report.csv"
	ExceptionSummary = "exception_summary.csv"
)

// Artifacts lists artifact names in write order.
func Artifacts() []string {
	return []string{PurchaseTape, ProjectedTape, RejectionReport, ExceptionSummary}
}

const columnDisposition = "disposition"

// loanFields are the record fields shared by every tape, in column order.
var loanFields = []string{
	domain.FieldSellerLoanNumber,
	domain.FieldLoanAmount,
	domain.FieldNoteRate,
	domain.FieldLTVRatio,
	domain.FieldDTIRatio,
	domain.FieldCreditScore,
	domain.FieldPropertyType,
	domain.FieldOccupancyStatus,
	domain.FieldLoanPurpose,
	domain.FieldPurchasePrice,
	domain.FieldAppraisalValue,
}

// TapeColumns is the header of the purchase and projected tapes.
var TapeColumns = append(append([]string{}, loanFields...),
	columnDisposition, domain.FieldPricingSpread, domain.FieldFinalPrice)

// RejectionColumns is the header of the rejection report.
var RejectionColumns = append(append([]string{}, TapeColumns...),
	"exception_type", "severity", "message", "rejection_criteria")

// SummaryColumns is the header of the exception summary.
var SummaryColumns = []string{
	"exception_type", "exception_category", "severity", "count", "rejection_criteria", "sample_message",
}

// Render produces every artifact keyed by name.
func Render(facts []domain.LoanFact, exceptions []domain.RunException) (map[string][]byte, error) {
	out := make(map[string][]byte, 4)
	var err error
	if out[PurchaseTape], err = RenderTape(facts, domain.DispositionToPurchase); err != nil {
		return nil, fmt.Errorf("render %s: %w", PurchaseTape, err)
	}
	if out[ProjectedTape], err = RenderTape(facts, domain.DispositionProjected); err != nil {
		return nil, fmt.Errorf("render %s: %w", ProjectedTape, err)
	}
	if out[RejectionReport], err = RenderRejectionReport(facts, exceptions); err != nil {
		return nil, fmt.Errorf("render %s: %w", RejectionReport, err)
	}
	if out[ExceptionSummary], err = RenderExceptionSummary(exceptions); err != nil {
		return nil, fmt.Errorf("render %s: %w", ExceptionSummary, err)
	}
	return out, nil
}

// RenderTape writes the facts with disposition d.
func RenderTape(facts []domain.LoanFact, d domain.Disposition) ([]byte, error) {
	rows := [][]string{TapeColumns}
	for _, f := range facts {
		if f.Disposition == d {
			rows = append(rows, tapeRow(f))
		}
	}
	return encode(rows)
}

// RenderRejectionReport writes one row per rejected record and exception
// raised against it. A rejected record with no exception still gets one row
// with the exception columns empty.
func RenderRejectionReport(facts []domain.LoanFact, exceptions []domain.RunException) ([]byte, error) {
	byRecord := make(map[int][]domain.RunException)
	for _, e := range exceptions {
		byRecord[e.RecordIndex] = append(byRecord[e.RecordIndex], e)
	}

	rows := [][]string{RejectionColumns}
	for _, f := range facts {
		if f.Disposition != domain.DispositionRejected {
			continue
		}
		base := tapeRow(f)
		matched := byRecord[f.RecordIndex]
		if len(matched) == 0 {
			rows = append(rows, append(base, "", "", "", ""))
			continue
		}
		for _, e := range matched {
			row := append(append([]string{}, base...),
				e.ExceptionType, string(e.Severity), e.Message, e.RejectionCriteria)
			rows = append(rows, row)
		}
	}
	return encode(rows)
}

// SummaryRow is one (exception_type, severity) group.
type SummaryRow struct {
	ExceptionType     string          `json:"exception_type"`
	ExceptionCategory string          `json:"exception_category"`
	Severity          domain.Severity `json:"severity"`
	Count             int             `json:"count"`
	RejectionCriteria string          `json:"rejection_criteria"`
	SampleMessage     string          `json:"sample_message"`
}

// Summarize groups exceptions by type and severity, ordered by count
// descending. Ties keep first-appearance order. Category, criteria and
// sample message come from the first exception of each group.
func Summarize(exceptions []domain.RunException) []SummaryRow {
	type key struct {
		typ string
		sev domain.Severity
	}
	index := make(map[key]int)
	var rows []SummaryRow
	for _, e := range exceptions {
		k := key{e.ExceptionType, e.Severity}
		if i, ok := index[k]; ok {
			rows[i].Count++
			continue
		}
		index[k] = len(rows)
		rows = append(rows, SummaryRow{
			ExceptionType:     e.ExceptionType,
			ExceptionCategory: e.ExceptionCategory,
			Severity:          e.Severity,
			Count:             1,
			RejectionCriteria: e.RejectionCriteria,
			SampleMessage:     e.Message,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Count > rows[j].Count })
	return rows
}

// RenderExceptionSummary writes Summarize(exceptions).
func RenderExceptionSummary(exceptions []domain.RunException) ([]byte, error) {
	rows := [][]string{SummaryColumns}
	for _, s := range Summarize(exceptions) {
		rows = append(rows, []string{
			s.ExceptionType,
			s.ExceptionCategory,
			string(s.Severity),
			strconv.Itoa(s.Count),
			s.RejectionCriteria,
			s.SampleMessage,
		})
	}
	return encode(rows)
}

// GenerateOutputs renders every artifact and writes it to
// outputs/<runID>/<name>. Results are keyed by artifact name.
func GenerateOutputs(ctx context.Context, blobs storage.Store, runID string, facts []domain.LoanFact, exceptions []domain.RunException) (map[string]storage.WriteResult, error) {
	rendered, err := Render(facts, exceptions)
	if err != nil {
		return nil, err
	}
	results := make(map[string]storage.WriteResult, len(rendered))
	for _, name := range Artifacts() {
		res, err := blobs.Write(ctx, OutputPath(runID, name), storage.AreaOutputs, rendered[name])
		if err != nil {
			return results, fmt.Errorf("write %s: %w", name, err)
		}
		results[name] = res
	}
	return results, nil
}

// OutputDir is the run's directory inside the outputs area.
func OutputDir(runID string) string {
	return runID
}

// OutputPath is the area-relative path of one artifact.
func OutputPath(runID, name string) string {
	return storage.Join(OutputDir(runID), name)
}

func tapeRow(f domain.LoanFact) []string {
	row := make([]string, 0, len(RejectionColumns))
	for _, field := range loanFields {
		row = append(row, f.Record.Value(field))
	}
	return append(row,
		string(f.Disposition),
		f.Record.Value(domain.FieldPricingSpread),
		f.Record.Value(domain.FieldFinalPrice),
	)
}

func encode(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
