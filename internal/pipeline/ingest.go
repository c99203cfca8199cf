package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"loanmvp.io/pipeline/internal/domain"
	apperrors "loanmvp.io/pipeline/internal/pkg/errors"
	"loanmvp.io/pipeline/internal/storage"
)

const (
	extCSV  = ".csv"
	extXLSX = ".xlsx"
)

// headerAliases maps normalised seller header spellings onto record fields.
var headerAliases = map[string]string{
	"loan_number": domain.FieldSellerLoanNumber,
	"loan_id":     domain.FieldSellerLoanNumber,
	"ltv":         domain.FieldLTVRatio,
	"dti":         domain.FieldDTIRatio,
	"fico":        domain.FieldCreditScore,
	"occupancy":   domain.FieldOccupancyStatus,
	"purpose":     domain.FieldLoanPurpose,
	"rate":        domain.FieldNoteRate,
}

var errNoHeader = errors.New("tape has no header row")

// IngestResult is the concatenated tape.
type IngestResult struct {
	Records      []domain.LoanRecord
	Files        []string
	TotalBalance decimal.Decimal
}

// Ingest reads every .csv and .xlsx tape under folder in the inputs area,
// in lexical path order, and parses them into records. Unparsable numeric
// cells are logged and left absent so later phases record them.
func Ingest(ctx context.Context, blobs storage.Store, folder string, log *zap.Logger) (*IngestResult, error) {
	listed, err := blobs.ListFiles(ctx, folder, storage.AreaInputs)
	if err != nil {
		return nil, apperrors.ErrInputInvalidf(folder, err)
	}

	res := &IngestResult{TotalBalance: decimal.Zero}
	for _, f := range listed {
		if ext := storage.Ext(f.Path); ext == extCSV || ext == extXLSX {
			res.Files = append(res.Files, f.Path)
		}
	}
	if len(res.Files) == 0 {
		return nil, apperrors.New(apperrors.CodeTapeNotFound,
			fmt.Sprintf("no .csv or .xlsx tape found under inputs/%s", folder),
			http.StatusUnprocessableEntity,
		).WithParams(map[string]interface{}{"folder": folder})
	}

	seen := make(map[string]string)
	for _, p := range res.Files {
		data, err := blobs.Read(ctx, p, storage.AreaInputs)
		if err != nil {
			return nil, apperrors.ErrInputInvalidf(p, err)
		}
		table, err := parseTable(p, data)
		if err != nil {
			return nil, apperrors.ErrInputInvalidf(p, err)
		}
		header, err := normaliseHeader(table[0])
		if err != nil {
			return nil, apperrors.ErrInputInvalidf(p, err)
		}

		for i, row := range table[1:] {
			loc := fmt.Sprintf("%s:%d", p, i+2)
			rec := toRecord(header, row, loc, log)
			if n := rec.SellerLoanNumber; n != "" {
				if first, dup := seen[n]; dup {
					return nil, apperrors.ErrInputInvalidf(p,
						fmt.Errorf("duplicate seller_loan_number %q at %s (first at %s)", n, loc, first))
				}
				seen[n] = loc
			}
			if rec.LoanAmount != nil {
				res.TotalBalance = res.TotalBalance.Add(*rec.LoanAmount)
			}
			res.Records = append(res.Records, rec)
		}
		log.Debug("Tape parsed", zap.String("path", p), zap.Int("rows", len(table)-1))
	}
	return res, nil
}

// parseTable returns the header row followed by data rows. Every data row
// has exactly as many cells as the header.
func parseTable(p string, data []byte) ([][]string, error) {
	switch storage.Ext(p) {
	case extCSV:
		return parseCSV(data)
	case extXLSX:
		return parseXLSX(data)
	default:
		return nil, fmt.Errorf("unsupported tape format %q", storage.Ext(p))
	}
}

func parseCSV(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true
	raw, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	var rows [][]string
	for _, row := range raw {
		if !blankRow(row) {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return nil, errNoHeader
	}
	return rows, nil
}

func parseXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errNoHeader
	}
	raw, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}

	var rows [][]string
	for _, row := range raw {
		if !blankRow(row) {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return nil, errNoHeader
	}

	// Excel drops trailing empty cells, so short rows are padded. Cells
	// beyond the header are a structural error.
	width := len(rows[0])
	for i, row := range rows[1:] {
		if len(row) > width && !blankRow(row[width:]) {
			return nil, fmt.Errorf("row %d has %d cells, header has %d", i+2, len(row), width)
		}
		padded := make([]string, width)
		copy(padded, row)
		rows[i+1] = padded
	}
	return rows, nil
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// normaliseHeader canonicalises column names. Blank columns map to "" and
// are ignored.
func normaliseHeader(row []string) ([]string, error) {
	out := make([]string, len(row))
	seen := make(map[string]bool, len(row))
	for i, h := range row {
		name := NormaliseColumn(h)
		if name == "" {
			continue
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		seen[name] = true
		out[i] = name
	}
	if len(seen) == 0 {
		return nil, errNoHeader
	}
	return out, nil
}

// NormaliseColumn lower-cases a header, turns spaces and hyphens into
// underscores and resolves known aliases.
func NormaliseColumn(h string) string {
	name := strings.ToLower(strings.TrimSpace(h))
	name = strings.NewReplacer(" ", "_", "-", "_").Replace(name)
	if alias, ok := headerAliases[name]; ok {
		return alias
	}
	return name
}

func toRecord(header, row []string, loc string, log *zap.Logger) domain.LoanRecord {
	var rec domain.LoanRecord
	for i, name := range header {
		if name == "" {
			continue
		}
		value := strings.TrimSpace(row[i])
		if value == "" {
			continue
		}

		switch name {
		case domain.FieldSellerLoanNumber:
			rec.SellerLoanNumber = value
		case domain.FieldPropertyType:
			rec.PropertyType = value
		case domain.FieldOccupancyStatus:
			rec.OccupancyStatus = value
		case domain.FieldLoanPurpose:
			rec.LoanPurpose = value
		case domain.FieldCreditScore:
			d, ok := parseNumber(value)
			if !ok || !d.IsInteger() || d.IsNegative() || d.GreaterThan(maxCreditScore) {
				warnUnparsable(log, loc, name, value)
				continue
			}
			score := int(d.IntPart())
			rec.CreditScore = &score
		case domain.FieldLoanAmount, domain.FieldNoteRate, domain.FieldLTVRatio, domain.FieldDTIRatio,
			domain.FieldPurchasePrice, domain.FieldAppraisalValue:
			d, ok := parseNumber(value)
			if !ok {
				warnUnparsable(log, loc, name, value)
				continue
			}
			setDecimal(&rec, name, d)
		default:
			if rec.Extra == nil {
				rec.Extra = make(map[string]string)
			}
			rec.Extra[name] = value
		}
	}
	return rec
}

func setDecimal(rec *domain.LoanRecord, field string, d decimal.Decimal) {
	switch field {
	case domain.FieldLoanAmount:
		rec.LoanAmount = &d
	case domain.FieldNoteRate:
		rec.NoteRate = &d
	case domain.FieldLTVRatio:
		rec.LTVRatio = &d
	case domain.FieldDTIRatio:
		rec.DTIRatio = &d
	case domain.FieldPurchasePrice:
		rec.PurchasePrice = &d
	case domain.FieldAppraisalValue:
		rec.AppraisalValue = &d
	}
}

// maxCreditScore bounds the integer conversion of a credit score cell.
var maxCreditScore = decimal.NewFromInt(math.MaxInt32)

var numberCleaner = strings.NewReplacer("$", "", ",", "", "%", "", " ", "")

// parseNumber accepts tape spellings such as "$250,000.00" and "6.5%".
func parseNumber(v string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(numberCleaner.Replace(v))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func warnUnparsable(log *zap.Logger, loc, field, value string) {
	log.Warn("Unparsable numeric cell treated as absent",
		zap.String("location", loc),
		zap.String("field", field),
		zap.String("value", value),
	)
}
