package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"loanmvp.io/pipeline/internal/domain"
	apperrors "loanmvp.io/pipeline/internal/pkg/errors"
)

const uniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// PostgresStore is the RunStore backed by PostgreSQL through pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ RunStore = (*PostgresStore)(nil)

// NewPostgresStore wraps a pool whose schema has been migrated with MigrateUp.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// WithTransaction runs fn inside a transaction. The transaction is rolled
// back when fn returns an error and committed otherwise.
func (s *PostgresStore) WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const runColumns = `run_id, status, pdate::text, irr_target::text, input_folder, input_files,
	total_records, total_balance::text, exception_count, purchase_count, projected_count,
	rejected_count, last_phase, output_location, error_message, created_at, started_at, completed_at`

func (s *PostgresStore) CreateRun(ctx context.Context, run *domain.PipelineRun) error {
	files, err := json.Marshal(nonNilStrings(run.InputFiles))
	if err != nil {
		return fmt.Errorf("encode input files: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (
			run_id, status, pdate, irr_target, input_folder, input_files,
			total_records, total_balance, exception_count, purchase_count, projected_count,
			rejected_count, last_phase, output_location, error_message, created_at, started_at, completed_at
		) VALUES ($1, $2, $3::date, $4::numeric, $5, $6::jsonb, $7, $8::numeric, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		run.RunID, string(run.Status), run.PDate, run.IRRTarget.String(), run.InputFolder, string(files),
		run.TotalRecords, run.TotalBalance.String(), run.ExceptionCount, run.PurchaseCount, run.ProjectedCount,
		run.RejectedCount, nullablePhase(run.LastPhase), run.OutputLocation, run.ErrorMessage,
		run.CreatedAt, run.StartedAt, run.CompletedAt,
	)
	if isUniqueViolation(err) {
		return apperrors.Conflict(apperrors.CodePersistenceFailed, "run already exists").
			WithParams(map[string]interface{}{"run_id": run.RunID})
	}
	if err != nil {
		return apperrors.ErrPersistencef("create run", err)
	}
	return nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *domain.PipelineRun) error {
	return updateRun(ctx, s.pool, run)
}

func updateRun(ctx context.Context, q querier, run *domain.PipelineRun) error {
	files, err := json.Marshal(nonNilStrings(run.InputFiles))
	if err != nil {
		return fmt.Errorf("encode input files: %w", err)
	}
	tag, err := q.Exec(ctx, `
		UPDATE pipeline_runs SET
			status = $2, input_files = $3::jsonb, total_records = $4, total_balance = $5::numeric,
			exception_count = $6, purchase_count = $7, projected_count = $8, rejected_count = $9,
			last_phase = $10, output_location = $11, error_message = $12, started_at = $13, completed_at = $14
		WHERE run_id = $1`,
		run.RunID, string(run.Status), string(files), run.TotalRecords, run.TotalBalance.String(),
		run.ExceptionCount, run.PurchaseCount, run.ProjectedCount, run.RejectedCount,
		nullablePhase(run.LastPhase), run.OutputLocation, run.ErrorMessage, run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return apperrors.ErrPersistencef("update run", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrRunNotFoundf(run.RunID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrRunNotFoundf(runID)
	}
	if err != nil {
		return nil, apperrors.ErrPersistencef("get run", err)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]*domain.PipelineRun, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs ORDER BY created_at DESC, run_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, apperrors.ErrPersistencef("list runs", err)
	}
	defer rows.Close()

	var out []*domain.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, apperrors.ErrPersistencef("scan run", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.ErrPersistencef("list runs", err)
	}
	return out, nil
}

func (s *PostgresStore) AppendExceptions(ctx context.Context, runID string, exceptions []domain.RunException) error {
	return s.WithTransaction(ctx, func(tx pgx.Tx) error {
		return appendExceptions(ctx, tx, runID, exceptions)
	})
}

func appendExceptions(ctx context.Context, q querier, runID string, exceptions []domain.RunException) error {
	if len(exceptions) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(exceptions))
	for _, e := range exceptions {
		if e.RunID != runID {
			return fmt.Errorf("exception for run %q appended to run %q", e.RunID, runID)
		}
		rows = append(rows, []any{
			e.RunID, e.RecordIndex, e.SellerLoanNumber, string(e.Phase), e.ExceptionType,
			e.ExceptionCategory, string(e.Severity), e.Message, e.RejectionCriteria, e.CreatedAt,
		})
	}
	_, err := q.CopyFrom(ctx, pgx.Identifier{"run_exceptions"}, []string{
		"run_id", "record_index", "seller_loan_number", "phase", "exception_type",
		"exception_category", "severity", "message", "rejection_criteria", "created_at",
	}, pgx.CopyFromRows(rows))
	if err != nil {
		return apperrors.ErrPersistencef("append exceptions", err)
	}
	return nil
}

func (s *PostgresStore) AppendFacts(ctx context.Context, runID string, facts []domain.LoanFact) error {
	return s.WithTransaction(ctx, func(tx pgx.Tx) error {
		return appendFacts(ctx, tx, runID, facts)
	})
}

func appendFacts(ctx context.Context, q querier, runID string, facts []domain.LoanFact) error {
	if len(facts) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(facts))
	for _, f := range facts {
		if f.RunID != runID {
			return fmt.Errorf("fact for run %q appended to run %q", f.RunID, runID)
		}
		snapshot, err := json.Marshal(f.Record)
		if err != nil {
			return fmt.Errorf("encode record %d snapshot: %w", f.RecordIndex, err)
		}
		rows = append(rows, []any{
			f.RunID, f.RecordIndex, f.SellerLoanNumber, string(f.Disposition), string(snapshot), f.CreatedAt,
		})
	}
	_, err := q.CopyFrom(ctx, pgx.Identifier{"loan_facts"}, []string{
		"run_id", "record_index", "seller_loan_number", "disposition", "record_snapshot", "created_at",
	}, pgx.CopyFromRows(rows))
	if isUniqueViolation(err) {
		return fmt.Errorf("facts for run %q: %w", runID, apperrors.ErrAlreadyExists)
	}
	if err != nil {
		return apperrors.ErrPersistencef("append facts", err)
	}
	return nil
}

func (s *PostgresStore) ListExceptions(ctx context.Context, runID string, filter domain.ExceptionFilter) ([]domain.RunException, error) {
	where := []string{"run_id = $1"}
	args := []any{runID}
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("seller_loan_number", filter.SellerLoanNumber)
	add("severity", string(filter.Severity))
	add("exception_type", filter.ExceptionType)
	add("phase", string(filter.Phase))

	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, record_index, seller_loan_number, phase, exception_type,
			exception_category, severity, message, rejection_criteria, created_at
		FROM run_exceptions WHERE `+strings.Join(where, " AND ")+` ORDER BY id`, args...)
	if err != nil {
		return nil, apperrors.ErrPersistencef("list exceptions", err)
	}
	defer rows.Close()

	var out []domain.RunException
	for rows.Next() {
		var (
			e               domain.RunException
			phase, severity string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.RecordIndex, &e.SellerLoanNumber, &phase, &e.ExceptionType,
			&e.ExceptionCategory, &severity, &e.Message, &e.RejectionCriteria, &e.CreatedAt); err != nil {
			return nil, apperrors.ErrPersistencef("scan exception", err)
		}
		e.Phase = domain.Phase(phase)
		e.Severity = domain.Severity(severity)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.ErrPersistencef("list exceptions", err)
	}
	return out, nil
}

func (s *PostgresStore) ListFacts(ctx context.Context, runID string, filter domain.FactFilter) ([]domain.LoanFact, error) {
	where := []string{"run_id = $1"}
	args := []any{runID}
	if filter.Disposition != "" {
		args = append(args, string(filter.Disposition))
		where = append(where, fmt.Sprintf("disposition = $%d", len(args)))
	}
	if filter.SellerLoanNumber != "" {
		args = append(args, filter.SellerLoanNumber)
		where = append(where, fmt.Sprintf("seller_loan_number = $%d", len(args)))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, record_index, seller_loan_number, disposition, record_snapshot::text, created_at
		FROM loan_facts WHERE `+strings.Join(where, " AND ")+` ORDER BY id`, args...)
	if err != nil {
		return nil, apperrors.ErrPersistencef("list facts", err)
	}
	defer rows.Close()

	var out []domain.LoanFact
	for rows.Next() {
		var (
			f                     domain.LoanFact
			disposition, snapshot string
		)
		if err := rows.Scan(&f.ID, &f.RunID, &f.RecordIndex, &f.SellerLoanNumber, &disposition, &snapshot, &f.CreatedAt); err != nil {
			return nil, apperrors.ErrPersistencef("scan fact", err)
		}
		if err := json.Unmarshal([]byte(snapshot), &f.Record); err != nil {
			return nil, apperrors.ErrPersistencef("decode record snapshot", err)
		}
		f.Disposition = domain.Disposition(disposition)
		f.CreatedAt = f.CreatedAt.UTC()
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.ErrPersistencef("list facts", err)
	}
	return out, nil
}

func (s *PostgresStore) CountExceptions(ctx context.Context, runID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM run_exceptions WHERE run_id = $1`, runID).Scan(&n); err != nil {
		return 0, apperrors.ErrPersistencef("count exceptions", err)
	}
	return n, nil
}

func (s *PostgresStore) CommitPhase(ctx context.Context, commit PhaseCommit) error {
	if commit.Run == nil {
		return fmt.Errorf("commit phase: run is required")
	}
	runID := commit.Run.RunID
	return s.WithTransaction(ctx, func(tx pgx.Tx) error {
		if err := appendExceptions(ctx, tx, runID, commit.Exceptions); err != nil {
			return err
		}
		if err := appendFacts(ctx, tx, runID, commit.Facts); err != nil {
			return err
		}
		return updateRun(ctx, tx, commit.Run)
	})
}

func scanRun(row pgx.Row) (*domain.PipelineRun, error) {
	var (
		run                    domain.PipelineRun
		status, irr, balance   string
		files                  []byte
		lastPhase              *string
		startedAt, completedAt *time.Time
	)
	if err := row.Scan(&run.RunID, &status, &run.PDate, &irr, &run.InputFolder, &files,
		&run.TotalRecords, &balance, &run.ExceptionCount, &run.PurchaseCount, &run.ProjectedCount,
		&run.RejectedCount, &lastPhase, &run.OutputLocation, &run.ErrorMessage, &run.CreatedAt,
		&startedAt, &completedAt); err != nil {
		return nil, err
	}
	var err error
	if run.IRRTarget, err = decimal.NewFromString(irr); err != nil {
		return nil, fmt.Errorf("decode irr_target: %w", err)
	}
	if run.TotalBalance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("decode total_balance: %w", err)
	}
	if err := json.Unmarshal(files, &run.InputFiles); err != nil {
		return nil, fmt.Errorf("decode input_files: %w", err)
	}
	run.Status = domain.RunStatus(status)
	if lastPhase != nil {
		run.LastPhase = domain.Phase(*lastPhase)
	}
	run.CreatedAt = run.CreatedAt.UTC()
	if startedAt != nil {
		t := startedAt.UTC()
		run.StartedAt = &t
	}
	if completedAt != nil {
		t := completedAt.UTC()
		run.CompletedAt = &t
	}
	return &run, nil
}

func nullablePhase(p domain.Phase) *string {
	if p == "" {
		return nil
	}
	s := string(p)
	return &s
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
