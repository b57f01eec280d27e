package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/corepbx/internal/database/models"
)

// cdrRepo implements CDRRepository. It is the storage layer for the default,
// in-process CDRSink collaborator shipped with the binary; the core never
// queries this table directly, only through the CDRSink interface.
type cdrRepo struct {
	db *DB
}

// NewCDRRepository creates a new CDRRepository.
func NewCDRRepository(db *DB) CDRRepository {
	return &cdrRepo{db: db}
}

// Create inserts a new call detail record.
func (r *cdrRepo) Create(ctx context.Context, cdr *models.CDR) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO call_detail_records
		 (call_id, caller_ext, callee_ext, start_time, answer_time, end_time, disposition, hangup_cause)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		cdr.CallID, cdr.CallerExt, cdr.CalleeExt, cdr.StartTime, cdr.AnswerTime,
		cdr.EndTime, cdr.Disposition, cdr.HangupCause,
	).Scan(&cdr.ID)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}
	return nil
}

// GetByID returns a CDR by ID.
func (r *cdrRepo) GetByID(ctx context.Context, id int64) (*models.CDR, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, call_id, caller_ext, callee_ext, start_time, answer_time, end_time,
		 disposition, hangup_cause FROM call_detail_records WHERE id = $1`, id,
	))
}

// GetByCallID returns a CDR by SIP Call-ID.
func (r *cdrRepo) GetByCallID(ctx context.Context, callID string) (*models.CDR, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, call_id, caller_ext, callee_ext, start_time, answer_time, end_time,
		 disposition, hangup_cause FROM call_detail_records WHERE call_id = $1`, callID,
	))
}

// Update modifies an existing CDR, typically to record the answer/end time
// and final disposition once the call terminates.
func (r *cdrRepo) Update(ctx context.Context, cdr *models.CDR) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_detail_records SET caller_ext = $1, callee_ext = $2, start_time = $3,
		 answer_time = $4, end_time = $5, disposition = $6, hangup_cause = $7
		 WHERE id = $8`,
		cdr.CallerExt, cdr.CalleeExt, cdr.StartTime, cdr.AnswerTime, cdr.EndTime,
		cdr.Disposition, cdr.HangupCause, cdr.ID,
	)
	if err != nil {
		return fmt.Errorf("updating cdr: %w", err)
	}
	return nil
}

// List returns CDRs matching the filter, along with the total count.
func (r *cdrRepo) List(ctx context.Context, filter CDRListFilter) ([]models.CDR, int, error) {
	where := "1=1"
	args := []any{}
	n := 0
	next := func() int { n++; return n }

	if filter.Search != "" {
		where += fmt.Sprintf(" AND (caller_ext ILIKE $%d OR callee_ext ILIKE $%d OR call_id ILIKE $%d)",
			next(), n, n)
		args = append(args, "%"+filter.Search+"%")
	}
	if filter.StartDate != "" {
		where += fmt.Sprintf(" AND start_time >= $%d", next())
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += fmt.Sprintf(" AND start_time <= $%d", next())
		args = append(args, filter.EndDate)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM call_detail_records WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting cdrs: %w", err)
	}

	query := fmt.Sprintf(`SELECT id, call_id, caller_ext, callee_ext, start_time, answer_time,
		 end_time, disposition, hangup_cause FROM call_detail_records WHERE %s
		 ORDER BY start_time DESC LIMIT $%d OFFSET $%d`, where, next(), next())
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing cdrs: %w", err)
	}
	defer rows.Close()

	cdrs, err := scanCDRs(rows)
	if err != nil {
		return nil, 0, err
	}
	return cdrs, total, nil
}

// ListRecent returns the most recent CDRs up to the given limit.
func (r *cdrRepo) ListRecent(ctx context.Context, limit int) ([]models.CDR, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_id, caller_ext, callee_ext, start_time, answer_time, end_time,
		 disposition, hangup_cause FROM call_detail_records ORDER BY start_time DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recent cdrs: %w", err)
	}
	defer rows.Close()
	return scanCDRs(rows)
}

func scanCDRs(rows *sql.Rows) ([]models.CDR, error) {
	var cdrs []models.CDR
	for rows.Next() {
		var c models.CDR
		if err := rows.Scan(&c.ID, &c.CallID, &c.CallerExt, &c.CalleeExt, &c.StartTime,
			&c.AnswerTime, &c.EndTime, &c.Disposition, &c.HangupCause); err != nil {
			return nil, fmt.Errorf("scanning cdr row: %w", err)
		}
		cdrs = append(cdrs, c)
	}
	return cdrs, rows.Err()
}

func (r *cdrRepo) scanOne(row *sql.Row) (*models.CDR, error) {
	var c models.CDR
	err := row.Scan(&c.ID, &c.CallID, &c.CallerExt, &c.CalleeExt, &c.StartTime,
		&c.AnswerTime, &c.EndTime, &c.Disposition, &c.HangupCause)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cdr: %w", err)
	}
	return &c, nil
}
