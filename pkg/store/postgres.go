package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/netauto/fleetctl/internal/errs"
	"github.com/netauto/fleetctl/pkg/outcome"
)

// Postgres is the durable Sink implementation (spec §4.5). Unlike the
// teacher's async-buffered audit writer, outcome pushes are synchronous:
// the engine's contract requires push failures to be observable so it can
// retry once and then fail the job (spec §4.4's sink tie-break), which an
// async fire-and-forget buffer cannot report back.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres wraps an already-connected pool. Schema is applied via
// platform migrations, not by this constructor.
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger}
}

// Push inserts a device outcome row, relying on a unique (job_id,
// device_id) constraint for idempotency: a duplicate push is reported as
// a conflict and silently treated as success.
func (p *Postgres) Push(ctx context.Context, jobID string, out outcome.DeviceOutcome) error {
	var errMsg, errKind *string
	if out.Error != nil {
		k := string(out.Error.Kind)
		errKind = &k
		errMsg = &out.Error.Message
	}
	logsJSON, err := json.Marshal(out.Logs)
	if err != nil {
		return fmt.Errorf("marshaling outcome logs: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO device_outcomes
			(job_id, device_id, status, started_at, finished_at, logs, diff, error_kind, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id, device_id) DO NOTHING`,
		jobID, out.DeviceID, string(out.Status), out.StartedAt, out.FinishedAt,
		logsJSON, out.Diff, errKind, errMsg,
	)
	if err != nil {
		return fmt.Errorf("pushing device outcome: %w", err)
	}
	return nil
}

// Finalize upserts the job-level aggregate row.
func (p *Postgres) Finalize(ctx context.Context, record outcome.JobRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO job_records
			(job_id, started_at, finished_at, overall_status, succeeded, failed, skipped, timed_out, cancelled, rolled_back)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (job_id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			overall_status = EXCLUDED.overall_status,
			succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed,
			skipped = EXCLUDED.skipped,
			timed_out = EXCLUDED.timed_out,
			cancelled = EXCLUDED.cancelled,
			rolled_back = EXCLUDED.rolled_back`,
		record.JobID, record.StartedAt, record.FinishedAt, string(record.OverallStatus),
		record.Counts.Succeeded, record.Counts.Failed, record.Counts.Skipped,
		record.Counts.TimedOut, record.Counts.Cancelled, record.Counts.RolledBack,
	)
	if err != nil {
		return fmt.Errorf("finalizing job record: %w", err)
	}
	return nil
}

// Outcomes returns every recorded outcome for jobID, for an admin-surface
// status lookup (SPEC_FULL §4's supplemented HTTP status endpoint).
func (p *Postgres) Outcomes(ctx context.Context, jobID string) ([]outcome.DeviceOutcome, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT device_id, status, started_at, finished_at, logs, diff, error_kind, error_message
		FROM device_outcomes WHERE job_id = $1 ORDER BY finished_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying device outcomes: %w", err)
	}
	defer rows.Close()

	var out []outcome.DeviceOutcome
	for rows.Next() {
		var o outcome.DeviceOutcome
		var status string
		var logsJSON []byte
		var errKind, errMsg *string
		if err := rows.Scan(&o.DeviceID, &status, &o.StartedAt, &o.FinishedAt, &logsJSON, &o.Diff, &errKind, &errMsg); err != nil {
			return nil, fmt.Errorf("scanning device outcome row: %w", err)
		}
		o.Status = outcome.Status(status)
		if len(logsJSON) > 0 {
			if err := json.Unmarshal(logsJSON, &o.Logs); err != nil {
				return nil, fmt.Errorf("unmarshaling outcome logs: %w", err)
			}
		}
		if errKind != nil {
			o.Error = &outcome.ErrorInfo{Kind: errs.Kind(*errKind), Message: derefString(errMsg)}
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device outcome rows: %w", err)
	}
	return out, nil
}

// Record returns the finalized job-level aggregate for jobID, or ok=false
// if the job has not finalized yet.
func (p *Postgres) Record(ctx context.Context, jobID string) (outcome.JobRecord, bool, error) {
	var record outcome.JobRecord
	var status string
	err := p.pool.QueryRow(ctx, `
		SELECT job_id, started_at, finished_at, overall_status, succeeded, failed, skipped, timed_out, cancelled, rolled_back
		FROM job_records WHERE job_id = $1`, jobID).Scan(
		&record.JobID, &record.StartedAt, &record.FinishedAt, &status,
		&record.Counts.Succeeded, &record.Counts.Failed, &record.Counts.Skipped,
		&record.Counts.TimedOut, &record.Counts.Cancelled, &record.Counts.RolledBack,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return outcome.JobRecord{}, false, nil
		}
		return outcome.JobRecord{}, false, fmt.Errorf("querying job record: %w", err)
	}
	record.OverallStatus = outcome.OverallStatus(status)
	return record, true, nil
}

// ListRecords returns a page of finalized job records ordered by most
// recently finished, plus the total count for pagination.
func (p *Postgres) ListRecords(ctx context.Context, offset, limit int) ([]outcome.JobRecord, int, error) {
	var total int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM job_records`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting job records: %w", err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT job_id, started_at, finished_at, overall_status, succeeded, failed, skipped, timed_out, cancelled, rolled_back
		FROM job_records ORDER BY finished_at DESC OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("listing job records: %w", err)
	}
	defer rows.Close()

	var out []outcome.JobRecord
	for rows.Next() {
		var r outcome.JobRecord
		var status string
		if err := rows.Scan(&r.JobID, &r.StartedAt, &r.FinishedAt, &status,
			&r.Counts.Succeeded, &r.Counts.Failed, &r.Counts.Skipped,
			&r.Counts.TimedOut, &r.Counts.Cancelled, &r.Counts.RolledBack); err != nil {
			return nil, 0, fmt.Errorf("scanning job record row: %w", err)
		}
		r.OverallStatus = outcome.OverallStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating job record rows: %w", err)
	}
	return out, total, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
