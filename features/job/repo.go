package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

type Repository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, opts ListOpts) ([]Summary, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	Claim(ctx context.Context, id string, asOf time.Time) (*Job, error)
	Transition(ctx context.Context, t Transition) (*Job, error)
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]Job, error)
	MarkDue(ctx context.Context, dueBy time.Time, quiet time.Duration, limit int) ([]string, error)
}

const jobColumns = `id, type, payload, status, status_updated_at, retry_count, max_retries, last_error, run_at, created_at, updated_at`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Create(ctx context.Context, job *Job) error {
	query := `INSERT INTO jobs (type, payload, status, status_updated_at, retry_count, max_retries, run_at) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		job.Type, []byte(job.Payload), string(job.Status), job.StatusUpdatedAt, job.RetryCount, job.MaxRetries, job.RunAt,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	return classify("create job", err)
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	j, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, classify("get job", err)
	}
	return j, nil
}

func (r *PostgresRepo) List(ctx context.Context, opts ListOpts) ([]Summary, error) {
	var (
		where []string
		args  []interface{}
	)
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if opts.Cursor != nil {
		args = append(args, opts.Cursor.CreatedAt, opts.Cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT id, type, status, status_updated_at, retry_count, max_retries, created_at FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list jobs", err)
	}
	defer rows.Close()

	var jobs []Summary
	for rows.Next() {
		var s Summary
		var status string
		if err := rows.Scan(&s.ID, &s.Type, &status, &s.StatusUpdatedAt, &s.RetryCount, &s.MaxRetries, &s.CreatedAt); err != nil {
			return nil, classify("scan job", err)
		}
		s.Status = Status(status)
		jobs = append(jobs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list jobs", err)
	}
	return jobs, nil
}

func (r *PostgresRepo) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, classify("count jobs", err)
	}
	defer rows.Close()

	counts := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify("scan count", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classify("count jobs", err)
	}
	return counts, nil
}

// Claim moves a CREATED or RETRYING job whose run_at is not after asOf to
// RUNNING. asOf comes from the same clock that wrote run_at. It returns
// ErrStatusChanged when the job exists but is not claimable.
func (r *PostgresRepo) Claim(ctx context.Context, id string, asOf time.Time) (*Job, error) {
	query := `UPDATE jobs SET status = $2, status_updated_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3) AND run_at <= $4
		RETURNING ` + jobColumns
	claimable := pq.Array([]string{string(StatusCreated), string(StatusRetrying)})
	j, err := scanJob(r.db.QueryRowContext(ctx, query, id, string(StatusRunning), claimable, asOf))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.missOrChanged(ctx, id)
	}
	if err != nil {
		return nil, classify("claim job", err)
	}
	return j, nil
}

func (r *PostgresRepo) Transition(ctx context.Context, t Transition) (*Job, error) {
	if err := CheckTransition(t.From, t.To); err != nil {
		return nil, err
	}
	query := `UPDATE jobs SET status = $3, retry_count = $4, last_error = $5, run_at = $6, status_updated_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + jobColumns
	j, err := scanJob(r.db.QueryRowContext(ctx, query, t.ID, string(t.From), string(t.To), t.RetryCount, t.LastError, t.RunAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.missOrChanged(ctx, t.ID)
	}
	if err != nil {
		return nil, classify("transition job", err)
	}
	return j, nil
}

// ListStale returns RUNNING jobs whose status has not changed since olderThan.
func (r *PostgresRepo) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 AND status_updated_at < $2 ORDER BY status_updated_at ASC LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, string(StatusRunning), olderThan, limit)
	if err != nil {
		return nil, classify("list stale jobs", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, classify("scan job", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list stale jobs", err)
	}
	return jobs, nil
}

// MarkDue returns ids of claimable jobs due by dueBy that nothing has touched
// for quiet, and touches them so each is returned at most once per quiet window.
func (r *PostgresRepo) MarkDue(ctx context.Context, dueBy time.Time, quiet time.Duration, limit int) ([]string, error) {
	query := `UPDATE jobs SET updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = ANY($1) AND run_at <= $2 AND updated_at < NOW() - make_interval(secs => $3::float8)
			ORDER BY run_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id`
	claimable := pq.Array([]string{string(StatusCreated), string(StatusRetrying)})
	rows, err := r.db.QueryContext(ctx, query, claimable, dueBy, quiet.Seconds(), limit)
	if err != nil {
		return nil, classify("mark due jobs", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("scan job id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("mark due jobs", err)
	}
	return ids, nil
}

func (r *PostgresRepo) missOrChanged(ctx context.Context, id string) error {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return classify("check job", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusChanged
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var payload []byte
	var status string
	err := row.Scan(&j.ID, &j.Type, &payload, &status, &j.StatusUpdatedAt, &j.RetryCount, &j.MaxRetries, &j.LastError, &j.RunAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.Status = Status(status)
	return j, nil
}
