package store

import (
	"database/sql"
	"fmt"
	"time"
)

// JobKind distinguishes one-shot from recurring jobs.
type JobKind string

const (
	JobOnce      JobKind = "once"
	JobRecurring JobKind = "recurring"
)

// JobStatus is the scheduled job lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is a scheduled prompt replay.
type Job struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	RoleID      string    `json:"role_id"`
	Description string    `json:"description"`
	Kind        JobKind   `json:"kind"`
	Schedule    string    `json:"schedule,omitempty"` // structured cadence JSON, recurring only
	RunAt       time.Time `json:"run_at"`
	Status      JobStatus `json:"status"`
	HoldUntil   time.Time `json:"hold_until,omitempty"`
	LastRunAt   time.Time `json:"last_run_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	RunCount    int       `json:"run_count"`
	FailStreak  int       `json:"fail_streak"`
	CreatedAt   time.Time `json:"created_at"`
}

const jobColumns = `id, user_id, role_id, description, kind, COALESCE(schedule, ''), run_at,
	status, hold_until, last_run_at, COALESCE(last_error, ''), run_count, fail_streak, created_at`

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var runAt, createdAt int64
	var holdUntil, lastRunAt sql.NullInt64
	err := row.Scan(
		&j.ID, &j.UserID, &j.RoleID, &j.Description, &j.Kind, &j.Schedule, &runAt,
		&j.Status, &holdUntil, &lastRunAt, &j.LastError, &j.RunCount, &j.FailStreak, &createdAt,
	)
	if err != nil {
		return Job{}, err
	}
	j.RunAt = time.Unix(runAt, 0)
	j.CreatedAt = time.Unix(createdAt, 0)
	if holdUntil.Valid {
		j.HoldUntil = time.Unix(holdUntil.Int64, 0)
	}
	if lastRunAt.Valid {
		j.LastRunAt = time.Unix(lastRunAt.Int64, 0)
	}
	return j, nil
}

// CreateJob inserts a pending job.
func (s *Store) CreateJob(j Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	if j.Status == "" {
		j.Status = JobPending
	}
	var schedule any
	if j.Schedule != "" {
		schedule = j.Schedule
	}
	// Recurring claims gate on hold_until, so seed it with the first run.
	var holdUntil any
	if j.Kind == JobRecurring {
		holdUntil = j.RunAt.Unix()
	}
	_, err := s.db.Exec(
		`INSERT INTO scheduled_jobs (id, user_id, role_id, description, kind, schedule, run_at, hold_until, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.UserID, j.RoleID, j.Description, j.Kind, schedule, j.RunAt.Unix(), holdUntil, j.Status, j.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id. Returns sql.ErrNoRows when absent.
func (s *Store) GetJob(id string) (Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobs returns a user's jobs, newest first.
func (s *Store) ListJobs(userID string) ([]Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CancelJob transitions a pending or failed job to cancelled. Running jobs
// may only be advanced by the runner's own completion path.
func (s *Store) CancelJob(id string) error {
	res, err := s.db.Exec(
		`UPDATE scheduled_jobs SET status = ? WHERE id = ? AND status IN (?, ?)`,
		JobCancelled, id, JobPending, JobFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s is not cancellable", id)
	}
	return nil
}

// ClaimDueJobs atomically claims jobs that are due at now: it flips each
// matching pending row to running with hold_until = now + lease, and returns
// only the rows this caller actually claimed. The conditional update makes
// each job claimable at most once even across runner instances.
func (s *Store) ClaimDueJobs(now time.Time, lease time.Duration) ([]Job, error) {
	rows, err := s.db.Query(
		`SELECT id FROM scheduled_jobs
		 WHERE (kind = ? AND status = ? AND run_at <= ?)
		    OR (kind = ? AND status = ? AND (hold_until IS NULL OR hold_until <= ?))
		 ORDER BY run_at`,
		JobOnce, JobPending, now.Unix(),
		JobRecurring, JobPending, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select due jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	holdUntil := now.Add(lease).Unix()
	var claimed []Job
	for _, id := range ids {
		res, err := s.db.Exec(
			`UPDATE scheduled_jobs SET status = ?, hold_until = ? WHERE id = ? AND status = ?`,
			JobRunning, holdUntil, id, JobPending,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue // claimed elsewhere
		}
		j, err := s.GetJob(id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, j)
	}
	return claimed, nil
}

// FinishOnce completes a one-shot job: completed on success, failed when
// runErr is non-empty.
func (s *Store) FinishOnce(id string, runErr string, now time.Time) error {
	status := JobCompleted
	var lastError any
	if runErr != "" {
		status = JobFailed
		lastError = runErr
	}
	_, err := s.db.Exec(
		`UPDATE scheduled_jobs
		 SET status = ?, hold_until = NULL, last_run_at = ?, last_error = ?, run_count = run_count + 1
		 WHERE id = ? AND status = ?`,
		status, now.Unix(), lastError, id, JobRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return nil
}

// FinishRecurring reschedules a recurring job after a successful run: back to
// pending with hold_until at the next computed instant, failure streak reset.
func (s *Store) FinishRecurring(id string, next time.Time, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE scheduled_jobs
		 SET status = ?, run_at = ?, hold_until = ?, last_run_at = ?, last_error = NULL,
		     run_count = run_count + 1, fail_streak = 0
		 WHERE id = ? AND status = ?`,
		JobPending, next.Unix(), next.Unix(), now.Unix(), id, JobRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return nil
}

// RetryLater backs a failing job off: pending again with a future hold_until
// and an incremented failure streak.
func (s *Store) RetryLater(id string, holdUntil time.Time, runErr string, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE scheduled_jobs
		 SET status = ?, hold_until = ?, last_run_at = ?, last_error = ?,
		     run_count = run_count + 1, fail_streak = fail_streak + 1
		 WHERE id = ? AND status = ?`,
		JobPending, holdUntil.Unix(), now.Unix(), runErr, id, JobRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to back off job: %w", err)
	}
	return nil
}

// MarkFailed transitions a running job to failed permanently.
func (s *Store) MarkFailed(id string, runErr string, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE scheduled_jobs
		 SET status = ?, hold_until = NULL, last_run_at = ?, last_error = ?,
		     run_count = run_count + 1, fail_streak = fail_streak + 1
		 WHERE id = ? AND status = ?`,
		JobFailed, now.Unix(), runErr, id, JobRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}
