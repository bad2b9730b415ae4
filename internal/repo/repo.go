package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"

	"multijob/internal/domain"
	"multijob/internal/events"
)

// Repo is the SQLite backed job-group registry and run journal.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

// ErrNotFound is the errdefs not-found class, kept here so callers of the
// repo need not import errdefs to compare.
var ErrNotFound = errdefs.ErrNotFound

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

const jobColumns = `job_group,name,kind,COALESCE(owner,'') AS owner,config_json,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.Job, error) {
	var (
		j      domain.Job
		kind   string
		config string
	)
	if err := row.Scan(&j.Ref.Group, &j.Ref.Name, &kind, &j.Owner, &config, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return j, err
	}
	j.Kind = domain.JobKind(kind)
	if config != "" {
		j.Config = json.RawMessage(config)
	}
	return j, nil
}

func (r Repo) Find(ctx context.Context, ref domain.JobRef) (domain.Job, bool, error) {
	j, err := scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_group=? AND name=?`, ref.Group, ref.Name))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("find job %s: %w", ref, err)
	}
	return j, true, nil
}

func (r Repo) Create(ctx context.Context, job domain.Job) error {
	now := r.now()
	res, err := r.DB.ExecContext(ctx, `INSERT INTO jobs(job_group,name,kind,owner,config_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(job_group,name) DO NOTHING`,
		job.Ref.Group, job.Ref.Name, string(job.Kind), nullable(job.Owner), configString(job.Config), now, now)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.Ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", job.Ref, errdefs.ErrAlreadyExists)
	}
	return nil
}

func (r Repo) Update(ctx context.Context, job domain.Job) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET kind=?, owner=?, config_json=?, updated_at=? WHERE job_group=? AND name=?`,
		string(job.Kind), nullable(job.Owner), configString(job.Config), r.now(), job.Ref.Group, job.Ref.Name)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.Ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", job.Ref, ErrNotFound)
	}
	return nil
}

func (r Repo) Delete(ctx context.Context, ref domain.JobRef) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM jobs WHERE job_group=? AND name=?`, ref.Group, ref.Name)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", ref, ErrNotFound)
	}
	return nil
}

func (r Repo) List(ctx context.Context, group string) ([]domain.Job, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_group=? ORDER BY name`, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ListOwned returns the jobs generated for a pipeline.
func (r Repo) ListOwned(ctx context.Context, owner string) ([]domain.Job, error) {
	if owner == "" {
		return nil, nil
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE owner=? ORDER BY job_group, name`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// RecordRun stores the run and one event per affected sub-job.
func (r Repo) RecordRun(ctx context.Context, run domain.Run) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(id,pipeline,mode,outcome,added_json,deleted_json,repaired_json,warnings_json,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Pipeline, run.Mode, run.Outcome, toJSONArray(run.Added), toJSONArray(run.Deleted),
		toJSONArray(run.Repaired), toJSONArray(run.Warnings), run.CreatedAt); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if err := r.Events.Append(ctx, tx, events.TypeRun, run.ID, run.Pipeline, "", events.Payload{
		"mode":    run.Mode,
		"outcome": run.Outcome,
	}); err != nil {
		return err
	}
	groups := []struct {
		evtType string
		names   []string
	}{
		{events.TypeSubJobAdded, run.Added},
		{events.TypeSubJobDeleted, run.Deleted},
		{events.TypeSubJobRepaired, run.Repaired},
	}
	for _, g := range groups {
		for _, name := range g.names {
			if err := r.Events.Append(ctx, tx, g.evtType, run.ID, run.Pipeline, name, nil); err != nil {
				return err
			}
		}
	}
	for _, w := range run.Warnings {
		if err := r.Events.Append(ctx, tx, events.TypeWarning, run.ID, run.Pipeline, "", events.Payload{"message": w}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListRuns returns the newest runs first.
func (r Repo) ListRuns(ctx context.Context, pipeline string, limit int) ([]domain.Run, error) {
	query := `SELECT id,pipeline,mode,outcome,added_json,deleted_json,repaired_json,warnings_json,created_at FROM runs WHERE pipeline=? ORDER BY created_at DESC, rowid DESC`
	args := []any{pipeline}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var (
			run                               domain.Run
			added, deleted, repaired, warning string
		)
		if err := rows.Scan(&run.ID, &run.Pipeline, &run.Mode, &run.Outcome, &added, &deleted, &repaired, &warning, &run.CreatedAt); err != nil {
			return nil, err
		}
		run.Added = decodeStringSlice(added)
		run.Deleted = decodeStringSlice(deleted)
		run.Repaired = decodeStringSlice(repaired)
		run.Warnings = decodeStringSlice(warning)
		res = append(res, run)
	}
	return res, rows.Err()
}

// LatestEvents returns up to n events for a pipeline, newest first.
func (r Repo) LatestEvents(ctx context.Context, n int, pipeline, evtType string) ([]domain.Event, error) {
	clauses := []string{"pipeline=?"}
	args := []any{pipeline}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := `SELECT id,ts,type,COALESCE(run_id,''),pipeline,COALESCE(job,''),payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if n > 0 {
		query += " LIMIT ?"
		args = append(args, n)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.Pipeline, &e.Job, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order. An empty pipeline selects every pipeline.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, pipeline string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if pipeline != "" {
		clauses = append(clauses, "pipeline=?")
		args = append(args, pipeline)
	}
	query := `SELECT id,ts,type,COALESCE(run_id,''),pipeline,COALESCE(job,''),payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.Pipeline, &e.Job, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func configString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func toJSONArray(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func decodeStringSlice(raw string) []string {
	var out []string
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	if len(out) == 0 {
		return nil
	}
	return out
}
