package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/containerd/errdefs"
	"github.com/hashicorp/go-memdb"

	"multijob/internal/domain"
)

const (
	jobsTable = "jobs"
	runsTable = "runs"
)

type jobRecord struct {
	Key      string
	GroupKey string
	Owner    string
	Job      domain.Job
}

type runRecord struct {
	ID       string
	Pipeline string
	Seq      int
	Run      domain.Run
}

// Memory is a Registry and Journal held in process memory. It backs tests and
// the CLI --memory mode.
type Memory struct {
	db  *memdb.MemDB
	seq int
	Now func() time.Time
}

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id":    {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Key"}},
					"group": {Name: "group", Indexer: &memdb.StringFieldIndex{Field: "GroupKey"}},
					"owner": {Name: "owner", AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "Owner"}},
				},
			},
			runsTable: {
				Name: runsTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id":       {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"pipeline": {Name: "pipeline", Indexer: &memdb.StringFieldIndex{Field: "Pipeline"}},
				},
			},
		},
	}
}

func NewMemory() (*Memory, error) {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, fmt.Errorf("memdb: %w", err)
	}
	return &Memory{db: db, Now: time.Now}, nil
}

func groupKey(group string) string {
	// memdb rejects empty index values; the root group gets a placeholder.
	return "/" + domain.CleanGroup(group)
}

func (m *Memory) now() string {
	if m.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return m.Now().UTC().Format(time.RFC3339)
}

func (m *Memory) Find(_ context.Context, ref domain.JobRef) (domain.Job, bool, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(jobsTable, "id", ref.FullName())
	if err != nil {
		return domain.Job{}, false, err
	}
	if raw == nil {
		return domain.Job{}, false, nil
	}
	return cloneJob(raw.(*jobRecord).Job), true, nil
}

func (m *Memory) Create(_ context.Context, job domain.Job) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(jobsTable, "id", job.Ref.FullName())
	if err != nil {
		return err
	}
	if raw != nil {
		return fmt.Errorf("job %s: %w", job.Ref, errdefs.ErrAlreadyExists)
	}
	now := m.now()
	job = cloneJob(job)
	job.CreatedAt, job.UpdatedAt = now, now
	if err := txn.Insert(jobsTable, newJobRecord(job)); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *Memory) Update(_ context.Context, job domain.Job) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(jobsTable, "id", job.Ref.FullName())
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("job %s: %w", job.Ref, errdefs.ErrNotFound)
	}
	prev := raw.(*jobRecord).Job
	job = cloneJob(job)
	job.CreatedAt = prev.CreatedAt
	job.UpdatedAt = m.now()
	if err := txn.Insert(jobsTable, newJobRecord(job)); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *Memory) Delete(_ context.Context, ref domain.JobRef) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(jobsTable, "id", ref.FullName())
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("job %s: %w", ref, errdefs.ErrNotFound)
	}
	if err := txn.Delete(jobsTable, raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *Memory) List(_ context.Context, group string) ([]domain.Job, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(jobsTable, "group", groupKey(group))
	if err != nil {
		return nil, err
	}
	var res []domain.Job
	for obj := it.Next(); obj != nil; obj = it.Next() {
		res = append(res, cloneJob(obj.(*jobRecord).Job))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Ref.Name < res[j].Ref.Name })
	return res, nil
}

func (m *Memory) ListOwned(_ context.Context, owner string) ([]domain.Job, error) {
	if owner == "" {
		return nil, nil
	}
	txn := m.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(jobsTable, "owner", owner)
	if err != nil {
		return nil, err
	}
	var res []domain.Job
	for obj := it.Next(); obj != nil; obj = it.Next() {
		res = append(res, cloneJob(obj.(*jobRecord).Job))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Ref.FullName() < res[j].Ref.FullName() })
	return res, nil
}

func (m *Memory) RecordRun(_ context.Context, run domain.Run) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	m.seq++
	if err := txn.Insert(runsTable, &runRecord{ID: run.ID, Pipeline: run.Pipeline, Seq: m.seq, Run: run}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// ListRuns returns the newest runs first.
func (m *Memory) ListRuns(_ context.Context, pipeline string, limit int) ([]domain.Run, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(runsTable, "pipeline", pipeline)
	if err != nil {
		return nil, err
	}
	var recs []*runRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		recs = append(recs, obj.(*runRecord))
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq > recs[j].Seq })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	res := make([]domain.Run, 0, len(recs))
	for _, r := range recs {
		res = append(res, r.Run)
	}
	return res, nil
}

func newJobRecord(job domain.Job) *jobRecord {
	return &jobRecord{Key: job.Ref.FullName(), GroupKey: groupKey(job.Ref.Group), Owner: job.Owner, Job: job}
}

func cloneJob(j domain.Job) domain.Job {
	if j.Config != nil {
		j.Config = append([]byte(nil), j.Config...)
	}
	return j
}
