package registry

import (
	"context"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"multijob/internal/domain"
)

func TestMemoryJobs(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory()
	assert.NilError(t, err)
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return tick }

	ref := domain.JobRef{Name: "demo.pipeline.multi"}
	assert.NilError(t, m.Create(ctx, domain.Job{Ref: ref, Kind: domain.KindMultiJob, Config: []byte(`{}`)}))
	err = m.Create(ctx, domain.Job{Ref: ref, Kind: domain.KindMultiJob})
	assert.Check(t, errdefs.IsAlreadyExists(err))

	tick = tick.Add(time.Hour)
	assert.NilError(t, m.Update(ctx, domain.Job{Ref: ref, Kind: domain.KindMultiJob, Config: []byte(`{"a":1}`)}))
	got, ok, err := m.Find(ctx, ref)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Check(t, is.Equal(string(got.Config), `{"a":1}`))
	assert.Check(t, is.Equal(got.CreatedAt, "2024-01-01T00:00:00Z"))
	assert.Check(t, is.Equal(got.UpdatedAt, "2024-01-01T01:00:00Z"))

	// returned jobs do not alias stored state
	got.Config[0] = 'x'
	again, _, _ := m.Find(ctx, ref)
	assert.Check(t, is.Equal(string(again.Config), `{"a":1}`))

	assert.NilError(t, m.Create(ctx, domain.Job{Ref: domain.JobRef{Group: "f", Name: "other"}, Kind: domain.KindSubJob}))
	root, err := m.List(ctx, "")
	assert.NilError(t, err)
	assert.Check(t, is.Len(root, 1))

	assert.NilError(t, m.Delete(ctx, ref))
	assert.Check(t, errdefs.IsNotFound(m.Delete(ctx, ref)))
	assert.Check(t, errdefs.IsNotFound(m.Update(ctx, domain.Job{Ref: ref})))
}

func TestMemoryRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory()
	assert.NilError(t, err)
	for _, id := range []string{"r1", "r2", "r3"} {
		assert.NilError(t, m.RecordRun(ctx, domain.Run{ID: id, Pipeline: "p"}))
	}
	assert.NilError(t, m.RecordRun(ctx, domain.Run{ID: "other", Pipeline: "q"}))

	runs, err := m.ListRuns(ctx, "p", 2)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(runs, 2))
	assert.Check(t, is.Equal(runs[0].ID, "r3"))
	assert.Check(t, is.Equal(runs[1].ID, "r2"))
}

func TestMemoryListOwned(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory()
	assert.NilError(t, err)
	owner := "team/demo.pipeline.multi"
	for _, job := range []domain.Job{
		{Ref: domain.JobRef{Group: "team", Name: "demo_b"}, Kind: domain.KindSubJob, Owner: owner},
		{Ref: domain.JobRef{Group: "team", Name: "demo_a"}, Kind: domain.KindSubJob, Owner: owner},
		{Ref: domain.JobRef{Group: "team", Name: "manual"}, Kind: domain.KindSubJob},
		{Ref: domain.JobRef{Group: "team", Name: "other_a"}, Kind: domain.KindSubJob, Owner: "team/other.pipeline.multi"},
	} {
		assert.NilError(t, m.Create(ctx, job))
	}

	owned, err := m.ListOwned(ctx, owner)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(owned, 2))
	assert.Check(t, is.Equal(owned[0].Ref.Name, "demo_a"))
	assert.Check(t, is.Equal(owned[1].Ref.Name, "demo_b"))

	// a job handed to another owner leaves the index
	assert.NilError(t, m.Update(ctx, domain.Job{Ref: owned[0].Ref, Kind: domain.KindSubJob, Owner: "team/other.pipeline.multi"}))
	owned, err = m.ListOwned(ctx, owner)
	assert.NilError(t, err)
	assert.Check(t, is.Len(owned, 1))

	none, err := m.ListOwned(ctx, "")
	assert.NilError(t, err)
	assert.Check(t, is.Len(none, 0))
}
