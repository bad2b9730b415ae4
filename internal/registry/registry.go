// Package registry defines the job-group registry the reconciliation engine
// works against, plus an in-memory implementation.
package registry

import (
	"context"

	"multijob/internal/domain"
)

// Finder looks jobs up by reference. A missing job is reported as ok=false,
// not as an error.
type Finder interface {
	Find(ctx context.Context, ref domain.JobRef) (domain.Job, bool, error)
}

// JobCreator is the narrow capability handed to sub-job factories. Create
// fails with an errdefs.ErrAlreadyExists class error on a name collision.
type JobCreator interface {
	Create(ctx context.Context, job domain.Job) error
}

// Registry is the full job-group registry.
type Registry interface {
	Finder
	JobCreator
	// Update replaces an existing job; errdefs.ErrNotFound class if absent.
	Update(ctx context.Context, job domain.Job) error
	// Delete removes a job; errdefs.ErrNotFound class if absent.
	Delete(ctx context.Context, ref domain.JobRef) error
	List(ctx context.Context, group string) ([]domain.Job, error)
	// ListOwned returns the jobs generated for the pipeline whose
	// orchestration project has the given full name.
	ListOwned(ctx context.Context, owner string) ([]domain.Job, error)
}

// Journal records completed operations.
type Journal interface {
	RecordRun(ctx context.Context, run domain.Run) error
	ListRuns(ctx context.Context, pipeline string, limit int) ([]domain.Run, error)
}
