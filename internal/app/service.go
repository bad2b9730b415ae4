package app

import (
	"context"
	"time"

	"github.com/moby/locker"

	"multijob/internal/config"
	"multijob/internal/domain"
	"multijob/internal/metrics"
	"multijob/internal/reconcile"
)

// Service runs engine operations one at a time per pipeline. Operations on
// different pipelines proceed in parallel.
type Service struct {
	Engine  reconcile.Engine
	Config  *config.Config
	Metrics *metrics.Metrics

	locks   *locker.Locker
	closeFn func() error
}

func NewService(eng reconcile.Engine, cfg *config.Config, m *metrics.Metrics) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Service{Engine: eng, Config: cfg, Metrics: m, locks: locker.New()}
}

// Close releases the underlying store.
func (s *Service) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

func (s *Service) lock(pipeline domain.PipelineRef) func() {
	name := pipeline.String()
	s.locks.Lock(name)
	return func() { _ = s.locks.Unlock(name) }
}

func (s *Service) observe(mode string, res reconcile.Result, err error, start time.Time) {
	s.Metrics.ObserveRun(metrics.Outcome{
		Mode:     mode,
		NoOp:     res.NoOp,
		Added:    len(res.Added),
		Deleted:  len(res.Deleted),
		Repaired: len(res.Repaired),
		Warnings: len(res.Warnings),
		Err:      err,
	}, start)
}

func (s *Service) Create(ctx context.Context, req reconcile.CreateRequest) (reconcile.Result, error) {
	defer s.lock(req.Pipeline)()
	start := time.Now()
	res, err := s.Engine.Create(ctx, req)
	s.observe(domain.ModeCreate, res, err, start)
	return res, err
}

// Update applies a descriptor incrementally, or through a full rebuild.
func (s *Service) Update(ctx context.Context, req reconcile.UpdateRequest, rebuild bool) (reconcile.Result, error) {
	defer s.lock(req.Pipeline)()
	start := time.Now()
	if rebuild {
		res, err := s.Engine.Rebuild(ctx, req)
		s.observe(domain.ModeRebuild, res, err, start)
		return res, err
	}
	res, err := s.Engine.Update(ctx, req)
	s.observe(domain.ModeIncremental, res, err, start)
	return res, err
}

func (s *Service) UpdateFromSaved(ctx context.Context, callerFullName string) (reconcile.Result, error) {
	if pipeline, ok := domain.PipelineFromUpdateJob(callerFullName); ok {
		defer s.lock(pipeline)()
	}
	start := time.Now()
	res, err := s.Engine.UpdateFromSaved(ctx, callerFullName)
	s.observe(domain.ModeSaved, res, err, start)
	return res, err
}

func (s *Service) Delete(ctx context.Context, pipeline domain.PipelineRef) (reconcile.Result, error) {
	defer s.lock(pipeline)()
	start := time.Now()
	res, err := s.Engine.Delete(ctx, pipeline)
	s.observe(domain.ModeDelete, res, err, start)
	return res, err
}

func (s *Service) Show(ctx context.Context, pipeline domain.PipelineRef) (*domain.OrchestrationProject, error) {
	defer s.lock(pipeline)()
	return s.Engine.Load(ctx, pipeline)
}

func (s *Service) Runs(ctx context.Context, pipeline domain.PipelineRef, limit int) ([]domain.Run, error) {
	return s.Engine.Runs(ctx, pipeline, limit)
}

func (s *Service) Jobs(ctx context.Context, group string) ([]domain.Job, error) {
	return s.Engine.Jobs(ctx, group)
}

// Events returns journaled events of a pipeline, newest first. Only the
// SQLite store keeps an event log; the memory store reports none.
func (s *Service) Events(ctx context.Context, pipeline domain.PipelineRef, evtType string, limit int) ([]domain.Event, error) {
	r, ok := s.EventLog()
	if !ok {
		return []domain.Event{}, nil
	}
	return r.LatestEvents(ctx, limit, pipeline.String(), evtType)
}
