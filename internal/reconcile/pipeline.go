package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	mapset "github.com/deckarep/golang-set/v2"

	"multijob/internal/domain"
)

// UpdateRequest asks for an existing pipeline to follow a new descriptor.
// A nil UsingSCM keeps the flag stored on the project.
type UpdateRequest struct {
	Pipeline   domain.PipelineRef
	Descriptor []byte
	UsingSCM   *bool
}

// CreateRequest describes a new pipeline.
type CreateRequest struct {
	Pipeline         domain.PipelineRef
	Descriptor       []byte
	DescriptorPath   string
	UsingSCM         bool
	ReportingCommand string
}

func withPipeline(ctx context.Context, pipeline domain.PipelineRef, mode string) context.Context {
	return log.WithLogger(ctx, log.G(ctx).WithFields(log.Fields{
		"pipeline": pipeline.String(),
		"mode":     mode,
	}))
}

// Update applies a descriptor incrementally. Empty descriptor content is a
// no-op. The descriptor is parsed before anything is read or written.
func (e Engine) Update(ctx context.Context, req UpdateRequest) (Result, error) {
	return e.update(ctx, req, domain.ModeIncremental)
}

func (e Engine) update(ctx context.Context, req UpdateRequest, mode string) (Result, error) {
	ctx = withPipeline(ctx, req.Pipeline, mode)
	noop := Result{Pipeline: req.Pipeline.String(), Mode: mode, NoOp: true}
	specs, err := e.parse(req.Descriptor)
	if errors.Is(err, domain.ErrNoDescriptor) {
		log.G(ctx).Info("no descriptor provided, nothing to do")
		return noop, nil
	}
	if err != nil {
		return noop, err
	}
	p, err := e.Load(ctx, req.Pipeline)
	if err != nil {
		return noop, err
	}
	usingSCM := p.UsingSCM
	if req.UsingSCM != nil {
		usingSCM = *req.UsingSCM
	}
	res, err := e.Reconcile(ctx, p, specs, usingSCM)
	if err != nil {
		return res, err
	}
	p.Descriptor = append([]byte(nil), req.Descriptor...)
	p.UsingSCM = usingSCM
	for _, s := range p.Steps {
		if s.Kind == domain.StepSetup {
			s.Setup.UsingSCM = usingSCM
		}
	}
	if err := e.save(ctx, p); err != nil {
		return res, err
	}
	e.journal(ctx, mode, &res)
	log.G(ctx).WithFields(log.Fields{
		"added":    len(res.Added),
		"deleted":  len(res.Deleted),
		"repaired": len(res.Repaired),
	}).Info("pipeline updated")
	return res, nil
}

// Rebuild deletes every tracked sub-job and the pipeline itself, then creates
// the pipeline again from the descriptor. The reporting command and setup of
// the old project carry over.
func (e Engine) Rebuild(ctx context.Context, req UpdateRequest) (Result, error) {
	ctx = withPipeline(ctx, req.Pipeline, domain.ModeRebuild)
	noop := Result{Pipeline: req.Pipeline.String(), Mode: domain.ModeRebuild, NoOp: true}
	specs, err := e.parse(req.Descriptor)
	if errors.Is(err, domain.ErrNoDescriptor) {
		log.G(ctx).Info("no descriptor provided, nothing to do")
		return noop, nil
	}
	if err != nil {
		return noop, err
	}
	p, err := e.Load(ctx, req.Pipeline)
	if err != nil {
		return noop, err
	}
	usingSCM := p.UsingSCM
	if req.UsingSCM != nil {
		usingSCM = *req.UsingSCM
	}
	creq := CreateRequest{
		Pipeline:   req.Pipeline,
		Descriptor: req.Descriptor,
		UsingSCM:   usingSCM,
	}
	for _, s := range p.Steps {
		switch s.Kind {
		case domain.StepSetup:
			creq.DescriptorPath = s.Setup.DescriptorPath
		case domain.StepReporting:
			creq.ReportingCommand = s.Reporting.Command
		}
	}

	tracked := mapset.NewThreadUnsafeSet[string](p.PhaseJobNames()...)
	for _, spec := range specs {
		ref := req.Pipeline.SubJob(spec)
		if tracked.Contains(ref.Name) {
			continue
		}
		if err := e.checkUnclaimed(ctx, p, ref); err != nil {
			return noop, err
		}
	}

	var warnings []string
	deleted, err := e.teardown(ctx, p, &warnings)
	if err != nil {
		return noop, err
	}
	res, err := e.create(ctx, creq, specs)
	res.Deleted = deleted
	res.Warnings = append(warnings, res.Warnings...)
	if err != nil {
		return res, err
	}
	e.journal(ctx, domain.ModeRebuild, &res)
	log.G(ctx).WithFields(log.Fields{
		"added":   len(res.Added),
		"deleted": len(res.Deleted),
	}).Info("pipeline rebuilt")
	return res, nil
}

// Create builds a new pipeline: the orchestration project, its update project
// and one sub-job per descriptor entry. Every name is checked before the first
// write; an existing job is never overwritten.
func (e Engine) Create(ctx context.Context, req CreateRequest) (Result, error) {
	ctx = withPipeline(ctx, req.Pipeline, domain.ModeCreate)
	res := Result{Pipeline: req.Pipeline.String(), Mode: domain.ModeCreate}
	if err := validateBase(req.Pipeline.Base); err != nil {
		return res, err
	}
	specs, err := e.parse(req.Descriptor)
	if err != nil && !errors.Is(err, domain.ErrNoDescriptor) {
		return res, err
	}
	res, err = e.create(ctx, req, specs)
	if err != nil {
		return res, err
	}
	e.journal(ctx, domain.ModeCreate, &res)
	log.G(ctx).WithField("added", len(res.Added)).Info("pipeline created")
	return res, nil
}

func (e Engine) create(ctx context.Context, req CreateRequest, specs []domain.JobSpec) (Result, error) {
	pipeline := req.Pipeline
	res := Result{Pipeline: pipeline.String(), Mode: domain.ModeCreate}
	names := []domain.JobRef{pipeline.MultiJob(), pipeline.UpdateJob()}
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, spec := range specs {
		ref := pipeline.SubJob(spec)
		if seen.Add(ref.Name) {
			names = append(names, ref)
		}
	}
	for _, ref := range names {
		_, ok, err := e.Registry.Find(ctx, ref)
		if err != nil {
			return res, fmt.Errorf("lookup %s: %w", ref, err)
		}
		if ok {
			return res, domain.JobAlreadyExistsError{Name: ref.FullName()}
		}
	}

	command := req.ReportingCommand
	if command == "" {
		command = e.ReportingCommand
	}
	if command == "" {
		command = DefaultReportingCommand
	}
	command = os.Expand(command, func(key string) string {
		switch key {
		case "PIPELINE":
			return pipeline.MultiJob().FullName()
		case "BASE":
			return pipeline.Base
		case "GROUP":
			return domain.CleanGroup(pipeline.Group)
		}
		return "${" + key + "}"
	})
	p := &domain.OrchestrationProject{
		Ref:      pipeline.MultiJob(),
		Base:     pipeline.Base,
		UsingSCM: req.UsingSCM,
		Steps: []domain.BuildStep{
			domain.Setup(domain.SetupStep{UsingSCM: req.UsingSCM, DescriptorPath: req.DescriptorPath}),
			domain.FanOut(domain.FanOutStep{PhaseName: e.phaseName(), PhaseJobs: []domain.PhaseJob{}}),
			domain.Reporting(domain.ReportingStep{Command: command}),
		},
	}
	raw, err := domain.EncodeProject(p)
	if err != nil {
		return res, err
	}
	if err := e.Registry.Create(ctx, domain.Job{Ref: p.Ref, Kind: domain.KindMultiJob, Config: raw}); err != nil {
		return res, createError(p.Ref, err)
	}
	updateCfg, _ := json.Marshal(map[string]string{"pipeline": p.Ref.FullName()})
	update := domain.Job{Ref: pipeline.UpdateJob(), Kind: domain.KindUpdateJob, Owner: p.Ref.FullName(), Config: updateCfg}
	if err := e.Registry.Create(ctx, update); err != nil {
		return res, createError(update.Ref, err)
	}

	res, err = e.Reconcile(ctx, p, specs, req.UsingSCM)
	res.Mode = domain.ModeCreate
	if err != nil {
		return res, err
	}
	if len(bytes.TrimSpace(req.Descriptor)) > 0 {
		p.Descriptor = append([]byte(nil), req.Descriptor...)
		if err := e.save(ctx, p); err != nil {
			return res, err
		}
	}
	return res, nil
}

// UpdateFromSaved re-applies the descriptor stored on a pipeline. callerFullName
// is the full name of the pipeline's update project.
func (e Engine) UpdateFromSaved(ctx context.Context, callerFullName string) (Result, error) {
	pipeline, ok := domain.PipelineFromUpdateJob(callerFullName)
	if !ok {
		return Result{}, domain.ProjectNotFoundError{Name: callerFullName, Reason: "not an update project"}
	}
	noop := Result{Pipeline: pipeline.String(), Mode: domain.ModeSaved, NoOp: true}
	caller, ok, err := e.Registry.Find(ctx, pipeline.UpdateJob())
	if err != nil {
		return noop, err
	}
	if !ok || caller.Kind != domain.KindUpdateJob {
		return noop, domain.ProjectNotFoundError{Name: callerFullName}
	}
	p, err := e.Load(ctx, pipeline)
	if err != nil {
		return noop, err
	}
	usingSCM := p.UsingSCM
	return e.update(ctx, UpdateRequest{Pipeline: pipeline, Descriptor: p.Descriptor, UsingSCM: &usingSCM}, domain.ModeSaved)
}

// Delete removes the pipeline with its update project and every tracked sub-job.
func (e Engine) Delete(ctx context.Context, pipeline domain.PipelineRef) (Result, error) {
	ctx = withPipeline(ctx, pipeline, domain.ModeDelete)
	res := Result{Pipeline: pipeline.String(), Mode: domain.ModeDelete, Added: []string{}}
	p, err := e.Load(ctx, pipeline)
	if err != nil {
		return res, err
	}
	res.Deleted, err = e.teardown(ctx, p, &res.Warnings)
	if err != nil {
		return res, err
	}
	e.journal(ctx, domain.ModeDelete, &res)
	log.G(ctx).WithField("deleted", len(res.Deleted)).Info("pipeline deleted")
	return res, nil
}

// teardown deletes every sub-job named by the fan-out list and every other
// sub-job generated for the pipeline, then the update project and the
// orchestration project.
func (e Engine) teardown(ctx context.Context, p *domain.OrchestrationProject, warnings *[]string) ([]string, error) {
	deleted := []string{}
	done := mapset.NewThreadUnsafeSet[string]()
	for _, name := range p.PhaseJobNames() {
		if !done.Add(name) {
			continue
		}
		if err := e.deleteSubJob(ctx, p, domain.JobRef{Group: p.Ref.Group, Name: name}, warnings); err != nil {
			msg := fmt.Sprintf("sub-job %s: %v", name, err)
			log.G(ctx).Warn(msg)
			*warnings = append(*warnings, msg)
		}
		deleted = append(deleted, name)
	}
	owned, err := e.Registry.ListOwned(ctx, p.Ref.FullName())
	if err != nil {
		return deleted, fmt.Errorf("list owned jobs: %w", err)
	}
	for _, job := range owned {
		if job.Kind != domain.KindSubJob || !done.Add(job.Ref.Name) {
			continue
		}
		if err := e.Registry.Delete(ctx, job.Ref); err != nil && !errdefs.IsNotFound(err) {
			return deleted, fmt.Errorf("delete %s: %w", job.Ref, err)
		}
		log.G(ctx).WithField("job", job.Ref.Name).Info("untracked sub-job deleted")
		deleted = append(deleted, job.Ref.Name)
	}
	if err := e.Registry.Delete(ctx, p.Pipeline().UpdateJob()); err != nil && !errdefs.IsNotFound(err) {
		return deleted, fmt.Errorf("delete update project: %w", err)
	}
	if err := e.Registry.Delete(ctx, p.Ref); err != nil && !errdefs.IsNotFound(err) {
		return deleted, fmt.Errorf("delete project: %w", err)
	}
	return deleted, nil
}

// Load returns the orchestration project of pipeline. A missing job, or one
// that is not a multi-job project, is a domain.ProjectNotFoundError.
func (e Engine) Load(ctx context.Context, pipeline domain.PipelineRef) (*domain.OrchestrationProject, error) {
	ref := pipeline.MultiJob()
	job, ok, err := e.Registry.Find(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", ref, err)
	}
	if !ok {
		return nil, domain.ProjectNotFoundError{Name: ref.FullName()}
	}
	if job.Kind != domain.KindMultiJob {
		return nil, domain.ProjectNotFoundError{Name: ref.FullName(), Reason: fmt.Sprintf("job is of kind %s", job.Kind)}
	}
	p, err := domain.DecodeProject(job.Config)
	if err != nil {
		return nil, domain.ProjectNotFoundError{Name: ref.FullName(), Reason: err.Error()}
	}
	p.Ref = job.Ref
	if p.Base == "" {
		p.Base = pipeline.Base
	}
	return p, nil
}

// Runs lists journaled operations on pipeline, newest first.
func (e Engine) Runs(ctx context.Context, pipeline domain.PipelineRef, limit int) ([]domain.Run, error) {
	if e.Journal == nil {
		return nil, nil
	}
	return e.Journal.ListRuns(ctx, pipeline.String(), limit)
}

// Jobs lists the jobs of a job group.
func (e Engine) Jobs(ctx context.Context, group string) ([]domain.Job, error) {
	return e.Registry.List(ctx, domain.CleanGroup(group))
}

func validateBase(base string) error {
	if strings.TrimSpace(base) == "" {
		return fmt.Errorf("pipeline base name is required: %w", errdefs.ErrInvalidArgument)
	}
	if strings.ContainsAny(base, "/ \t\r\n") {
		return fmt.Errorf("pipeline base name %q must not contain '/' or whitespace: %w", base, errdefs.ErrInvalidArgument)
	}
	return nil
}

func createError(ref domain.JobRef, err error) error {
	if errdefs.IsAlreadyExists(err) {
		return domain.JobAlreadyExistsError{Name: ref.FullName()}
	}
	return fmt.Errorf("create %s: %w", ref, err)
}
