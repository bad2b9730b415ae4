// Package reconcile keeps a pipeline's fan-out list, artifact-copy steps and
// sub-jobs in line with a job descriptor.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"multijob/internal/descriptor"
	"multijob/internal/domain"
	"multijob/internal/registry"
	"multijob/internal/subjob"
)

const (
	DefaultPhaseName        = "Sub-jobs"
	DefaultReportingCommand = "report --pipeline ${PIPELINE}"
)

// SubJobFactory creates one sub-job. Implementations only get to create jobs,
// never to touch the orchestration project.
type SubJobFactory interface {
	CreateSubJob(ctx context.Context, req subjob.Request) error
}

// Engine is stateless between calls and takes no locks; callers serialize
// operations on the same pipeline.
type Engine struct {
	Registry         registry.Registry
	Factory          SubJobFactory
	Journal          registry.Journal
	Parse            func([]byte) ([]domain.JobSpec, error)
	PhaseName        string
	ReportingCommand string
	Now              func() time.Time
	NewID            func() string
}

// Result lists the names touched by one operation.
type Result struct {
	Pipeline string   `json:"pipeline"`
	Mode     string   `json:"mode"`
	RunID    string   `json:"run_id,omitempty"`
	NoOp     bool     `json:"noop"`
	Added    []string `json:"added"`
	Deleted  []string `json:"deleted"`
	Repaired []string `json:"repaired,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Changed reports whether any sub-job was added, deleted or recreated.
func (r Result) Changed() bool {
	return len(r.Added)+len(r.Deleted)+len(r.Repaired) > 0
}

func (r *Result) warn(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.G(ctx).Warn(msg)
	r.Warnings = append(r.Warnings, msg)
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) parse(data []byte) ([]domain.JobSpec, error) {
	if e.Parse != nil {
		return e.Parse(data)
	}
	return descriptor.Parse(data)
}

func (e Engine) phaseName() string {
	if e.PhaseName != "" {
		return e.PhaseName
	}
	return DefaultPhaseName
}

// Reconcile converges p onto specs. Additions are persisted before any
// deletion starts, so an interrupted pass leaves a superset of the desired
// sub-jobs behind. Failures on individual sub-jobs are recorded as warnings
// and the pass carries on; only persistence failures abort it. A new name
// held by a job not generated for p fails the pass with
// domain.JobAlreadyExistsError before anything is written.
func (e Engine) Reconcile(ctx context.Context, p *domain.OrchestrationProject, specs []domain.JobSpec, usingSCM bool) (Result, error) {
	res := Result{Pipeline: p.Ref.FullName(), Added: []string{}, Deleted: []string{}}
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("pipeline", res.Pipeline))

	fan := e.locateFanOut(ctx, p, &res)
	fan.PhaseJobs = dedupePhaseJobs(ctx, fan.PhaseJobs, &res)

	existing := append([]domain.PhaseJob(nil), fan.PhaseJobs...)
	existingNames := mapset.NewThreadUnsafeSet[string]()
	for _, pj := range existing {
		existingNames.Add(pj.JobName)
	}

	desiredNames := mapset.NewThreadUnsafeSet[string]()
	var desired []domain.JobSpec
	for _, spec := range specs {
		if desiredNames.Add(spec.SubJobName(p.Base)) {
			desired = append(desired, spec)
		}
	}

	for _, spec := range desired {
		name := spec.SubJobName(p.Base)
		if existingNames.Contains(name) {
			continue
		}
		if err := e.checkUnclaimed(ctx, p, p.Pipeline().SubJob(spec)); err != nil {
			return res, err
		}
	}

	for _, spec := range desired {
		name := spec.SubJobName(p.Base)
		if !existingNames.Contains(name) {
			fan.PhaseJobs = append(fan.PhaseJobs, domain.DefaultPhaseJob(name))
			insertBeforeReporting(p, domain.ArtifactCopy(domain.NewArtifactCopy(name, usingSCM)))
			if err := e.save(ctx, p); err != nil {
				return res, err
			}
			res.Added = append(res.Added, name)
			log.G(ctx).WithField("job", name).Info("phase job added")
		}
		created, err := e.ensureSubJob(ctx, p, spec, usingSCM)
		if err != nil {
			res.warn(ctx, "sub-job %s: %v", name, err)
			continue
		}
		if created && existingNames.Contains(name) {
			res.Repaired = append(res.Repaired, name)
		}
	}

	copied := mapset.NewThreadUnsafeSet[string](p.ArtifactSources()...)
	for _, pj := range fan.PhaseJobs {
		if !copied.Contains(pj.JobName) {
			insertBeforeReporting(p, domain.ArtifactCopy(domain.NewArtifactCopy(pj.JobName, usingSCM)))
			res.warn(ctx, "artifact-copy step restored for %s", pj.JobName)
		}
	}

	moveReportingLast(p)
	if err := e.save(ctx, p); err != nil {
		return res, err
	}

	for _, pj := range existing {
		if desiredNames.Contains(pj.JobName) {
			continue
		}
		name := pj.JobName
		if err := e.deleteSubJob(ctx, p, domain.JobRef{Group: p.Ref.Group, Name: name}, &res.Warnings); err != nil {
			res.warn(ctx, "sub-job %s: %v", name, err)
		}
		fan.PhaseJobs = removePhaseJob(fan.PhaseJobs, name)
		removeArtifactCopies(p, func(source string) bool { return source == name })
		res.Deleted = append(res.Deleted, name)
		log.G(ctx).WithField("job", name).Info("phase job deleted")
	}

	tracked := mapset.NewThreadUnsafeSet[string](p.PhaseJobNames()...)
	kept := mapset.NewThreadUnsafeSet[string]()
	out := p.Steps[:0]
	for _, s := range p.Steps {
		if s.Kind == domain.StepArtifactCopy {
			source := s.ArtifactCopy.SourceJob
			if !tracked.Contains(source) {
				res.warn(ctx, "orphan artifact-copy step for %s removed", source)
				continue
			}
			if !kept.Add(source) {
				res.warn(ctx, "duplicate artifact-copy step for %s removed", source)
				continue
			}
		}
		out = append(out, s)
	}
	p.Steps = out

	if err := e.save(ctx, p); err != nil {
		return res, err
	}
	return res, nil
}

// locateFanOut returns the first fan-out step, creating an empty one in front
// of the reporting step when there is none. Later fan-out steps are reported
// and left alone.
func (e Engine) locateFanOut(ctx context.Context, p *domain.OrchestrationProject, res *Result) *domain.FanOutStep {
	var fan *domain.FanOutStep
	for i, s := range p.Steps {
		if s.Kind != domain.StepFanOut {
			continue
		}
		if fan == nil {
			fan = s.FanOut
			continue
		}
		res.warn(ctx, "duplicate fan-out step at position %d ignored", i)
	}
	if fan == nil {
		log.G(ctx).Warn("fan-out step missing, creating an empty one")
		step := domain.FanOut(domain.FanOutStep{PhaseName: e.phaseName()})
		insertBeforeReporting(p, step)
		fan = step.FanOut
	}
	return fan
}

// ownedBy reports whether job is a sub-job generated for p.
func ownedBy(job domain.Job, p *domain.OrchestrationProject) bool {
	return job.Kind == domain.KindSubJob && job.Owner == p.Ref.FullName()
}

// checkUnclaimed refuses a name held by a job this pipeline did not generate.
func (e Engine) checkUnclaimed(ctx context.Context, p *domain.OrchestrationProject, ref domain.JobRef) error {
	job, ok, err := e.Registry.Find(ctx, ref)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", ref, err)
	}
	if ok && !ownedBy(job, p) {
		return domain.JobAlreadyExistsError{Name: ref.FullName()}
	}
	return nil
}

// ensureSubJob creates the sub-job for spec unless a job of that name is
// already present. It reports whether a job was created.
func (e Engine) ensureSubJob(ctx context.Context, p *domain.OrchestrationProject, spec domain.JobSpec, usingSCM bool) (bool, error) {
	ref := p.Pipeline().SubJob(spec)
	job, ok, err := e.Registry.Find(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("lookup: %w", err)
	}
	if ok {
		if !ownedBy(job, p) {
			return false, fmt.Errorf("held by %s job not generated for this pipeline", job.Kind)
		}
		return false, nil
	}
	if e.Factory == nil {
		return false, errors.New("no sub-job factory configured")
	}
	err = e.Factory.CreateSubJob(ctx, subjob.Request{
		Group:    ref.Group,
		Name:     ref.Name,
		Owner:    p.Ref.FullName(),
		Spec:     spec,
		UsingSCM: usingSCM,
	})
	var exists domain.JobAlreadyExistsError
	if errors.As(err, &exists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// deleteSubJob removes ref when it was generated for p. A job that is already
// gone, or whose lookup fails, counts as deleted. A job owned by anyone else
// is left in place with a warning.
func (e Engine) deleteSubJob(ctx context.Context, p *domain.OrchestrationProject, ref domain.JobRef, warnings *[]string) error {
	job, ok, err := e.Registry.Find(ctx, ref)
	if err != nil {
		log.G(ctx).WithError(err).WithField("job", ref.FullName()).Warn("lookup failed, treating sub-job as absent")
		return nil
	}
	if !ok {
		log.G(ctx).WithField("job", ref.FullName()).Debug("sub-job already absent")
		return nil
	}
	if !ownedBy(job, p) {
		msg := fmt.Sprintf("sub-job %s not generated for this pipeline, left in place", ref.Name)
		log.G(ctx).Warn(msg)
		*warnings = append(*warnings, msg)
		return nil
	}
	if err := e.Registry.Delete(ctx, ref); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (e Engine) save(ctx context.Context, p *domain.OrchestrationProject) error {
	raw, err := domain.EncodeProject(p)
	if err != nil {
		return err
	}
	if err := e.Registry.Update(ctx, domain.Job{Ref: p.Ref, Kind: domain.KindMultiJob, Config: raw}); err != nil {
		return fmt.Errorf("save project %s: %w", p.Ref, err)
	}
	return nil
}

func (e Engine) journal(ctx context.Context, mode string, res *Result) {
	res.Mode = mode
	if e.Journal == nil {
		return
	}
	id := uuid.NewString()
	if e.NewID != nil {
		id = e.NewID()
	}
	run := domain.Run{
		ID:        id,
		Pipeline:  res.Pipeline,
		Mode:      mode,
		Outcome:   domain.OutcomeNoop,
		Added:     res.Added,
		Deleted:   res.Deleted,
		Repaired:  res.Repaired,
		Warnings:  res.Warnings,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if res.Changed() {
		run.Outcome = domain.OutcomeApplied
	}
	if err := e.Journal.RecordRun(ctx, run); err != nil {
		log.G(ctx).WithError(err).WithField("pipeline", res.Pipeline).Error("failed to journal run")
		return
	}
	res.RunID = id
}

func reportingIndex(p *domain.OrchestrationProject) int {
	for i, s := range p.Steps {
		if s.Kind == domain.StepReporting {
			return i
		}
	}
	return -1
}

func insertBeforeReporting(p *domain.OrchestrationProject, step domain.BuildStep) {
	i := reportingIndex(p)
	if i < 0 {
		p.Steps = append(p.Steps, step)
		return
	}
	p.Steps = append(p.Steps[:i], append([]domain.BuildStep{step}, p.Steps[i:]...)...)
}

// moveReportingLast re-appends the first reporting step at the end.
func moveReportingLast(p *domain.OrchestrationProject) {
	i := reportingIndex(p)
	if i < 0 || i == len(p.Steps)-1 {
		return
	}
	step := p.Steps[i]
	p.Steps = append(p.Steps[:i], p.Steps[i+1:]...)
	p.Steps = append(p.Steps, step)
}

// dedupePhaseJobs keeps the first phase job per name.
func dedupePhaseJobs(ctx context.Context, jobs []domain.PhaseJob, res *Result) []domain.PhaseJob {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := jobs[:0]
	for _, pj := range jobs {
		if !seen.Add(pj.JobName) {
			res.warn(ctx, "duplicate phase job %s removed", pj.JobName)
			continue
		}
		out = append(out, pj)
	}
	return out
}

func removePhaseJob(jobs []domain.PhaseJob, name string) []domain.PhaseJob {
	out := jobs[:0]
	for _, pj := range jobs {
		if pj.JobName != name {
			out = append(out, pj)
		}
	}
	return out
}

func removeArtifactCopies(p *domain.OrchestrationProject, match func(source string) bool) {
	out := p.Steps[:0]
	for _, s := range p.Steps {
		if s.Kind == domain.StepArtifactCopy && match(s.ArtifactCopy.SourceJob) {
			continue
		}
		out = append(out, s)
	}
	p.Steps = out
}
