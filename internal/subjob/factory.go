// Package subjob creates the individual build jobs a pipeline fans out to.
package subjob

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"multijob/internal/domain"
	"multijob/internal/registry"
)

// Factory renders a SubJobConfig from command templates and stores it as a job.
// Templates reference ${JOB}, ${PIPELINE}, ${LEVEL}, ${SOURCE}, ${PLATFORM},
// ${COMPILER}, ${TESTSUITE} and ${ENVIRONMENT}.
type Factory struct {
	Jobs           registry.JobCreator
	Label          string
	Commands       []string
	ArchiveCommand string
}

// Request carries everything needed to build one sub-job.
type Request struct {
	Group    string
	Name     string
	Owner    string
	Spec     domain.JobSpec
	UsingSCM bool
}

// CreateSubJob creates the job named in req. A name collision is reported as
// domain.JobAlreadyExistsError.
func (f Factory) CreateSubJob(ctx context.Context, req Request) error {
	if f.Jobs == nil {
		return fmt.Errorf("subjob factory has no job registry")
	}
	cfg := f.Config(req)
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal sub-job config: %w", err)
	}
	job := domain.Job{
		Ref:    domain.JobRef{Group: req.Group, Name: req.Name},
		Kind:   domain.KindSubJob,
		Owner:  req.Owner,
		Config: raw,
	}
	if err := f.Jobs.Create(ctx, job); err != nil {
		if errdefs.IsAlreadyExists(err) {
			return domain.JobAlreadyExistsError{Name: job.Ref.FullName()}
		}
		return fmt.Errorf("create sub-job %s: %w", job.Ref, err)
	}
	log.G(ctx).WithFields(log.Fields{
		"job":   job.Ref.FullName(),
		"level": cfg.Level,
	}).Debug("sub-job created")
	return nil
}

// Config renders the build configuration for req without storing it.
func (f Factory) Config(req Request) domain.SubJobConfig {
	vars := map[string]string{
		"JOB":         req.Name,
		"PIPELINE":    req.Owner,
		"LEVEL":       req.Spec.Level(),
		"SOURCE":      req.Spec.Source,
		"PLATFORM":    req.Spec.Platform,
		"COMPILER":    req.Spec.Compiler,
		"TESTSUITE":   req.Spec.TestSuite,
		"ENVIRONMENT": req.Spec.Environment,
	}
	expand := func(tmpl string) string {
		return os.Expand(tmpl, func(key string) string { return vars[key] })
	}
	cmds := make([]string, 0, len(f.Commands)+1)
	for _, c := range f.Commands {
		cmds = append(cmds, expand(c))
	}
	if req.UsingSCM && f.ArchiveCommand != "" {
		cmds = append(cmds, expand(f.ArchiveCommand))
	}
	return domain.SubJobConfig{
		Level:       req.Spec.Level(),
		Source:      req.Spec.Source,
		Platform:    req.Spec.Platform,
		Compiler:    req.Spec.Compiler,
		TestSuite:   req.Spec.TestSuite,
		Environment: req.Spec.Environment,
		UsingSCM:    req.UsingSCM,
		Label:       f.Label,
		Commands:    cmds,
	}
}
