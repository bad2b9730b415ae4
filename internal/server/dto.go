package server

import (
	"encoding/json"

	"multijob/internal/domain"
	"multijob/internal/reconcile"
)

// Request payloads

type CreatePipelineRequest struct {
	Base             string `json:"base" minLength:"1"`
	Group            string `json:"group,omitempty"`
	UsingSCM         bool   `json:"using_scm,omitempty"`
	Descriptor       string `json:"descriptor,omitempty" doc:"YAML or JSONC job descriptor"`
	DescriptorPath   string `json:"descriptor_path,omitempty"`
	ReportingCommand string `json:"reporting_command,omitempty"`
}

type UpdateFromSavedRequest struct {
	CallerJob string `json:"caller_job" doc:"Full name of the pipeline's update job"`
}

// Response payloads

type ResultResponse struct {
	Pipeline string   `json:"pipeline"`
	Mode     string   `json:"mode"`
	RunID    string   `json:"run_id,omitempty"`
	NoOp     bool     `json:"noop"`
	Added    []string `json:"added"`
	Deleted  []string `json:"deleted"`
	Repaired []string `json:"repaired"`
	Warnings []string `json:"warnings"`
}

type PipelineResponse struct {
	Name             string   `json:"name"`
	Group            string   `json:"group"`
	Base             string   `json:"base"`
	UsingSCM         bool     `json:"using_scm"`
	DescriptorPath   string   `json:"descriptor_path,omitempty"`
	PhaseName        string   `json:"phase_name,omitempty"`
	SubJobs          []string `json:"sub_jobs"`
	ArtifactSources  []string `json:"artifact_sources"`
	ReportingCommand string   `json:"reporting_command,omitempty"`
	Steps            []string `json:"steps"`
	Descriptor       string   `json:"descriptor,omitempty"`
}

type JobResponse struct {
	Name      string         `json:"name"`
	Group     string         `json:"group"`
	Kind      string         `json:"kind"`
	Owner     string         `json:"owner,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

type RunResponse struct {
	ID        string   `json:"id"`
	Pipeline  string   `json:"pipeline"`
	Mode      string   `json:"mode"`
	Outcome   string   `json:"outcome"`
	Added     []string `json:"added"`
	Deleted   []string `json:"deleted"`
	Repaired  []string `json:"repaired"`
	Warnings  []string `json:"warnings"`
	CreatedAt string   `json:"created_at"`
}

type EventResponse struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	RunID    string         `json:"run_id,omitempty"`
	Pipeline string         `json:"pipeline"`
	Job      string         `json:"job,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

func resultResponse(r reconcile.Result) ResultResponse {
	return ResultResponse{
		Pipeline: r.Pipeline,
		Mode:     r.Mode,
		RunID:    r.RunID,
		NoOp:     r.NoOp,
		Added:    nonNilSlice(r.Added),
		Deleted:  nonNilSlice(r.Deleted),
		Repaired: nonNilSlice(r.Repaired),
		Warnings: nonNilSlice(r.Warnings),
	}
}

func pipelineResponse(p *domain.OrchestrationProject) PipelineResponse {
	res := PipelineResponse{
		Name:            p.Ref.FullName(),
		Group:           p.Ref.Group,
		Base:            p.Base,
		UsingSCM:        p.UsingSCM,
		SubJobs:         nonNilSlice(p.PhaseJobNames()),
		ArtifactSources: nonNilSlice(p.ArtifactSources()),
		Steps:           []string{},
		Descriptor:      string(p.Descriptor),
	}
	for _, step := range p.Steps {
		res.Steps = append(res.Steps, string(step.Kind))
		switch {
		case step.Setup != nil:
			res.DescriptorPath = step.Setup.DescriptorPath
		case step.FanOut != nil && res.PhaseName == "":
			res.PhaseName = step.FanOut.PhaseName
		case step.Reporting != nil:
			res.ReportingCommand = step.Reporting.Command
		}
	}
	return res
}

func mapJobs(jobs []domain.Job) []JobResponse {
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobResponse{
			Name:      j.Ref.Name,
			Group:     j.Ref.Group,
			Kind:      string(j.Kind),
			Owner:     j.Owner,
			Config:    decodeJSONMap(j.Config),
			CreatedAt: j.CreatedAt,
			UpdatedAt: j.UpdatedAt,
		})
	}
	return out
}

func mapRuns(runs []domain.Run) []RunResponse {
	out := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, RunResponse{
			ID:        r.ID,
			Pipeline:  r.Pipeline,
			Mode:      r.Mode,
			Outcome:   r.Outcome,
			Added:     nonNilSlice(r.Added),
			Deleted:   nonNilSlice(r.Deleted),
			Repaired:  nonNilSlice(r.Repaired),
			Warnings:  nonNilSlice(r.Warnings),
			CreatedAt: r.CreatedAt,
		})
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:       e.ID,
		TS:       e.TS,
		Type:     e.Type,
		RunID:    e.RunID,
		Pipeline: e.Pipeline,
		Job:      e.Job,
		Payload:  decodeJSONMap([]byte(e.Payload)),
	}
}

// JSON helpers

func decodeJSONMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var tmp any
	if err := json.Unmarshal(raw, &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
