package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

type StepKind string

const (
	StepSetup        StepKind = "setup"
	StepFanOut       StepKind = "fan_out"
	StepArtifactCopy StepKind = "artifact_copy"
	StepReporting    StepKind = "reporting"
)

// BuildStep is a tagged variant: exactly the field matching Kind is set.
type BuildStep struct {
	Kind         StepKind          `json:"kind"`
	Setup        *SetupStep        `json:"setup,omitempty"`
	FanOut       *FanOutStep       `json:"fan_out,omitempty"`
	ArtifactCopy *ArtifactCopyStep `json:"artifact_copy,omitempty"`
	Reporting    *ReportingStep    `json:"reporting,omitempty"`
}

type SetupStep struct {
	UsingSCM       bool   `json:"using_scm"`
	DescriptorPath string `json:"descriptor_path,omitempty"`
}

type FanOutStep struct {
	PhaseName string     `json:"phase_name"`
	PhaseJobs []PhaseJob `json:"phase_jobs"`
}

// PhaseJob names one sub-job invoked by the fan-out step. Only JobName is
// interpreted during reconciliation.
type PhaseJob struct {
	JobName             string `json:"job_name"`
	CurrentParams       bool   `json:"current_params"`
	KillPhaseOn         string `json:"kill_phase_on"`
	Disabled            bool   `json:"disabled"`
	EnableRetryStrategy bool   `json:"enable_retry_strategy"`
	Retries             int    `json:"retries"`
	EnableCondition     bool   `json:"enable_condition"`
	AbortAllJobs        bool   `json:"abort_all_jobs"`
	Condition           string `json:"condition,omitempty"`
}

type ArtifactCopyStep struct {
	SourceJob   string   `json:"source_job"`
	Patterns    []string `json:"patterns"`
	Optional    bool     `json:"optional"`
	Fingerprint bool     `json:"fingerprint"`
	Selector    string   `json:"selector"`
}

// Filter renders the patterns in the comma separated form used by copy steps.
func (a ArtifactCopyStep) Filter() string {
	return strings.Join(a.Patterns, ", ")
}

type ReportingStep struct {
	Command string `json:"command"`
}

type OrchestrationProject struct {
	Ref        JobRef      `json:"ref"`
	Base       string      `json:"base"`
	UsingSCM   bool        `json:"using_scm"`
	Steps      []BuildStep `json:"steps"`
	Descriptor []byte      `json:"descriptor,omitempty"`
}

func (p OrchestrationProject) Pipeline() PipelineRef {
	return PipelineRef{Group: p.Ref.Group, Base: p.Base}
}

// DefaultPhaseJob returns a phase entry with no retries, no condition and a
// never-kill policy.
func DefaultPhaseJob(name string) PhaseJob {
	return PhaseJob{
		JobName:       name,
		CurrentParams: true,
		KillPhaseOn:   "NEVER",
	}
}

// NewArtifactCopy builds the copy step pulling results of the named sub-job.
func NewArtifactCopy(subJobName string, usingSCM bool) ArtifactCopyStep {
	patterns := append([]string(nil), ArtifactPatterns...)
	if usingSCM {
		patterns = append(patterns, subJobName+ArchiveSuffix)
	}
	return ArtifactCopyStep{
		SourceJob: subJobName,
		Patterns:  patterns,
		Optional:  true,
		Selector:  "workspace",
	}
}

func FanOut(step FanOutStep) BuildStep {
	return BuildStep{Kind: StepFanOut, FanOut: &step}
}

func ArtifactCopy(step ArtifactCopyStep) BuildStep {
	return BuildStep{Kind: StepArtifactCopy, ArtifactCopy: &step}
}

func Reporting(step ReportingStep) BuildStep {
	return BuildStep{Kind: StepReporting, Reporting: &step}
}

func Setup(step SetupStep) BuildStep {
	return BuildStep{Kind: StepSetup, Setup: &step}
}

func (s BuildStep) validate() error {
	var set int
	for _, ok := range []bool{s.Setup != nil, s.FanOut != nil, s.ArtifactCopy != nil, s.Reporting != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("build step %q must carry exactly one payload", s.Kind)
	}
	switch s.Kind {
	case StepSetup:
		if s.Setup == nil {
			return fmt.Errorf("setup step without payload")
		}
	case StepFanOut:
		if s.FanOut == nil {
			return fmt.Errorf("fan_out step without payload")
		}
	case StepArtifactCopy:
		if s.ArtifactCopy == nil {
			return fmt.Errorf("artifact_copy step without payload")
		}
	case StepReporting:
		if s.Reporting == nil {
			return fmt.Errorf("reporting step without payload")
		}
	default:
		return fmt.Errorf("unknown build step kind %q", s.Kind)
	}
	return nil
}

// EncodeProject serializes a project for storage in a job record.
func EncodeProject(p *OrchestrationProject) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("project nil")
	}
	return json.Marshal(p)
}

// DecodeProject parses a stored project and checks every step variant.
func DecodeProject(data []byte) (*OrchestrationProject, error) {
	var p OrchestrationProject
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode project: %w", err)
	}
	for i, s := range p.Steps {
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("decode project: step %d: %w", i, err)
		}
	}
	return &p, nil
}

// PhaseJobNames lists the names held by every fan-out step, in order.
func (p *OrchestrationProject) PhaseJobNames() []string {
	var names []string
	for _, s := range p.Steps {
		if s.Kind == StepFanOut && s.FanOut != nil {
			for _, pj := range s.FanOut.PhaseJobs {
				names = append(names, pj.JobName)
			}
		}
	}
	return names
}

// ArtifactSources lists the source job of every artifact-copy step, in order.
func (p *OrchestrationProject) ArtifactSources() []string {
	var names []string
	for _, s := range p.Steps {
		if s.Kind == StepArtifactCopy && s.ArtifactCopy != nil {
			names = append(names, s.ArtifactCopy.SourceJob)
		}
	}
	return names
}

// Check reports the first violated structural invariant, if any.
func (p *OrchestrationProject) Check() error {
	var fanOuts, reports int
	for i, s := range p.Steps {
		switch s.Kind {
		case StepFanOut:
			fanOuts++
		case StepReporting:
			reports++
			if i != len(p.Steps)-1 {
				return fmt.Errorf("reporting step at %d is not last", i)
			}
		}
	}
	if fanOuts != 1 {
		return fmt.Errorf("expected one fan-out step, found %d", fanOuts)
	}
	if reports != 1 {
		return fmt.Errorf("expected one reporting step, found %d", reports)
	}
	copies := map[string]int{}
	for _, name := range p.ArtifactSources() {
		copies[name]++
	}
	seen := map[string]bool{}
	for _, name := range p.PhaseJobNames() {
		if seen[name] {
			return fmt.Errorf("phase job %s listed twice", name)
		}
		seen[name] = true
		if copies[name] != 1 {
			return fmt.Errorf("phase job %s has %d artifact-copy steps", name, copies[name])
		}
	}
	for name := range copies {
		if !seen[name] {
			return fmt.Errorf("artifact-copy step for untracked job %s", name)
		}
	}
	return nil
}
