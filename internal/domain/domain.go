package domain

import (
	"encoding/json"
	"path"
	"strings"
)

const (
	MultiJobSuffix  = ".pipeline.multi"
	UpdateJobSuffix = ".pipeline.updatemulti"
	ArchiveSuffix   = "_build.tar"
)

// ArtifactPatterns are copied from every sub-job into the pipeline workspace.
var ArtifactPatterns = []string{
	"**/*_rebuild*",
	"execution/*.html",
	"management/*.html",
	"xml_data/**",
}

type JobKind string

const (
	KindMultiJob  JobKind = "multijob"
	KindUpdateJob JobKind = "updatemulti"
	KindSubJob    JobKind = "subjob"
)

// JobRef addresses a job inside a job group (folder). The root group is "".
type JobRef struct {
	Group string `json:"group"`
	Name  string `json:"name"`
}

// CleanGroup drops leading and trailing slashes so "team/" and "team" address
// the same job group.
func CleanGroup(group string) string {
	return strings.Trim(group, "/")
}

func (r JobRef) FullName() string {
	group := CleanGroup(r.Group)
	if group == "" {
		return r.Name
	}
	return group + "/" + r.Name
}

func (r JobRef) String() string { return r.FullName() }

// ParseFullName splits "a/b/name" into group "a/b" and name "name".
func ParseFullName(fullName string) JobRef {
	fullName = strings.Trim(fullName, "/")
	dir, name := path.Split(fullName)
	return JobRef{Group: strings.TrimSuffix(dir, "/"), Name: name}
}

// PipelineRef identifies a pipeline by its base name within a job group.
type PipelineRef struct {
	Group string `json:"group"`
	Base  string `json:"base"`
}

func (p PipelineRef) MultiJob() JobRef {
	return JobRef{Group: CleanGroup(p.Group), Name: p.Base + MultiJobSuffix}
}

func (p PipelineRef) UpdateJob() JobRef {
	return JobRef{Group: CleanGroup(p.Group), Name: p.Base + UpdateJobSuffix}
}

func (p PipelineRef) SubJob(spec JobSpec) JobRef {
	return JobRef{Group: CleanGroup(p.Group), Name: spec.SubJobName(p.Base)}
}

func (p PipelineRef) String() string { return p.MultiJob().FullName() }

// PipelineFromUpdateJob derives the pipeline from the full name of its update job.
func PipelineFromUpdateJob(fullName string) (PipelineRef, bool) {
	ref := ParseFullName(fullName)
	if !strings.HasSuffix(ref.Name, UpdateJobSuffix) {
		return PipelineRef{}, false
	}
	base := strings.TrimSuffix(ref.Name, UpdateJobSuffix)
	if base == "" {
		return PipelineRef{}, false
	}
	return PipelineRef{Group: ref.Group, Base: base}, true
}

// JobSpec is one desired sub-job taken from a descriptor.
type JobSpec struct {
	Source      string `json:"source" yaml:"source"`
	Platform    string `json:"platform" yaml:"platform"`
	Compiler    string `json:"compiler" yaml:"compiler"`
	TestSuite   string `json:"testsuite" yaml:"testsuite"`
	Environment string `json:"environment" yaml:"environment"`
}

// Name is the pipeline-independent part of the sub-job name.
func (s JobSpec) Name() string {
	return s.Compiler + "_" + s.TestSuite + "_" + s.Environment
}

// SubJobName is persisted state; changing the format orphans existing sub-jobs.
func (s JobSpec) SubJobName(base string) string {
	return base + "_" + s.Name()
}

func (s JobSpec) Level() string {
	return s.Source + "/" + s.Platform + "/" + s.Compiler + "/" + s.TestSuite
}

type Job struct {
	Ref       JobRef          `json:"ref"`
	Kind      JobKind         `json:"kind"`
	Owner     string          `json:"owner,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

// SubJobConfig is the build configuration stored on a sub-job.
type SubJobConfig struct {
	Level       string   `json:"level"`
	Source      string   `json:"source"`
	Platform    string   `json:"platform"`
	Compiler    string   `json:"compiler"`
	TestSuite   string   `json:"testsuite"`
	Environment string   `json:"environment"`
	UsingSCM    bool     `json:"using_scm"`
	Label       string   `json:"label,omitempty"`
	Commands    []string `json:"commands"`
}

// Run journals one create/update/rebuild operation.
type Run struct {
	ID        string   `json:"id"`
	Pipeline  string   `json:"pipeline"`
	Mode      string   `json:"mode" enum:"create,incremental,rebuild,saved,delete"`
	Outcome   string   `json:"outcome" enum:"applied,noop"`
	Added     []string `json:"added"`
	Deleted   []string `json:"deleted"`
	Repaired  []string `json:"repaired,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

const (
	ModeCreate      = "create"
	ModeIncremental = "incremental"
	ModeRebuild     = "rebuild"
	ModeSaved       = "saved"
	ModeDelete      = "delete"

	OutcomeApplied = "applied"
	OutcomeNoop    = "noop"
)

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	RunID    string `json:"run_id,omitempty"`
	Pipeline string `json:"pipeline"`
	Job      string `json:"job,omitempty"`
	Payload  string `json:"payload_json"`
}
