// Package descriptor turns user supplied job descriptors into job specs.
//
// Two layouts are accepted. The flat layout lists every job:
//
//	jobs:
//	  - source: src
//	    platform: linux
//	    compiler: gcc
//	    testsuite: unit
//	    environment: env1
//
// The nested layout mirrors a manage project tree, where each environment leaf
// yields one job:
//
//	sources:
//	  - name: src
//	    platforms:
//	      - name: linux
//	        compilers:
//	          - name: gcc
//	            testsuites:
//	              - name: unit
//	                environments: [env1, env2]
//
// Documents starting with '{' are read as JSONC (JSON with comments and
// trailing commas) and use the same keys.
package descriptor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"multijob/internal/domain"
)

type document struct {
	Jobs    []domain.JobSpec `yaml:"jobs" json:"jobs"`
	Sources []sourceNode     `yaml:"sources" json:"sources"`
}

type sourceNode struct {
	Name      string         `yaml:"name" json:"name"`
	Platforms []platformNode `yaml:"platforms" json:"platforms"`
}

type platformNode struct {
	Name      string         `yaml:"name" json:"name"`
	Compilers []compilerNode `yaml:"compilers" json:"compilers"`
}

type compilerNode struct {
	Name       string          `yaml:"name" json:"name"`
	TestSuites []testSuiteNode `yaml:"testsuites" json:"testsuites"`
}

type testSuiteNode struct {
	Name         string   `yaml:"name" json:"name"`
	Environments []string `yaml:"environments" json:"environments"`
}

// Parse decodes and validates descriptor content. Empty content yields
// domain.ErrNoDescriptor; every other failure is a domain.InvalidDescriptorError.
func Parse(data []byte) ([]domain.JobSpec, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, domain.ErrNoDescriptor
	}
	var (
		doc  document
		keys map[string]any
	)
	if trimmed[0] == '{' {
		stripped := jsonc.ToJSON(trimmed)
		if err := json.Unmarshal(stripped, &keys); err != nil {
			return nil, domain.InvalidDescriptorError{Entry: -1, Reason: "malformed json", Err: err}
		}
		if err := json.Unmarshal(stripped, &doc); err != nil {
			return nil, domain.InvalidDescriptorError{Entry: -1, Reason: "malformed json", Err: err}
		}
	} else {
		if err := yaml.Unmarshal(trimmed, &keys); err != nil {
			return nil, domain.InvalidDescriptorError{Entry: -1, Reason: "malformed yaml", Err: err}
		}
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, domain.InvalidDescriptorError{Entry: -1, Reason: "malformed yaml", Err: err}
		}
	}
	_, hasJobs := keys["jobs"]
	_, hasSources := keys["sources"]
	switch {
	case hasJobs && hasSources:
		return nil, domain.InvalidDescriptorError{Entry: -1, Reason: "jobs and sources are mutually exclusive"}
	case !hasJobs && !hasSources:
		return nil, domain.InvalidDescriptorError{Entry: -1, Reason: "jobs or sources is required"}
	}
	specs := doc.Jobs
	if hasSources {
		specs = doc.flatten()
	}
	for i, s := range specs {
		if err := Validate(s); err != nil {
			return nil, domain.InvalidDescriptorError{Entry: i, Reason: err.Error()}
		}
	}
	return specs, nil
}

// Validate checks that every field is set and usable inside a job name.
func Validate(s domain.JobSpec) error {
	fields := []struct {
		name, value string
	}{
		{"source", s.Source},
		{"platform", s.Platform},
		{"compiler", s.Compiler},
		{"testsuite", s.TestSuite},
		{"environment", s.Environment},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%s is required", f.name)
		}
		if f.name == "source" {
			continue
		}
		if strings.ContainsAny(f.value, "/ \t\r\n") {
			return fmt.Errorf("%s %q must not contain '/' or whitespace", f.name, f.value)
		}
	}
	return nil
}

func (d document) flatten() []domain.JobSpec {
	var specs []domain.JobSpec
	for _, src := range d.Sources {
		for _, plat := range src.Platforms {
			for _, comp := range plat.Compilers {
				for _, suite := range comp.TestSuites {
					for _, env := range suite.Environments {
						specs = append(specs, domain.JobSpec{
							Source:      src.Name,
							Platform:    plat.Name,
							Compiler:    comp.Name,
							TestSuite:   suite.Name,
							Environment: env,
						})
					}
				}
			}
		}
	}
	return specs
}
