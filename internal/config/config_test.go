package config

import (
	"os"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NilError(t, cfg.Validate())
	assert.Check(t, is.Equal(cfg.Server.BasePath, "/v1"))
	assert.Check(t, is.Len(cfg.SubJobs.Commands, 2))
	assert.Check(t, is.Equal(cfg.Pipeline.ReportingCommand, "report --pipeline ${PIPELINE}"))
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("server:\n  addr: 0.0.0.0:9000\n"))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(cfg.Server.Addr, "0.0.0.0:9000"))
	assert.Check(t, is.Equal(cfg.Server.BasePath, "/v1"))
	assert.Check(t, is.Equal(cfg.Pipeline.PhaseName, "Sub-jobs"))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"base path":  "server:\n  base_path: v1\n",
		"reporting":  "pipeline:\n  reporting_command: \"\"\n",
		"commands":   "subjobs:\n  commands: []\n",
		"blank step": "subjobs:\n  commands: [\"  \"]\n",
		"bad yaml":   "server: [\n",
		"hook url":   "webhooks:\n  - url: ftp://example.com\n",
		"hook wait":  "webhooks:\n  - url: http://example.com\n    timeout_seconds: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Check(t, err != nil)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	assert.Check(t, is.ErrorContains(err, "not found"))

	cfg, err := LoadOptional(dir)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(cfg.Server.Addr, "127.0.0.1:8080"))

	assert.NilError(t, os.WriteFile(Path(dir), []byte("subjobs:\n  label: arm\n"), 0o644))
	cfg, err = Load(dir)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(cfg.SubJobs.Label, "arm"))
}
