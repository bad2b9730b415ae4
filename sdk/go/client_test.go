package multijobsdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"multijob/internal/app"
	"multijob/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	svc, err := app.Open(context.Background(), app.Options{Memory: true})
	assert.NilError(t, err)
	handler, err := server.New(server.Config{Service: svc, BasePath: "/v1"})
	assert.NilError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
	})
	return New(srv.URL+"/v1", "team")
}

const descriptor = `jobs:
  - {source: s, platform: p, compiler: gcc, testsuite: unit, environment: a}
  - {source: s, platform: p, compiler: gcc, testsuite: unit, environment: b}
`

func TestClientPipelineLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	created, err := c.CreatePipeline(ctx, "demo", []byte(descriptor), CreateOptions{UsingSCM: true})
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(created.Added, []string{"demo_gcc_unit_a", "demo_gcc_unit_b"}))

	p, err := c.Pipeline(ctx, "demo")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(p.Name, "team/demo.pipeline.multi"))
	assert.Check(t, p.UsingSCM)

	off := false
	res, err := c.UpdatePipeline(ctx, "demo", []byte(descriptor), UpdateOptions{UsingSCM: &off})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(res.Mode, "incremental"))

	p, err = c.Pipeline(ctx, "demo")
	assert.NilError(t, err)
	assert.Check(t, !p.UsingSCM)

	res, err = c.UpdatePipeline(ctx, "demo", nil, UpdateOptions{})
	assert.NilError(t, err)
	assert.Check(t, res.NoOp)

	res, err = c.UpdatePipeline(ctx, "demo", []byte(descriptor), UpdateOptions{Rebuild: true})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(res.Mode, "rebuild"))
	assert.Check(t, is.Len(res.Deleted, 2))

	res, err = c.UpdateFromSaved(ctx, "team/demo.pipeline.updatemulti")
	assert.NilError(t, err)
	assert.Check(t, res.NoOp)

	runs, err := c.Runs(ctx, "demo", 10)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(runs, 4))
	assert.Check(t, is.Equal(runs[0].Mode, "saved"))

	evts, err := c.Events(ctx, "demo", "", 10)
	assert.NilError(t, err)
	assert.Check(t, is.Len(evts, 0))

	_, err = c.DeletePipeline(ctx, "demo")
	assert.NilError(t, err)
	_, err = c.Pipeline(ctx, "demo")
	var apiErr *APIError
	assert.Assert(t, errors.As(err, &apiErr))
	assert.Check(t, is.Equal(apiErr.StatusCode, http.StatusNotFound))
	assert.Check(t, is.Equal(apiErr.Code, "not_found"))
}

func TestClientReportsInvalidDescriptor(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	_, err := c.CreatePipeline(ctx, "demo", []byte("jobs: [{source: s}]"), CreateOptions{})
	var apiErr *APIError
	assert.Assert(t, errors.As(err, &apiErr))
	assert.Check(t, is.Equal(apiErr.StatusCode, http.StatusBadRequest))
	assert.Check(t, is.Equal(apiErr.Code, "invalid_descriptor"))
}
