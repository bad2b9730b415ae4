package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"multijob/internal/app"
	"multijob/internal/events"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func (s *testServer) Close() {
	if s.close != nil {
		s.close()
	}
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	svc, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open service: %v", err)
	}
	handler, err := New(Config{Service: svc, BasePath: "/v1"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			svc.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		raw = b
	}
	return doRaw(t, client, method, url, "application/json", raw)
}

func doRaw(t *testing.T, client *http.Client, method, url, contentType string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

const twoJobs = `jobs:
  - {source: s, platform: p, compiler: gcc, testsuite: unit, environment: a}
  - {source: s, platform: p, compiler: gcc, testsuite: unit, environment: b}
`

func createPipeline(t *testing.T, srv *testServer, descriptor string) ResultResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pipelines", map[string]any{
		"base":       "demo",
		"group":      "team",
		"descriptor": descriptor,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var out ResultResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	return out
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestCreateAndShowPipeline(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createPipeline(t, srv, twoJobs)
	if created.Mode != "create" || len(created.Added) != 2 {
		t.Fatalf("unexpected create result: %+v", created)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/pipelines/demo?group=team", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("show status %d: %s", res.StatusCode, string(data))
	}
	var p PipelineResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode pipeline: %v", err)
	}
	if p.Name != "team/demo.pipeline.multi" {
		t.Fatalf("unexpected name %q", p.Name)
	}
	want := []string{"demo_gcc_unit_a", "demo_gcc_unit_b"}
	if strings.Join(p.SubJobs, ",") != strings.Join(want, ",") {
		t.Fatalf("expected sub-jobs %v, got %v", want, p.SubJobs)
	}
	if strings.Join(p.ArtifactSources, ",") != strings.Join(want, ",") {
		t.Fatalf("expected artifact sources %v, got %v", want, p.ArtifactSources)
	}
	if p.Steps[len(p.Steps)-1] != "reporting" {
		t.Fatalf("expected reporting last, got %v", p.Steps)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pipelines", map[string]any{
		"base":  "demo",
		"group": "team",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate create, got %d: %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "already_exists" {
		t.Fatalf("expected already_exists, got %s", code)
	}
}

func TestCreateRequiresBase(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pipelines", map[string]any{"group": "team"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestUpdatePipeline(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createPipeline(t, srv, twoJobs)

	next := `jobs:
  - {source: s, platform: p, compiler: gcc, testsuite: unit, environment: b}
  - {source: s, platform: p, compiler: gcc, testsuite: unit, environment: c}
`
	url := srv.URL + "/v1/pipelines/demo/update?group=team"
	res, data := doRaw(t, srv.Client(), http.MethodPost, url, "application/yaml", []byte(next))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}
	var out ResultResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if out.Mode != "incremental" || out.NoOp {
		t.Fatalf("unexpected result %+v", out)
	}
	if len(out.Added) != 1 || out.Added[0] != "demo_gcc_unit_c" {
		t.Fatalf("expected c added, got %v", out.Added)
	}
	if len(out.Deleted) != 1 || out.Deleted[0] != "demo_gcc_unit_a" {
		t.Fatalf("expected a deleted, got %v", out.Deleted)
	}

	res, data = doRaw(t, srv.Client(), http.MethodPost, url, "application/yaml", []byte(next))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("repeat update status %d: %s", res.StatusCode, string(data))
	}
	out = ResultResponse{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode repeat: %v", err)
	}
	if !out.NoOp {
		t.Fatalf("expected repeat update to be a no-op, got %+v", out)
	}

	res, data = doRaw(t, srv.Client(), http.MethodPost, url, "application/yaml", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("empty update status %d: %s", res.StatusCode, string(data))
	}
	out = ResultResponse{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if !out.NoOp || len(out.Added)+len(out.Deleted) != 0 {
		t.Fatalf("expected empty body to be a no-op, got %+v", out)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/pipelines/demo/events?group=team&type="+events.TypeSubJobDeleted, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts []EventResponse
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(evts) != 1 || evts[0].Job != "demo_gcc_unit_a" {
		t.Fatalf("unexpected deleted events %+v", evts)
	}
}

func TestUpdateErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doRaw(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pipelines/missing/update", "application/yaml", []byte(twoJobs))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing pipeline, got %d: %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "not_found" {
		t.Fatalf("expected not_found, got %s", code)
	}

	createPipeline(t, srv, twoJobs)
	bad := `jobs:
  - {source: s, platform: p, compiler: gcc, testsuite: unit, environment: a}
  - {source: s, platform: p, compiler: gcc, testsuite: unit}
`
	res, data = doRaw(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pipelines/demo/update?group=team", "application/yaml", []byte(bad))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid descriptor, got %d: %s", res.StatusCode, string(data))
	}
	body := decodeError(t, data)
	if body.Code != "invalid_descriptor" {
		t.Fatalf("expected invalid_descriptor, got %s", body.Code)
	}
	if entry, _ := body.Details["entry"].(float64); entry != 1 {
		t.Fatalf("expected entry 1 in details, got %v", body.Details)
	}

	res, data = doRaw(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pipelines/demo/update?group=team&using_scm=maybe", "application/yaml", []byte(twoJobs))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad using_scm, got %d: %s", res.StatusCode, string(data))
	}

	// the failed updates left the project untouched
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/pipelines/demo?group=team", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("show status %d: %s", res.StatusCode, string(data))
	}
	var p PipelineResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode pipeline: %v", err)
	}
	if len(p.SubJobs) != 2 {
		t.Fatalf("expected 2 sub-jobs after failed updates, got %v", p.SubJobs)
	}
}

func TestRebuildAndUpdateFromSaved(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createPipeline(t, srv, twoJobs)

	res, data := doRaw(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pipelines/demo/update?group=team&mode=rebuild&using_scm=true", "application/yaml", []byte(twoJobs))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rebuild status %d: %s", res.StatusCode, string(data))
	}
	var out ResultResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode rebuild: %v", err)
	}
	if out.Mode != "rebuild" || len(out.Added) != 2 {
		t.Fatalf("unexpected rebuild result %+v", out)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pipelines/update-from-saved", map[string]any{
		"caller_job": "team/demo.pipeline.updatemulti",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update-from-saved status %d: %s", res.StatusCode, string(data))
	}
	out = ResultResponse{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode saved: %v", err)
	}
	if out.Mode != "saved" || !out.NoOp {
		t.Fatalf("expected saved no-op, got %+v", out)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pipelines/update-from-saved", map[string]any{
		"caller_job": "team/other.pipeline.updatemulti",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown caller, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/pipelines/demo/runs?group=team&limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("runs status %d: %s", res.StatusCode, string(data))
	}
	var runs []RunResponse
	if err := json.Unmarshal(data, &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 2 || runs[0].Mode != "saved" || runs[1].Mode != "rebuild" {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

func TestDeletePipeline(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createPipeline(t, srv, twoJobs)

	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/pipelines/demo?group=team", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs?group=team", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jobs status %d: %s", res.StatusCode, string(data))
	}
	var jobs []JobResponse
	if err := json.Unmarshal(data, &jobs); err != nil {
		t.Fatalf("decode jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no jobs after delete, got %+v", jobs)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/pipelines/demo?group=team", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", res.StatusCode)
	}
}

func TestHealthMetricsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createPipeline(t, srv, twoJobs)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), `multijob_reconcile_runs_total{mode="create",outcome="applied"} 1`) {
		t.Fatalf("metrics missing create run:\n%s", string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "update-pipeline") || !strings.Contains(string(data), "ApiError") {
		t.Fatalf("openapi missing operations")
	}
}
