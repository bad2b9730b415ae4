package multijobsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Multijob HTTP API client. Every call addresses
// pipelines inside Group.
type Client struct {
	BaseURL    string
	Group      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v1.
func New(baseURL, group string) *Client {
	return &Client{
		BaseURL: baseURL,
		Group:   group,
		Timeout: 30 * time.Second,
	}
}

// Result reports what an operation changed.
type Result struct {
	Pipeline string   `json:"pipeline"`
	Mode     string   `json:"mode"`
	RunID    string   `json:"run_id"`
	NoOp     bool     `json:"noop"`
	Added    []string `json:"added"`
	Deleted  []string `json:"deleted"`
	Repaired []string `json:"repaired"`
	Warnings []string `json:"warnings"`
}

// Pipeline is the API view of an orchestration project.
type Pipeline struct {
	Name             string   `json:"name"`
	Group            string   `json:"group"`
	Base             string   `json:"base"`
	UsingSCM         bool     `json:"using_scm"`
	DescriptorPath   string   `json:"descriptor_path"`
	PhaseName        string   `json:"phase_name"`
	SubJobs          []string `json:"sub_jobs"`
	ArtifactSources  []string `json:"artifact_sources"`
	ReportingCommand string   `json:"reporting_command"`
	Steps            []string `json:"steps"`
	Descriptor       string   `json:"descriptor"`
}

// Run is one journaled operation.
type Run struct {
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

// Event represents a log entry.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	RunID    string         `json:"run_id"`
	Pipeline string         `json:"pipeline"`
	Job      string         `json:"job"`
	Payload  map[string]any `json:"payload"`
}

// CreateOptions carries the optional parts of a pipeline creation.
type CreateOptions struct {
	UsingSCM         bool
	DescriptorPath   string
	ReportingCommand string
}

// UpdateOptions selects how a descriptor is applied. A nil UsingSCM keeps
// the flag stored on the pipeline.
type UpdateOptions struct {
	UsingSCM *bool
	Rebuild  bool
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreatePipeline creates a pipeline from descriptor content.
func (c *Client) CreatePipeline(ctx context.Context, base string, descriptor []byte, opts CreateOptions) (Result, error) {
	body := map[string]any{
		"base":              base,
		"group":             c.Group,
		"using_scm":         opts.UsingSCM,
		"descriptor":        string(descriptor),
		"descriptor_path":   opts.DescriptorPath,
		"reporting_command": opts.ReportingCommand,
	}
	var resp Result
	err := c.doJSON(ctx, http.MethodPost, "pipelines", body, &resp)
	return resp, err
}

// UpdatePipeline sends raw descriptor content. Empty content is a no-op on
// the server.
func (c *Client) UpdatePipeline(ctx context.Context, base string, descriptor []byte, opts UpdateOptions) (Result, error) {
	q := c.groupQuery()
	if opts.UsingSCM != nil {
		q.Set("using_scm", strconv.FormatBool(*opts.UsingSCM))
	}
	if opts.Rebuild {
		q.Set("mode", "rebuild")
	}
	endpoint := fmt.Sprintf("pipelines/%s/update?%s", url.PathEscape(base), q.Encode())
	var resp Result
	err := c.do(ctx, http.MethodPost, endpoint, "application/yaml", bytes.NewReader(descriptor), &resp)
	return resp, err
}

// UpdateFromSaved re-applies the stored descriptor. callerJob is the full
// name of the pipeline's update project.
func (c *Client) UpdateFromSaved(ctx context.Context, callerJob string) (Result, error) {
	var resp Result
	err := c.doJSON(ctx, http.MethodPost, "pipelines/update-from-saved", map[string]any{"caller_job": callerJob}, &resp)
	return resp, err
}

// Pipeline fetches a pipeline by base name.
func (c *Client) Pipeline(ctx context.Context, base string) (Pipeline, error) {
	var resp Pipeline
	err := c.doJSON(ctx, http.MethodGet, c.pipelinePath(base, "", nil), nil, &resp)
	return resp, err
}

// DeletePipeline removes a pipeline with its sub-jobs.
func (c *Client) DeletePipeline(ctx context.Context, base string) (Result, error) {
	var resp Result
	err := c.doJSON(ctx, http.MethodDelete, c.pipelinePath(base, "", nil), nil, &resp)
	return resp, err
}

// Runs returns recent runs, newest first.
func (c *Client) Runs(ctx context.Context, base string, limit int) ([]Run, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []Run
	err := c.doJSON(ctx, http.MethodGet, c.pipelinePath(base, "runs", q), nil, &resp)
	return resp, err
}

// Events returns recent events, optionally filtered by type.
func (c *Client) Events(ctx context.Context, base, evtType string, limit int) ([]Event, error) {
	q := url.Values{}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []Event
	err := c.doJSON(ctx, http.MethodGet, c.pipelinePath(base, "events", q), nil, &resp)
	return resp, err
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.do(ctx, method, endpoint, "application/json", &buf, out)
}

func (c *Client) do(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) groupQuery() url.Values {
	q := url.Values{}
	if c.Group != "" {
		q.Set("group", c.Group)
	}
	return q
}

func (c *Client) pipelinePath(base, sub string, extra url.Values) string {
	p := "pipelines/" + url.PathEscape(base)
	if sub != "" {
		p += "/" + sub
	}
	q := c.groupQuery()
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if len(q) > 0 {
		p += "?" + q.Encode()
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
