package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"multijob/internal/app"
	"multijob/internal/domain"
	"multijob/internal/reconcile"
)

// Config for the HTTP API handler.
type Config struct {
	Service  *app.Service
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_descriptor"`
	Message string         `json:"message" example:"invalid descriptor: entry 2: environment is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"entry\":2}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the pipeline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New("server: service is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("Multijob API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerMetrics(router, cfg.Service)
	registerHealth(group)
	registerPipelines(group, cfg.Service)
	registerHistory(group, cfg.Service)
	registerJobs(group, cfg.Service)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestLogger attaches a request scoped logger and logs each response.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := log.G(r.Context()).WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		})
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(log.WithLogger(r.Context(), entry)))
		entry.WithField("status", ww.Status()).Debug("request served")
	})
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var invalid domain.InvalidDescriptorError
	if errors.As(err, &invalid) {
		var details map[string]any
		if invalid.Entry >= 0 {
			details = map[string]any{"entry": invalid.Entry}
		}
		return newAPIError(http.StatusBadRequest, "invalid_descriptor", err.Error(), details)
	}
	var notFound domain.ProjectNotFoundError
	if errors.As(err, &notFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"name": notFound.Name})
	}
	var exists domain.JobAlreadyExistsError
	if errors.As(err, &exists) {
		return newAPIError(http.StatusConflict, "already_exists", err.Error(), map[string]any{"name": exists.Name})
	}
	msg := err.Error()
	switch {
	case errdefs.IsInvalidArgument(err):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errdefs.IsNotFound(err):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errdefs.IsAlreadyExists(err):
		return newAPIError(http.StatusConflict, "already_exists", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerMetrics(r chi.Router, svc *app.Service) {
	if svc.Metrics == nil {
		return
	}
	r.Handle("/metrics", svc.Metrics.Handler())
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	if oas.Components != nil && oas.Components.Schemas != nil {
		oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Multijob API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerPipelines(api huma.API, svc *app.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-pipeline",
		Method:        http.MethodPost,
		Path:          "/pipelines",
		Summary:       "Create pipeline",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreatePipelineRequest `json:"body"`
	}) (*struct {
		Body ResultResponse `json:"body"`
	}, error) {
		if input.Body.Base == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "base is required", nil)
		}
		res, err := svc.Create(ctx, reconcile.CreateRequest{
			Pipeline:         domain.PipelineRef{Group: input.Body.Group, Base: input.Body.Base},
			Descriptor:       []byte(input.Body.Descriptor),
			DescriptorPath:   input.Body.DescriptorPath,
			UsingSCM:         input.Body.UsingSCM,
			ReportingCommand: input.Body.ReportingCommand,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResultResponse `json:"body"`
		}{Body: resultResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-pipeline",
		Method:      http.MethodPost,
		Path:        "/pipelines/{base}/update",
		Summary:     "Apply a job descriptor to a pipeline",
		Description: "The request body is the raw descriptor (YAML or JSONC). An empty body is a no-op.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Base     string `path:"base"`
		Group    string `query:"group"`
		UsingSCM string `query:"using_scm" doc:"true or false; the stored flag is kept when omitted"`
		Mode     string `query:"mode" enum:"incremental,rebuild" default:"incremental"`
	}) (*struct {
		Body ResultResponse `json:"body"`
	}, error) {
		usingSCM, err := parseOptionalBool(input.UsingSCM)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid using_scm", map[string]any{"using_scm": input.UsingSCM})
		}
		res, err := svc.Update(ctx, reconcile.UpdateRequest{
			Pipeline:   domain.PipelineRef{Group: input.Group, Base: input.Base},
			Descriptor: bodyBytes(ctx),
			UsingSCM:   usingSCM,
		}, input.Mode == domain.ModeRebuild)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResultResponse `json:"body"`
		}{Body: resultResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-pipeline-from-saved",
		Method:      http.MethodPost,
		Path:        "/pipelines/update-from-saved",
		Summary:     "Re-apply the stored descriptor of a pipeline",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body UpdateFromSavedRequest `json:"body"`
	}) (*struct {
		Body ResultResponse `json:"body"`
	}, error) {
		if input.Body.CallerJob == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "caller_job is required", nil)
		}
		res, err := svc.UpdateFromSaved(ctx, input.Body.CallerJob)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResultResponse `json:"body"`
		}{Body: resultResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline",
		Method:      http.MethodGet,
		Path:        "/pipelines/{base}",
		Summary:     "Get pipeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Base  string `path:"base"`
		Group string `query:"group"`
	}) (*struct {
		Body PipelineResponse `json:"body"`
	}, error) {
		p, err := svc.Show(ctx, domain.PipelineRef{Group: input.Group, Base: input.Base})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PipelineResponse `json:"body"`
		}{Body: pipelineResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-pipeline",
		Method:      http.MethodDelete,
		Path:        "/pipelines/{base}",
		Summary:     "Delete pipeline and its sub-jobs",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Base  string `path:"base"`
		Group string `query:"group"`
	}) (*struct {
		Body ResultResponse `json:"body"`
	}, error) {
		res, err := svc.Delete(ctx, domain.PipelineRef{Group: input.Group, Base: input.Base})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResultResponse `json:"body"`
		}{Body: resultResponse(res)}, nil
	})
}

func registerHistory(api huma.API, svc *app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pipeline-runs",
		Method:      http.MethodGet,
		Path:        "/pipelines/{base}/runs",
		Summary:     "List recent runs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Base  string `path:"base"`
		Group string `query:"group"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		runs, err := svc.Runs(ctx, domain.PipelineRef{Group: input.Group, Base: input.Base}, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: mapRuns(runs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pipeline-events",
		Method:      http.MethodGet,
		Path:        "/pipelines/{base}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Base  string `path:"base"`
		Group string `query:"group"`
		Type  string `query:"type"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := svc.Events(ctx, domain.PipelineRef{Group: input.Group, Base: input.Base}, input.Type, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := []EventResponse{}
		for _, evt := range items {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerJobs(api huma.API, svc *app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List the jobs of a job group",
	}, func(ctx context.Context, input *struct {
		Group string `query:"group"`
	}) (*struct {
		Body []JobResponse `json:"body"`
	}, error) {
		jobs, err := svc.Jobs(ctx, input.Group)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []JobResponse `json:"body"`
		}{Body: mapJobs(jobs)}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func parseOptionalBool(raw string) (*bool, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
