package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"multijob/internal/app"
	"multijob/internal/config"
	"multijob/internal/domain"
	"multijob/internal/reconcile"
	"multijob/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mjob",
	Short: "Multijob pipeline CLI",
	Long: `mjob keeps multi-job pipelines in step with their job descriptors.
- Pipeline: an orchestration project <base>.pipeline.multi, its update project
  <base>.pipeline.updatemulti and one sub-job per descriptor entry, all in one job group.
- Descriptor: YAML or JSONC listing source/platform/compiler/testsuite/environment entries.
- Update: adds missing sub-jobs, deletes the ones no longer described and repairs the
  fan-out and artifact-copy steps. Running it twice changes nothing the second time.
- Rebuild: tears the pipeline down and creates it again from the descriptor.
- Runs: every operation is journaled; view with 'mjob pipeline runs'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MULTIJOB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("memory", false, "keep jobs in memory only")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "json", "memory", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func setupLogging() error {
	logrus.SetOutput(os.Stderr)
	if err := log.SetLevel(viper.GetString("log-level")); err != nil {
		return err
	}
	switch format := viper.GetString("log-format"); format {
	case "", string(log.TextFormat):
		return log.SetFormat(log.TextFormat)
	case string(log.JSONFormat):
		return log.SetFormat(log.JSONFormat)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
}

func registerCommands() {
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

// pipelineFlags are shared by every command addressing a single pipeline.
type pipelineFlags struct {
	base  string
	group string
}

func (f *pipelineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.base, "base", "", "pipeline base name")
	cmd.Flags().StringVar(&f.group, "group", "", "job group (folder) of the pipeline")
	_ = cmd.MarkFlagRequired("base")
}

func (f *pipelineFlags) ref() domain.PipelineRef {
	return domain.PipelineRef{Group: f.group, Base: f.base}
}

func pipelineCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage pipelines",
	}
	p.AddCommand(pipelineCreateCmd())
	p.AddCommand(pipelineUpdateCmd("update", "Apply a descriptor incrementally", false))
	p.AddCommand(pipelineUpdateCmd("rebuild", "Delete and recreate a pipeline from a descriptor", true))
	p.AddCommand(pipelineUpdateFromSavedCmd())
	p.AddCommand(pipelineShowCmd())
	p.AddCommand(pipelineDeleteCmd())
	p.AddCommand(pipelineRunsCmd())
	p.AddCommand(pipelineEventsCmd())
	p.AddCommand(jobsCmd())
	return p
}

func pipelineCreateCmd() *cobra.Command {
	var (
		f          pipelineFlags
		file       string
		usingSCM   bool
		reportCmd  string
		descriptor []byte
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pipeline",
		Long:  "Create the orchestration project, its update project and one sub-job per descriptor entry. Nothing is written when any of those names is taken.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := readDescriptor(cmd, file)
				if err != nil {
					return err
				}
				descriptor = data
			}
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				res, err := svc.Create(ctx, reconcile.CreateRequest{
					Pipeline:         f.ref(),
					Descriptor:       descriptor,
					DescriptorPath:   file,
					UsingSCM:         usingSCM,
					ReportingCommand: reportCmd,
				})
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&file, "descriptor", "f", "", "descriptor file ('-' reads stdin)")
	cmd.Flags().BoolVar(&usingSCM, "using-scm", false, "sub-jobs check out sources and archive their build")
	cmd.Flags().StringVar(&reportCmd, "reporting-command", "", "reporting command (defaults to config pipeline.reporting_command)")
	return cmd
}

func pipelineUpdateCmd(use, short string, rebuild bool) *cobra.Command {
	var (
		f        pipelineFlags
		file     string
		usingSCM bool
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			descriptor, err := readDescriptor(cmd, file)
			if err != nil {
				return err
			}
			req := reconcile.UpdateRequest{Pipeline: f.ref(), Descriptor: descriptor}
			if cmd.Flags().Changed("using-scm") {
				req.UsingSCM = &usingSCM
			}
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				res, err := svc.Update(ctx, req, rebuild)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&file, "descriptor", "f", "", "descriptor file ('-' reads stdin)")
	cmd.Flags().BoolVar(&usingSCM, "using-scm", false, "override the SCM flag stored on the pipeline")
	_ = cmd.MarkFlagRequired("descriptor")
	return cmd
}

func pipelineUpdateFromSavedCmd() *cobra.Command {
	var caller string
	cmd := &cobra.Command{
		Use:   "update-from-saved",
		Short: "Re-apply the descriptor stored on a pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				res, err := svc.UpdateFromSaved(ctx, caller)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&caller, "caller", "", "full name of the pipeline's update project")
	_ = cmd.MarkFlagRequired("caller")
	return cmd
}

func pipelineShowCmd() *cobra.Command {
	var f pipelineFlags
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				p, err := svc.Show(ctx, f.ref())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Pipeline: %s (using SCM: %t)\n", p.Ref.FullName(), p.UsingSCM)
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Step", "Detail"})
				for i, step := range p.Steps {
					tw.AppendRow(table.Row{i, step.Kind, stepDetail(step)})
				}
				tw.Render()
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func pipelineDeleteCmd() *cobra.Command {
	var f pipelineFlags
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a pipeline and its sub-jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				res, err := svc.Delete(ctx, f.ref())
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func pipelineRunsCmd() *cobra.Command {
	var (
		f     pipelineFlags
		limit int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent operations on a pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				runs, err := svc.Runs(ctx, f.ref(), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Mode", "Outcome", "Added", "Deleted", "Repaired", "Warnings", "At"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.Mode, r.Outcome, len(r.Added), len(r.Deleted), len(r.Repaired), len(r.Warnings), r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	f.register(cmd)
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs")
	return cmd
}

func pipelineEventsCmd() *cobra.Command {
	var (
		f       pipelineFlags
		limit   int
		evtType string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the event log of a pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				items, err := svc.Events(ctx, f.ref(), evtType, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Type", "Job", "Run", "At"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.Type, e.Job, e.RunID, e.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	f.register(cmd)
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func jobsCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List the jobs of a job group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				jobs, err := svc.Jobs(ctx, group)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Name", "Kind", "Owner", "Updated"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.Ref.FullName(), j.Kind, j.Owner, j.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "job group")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage multijob.yml",
		Long:  "multijob.yml holds the server address, the default phase name and reporting command, and the commands written into every sub-job.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default multijob.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate multijob.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if file != "" {
				_, err = config.FromFile(file)
			} else {
				_, err = config.Load(viper.GetString("workspace"))
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (defaults to the workspace multijob.yml)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				if addr == "" {
					addr = svc.Config.Server.Addr
				}
				if basePath == "" {
					basePath = svc.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{Service: svc, BasePath: basePath})
				if err != nil {
					return err
				}
				if server.StartWebhooks(ctx, svc) {
					log.G(ctx).WithField("webhooks", len(svc.Config.Webhooks)).Info("dispatching pipeline events")
				}
				srv := &http.Server{Addr: addr, Handler: handler, BaseContext: func(net.Listener) context.Context { return ctx }}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				log.G(ctx).WithFields(log.Fields{"addr": addr, "base_path": basePath}).Info("serving multijob API")
				fmt.Printf("Serving Multijob API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config server.base_path)")
	return cmd
}

func withService(ctx context.Context, fn func(context.Context, *app.Service) error) error {
	svc, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Memory:    viper.GetBool("memory"),
	})
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func readDescriptor(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(file)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func stepDetail(step domain.BuildStep) string {
	switch {
	case step.Setup != nil:
		if step.Setup.DescriptorPath != "" {
			return "descriptor " + step.Setup.DescriptorPath
		}
		return ""
	case step.FanOut != nil:
		names := make([]string, 0, len(step.FanOut.PhaseJobs))
		for _, j := range step.FanOut.PhaseJobs {
			names = append(names, j.JobName)
		}
		return fmt.Sprintf("%s: %s", step.FanOut.PhaseName, strings.Join(names, ", "))
	case step.ArtifactCopy != nil:
		return step.ArtifactCopy.SourceJob + " [" + step.ArtifactCopy.Filter() + "]"
	case step.Reporting != nil:
		return step.Reporting.Command
	}
	return ""
}

func printResult(res reconcile.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	state := "applied"
	if res.NoOp {
		state = "no changes"
	}
	fmt.Printf("%s %s: %s\n", res.Mode, res.Pipeline, state)
	if !res.Changed() && len(res.Warnings) == 0 {
		return nil
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Action", "Job"})
	for _, name := range res.Added {
		tw.AppendRow(table.Row{"added", name})
	}
	for _, name := range res.Deleted {
		tw.AppendRow(table.Row{"deleted", name})
	}
	for _, name := range res.Repaired {
		tw.AppendRow(table.Row{"repaired", name})
	}
	for _, w := range res.Warnings {
		tw.AppendRow(table.Row{"warning", w})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
