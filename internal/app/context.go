package app

import (
	"context"
	"fmt"

	"github.com/containerd/log"

	"multijob/internal/config"
	"multijob/internal/db"
	"multijob/internal/metrics"
	"multijob/internal/migrate"
	"multijob/internal/reconcile"
	"multijob/internal/registry"
	"multijob/internal/repo"
	"multijob/internal/subjob"
)

// Options selects where a Service keeps its jobs.
type Options struct {
	Workspace string
	// Memory keeps everything in process memory; nothing is written to disk.
	Memory bool
}

// Open loads the workspace config (defaults when multijob.yml is absent),
// opens and migrates the store, and wires the engine around it.
func Open(ctx context.Context, opts Options) (*Service, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	var (
		reg     registry.Registry
		journal registry.Journal
		closeFn func() error
	)
	if opts.Memory {
		mem, err := registry.NewMemory()
		if err != nil {
			return nil, err
		}
		reg, journal = mem, mem
	} else {
		conn, err := db.Open(db.Config{Workspace: opts.Workspace})
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		applied, err := migrate.Migrate(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if applied > 0 {
			log.G(ctx).WithFields(log.Fields{"applied": applied, "path": db.Path(opts.Workspace)}).Info("database migrated")
		}
		r := repo.Repo{DB: conn}
		reg, journal, closeFn = r, r, conn.Close
	}
	eng := reconcile.Engine{
		Registry: reg,
		Factory: subjob.Factory{
			Jobs:           reg,
			Label:          cfg.SubJobs.Label,
			Commands:       cfg.SubJobs.Commands,
			ArchiveCommand: cfg.SubJobs.ArchiveCommand,
		},
		Journal:          journal,
		PhaseName:        cfg.Pipeline.PhaseName,
		ReportingCommand: cfg.Pipeline.ReportingCommand,
	}
	svc := NewService(eng, cfg, metrics.New())
	svc.closeFn = closeFn
	return svc, nil
}

// EventLog returns the SQLite event log when the service is disk backed.
func (s *Service) EventLog() (repo.Repo, bool) {
	r, ok := s.Engine.Registry.(repo.Repo)
	return r, ok
}
