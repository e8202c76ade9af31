package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"boardflow/internal/config"
	"boardflow/internal/db"
	"boardflow/internal/engine"
	"boardflow/internal/migrate"
	"boardflow/internal/repo"
)

// Workspace is an opened boardflow workspace.
type Workspace struct {
	Dir    string
	Config *config.Config
	DB     *sql.DB
	Engine *engine.Engine
}

type OpenOptions struct {
	Log      *zap.Logger
	Registry prometheus.Registerer
	ActorID  string
}

// Open loads the workspace config (defaults when absent), opens the database,
// applies pending migrations and builds the engine.
func Open(ctx context.Context, dir string, opts OpenOptions) (*Workspace, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg, engine.Options{Log: opts.Log, Registry: opts.Registry, ActorID: opts.ActorID})
	return &Workspace{Dir: dir, Config: cfg, DB: conn, Engine: eng}, nil
}

func (w *Workspace) Close() error {
	w.Engine.Close()
	return w.DB.Close()
}

// ResolveProject picks the active project. It prefers the override, then
// the project named in the config, then the only project in the database.
func ResolveProject(ctx context.Context, w *Workspace, override string) (string, error) {
	candidates := []string{override}
	if w.Config != nil {
		candidates = append(candidates, w.Config.Project.ID)
	}
	for _, id := range candidates {
		if id == "" {
			continue
		}
		if _, err := w.Engine.GetProject(ctx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", fmt.Errorf("project %s not found; create it with bf project create", id)
			}
			return "", err
		}
		return id, nil
	}
	p, err := w.Engine.Repo.SingleProject(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("no project found; create one with bf project create")
		}
		return "", err
	}
	return p.ID, nil
}
