package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"sitetrack/internal/config"
	"sitetrack/internal/db"
	"sitetrack/internal/domain"
	"sitetrack/internal/engine"
	"sitetrack/internal/logging"
	"sitetrack/internal/migrate"
)

// Workspace is an opened sitetrack workspace: database migrated, config
// loaded and engine wired.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Log    zerolog.Logger
	Engine engine.Engine
}

type Options struct {
	Dir string
	// ConfigPath overrides <Dir>/sitetrack.yml.
	ConfigPath string
	// LogLevel overrides logging.level from the config file.
	LogLevel  string
	LogWriter io.Writer
}

// Open prepares the workspace directory, loads config (defaults when the
// file is missing), opens the database and applies pending migrations.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	if _, err := db.EnsureWorkspace(opts.Dir); err != nil {
		return nil, err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	writer := opts.LogWriter
	if writer == nil {
		writer = os.Stderr
	}
	log := logging.New(logging.Options{Level: level, Format: cfg.Logging.Format, Writer: writer})
	conn, err := db.Open(db.Config{Workspace: opts.Dir})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Migrate(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(opts.Dir), err)
	}
	if applied > 0 {
		log.Info().Int("applied", applied).Str("db", db.Path(opts.Dir)).Msg("migrations applied")
	}
	return &Workspace{
		Dir:    opts.Dir,
		DB:     conn,
		Config: cfg,
		Log:    log,
		Engine: engine.New(conn, cfg, log),
	}, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Dir)
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}

// BootstrapAdmin creates the first ADMIN when the workspace has none. It
// reports whether a user was created; an existing admin is left untouched.
func BootstrapAdmin(ctx context.Context, e engine.Engine, id, email, name string) (domain.User, bool, error) {
	n, err := e.Repo.CountAdmins(ctx)
	if err != nil {
		return domain.User{}, false, err
	}
	if n > 0 {
		return domain.User{}, false, nil
	}
	u, err := e.CreateUser(ctx, engine.UserCreateOptions{
		ID:      id,
		Email:   email,
		Name:    name,
		Role:    string(domain.RoleAdmin),
		ActorID: "bootstrap",
	})
	if err != nil {
		return domain.User{}, false, err
	}
	return u, true, nil
}
