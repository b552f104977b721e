// Package app wires the engines over one database connection for the CLI
// and the server process.
package app

import (
	"database/sql"
	"time"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/establishment"
	"caseline/internal/external"
	"caseline/internal/external/fake"
	"caseline/internal/intake"
	"caseline/internal/jobs"
	"caseline/internal/migrate"
	"caseline/internal/queue"
	"caseline/internal/repo"
	"caseline/internal/taskflow"
)

// App is the assembled application: every engine sharing one connection and
// one config. The external collaborators default to the in-memory fakes;
// a deployment wires real clients through the Externals override.
type App struct {
	DB          *sql.DB
	Config      *config.Config
	Repo        repo.Repo
	Intake      intake.Engine
	Est         *establishment.Engine
	Tasks       taskflow.Engine
	Pager       queue.Pager
	Distributor *queue.Distributor
	Externals   Externals
}

// Externals groups the external collaborators the engines depend on.
type Externals struct {
	Claims  external.ClaimsService
	Dir     external.Directory
	Legacy  external.LegacyService
	Toggles external.FeatureToggles
}

// localExternals is the in-memory stack used when no real collaborators are
// configured. Feature flags come from the config file's flag map.
func localExternals() Externals {
	return Externals{
		Claims: fake.NewClaims(),
		Dir:    fake.NewDirectory(),
		Legacy: fake.NewLegacy(),
	}
}

// configToggles answers feature-flag checks from the config flag map,
// ignoring the user: flags in the file apply to everyone.
type configToggles struct {
	cfg *config.Config
}

func (t configToggles) Enabled(flag string, cssID string) bool {
	return t.cfg.Enabled(flag)
}

// Open loads config, opens and migrates the workspace database, and wires
// every engine.
func Open(workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return New(conn, cfg, localExternals()), nil
}

// New assembles the engines over an existing connection.
func New(conn *sql.DB, cfg *config.Config, ext Externals) *App {
	if ext.Toggles == nil {
		ext.Toggles = configToggles{cfg: cfg}
	}
	return &App{
		DB:          conn,
		Config:      cfg,
		Repo:        repo.Repo{DB: conn},
		Intake:      intake.New(conn, cfg, ext.Legacy, ext.Toggles),
		Est:         establishment.New(conn, cfg, ext.Claims, ext.Dir),
		Tasks:       taskflow.New(conn, cfg),
		Pager:       queue.New(conn, cfg),
		Distributor: queue.NewDistributor(conn),
		Externals:   ext,
	}
}

// Jobs returns the background job set, ready for a Runner.
func (a *App) Jobs() []jobs.Job {
	return []jobs.Job{
		jobs.DecisionSyncJob{
			Repo:   a.Repo,
			Est:    a.Est,
			Window: a.Config.ProcessingWindow(),
			Now:    time.Now,
		},
		jobs.EndProductSyncJob{Repo: a.Repo, Est: a.Est},
		jobs.HoldExpiryJob{Tasks: a.Tasks},
		jobs.CachedAppealsJob{Repo: a.Repo, Dir: a.Externals.Dir, Now: time.Now},
	}
}

// Runner builds the fixed-interval poller over the app's jobs.
func (a *App) Runner() *jobs.Runner {
	return &jobs.Runner{
		Interval: time.Duration(a.Config.Sync.PollIntervalSeconds) * time.Second,
		Jobs:     a.Jobs(),
	}
}

func (a *App) Close() error {
	return a.DB.Close()
}
