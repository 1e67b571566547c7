package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/katasec/dstream-orchestrator/internal/cdc"
	"github.com/katasec/dstream-orchestrator/internal/cdc/locking"
	"github.com/katasec/dstream-orchestrator/internal/cdc/sqlite"
	"github.com/katasec/dstream-orchestrator/internal/cdc/sqlserver"
	"github.com/katasec/dstream-orchestrator/internal/config"
	"github.com/katasec/dstream-orchestrator/internal/db"
	"github.com/katasec/dstream-orchestrator/internal/publisher"
	"github.com/katasec/dstream-orchestrator/internal/service"
	"github.com/katasec/dstream-orchestrator/internal/telemetry"
	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

// Host runs one orchestrator per configured entity
type Host struct {
	config        *config.Config
	dbConn        *sql.DB
	publisher     api.EventPublisher
	lockerFactory *locking.LockerFactory
	entities      []*hostedEntity
	logger        hclog.Logger
}

type hostedEntity struct {
	settings     entitySettings
	store        entityStore
	orchestrator *cdc.Orchestrator
}

// entityStore is a BatchStore that reports the mapping completed with discovered key columns
type entityStore interface {
	api.BatchStore
	Mapping() api.EntityMapping
}

// NewHost connects to the database and publisher and builds an orchestrator for every entity.
// SQL Server tables without change data capture are skipped.
func NewHost(ctx context.Context, cfg *config.Config) (*Host, error) {
	logger := configureLogger(cfg)
	pub, err := publisher.New(ctx, cfg.PublisherOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}
	h, err := newHost(ctx, cfg, pub, logger)
	if err != nil {
		_ = pub.Close()
		return nil, err
	}
	return h, nil
}

func newHost(ctx context.Context, cfg *config.Config, pub api.EventPublisher, logger hclog.Logger) (*Host, error) {
	conn, err := db.Connect(ctx, cfg.DBDriver, cfg.DBConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}

	locks := cfg.LockConfig
	h := &Host{
		config:    cfg,
		dbConn:    conn,
		publisher: pub,
		lockerFactory: locking.NewLockerFactory(
			locks.Type,
			locks.ConnectionString,
			locks.ContainerName,
			cfg.DBConnectionString,
		),
		logger: logger,
	}

	settings, err := buildEntitySettings(cfg, h.lockerFactory)
	if err != nil {
		conn.Close()
		return nil, err
	}

	for _, s := range settings {
		mapping := s.Options.Mapping
		store, err := h.newStore(ctx, mapping)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("entity %s: %w", mapping.Name, err)
		}
		if store == nil {
			logger.Warn("Skipping entity; CDC not enabled", "entity", mapping.Name, "table", mapping.QualifiedTable())
			continue
		}

		s.Options.Mapping = store.Mapping()
		orch, err := cdc.NewOrchestrator(store, pub, logger, s.Options)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("entity %s: %w", mapping.Name, err)
		}
		h.entities = append(h.entities, &hostedEntity{settings: s, store: store, orchestrator: orch})
	}

	if len(h.entities) == 0 {
		conn.Close()
		return nil, errors.New("no entity has change data capture enabled")
	}
	return h, nil
}

// newStore returns nil when the SQL Server table is not captured
func (h *Host) newStore(ctx context.Context, mapping api.EntityMapping) (entityStore, error) {
	if h.config.DBDriver == db.DriverSQLite {
		return sqlite.NewStore(ctx, h.dbConn, mapping)
	}

	enabled, err := sqlserver.IsCDCEnabled(ctx, h.dbConn, mapping.Schema, mapping.Table)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, nil
	}
	return sqlserver.NewStore(ctx, h.dbConn, mapping, sqlserver.Options{TrackingSchema: h.config.TrackingSchema})
}

// Initialize creates the tracking tables. For SQLite it also installs the capture triggers.
func (h *Host) Initialize(ctx context.Context) error {
	if h.config.DBDriver == db.DriverSQLite {
		for _, e := range h.entities {
			if err := e.store.(*sqlite.Store).InstallCapture(ctx); err != nil {
				return fmt.Errorf("entity %s: %w", e.orchestrator.Name(), err)
			}
			h.logger.Info("Installed change capture", "entity", e.orchestrator.Name())
		}
		return sqlite.InitializeTrackingTables(ctx, h.dbConn)
	}
	return sqlserver.InitializeTrackingTables(ctx, h.dbConn, h.config.TrackingSchema)
}

// Run hosts every entity until ctx is done
func (h *Host) Run(ctx context.Context) error {
	h.logger.Info("Starting orchestrator host", "entities", len(h.entities))

	g, ctx := errgroup.WithContext(ctx)
	if addr := h.config.Metrics.Address; addr != "" {
		telemetry.Initialize()
		srv := &http.Server{Addr: addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			h.logger.Info("Serving metrics", "address", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	for _, e := range h.entities {
		svc, err := h.hostedService(ctx, e)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return svc.Run(ctx)
		})
	}

	err := g.Wait()
	h.logger.Info("Context cancelled; orchestrator host stopped")
	return err
}

// RunOnce executes every entity once and returns the results in entity order. Entities whose lock
// is held elsewhere are reported as skipped.
func (h *Host) RunOnce(ctx context.Context) ([]cdc.Result, error) {
	results := make([]cdc.Result, len(h.entities))
	for i, e := range h.entities {
		svc, err := h.hostedService(ctx, e)
		if err != nil {
			return nil, err
		}
		res, ran, err := svc.RunOnce(ctx)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", e.orchestrator.Name(), err)
		}
		if !ran {
			h.logger.Info("Entity locked elsewhere; skipped", "entity", e.orchestrator.Name())
		}
		results[i] = res
	}
	return results, nil
}

func (h *Host) hostedService(ctx context.Context, e *hostedEntity) (*service.HostedService, error) {
	locker, err := h.lockerFactory.CreateLocker(ctx, e.settings.LockName)
	if err != nil {
		return nil, fmt.Errorf("failed to create locker for %s: %w", e.orchestrator.Name(), err)
	}
	return service.NewHostedService(e.orchestrator, locker, h.logger, service.Config{
		LockName:        e.settings.LockName,
		PollInterval:    h.config.PollInterval,
		MaxPollInterval: h.config.MaxPollInterval,
	}), nil
}

// Names returns the hosted entity names
func (h *Host) Names() []string {
	names := make([]string, len(h.entities))
	for i, e := range h.entities {
		names[i] = e.orchestrator.Name()
	}
	return names
}

func (h *Host) Close() error {
	return errors.Join(h.publisher.Close(), h.dbConn.Close())
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	return mux
}
