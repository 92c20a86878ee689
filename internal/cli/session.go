package cli

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/asaidimu/go-sqlm/catalog"
	"github.com/asaidimu/go-sqlm/config"
	"github.com/asaidimu/go-sqlm/core"
	"github.com/asaidimu/go-sqlm/core/model"
	"github.com/asaidimu/go-sqlm/filters"
	"github.com/asaidimu/go-sqlm/metrics"
	"github.com/asaidimu/go-sqlm/postgres"
	"github.com/asaidimu/go-sqlm/sqldb"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Supported values for the driver setting.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
)

// session is everything a command needs: an open executor, a model with the
// catalog registered on it, and the means to release them.
type session struct {
	model     *model.Model
	collector *metrics.Collector
	logger    *zap.Logger
	close     func()
}

// openExecutor connects to the configured database.
func openExecutor(ctx context.Context, cfg *config.Config, logger *zap.Logger) (core.QueryExecutor, func(), error) {
	switch cfg.Driver {
	case DriverSQLite, DriverPostgres:
		db, err := sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
		}
		if cfg.Driver == DriverSQLite {
			// Every connection to an in-memory database is a separate database.
			db.SetMaxOpenConns(1)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to reach %s database: %w", cfg.Driver, err)
		}
		return sqldb.New(db, logger, nil), func() { db.Close() }, nil
	case DriverPgx:
		pool, err := postgres.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return postgres.New(pool, logger), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported driver %q (want %s, %s or %s)", cfg.Driver, DriverSQLite, DriverPostgres, DriverPgx)
	}
}

// openSession builds the model for cfg. The metrics collector is attached
// before the catalog is registered so declarations are counted.
func openSession(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*session, error) {
	exec, closeDB, err := openExecutor(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	m, err := model.New(exec, model.WithLogger(logger))
	if err != nil {
		closeDB()
		return nil, err
	}

	collector := metrics.New("sqlm")
	collector.Attach(m)

	if cfg.Catalog != "" {
		c, err := catalog.Load(cfg.Catalog)
		if err != nil {
			closeDB()
			return nil, err
		}
		if err := c.Register(m, filters.Builtins()); err != nil {
			closeDB()
			return nil, fmt.Errorf("failed to register catalog %s: %w", cfg.Catalog, err)
		}
		logger.Info("Catalog registered", zap.String("path", cfg.Catalog), zap.Int("bindings", len(c.Bindings)))
	}

	return &session{
		model:     m,
		collector: collector,
		logger:    logger,
		close: func() {
			collector.Detach()
			closeDB()
		},
	}, nil
}
