package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bi0dread/quarry"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

const (
	driverSQLite        = "sqlite"
	driverSQLiteRaw     = "sqlite-raw"
	driverPostgres      = "postgres"
	driverMongo         = "mongo"
	driverElasticsearch = "elasticsearch"
)

// Config is read from quarry.yaml, QUARRY_* variables and flags.
type Config struct {
	Driver        string `mapstructure:"driver"`
	DSN           string `mapstructure:"dsn"`
	MongoDatabase string `mapstructure:"mongo-database"`
	LogLevel      string `mapstructure:"log-level"`
	Format        string `mapstructure:"format"`
	MaxResults    int    `mapstructure:"max-results"`
	Metrics       bool   `mapstructure:"metrics"`
}

func defaultDSN(driver string) string {
	switch driver {
	case driverSQLite, driverSQLiteRaw:
		return "quarry.db"
	case driverPostgres:
		return "postgres://localhost:5432/quarry?sslmode=disable"
	case driverMongo:
		return "mongodb://localhost:27017"
	case driverElasticsearch:
		return "http://localhost:9200"
	}
	return ""
}

// backend bundles the compiler bound to one store with the adapter used to
// explain its plans.
type backend struct {
	registry *quarry.Registry
	compiler *quarry.Compiler
	adapter  quarry.Adapter

	gorm    *gorm.DB
	sql     *sql.DB
	dialect quarry.Dialect
	mongo   *mongo.Database
	esURL   string

	close func(context.Context) error
}

func openBackend(ctx context.Context, cfg Config, logger *slog.Logger) (*backend, error) {
	reg, err := newRegistry()
	if err != nil {
		return nil, err
	}
	dsn := cfg.DSN
	if dsn == "" {
		dsn = defaultDSN(strings.ToLower(cfg.Driver))
	}
	b := &backend{registry: reg, close: func(context.Context) error { return nil }}

	var exec quarry.Executor
	driver := strings.ToLower(cfg.Driver)
	switch driver {
	case driverSQLite:
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		b.gorm = db
		b.adapter = quarry.GormAdapter{DB: db}
		exec = quarry.NewGormExecutor(db, quarry.WithGormLogger(logger))
		b.close = func(context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		}
	case driverPostgres, driverSQLiteRaw:
		// plain database/sql: pgx for postgres, the pure Go sqlite driver otherwise
		driverName, dialect := "pgx", quarry.DialectPostgres
		if driver == driverSQLiteRaw {
			driverName, dialect = "sqlite", quarry.DialectSQLite
		}
		db, err := sql.Open(driverName, dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", driver, err)
		}
		b.sql = db
		b.dialect = dialect
		b.adapter = quarry.RawAdapter{Dialect: dialect}
		exec = quarry.NewSQLExecutor(db, dialect, quarry.WithSQLLogger(logger))
		b.close = func(context.Context) error { return db.Close() }
	case driverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(dsn))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		name := cfg.MongoDatabase
		if name == "" {
			name = "quarry"
		}
		b.mongo = client.Database(name)
		b.adapter = quarry.MongoAdapter{}
		exec = quarry.NewMongoExecutor(b.mongo, quarry.WithMongoLogger(logger))
		b.close = client.Disconnect
	case driverElasticsearch:
		b.esURL = strings.TrimRight(dsn, "/")
		b.adapter = quarry.ElasticsearchAdapter{}
		exec = quarry.NewElasticsearchExecutor(b.esURL, quarry.WithElasticsearchLogger(logger))
	default:
		return nil, fmt.Errorf("unknown driver %q (want sqlite, sqlite-raw, postgres, mongo or elasticsearch)", cfg.Driver)
	}

	if cfg.Metrics {
		reg := prometheus.NewRegistry()
		exec = quarry.NewExecutorMetrics(reg).Instrument(driver, exec)
		closeStore := b.close
		b.close = func(ctx context.Context) error {
			logMetrics(logger, reg)
			return closeStore(ctx)
		}
	}

	opts := []quarry.CompilerOption{quarry.WithExecutor(exec), quarry.WithLogger(logger)}
	if cfg.MaxResults > 0 {
		opts = append(opts, quarry.WithMaxResultsCap(cfg.MaxResults))
	}
	b.compiler = quarry.NewCompiler(reg, opts...)
	return b, nil
}

// logMetrics writes one info line per collected series.
func logMetrics(logger *slog.Logger, g prometheus.Gatherer) {
	families, err := g.Gather()
	if err != nil {
		logger.Warn("gather metrics", "err", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			attrs := []any{"metric", mf.GetName()}
			for _, lp := range m.GetLabel() {
				attrs = append(attrs, lp.GetName(), lp.GetValue())
			}
			if c := m.GetCounter(); c != nil {
				attrs = append(attrs, "value", c.GetValue())
			}
			if h := m.GetHistogram(); h != nil {
				attrs = append(attrs, "count", h.GetSampleCount(), "sum", h.GetSampleSum())
			}
			logger.Info("metrics", attrs...)
		}
	}
}
