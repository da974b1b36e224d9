package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/common/logger"
	"github.com/nexushq/nexus/internal/db/dialect"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens the store backend selected by databaseURL and returns a Pool.
// A postgres:// (or postgresql://) URL selects PostgreSQL via pgx; anything
// else is treated as a SQLite file path.
func Open(databaseURL string, maxConns, minConns int, log *logger.Logger) (*Pool, func() error, error) {
	if isPostgresURL(databaseURL) {
		pool, err := openPostgres(databaseURL, maxConns, minConns)
		if err != nil {
			return nil, nil, err
		}
		if log != nil {
			log.Info("Database initialized", zap.String("db_driver", dialect.PGX))
		}
		return pool, pool.Close, nil
	}

	writer, err := OpenSQLite(databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	reader, err := OpenSQLiteReader(databaseURL)
	if err != nil {
		_ = writer.Close()
		return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
	}
	pool := NewPool(
		sqlx.NewDb(writer, dialect.SQLite3),
		sqlx.NewDb(reader, dialect.SQLite3),
	)
	if log != nil {
		log.Info("Database initialized", zap.String("db_path", databaseURL), zap.String("db_driver", dialect.SQLite3))
	}
	cleanup := func() error {
		// Update query planner statistics before closing; the
		// SQLite-recommended lightweight maintenance call.
		_, _ = writer.Exec("PRAGMA optimize")
		return pool.Close()
	}
	return pool, cleanup, nil
}

func isPostgresURL(databaseURL string) bool {
	return strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://")
}

// openPostgres opens a PostgreSQL connection pool using pgx through
// database/sql. Writer and reader share the pool; pgx handles pooling
// internally.
func openPostgres(dsn string, maxConns, minConns int) (*Pool, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(minConns)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	db := sqlx.NewDb(sqlDB, dialect.PGX)
	return NewPool(db, db), nil
}
