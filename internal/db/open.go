package db

import (
	"github.com/jmoiron/sqlx"

	"github.com/missionctl/missionctl/internal/db/dialect"
)

// OpenSQLitePool opens the writer and read-only reader connections for a
// SQLite database and wraps them into a Pool.
func OpenSQLitePool(dbPath string) (*Pool, error) {
	writer, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return NewPool(
		sqlx.NewDb(writer, dialect.SQLite3),
		sqlx.NewDb(reader, dialect.SQLite3),
	), nil
}

// OpenPostgresPool opens a PostgreSQL connection and wraps it into a Pool.
// Postgres handles concurrent writers, so one pool serves both roles.
func OpenPostgresPool(dsn string, maxConns, minConns int) (*Pool, error) {
	conn, err := OpenPostgres(dsn, maxConns, minConns)
	if err != nil {
		return nil, err
	}
	shared := sqlx.NewDb(conn, dialect.PGX)
	return NewPool(shared, shared), nil
}
