package metastore

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// OpenSQLite opens dsn with the mattn/go-sqlite3 driver and returns a SQL
// metastore configured for SQLite's conditional-insert syntax. A leading
// "sqlite://" scheme, accepted for parity with the other dialects' DSN
// conventions, is stripped before being handed to the driver -- go-sqlite3
// expects a bare file path or ":memory:", not a URL.
func OpenSQLite(dsn string, opts ...SQLOption) (*SQL, error) {
	db, err := sql.Open("sqlite3", normalizeSQLiteDSN(dsn))
	if err != nil {
		return nil, err
	}

	return NewSQL(db, append([]SQLOption{WithDBType(SQLite)}, opts...)...), nil
}

func normalizeSQLiteDSN(dsn string) string {
	return strings.TrimPrefix(dsn, "sqlite://")
}
