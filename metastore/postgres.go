package metastore

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// OpenPostgres opens dsn with the lib/pq driver and returns a SQL metastore
// configured for Postgres's conditional-insert syntax.
func OpenPostgres(dsn string, opts ...SQLOption) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	return NewSQL(db, append([]SQLOption{WithDBType(Postgres)}, opts...)...), nil
}
