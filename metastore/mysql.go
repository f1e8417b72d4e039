package metastore

import (
	"database/sql"

	_ "github.com/go-sql-driver/mysql"
)

// OpenMySQL opens dsn with the mysql driver and returns a SQL metastore
// configured for MySQL's conditional-insert syntax.
func OpenMySQL(dsn string, opts ...SQLOption) (*SQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	return NewSQL(db, append([]SQLOption{WithDBType(MySQL)}, opts...)...), nil
}
