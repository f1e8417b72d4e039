package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	envelopecrypt "github.com/vaultguard/envelopecrypt"
)

var (
	storeSQLTimer      = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.sql.store", envelopecrypt.MetricsPrefix), nil)
	loadSQLTimer       = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.sql.load", envelopecrypt.MetricsPrefix), nil)
	loadLatestSQLTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.sql.loadlatest", envelopecrypt.MetricsPrefix), nil)
)

// DBType names a database/sql driver family, used to pick the conditional
// insert syntax SQL needs to implement Metastore's Store semantics.
type DBType string

const (
	MySQL    DBType = "mysql"
	Postgres DBType = "postgres"
	SQLite   DBType = "sqlite3"

	DefaultDBType = MySQL
)

const (
	loadKeyQuery    = "SELECT key_record FROM encryption_key WHERE id = ? AND created = ?"
	loadLatestQuery = "SELECT key_record FROM encryption_key WHERE id = ? ORDER BY created DESC LIMIT 1"

	mysqlStoreQuery    = "INSERT IGNORE INTO encryption_key (id, created, key_record) VALUES (?, ?, ?)"
	postgresStoreQuery = "INSERT INTO encryption_key (id, created, key_record) VALUES ($1, $2, $3) ON CONFLICT (id, created) DO NOTHING"
	sqliteStoreQuery   = "INSERT OR IGNORE INTO encryption_key (id, created, key_record) VALUES (?, ?, ?)"
)

// SQLOption configures a SQL metastore.
type SQLOption func(*SQL)

// WithDBType selects the driver family SQL was opened against. The default
// is MySQL.
func WithDBType(t DBType) SQLOption {
	return func(s *SQL) { s.dbType = t }
}

// SQL implements envelopecrypt.Metastore atop a database/sql handle. Unlike
// a naive translation of duplicate-key errors (which database/sql can't
// reliably distinguish from other failures across drivers), Store uses a
// dialect-specific idempotent insert and inspects RowsAffected to tell a
// pre-existing row apart from a genuine error.
//
// See sqlite.go, mysql.go, and postgres.go in this package for the driver
// imports required for each DBType.
type SQL struct {
	db     *sql.DB
	dbType DBType
}

var _ envelopecrypt.Metastore = (*SQL)(nil)

// NewSQL returns a SQL metastore over an already-open *sql.DB.
func NewSQL(db *sql.DB, opts ...SQLOption) *SQL {
	s := &SQL{db: db, dbType: DefaultDBType}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *SQL) storeQuery() string {
	switch s.dbType {
	case Postgres:
		return postgresStoreQuery
	case SQLite:
		return sqliteStoreQuery
	default:
		return mysqlStoreQuery
	}
}

type scanner interface {
	Scan(v ...interface{}) error
}

func parseEnvelope(s scanner) (*envelopecrypt.EnvelopeKeyRecord, error) {
	var raw string

	if err := s.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "metastore: scan failed")
	}

	var ekr *envelopecrypt.EnvelopeKeyRecord

	if err := json.Unmarshal([]byte(raw), &ekr); err != nil {
		return nil, errors.Wrap(err, "metastore: unmarshal key record")
	}

	return ekr, nil
}

// Load implements envelopecrypt.Metastore.
func (s *SQL) Load(ctx context.Context, id string, created int64) (*envelopecrypt.EnvelopeKeyRecord, error) {
	defer loadSQLTimer.UpdateSince(time.Now())

	return parseEnvelope(s.db.QueryRowContext(ctx, loadKeyQuery, id, time.Unix(created, 0)))
}

// LoadLatest implements envelopecrypt.Metastore.
func (s *SQL) LoadLatest(ctx context.Context, id string) (*envelopecrypt.EnvelopeKeyRecord, error) {
	defer loadLatestSQLTimer.UpdateSince(time.Now())

	return parseEnvelope(s.db.QueryRowContext(ctx, loadLatestQuery, id))
}

// Store implements envelopecrypt.Metastore, returning (false, nil) for a
// pre-existing row rather than conflating it with a real error.
func (s *SQL) Store(ctx context.Context, id string, created int64, envelope *envelopecrypt.EnvelopeKeyRecord) (bool, error) {
	defer storeSQLTimer.UpdateSince(time.Now())

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return false, errors.Wrap(err, "metastore: marshal envelope")
	}

	result, err := s.db.ExecContext(ctx, s.storeQuery(), id, time.Unix(created, 0), string(bytes))
	if err != nil {
		return false, errors.Wrapf(err, "metastore: store key %s, %d", id, created)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		// Not every driver implements RowsAffected; fall back to treating
		// a successful Exec as a fresh insert.
		return true, nil
	}

	return affected > 0, nil
}
