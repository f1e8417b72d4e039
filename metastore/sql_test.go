package metastore_test

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	envelopecrypt "github.com/vaultguard/envelopecrypt"
	"github.com/vaultguard/envelopecrypt/metastore"
)

const createTableQuery = `CREATE TABLE encryption_key (
	id VARCHAR(255) NOT NULL,
	created TIMESTAMP NOT NULL,
	key_record TEXT NOT NULL,
	PRIMARY KEY (id, created)
)`

// SQLSuite exercises metastore.SQL against an in-memory SQLite database,
// standing in for the MySQL/Postgres dialects this same code path serves --
// the conditional-insert semantics under test don't depend on which
// driver backs *sql.DB.
type SQLSuite struct {
	suite.Suite

	db        *sql.DB
	metastore *metastore.SQL
}

func (s *SQLSuite) SetupTest() {
	db, err := sql.Open("sqlite3", ":memory:")
	s.Require().NoError(err)

	_, err = db.Exec(createTableQuery)
	s.Require().NoError(err)

	s.db = db
	s.metastore = metastore.NewSQL(db, metastore.WithDBType(metastore.SQLite))
}

func (s *SQLSuite) TearDownTest() {
	s.Require().NoError(s.db.Close())
}

func (s *SQLSuite) TestStoreThenLoad() {
	ctx := context.Background()

	ekr := &envelopecrypt.EnvelopeKeyRecord{Created: 1000, EncryptedKey: []byte("sealed")}

	stored, err := s.metastore.Store(ctx, "some-key", 1000, ekr)
	s.Require().NoError(err)
	s.True(stored)

	loaded, err := s.metastore.Load(ctx, "some-key", 1000)
	s.Require().NoError(err)
	s.Require().NotNil(loaded)
	s.Equal(ekr.EncryptedKey, loaded.EncryptedKey)
}

func (s *SQLSuite) TestStoreIsIdempotent() {
	ctx := context.Background()

	ekr := &envelopecrypt.EnvelopeKeyRecord{Created: 2000, EncryptedKey: []byte("sealed")}

	first, err := s.metastore.Store(ctx, "dup-key", 2000, ekr)
	s.Require().NoError(err)
	s.True(first)

	second, err := s.metastore.Store(ctx, "dup-key", 2000, ekr)
	s.Require().NoError(err)
	s.False(second, "a duplicate row must report false, not an error")
}

func (s *SQLSuite) TestLoadMissingReturnsNilNil() {
	ctx := context.Background()

	loaded, err := s.metastore.Load(ctx, "absent", 1)
	s.Require().NoError(err)
	s.Nil(loaded)
}

func (s *SQLSuite) TestLoadLatestOrdersByCreatedDescending() {
	ctx := context.Background()

	for _, created := range []int64{100, 300, 200} {
		ekr := &envelopecrypt.EnvelopeKeyRecord{Created: created, EncryptedKey: []byte("sealed")}
		stored, err := s.metastore.Store(ctx, "ordered-key", created, ekr)
		s.Require().NoError(err)
		s.Require().True(stored)
	}

	latest, err := s.metastore.LoadLatest(ctx, "ordered-key")
	s.Require().NoError(err)
	s.Require().NotNil(latest)
	s.Equal(int64(300), latest.Created)
}

func TestSQLSuite(t *testing.T) {
	suite.Run(t, new(SQLSuite))
}

func TestOpenSQLiteAcceptsSchemePrefix(t *testing.T) {
	db, err := metastore.OpenSQLite("sqlite://:memory:")
	require.NoError(t, err)
	require.NotNil(t, db)
}
