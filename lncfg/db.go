package lncfg

import (
	"context"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/kvdb/sqlite"
)

const (
	// BoltBackend stores the device database in a bbolt file.
	BoltBackend = "bolt"

	// SqliteBackend stores the device database in sqlite. It requires a
	// build with the kvdb_sqlite tag.
	SqliteBackend = "sqlite"

	// NSDeviceDB is the table prefix of the device database in sql
	// backends.
	NSDeviceDB = "devicedb"

	defaultSqliteTimeout     = 10 * time.Second
	defaultSqliteBusyTimeout = 5 * time.Second
)

// DB holds the configuration of the local device database.
//
//nolint:lll
type DB struct {
	Backend string `long:"backend" description:"The selected database backend." choice:"bolt" choice:"sqlite"`

	Bolt *kvdb.BoltConfig `group:"bolt" namespace:"bolt" description:"Bolt settings."`

	Sqlite *sqlite.Config `group:"sqlite" namespace:"sqlite" description:"Sqlite settings."`
}

// DefaultDB creates and returns a new default DB config.
func DefaultDB() *DB {
	return &DB{
		Backend: BoltBackend,
		Bolt: &kvdb.BoltConfig{
			NoFreelistSync:    true,
			AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
			DBTimeout:         kvdb.DefaultDBTimeout,
		},
		Sqlite: &sqlite.Config{
			Timeout:     defaultSqliteTimeout,
			BusyTimeout: defaultSqliteBusyTimeout,
		},
	}
}

// Validate validates the DB config.
func (db *DB) Validate() error {
	switch db.Backend {
	case BoltBackend:
		if db.Bolt.DBTimeout <= 0 {
			return fmt.Errorf("db.bolt.dbtimeout must be positive")
		}

	case SqliteBackend:
		if db.Sqlite.MaxConnections < 0 {
			return fmt.Errorf("db.sqlite.maxconnections must be " +
				"non-negative")
		}

	default:
		return fmt.Errorf("unknown backend %q, must be either %q or %q",
			db.Backend, BoltBackend, SqliteBackend)
	}

	return nil
}

// GetBackend opens the backend selected by the config, storing the database
// as fileName inside dbPath.
func (db *DB) GetBackend(ctx context.Context, dbPath,
	fileName string) (kvdb.Backend, error) {

	if db.Backend == SqliteBackend {
		return kvdb.Open(
			kvdb.SqliteBackendName, ctx, db.Sqlite, dbPath,
			fileName, NSDeviceDB,
		)
	}

	return kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:            dbPath,
		DBFileName:        fileName,
		NoFreelistSync:    db.Bolt.NoFreelistSync,
		AutoCompact:       db.Bolt.AutoCompact,
		AutoCompactMinAge: db.Bolt.AutoCompactMinAge,
		DBTimeout:         db.Bolt.DBTimeout,
	})
}

// A compile time check to ensure DB implements the Validator interface.
var _ Validator = (*DB)(nil)
