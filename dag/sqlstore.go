package dag

import (
	"errors"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"icn-core/runtimeerr"
)

// kvRow is the relational projection of the KV contract: one row per key,
// used by both the Postgres and embedded SQLite dialects.
type kvRow struct {
	Key   []byte `gorm:"primaryKey"`
	Value []byte
}

func (kvRow) TableName() string { return "dag_kv" }

// sqlKV is the relational KV backend (dag_backend=sql): the same KV
// contract as the embedded backends, persisted through a gorm-managed
// table so Postgres and embedded SQLite stay interchangeable.
type sqlKV struct {
	db *gorm.DB
}

func newSQLKV(db *gorm.DB) (*sqlKV, error) {
	if err := db.AutoMigrate(&kvRow{}); err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.StorageError, "dag: migrate dag_kv", err)
	}
	return &sqlKV{db: db}, nil
}

// NewPostgresKV opens a Postgres-backed KV store via the supplied DSN.
func NewPostgresKV(dsn string) (KV, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.StorageError, "dag: open postgres", err)
	}
	return newSQLKV(db)
}

// NewSQLiteKV opens an embedded SQLite-backed KV store at path, for tests
// and single-node operation without a Postgres dependency. Uses the
// glebarez gorm dialect, which wraps the pure-Go modernc.org/sqlite driver
// so no cgo toolchain is required.
func NewSQLiteKV(path string) (KV, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.StorageError, "dag: open sqlite", err)
	}
	return newSQLKV(db)
}

func (s *sqlKV) Put(key, value []byte) error {
	row := kvRow{Key: key, Value: value}
	if err := s.db.Save(&row).Error; err != nil {
		return runtimeerr.Wrap(runtimeerr.StorageError, "dag: sql put", err)
	}
	return nil
}

func (s *sqlKV) Get(key []byte) ([]byte, error) {
	var row kvRow
	err := s.db.Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.StorageError, "dag: sql get", err)
	}
	return row.Value, nil
}

func (s *sqlKV) Has(key []byte) (bool, error) {
	var count int64
	if err := s.db.Model(&kvRow{}).Where("key = ?", key).Count(&count).Error; err != nil {
		return false, runtimeerr.Wrap(runtimeerr.StorageError, "dag: sql has", err)
	}
	return count > 0, nil
}

func (s *sqlKV) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.StorageError, "dag: sql handle", err)
	}
	if err := sqlDB.Close(); err != nil {
		return runtimeerr.Wrap(runtimeerr.StorageError, "dag: sql close", err)
	}
	return nil
}

// NewSQLStore builds a relational DAG store over any opened KV backend
// returned by NewPostgresKV/NewSQLiteKV.
func NewSQLStore(kv KV, resolver PubKeyResolver) Store {
	return newKVStore(kv, resolver)
}
