// Package testdb opens in-memory SQLCipher databases for tests.
package testdb

import (
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/kuitang/notesync/internal/db"
)

// HardcodedDEK keys every in-memory state database. Tests only.
var HardcodedDEK = []byte("0123456789abcdef0123456789abcdef")

// NewStateStoreInMemory creates an in-memory encrypted StateStore. Stores
// opened with the same name share one database until every handle is closed.
func NewStateStoreInMemory(name string) (*db.StateStore, error) {
	if name == "" {
		name = "test-profile"
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma_key=x'%s'&_pragma_cipher_page_size=4096",
		name, hex.EncodeToString(HardcodedDEK))
	sqlDB, err := sql.Open(db.SQLiteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory state database: %w", err)
	}

	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(1)

	var sqliteVersion string
	if err := sqlDB.QueryRow("SELECT sqlite_version()").Scan(&sqliteVersion); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to verify in-memory state database: %w", err)
	}

	if err := applyFastSQLitePragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply fast SQLite pragmas: %w", err)
	}

	store := db.NewStateStoreFromSQL(name, sqlDB)
	if err := store.Migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return store, nil
}

// NewKeysDBInMemory creates an in-memory unencrypted KeysDB.
func NewKeysDBInMemory() (*db.KeysDB, error) {
	sqlDB, err := sql.Open(db.SQLiteDriverName, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory keys database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping in-memory keys database: %w", err)
	}

	if err := applyFastSQLitePragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply fast SQLite pragmas: %w", err)
	}

	if _, err := sqlDB.Exec(db.KeysDBSchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize in-memory keys schema: %w", err)
	}

	return db.NewKeysDBFromSQL(sqlDB), nil
}

func applyFastSQLitePragmas(sqlDB *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=MEMORY",
		"PRAGMA synchronous=OFF",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA secure_delete=OFF",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}
