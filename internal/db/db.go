// Package db persists sync state in SQLCipher databases: a shared unencrypted
// keys.db with each profile's wrapped DEK, and one encrypted database per
// profile holding its mirror, offline notes, pending ops and translations.
package db

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/notesync/internal/idmap"
	"github.com/kuitang/notesync/internal/notes"
	"github.com/kuitang/notesync/internal/oplog"
	"github.com/kuitang/notesync/internal/syncstate"
)

const (
	// DefaultDataDirectory is the default root directory for all database files
	DefaultDataDirectory = "./data"

	// KeysDBName is the filename for the shared keys database
	KeysDBName = "keys.db"

	// KeysDBMaxOpenConns is the maximum number of open connections for the keys database.
	KeysDBMaxOpenConns = 2

	// StateDBMaxOpenConns is the maximum open connections per state database.
	// Saves replace the whole state in one transaction, so one writer is enough.
	StateDBMaxOpenConns = 1

	// StateDBMaxIdleConns is the maximum idle connections per state database
	StateDBMaxIdleConns = 1
)

var profilePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ErrStateCorrupt is returned when a stored pending op fails its checksum.
var ErrStateCorrupt = errors.New("stored sync state is corrupt")

// ValidateProfile checks that a profile name is safe to use as a file name.
func ValidateProfile(profile string) error {
	if !profilePattern.MatchString(profile) {
		return fmt.Errorf("invalid profile name %q: use letters, digits, '-' or '_'", profile)
	}
	return nil
}

// =============================================================================
// Keys database
// =============================================================================

// ProfileKey is one row of profile_keys.
type ProfileKey struct {
	Profile      string
	KEKVersion   int64
	EncryptedDEK []byte
	CreatedAt    int64
	RotatedAt    sql.NullInt64
}

// KeysDB wraps the shared keys database.
type KeysDB struct {
	db *sql.DB
}

// NewKeysDBFromSQL wraps an existing sql.DB as KeysDB.
func NewKeysDBFromSQL(sqlDB *sql.DB) *KeysDB {
	return &KeysDB{db: sqlDB}
}

// OpenKeysDB opens (and creates if needed) the unencrypted keys database in dir.
func OpenKeysDB(dir string) (*KeysDB, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := appendSQLiteParams(filepath.Join(dir, KeysDBName), sqliteCommonParams())
	sqlDB, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open keys database: %w", err)
	}
	sqlDB.SetMaxOpenConns(KeysDBMaxOpenConns)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping keys database: %w", err)
	}
	if _, err := sqlDB.Exec(KeysDBSchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize keys schema: %w", err)
	}
	return NewKeysDBFromSQL(sqlDB), nil
}

// DB returns the underlying sql.DB for direct access when needed
func (k *KeysDB) DB() *sql.DB {
	return k.db
}

// GetProfileKey returns the key row for profile, or sql.ErrNoRows.
func (k *KeysDB) GetProfileKey(ctx context.Context, profile string) (ProfileKey, error) {
	var pk ProfileKey
	err := k.db.QueryRowContext(ctx,
		`SELECT profile, kek_version, encrypted_dek, created_at, rotated_at FROM profile_keys WHERE profile = ?`,
		profile,
	).Scan(&pk.Profile, &pk.KEKVersion, &pk.EncryptedDEK, &pk.CreatedAt, &pk.RotatedAt)
	return pk, err
}

// CreateProfileKey inserts a new key row. It fails if the profile already has one.
func (k *KeysDB) CreateProfileKey(ctx context.Context, pk ProfileKey) error {
	_, err := k.db.ExecContext(ctx,
		`INSERT INTO profile_keys (profile, kek_version, encrypted_dek, created_at) VALUES (?, ?, ?, ?)`,
		pk.Profile, pk.KEKVersion, pk.EncryptedDEK, pk.CreatedAt,
	)
	return err
}

// UpdateProfileKey replaces the wrapped DEK after a KEK rotation.
func (k *KeysDB) UpdateProfileKey(ctx context.Context, pk ProfileKey) error {
	res, err := k.db.ExecContext(ctx,
		`UPDATE profile_keys SET kek_version = ?, encrypted_dek = ?, rotated_at = ? WHERE profile = ?`,
		pk.KEKVersion, pk.EncryptedDEK, pk.RotatedAt, pk.Profile,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Close closes the KeysDB connection.
func (k *KeysDB) Close() error {
	if k.db != nil {
		return k.db.Close()
	}
	return nil
}

// =============================================================================
// State database
// =============================================================================

// StateStore is a syncstate.Store backed by a per-profile SQLCipher database.
type StateStore struct {
	db      *sql.DB
	profile string
}

var _ syncstate.Store = (*StateStore)(nil)

// NewStateStoreFromSQL wraps an existing, already initialised sql.DB.
func NewStateStoreFromSQL(profile string, sqlDB *sql.DB) *StateStore {
	return &StateStore{db: sqlDB, profile: profile}
}

// OpenStateStore opens the encrypted state database of profile in dir.
// The DEK keys SQLCipher; a wrong key fails on the first query.
func OpenStateStore(dir, profile string, dek []byte) (*StateStore, error) {
	if err := ValidateProfile(profile); err != nil {
		return nil, err
	}
	if len(dek) != 32 {
		return nil, fmt.Errorf("DEK must be exactly 32 bytes, got %d", len(dek))
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dir, profile+".db")
	// Format: file.db?_pragma_key=x'HEX_KEY'&_pragma_cipher_page_size=4096
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(dek))
	dsn = appendSQLiteParams(dsn, sqliteCommonParams())

	sqlDB, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database for %s: %w", profile, err)
	}
	sqlDB.SetMaxOpenConns(StateDBMaxOpenConns)
	sqlDB.SetMaxIdleConns(StateDBMaxIdleConns)

	// Reading sqlite_master decrypts page 1, so a wrong key surfaces here as
	// "file is not a database".
	var tables int
	if err := sqlDB.QueryRow("SELECT count(*) FROM sqlite_master").Scan(&tables); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to verify state database for %s: %w", profile, err)
	}

	store := NewStateStoreFromSQL(profile, sqlDB)
	if err := store.Migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the schema and applies idempotent migrations.
func (s *StateStore) Migrate() error {
	if _, err := s.db.Exec(StateDBSchema); err != nil {
		return fmt.Errorf("failed to initialize state schema for %s: %w", s.profile, err)
	}
	for _, stmt := range strings.Split(StateDBMigrations, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("migration failed for %s: %w", s.profile, err)
		}
	}
	for _, table := range []string{"mirror_notes", "offline_notes"} {
		if err := s.dropContentCheck(table); err != nil {
			return fmt.Errorf("migration failed for %s: %w", s.profile, err)
		}
	}
	return nil
}

// legacyContentCheck is the column constraint older state databases carried.
const legacyContentCheck = "CHECK(length(content) <= 1048576)"

// dropContentCheck rebuilds table without the legacy content length check.
// A server note over the limit would otherwise fail every later Save.
func (s *StateStore) dropContentCheck(table string) error {
	var ddl string
	err := s.db.QueryRow(`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&ddl)
	if err != nil {
		return fmt.Errorf("read %s definition: %w", table, err)
	}
	if !strings.Contains(ddl, legacyContentCheck) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rebuilt := strings.Replace(ddl, " "+legacyContentCheck, "", 1)
	rebuilt = strings.Replace(rebuilt, table, table+"_rebuilt", 1)
	stmts := []string{
		rebuilt,
		fmt.Sprintf("INSERT INTO %s_rebuilt SELECT * FROM %s", table, table),
		fmt.Sprintf("DROP TABLE %s", table),
		fmt.Sprintf("ALTER TABLE %s_rebuilt RENAME TO %s", table, table),
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("rebuild %s: %w", table, err)
		}
	}
	if _, err := tx.Exec(StateDBSchema); err != nil {
		return fmt.Errorf("recreate indexes for %s: %w", table, err)
	}
	return tx.Commit()
}

// Profile returns the profile this store belongs to.
func (s *StateStore) Profile() string {
	return s.profile
}

// DB returns the underlying sql.DB for direct access when needed
func (s *StateStore) DB() *sql.DB {
	return s.db
}

// Close closes the state database.
func (s *StateStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const (
	metaSchemaVersion = "schema_version"
	metaSavedAt       = "saved_at"
)

// Save replaces the stored state in a single transaction.
func (s *StateStore) Save(ctx context.Context, st *syncstate.State) error {
	snap := st.Snapshot()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"mirror_notes", "offline_notes", "pending_ops", "translations", "legacy_notes"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for i, n := range snap.Mirror {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO mirror_notes (id, position, title, content, format, color, status, priority, created_at, updated_at, synced)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID.Remote(), i, n.Title, n.Content, n.Format, nullString(n.Color), string(n.Status), n.Priority,
			toNanos(n.CreatedAt), toNanos(n.UpdatedAt), n.Synced,
		)
		if err != nil {
			return fmt.Errorf("save mirror note %s: %w", n.ID, err)
		}
	}

	for i, n := range snap.Offline {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO offline_notes (token, position, title, content, format, color, status, priority, created_at, updated_at, synced)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID.Token(), i, n.Title, n.Content, n.Format, nullString(n.Color), string(n.Status), n.Priority,
			toNanos(n.CreatedAt), toNanos(n.UpdatedAt), n.Synced,
		)
		if err != nil {
			return fmt.Errorf("save offline note %s: %w", n.ID, err)
		}
	}

	for _, op := range snap.Ops {
		payload, err := opPayload(op)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO pending_ops (id, seq, kind, target_local, target_remote, payload, payload_digest, permanent, enqueued_at, attempts, in_flight, last_error)
			 VALUES (?, ?, ?, ?, ?, ?, sha3(?, 256), ?, ?, ?, ?, ?)`,
			op.ID, int64(op.Seq), string(op.Kind), nullIfEmpty(op.Target.Token()), nullIfZero(op.Target.Remote()),
			payload, payload, op.Permanent, toNanos(op.EnqueuedAt), op.Attempts, op.InFlight, nullIfEmpty(op.LastError),
		)
		if err != nil {
			return fmt.Errorf("save pending op %s: %w", op.ID, err)
		}
	}

	for _, e := range snap.Translations {
		if _, err := tx.ExecContext(ctx, `INSERT INTO translations (local, remote) VALUES (?, ?)`, e.Local, e.Remote); err != nil {
			return fmt.Errorf("save translation %s: %w", e.Local, err)
		}
	}

	for i, input := range snap.Legacy {
		data, err := json.Marshal(input)
		if err != nil {
			return fmt.Errorf("encode legacy note: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO legacy_notes (position, input) VALUES (?, ?)`, i, data); err != nil {
			return fmt.Errorf("save legacy note: %w", err)
		}
	}

	meta := map[string]string{
		metaSchemaVersion: strconv.Itoa(snap.Version),
		metaSavedAt:       snap.SavedAt.Format(time.RFC3339Nano),
	}
	for key, value := range meta {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value,
		)
		if err != nil {
			return fmt.Errorf("save meta %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// Load reads the stored state. A database that was never saved yields an
// empty state.
func (s *StateStore) Load(ctx context.Context) (*syncstate.State, error) {
	var snap syncstate.Snapshot

	var version string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaSchemaVersion).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return syncstate.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load meta: %w", err)
	}
	if snap.Version, err = strconv.Atoi(version); err != nil {
		return nil, fmt.Errorf("%w: schema version %q", ErrStateCorrupt, version)
	}
	var savedAt string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaSavedAt).Scan(&savedAt); err == nil {
		snap.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)
	}

	if snap.Mirror, err = s.loadNotes(ctx,
		`SELECT id, title, content, format, color, status, priority, created_at, updated_at, synced
		 FROM mirror_notes ORDER BY position`, true); err != nil {
		return nil, err
	}
	if snap.Offline, err = s.loadNotes(ctx,
		`SELECT token, title, content, format, color, status, priority, created_at, updated_at, synced
		 FROM offline_notes ORDER BY position`, false); err != nil {
		return nil, err
	}
	if snap.Ops, err = s.loadOps(ctx); err != nil {
		return nil, err
	}
	if snap.Translations, err = s.loadTranslations(ctx); err != nil {
		return nil, err
	}
	if snap.Legacy, err = s.loadLegacy(ctx); err != nil {
		return nil, err
	}

	st, err := syncstate.FromSnapshot(snap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	return st, nil
}

func (s *StateStore) loadNotes(ctx context.Context, query string, remote bool) ([]notes.Note, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load notes: %w", err)
	}
	defer rows.Close()

	var out []notes.Note
	for rows.Next() {
		var (
			n                notes.Note
			remoteID         int64
			token            string
			color            sql.NullString
			status           string
			created, updated int64
		)
		key := any(&token)
		if remote {
			key = &remoteID
		}
		if err := rows.Scan(key, &n.Title, &n.Content, &n.Format, &color, &status, &n.Priority, &created, &updated, &n.Synced); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		if remote {
			n.ID = notes.RemoteID(remoteID)
		} else {
			n.ID = notes.LocalID(token)
		}
		if color.Valid {
			n.Color = &color.String
		}
		n.Status = notes.Status(status)
		n.CreatedAt = fromNanos(created)
		n.UpdatedAt = fromNanos(updated)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *StateStore) loadOps(ctx context.Context) ([]oplog.Op, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, kind, target_local, target_remote, payload, permanent, enqueued_at, attempts, in_flight, last_error,
		        sha3(payload, 256) = payload_digest
		 FROM pending_ops ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("load pending ops: %w", err)
	}
	defer rows.Close()

	var out []oplog.Op
	for rows.Next() {
		var (
			op        oplog.Op
			seq       int64
			kind      string
			local     sql.NullString
			remote    sql.NullInt64
			payload   []byte
			enqueued  int64
			lastError sql.NullString
			intact    bool
		)
		if err := rows.Scan(&op.ID, &seq, &kind, &local, &remote, &payload, &op.Permanent, &enqueued,
			&op.Attempts, &op.InFlight, &lastError, &intact); err != nil {
			return nil, fmt.Errorf("scan pending op: %w", err)
		}
		if !intact {
			return nil, fmt.Errorf("%w: payload checksum mismatch for op %s", ErrStateCorrupt, op.ID)
		}
		op.Seq = uint64(seq)
		op.Kind = oplog.Kind(kind)
		if local.Valid {
			op.Target = notes.LocalID(local.String)
		} else if remote.Valid {
			op.Target = notes.RemoteID(remote.Int64)
		}
		op.EnqueuedAt = fromNanos(enqueued)
		op.LastError = lastError.String
		if err := decodePayload(&op, payload); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *StateStore) loadTranslations(ctx context.Context) ([]idmap.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT local, remote FROM translations ORDER BY local`)
	if err != nil {
		return nil, fmt.Errorf("load translations: %w", err)
	}
	defer rows.Close()

	var out []idmap.Entry
	for rows.Next() {
		var e idmap.Entry
		if err := rows.Scan(&e.Local, &e.Remote); err != nil {
			return nil, fmt.Errorf("scan translation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *StateStore) loadLegacy(ctx context.Context) ([]notes.NoteInput, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT input FROM legacy_notes ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("load legacy notes: %w", err)
	}
	defer rows.Close()

	var out []notes.NoteInput
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan legacy note: %w", err)
		}
		var input notes.NoteInput
		if err := json.Unmarshal(data, &input); err != nil {
			return nil, fmt.Errorf("%w: legacy note: %v", ErrStateCorrupt, err)
		}
		out = append(out, input)
	}
	return out, rows.Err()
}

// opPayload encodes the create input or update patch of op.
func opPayload(op oplog.Op) ([]byte, error) {
	var v any
	switch {
	case op.Input != nil:
		v = op.Input
	case op.Patch != nil:
		v = op.Patch
	default:
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload of op %s: %w", op.ID, err)
	}
	return data, nil
}

func decodePayload(op *oplog.Op, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	var err error
	switch op.Kind {
	case oplog.KindCreate:
		op.Input = &notes.NoteInput{}
		err = json.Unmarshal(payload, op.Input)
	case oplog.KindUpdate:
		op.Patch = &notes.NotePatch{}
		err = json.Unmarshal(payload, op.Patch)
	}
	if err != nil {
		return fmt.Errorf("%w: payload of op %s: %v", ErrStateCorrupt, op.ID, err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullIfZero(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

func sqliteCommonParams() string {
	// Production-safe defaults: WAL + NORMAL provides good throughput while preserving safety.
	return "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
}

func appendSQLiteParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}
