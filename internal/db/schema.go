package db

// Two databases live in the data directory:
// 1. keys.db - shared, unencrypted; holds the wrapped DEK of every profile
// 2. {profile}.db - per-profile sync state, encrypted with SQLCipher

// KeysDBSchema contains all the SQL statements for the shared keys database.
const KeysDBSchema = `
-- Profile keys table: DEKs wrapped by a KEK derived from the master key
CREATE TABLE IF NOT EXISTS profile_keys (
    profile TEXT PRIMARY KEY,
    kek_version INTEGER NOT NULL DEFAULT 1,
    encrypted_dek BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    rotated_at INTEGER
);
`

// StateDBSchema contains all the SQL statements for per-profile encrypted state.
// Timestamps are unix nanoseconds so every instant survives a round trip.
const StateDBSchema = `
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Mirror of the server's note list, in server order. Content is whatever the
-- server returned; size limits apply to local writes only.
CREATE TABLE IF NOT EXISTS mirror_notes (
    id INTEGER PRIMARY KEY,
    position INTEGER NOT NULL,
    title TEXT NOT NULL,
    content TEXT NOT NULL,
    format TEXT NOT NULL,
    color TEXT,
    status TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    synced INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_mirror_notes_position ON mirror_notes(position);

-- Notes created or edited while offline, keyed by local token, in insertion order
CREATE TABLE IF NOT EXISTS offline_notes (
    token TEXT PRIMARY KEY,
    position INTEGER NOT NULL,
    title TEXT NOT NULL,
    content TEXT NOT NULL,
    format TEXT NOT NULL,
    color TEXT,
    status TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    synced INTEGER NOT NULL DEFAULT 0
);

-- Pending writes in enqueue order; payload is the JSON create input or patch
CREATE TABLE IF NOT EXISTS pending_ops (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL UNIQUE,
    kind TEXT NOT NULL CHECK(kind IN ('create', 'update', 'delete')),
    target_local TEXT,
    target_remote INTEGER,
    payload BLOB,
    payload_digest BLOB,
    permanent INTEGER NOT NULL DEFAULT 0,
    enqueued_at INTEGER NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    in_flight INTEGER NOT NULL DEFAULT 0
);

-- Local token to server id, kept for the lifetime of the profile
CREATE TABLE IF NOT EXISTS translations (
    local TEXT PRIMARY KEY,
    remote INTEGER NOT NULL UNIQUE
);

-- Create payloads from the older single-list format awaiting migration
CREATE TABLE IF NOT EXISTS legacy_notes (
    position INTEGER PRIMARY KEY,
    input BLOB NOT NULL
);
`

// StateDBMigrations contains idempotent ALTER TABLE statements for schema evolution.
// SQLite ADD COLUMN errors on an existing column; those errors are ignored.
const StateDBMigrations = `
ALTER TABLE pending_ops ADD COLUMN last_error TEXT;
`
