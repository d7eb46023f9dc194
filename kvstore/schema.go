package kvstore

import "database/sql"

// Schema contains the DDL for the shared record table. Namespaces map the
// four logical stores (snapshot, api cache, retry tracking, monitoring
// history) onto one table without per-namespace migrations.
const Schema = `
CREATE TABLE IF NOT EXISTS kv_records (
    ns TEXT NOT NULL,
    key TEXT NOT NULL,
    value BLOB NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    stored_at INTEGER NOT NULL,
    expires_at INTEGER,
    PRIMARY KEY (ns, key)
);
CREATE INDEX IF NOT EXISTS idx_kv_expires
    ON kv_records(ns, expires_at) WHERE expires_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_kv_source
    ON kv_records(ns, source);
CREATE INDEX IF NOT EXISTS idx_kv_stored
    ON kv_records(ns, stored_at DESC);
`

// Init applies the kvstore schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
