package preview

import "database/sql"

// Schema holds published previews. payload is the JSON of the artifact or
// page data, depending on kind.
const Schema = `
CREATE TABLE IF NOT EXISTS preview_records (
    id         TEXT PRIMARY KEY,
    kind       TEXT NOT NULL CHECK (kind IN ('artifact', 'page')),
    payload    TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_preview_expires ON preview_records(expires_at);
`

// ApplySchema creates the preview table if it does not exist.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
