package captcha

import "database/sql"

// Schema holds issued challenges. Only a bcrypt hash of the answer is kept.
const Schema = `
CREATE TABLE IF NOT EXISTS captcha_challenges (
    token       TEXT PRIMARY KEY,
    answer_hash TEXT NOT NULL,
    issued_at   INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_captcha_expires ON captcha_challenges(expires_at);
`

// ApplySchema creates the captcha table if it does not exist.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
