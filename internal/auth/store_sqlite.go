package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the opt-in sqlite-backed alternative to the JSON files,
// selected with --auth-backend sqlite on proxy deployments that expect
// frequent token churn.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or initializes) the database under dir/auth.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	authDir := filepath.Join(dir, "auth")
	if err := os.MkdirAll(authDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating auth dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(authDir, "auth.db"))
	if err != nil {
		return nil, fmt.Errorf("opening auth database: %w", err)
	}
	schema := `
CREATE TABLE IF NOT EXISTS one_time_codes (
    agent_name TEXT NOT NULL,
    code       TEXT NOT NULL,
    PRIMARY KEY (agent_name, code)
);
CREATE TABLE IF NOT EXISTS sessions (
    agent_name TEXT NOT NULL,
    token      TEXT NOT NULL,
    expires_at INTEGER NOT NULL,
    PRIMARY KEY (agent_name, token)
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing auth schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) AddOneTimeCode(agentName, code string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO one_time_codes (agent_name, code) VALUES (?, ?)`,
		agentName, code)
	return err
}

func (s *SQLiteStore) ConsumeOneTimeCode(agentName, code string) (bool, error) {
	res, err := s.db.Exec(
		`DELETE FROM one_time_codes WHERE agent_name = ? AND code = ?`,
		agentName, code)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) IssueSessionToken(agentName string) (string, time.Time, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, err
	}
	token := hex.EncodeToString(raw)
	expiresAt := time.Now().Add(SessionTTL)

	_, err := s.db.Exec(
		`INSERT INTO sessions (agent_name, token, expires_at) VALUES (?, ?, ?)`,
		agentName, token, expiresAt.Unix())
	if err != nil {
		return "", time.Time{}, err
	}
	// Opportunistic cleanup of expired rows.
	_, _ = s.db.Exec(`DELETE FROM sessions WHERE expires_at < ?`, time.Now().Unix())
	return token, expiresAt, nil
}

func (s *SQLiteStore) IsSessionValid(agentName, token string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE agent_name = ? AND token = ? AND expires_at > ?`,
		agentName, token, time.Now().Unix()).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
