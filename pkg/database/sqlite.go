package database

import (
	"database/sql"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQL-backed credential backend. Passwords are
// stored as bcrypt hashes.
type SQLiteStore struct {
	conn *sql.DB
}

// OpenSQLite opens (creating if needed) the credential database at path
// and initializes the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows concurrent readers while logons write.
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait and retry instead of failing with SQLITE_BUSY.
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	schema := `
CREATE TABLE IF NOT EXISTS User (
	login TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL
);
`
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{conn: conn}, nil
}

func (s *SQLiteStore) LoginExists(login string) (bool, error) {
	var one int
	err := s.conn.QueryRow("SELECT 1 FROM User WHERE login = ?", login).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("LoginExists query failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) ValidateLoginPass(login, password string) (bool, error) {
	var hash string
	err := s.conn.QueryRow("SELECT password_hash FROM User WHERE login = ?", login).Scan(&hash)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ValidateLoginPass query failed: %w", err)
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

func (s *SQLiteStore) AddUser(login, password string) error {
	exists, err := s.LoginExists(login)
	if err != nil {
		return err
	}
	if exists {
		return ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if _, err := s.conn.Exec("INSERT INTO User (login, password_hash) VALUES (?, ?)", login, string(hash)); err != nil {
		return fmt.Errorf("AddUser insert failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
