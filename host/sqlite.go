package host

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenDatabase opens the SQLite database at path and creates the script
// and situation tables if they do not exist.
func OpenDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS scripts (
			name TEXT PRIMARY KEY,
			code BLOB NOT NULL,
			symbols BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS situations (
			id TEXT PRIMARY KEY,
			script TEXT NOT NULL,
			target INTEGER NOT NULL,
			delay_ms INTEGER NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS situations_target ON situations (target)`,
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// SQLiteProvider serves scripts from the scripts table of a database
// opened with OpenDatabase.
type SQLiteProvider struct {
	db *sql.DB
}

func NewSQLiteProvider(db *sql.DB) *SQLiteProvider {
	return &SQLiteProvider{db: db}
}

// PutScript stores a script, replacing any with the same name.
func (p *SQLiteProvider) PutScript(name string, code, symbols []byte) error {
	_, err := p.db.Exec(
		`INSERT INTO scripts (name, code, symbols) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET code = excluded.code, symbols = excluded.symbols`,
		ResourceName(name), code, symbols)
	if err != nil {
		return fmt.Errorf("store script %s: %w", name, err)
	}
	return nil
}

// DeleteScript removes a script.
func (p *SQLiteProvider) DeleteScript(name string) error {
	if _, err := p.db.Exec(`DELETE FROM scripts WHERE name = ?`, ResourceName(name)); err != nil {
		return fmt.Errorf("delete script %s: %w", name, err)
	}
	return nil
}

// Names lists the stored scripts in name order.
func (p *SQLiteProvider) Names() ([]string, error) {
	rows, err := p.db.Query(`SELECT name FROM scripts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (p *SQLiteProvider) LoadScriptBytes(name string) ([]byte, []byte, error) {
	var code, symbols []byte
	err := p.db.QueryRow(`SELECT code, symbols FROM scripts WHERE name = ?`, ResourceName(name)).
		Scan(&code, &symbols)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrScriptNotFound, name)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load script %s: %w", name, err)
	}
	return code, symbols, nil
}
