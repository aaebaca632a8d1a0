package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"maxrelay/internal/models"
	"maxrelay/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	user_id      INTEGER PRIMARY KEY,
	display_name TEXT NOT NULL,
	cached_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_contacts_cached_at ON contacts(cached_at);
`

// Database is the SQLite-backed cache of resolved MAX user display names.
// Relay pipelines read it on every text message, so resolution failures on
// the platform side degrade to stale names instead of numeric IDs.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{db: db, encryptor: encryptor}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// SaveContact inserts or refreshes a cached contact.
func (d *Database) SaveContact(ctx context.Context, contact *models.Contact) error {
	encryptedName, err := d.encryptor.EncryptIfEnabled(contact.DisplayName)
	if err != nil {
		return fmt.Errorf("failed to encrypt display name: %w", err)
	}

	query := `
		INSERT INTO contacts (user_id, display_name, cached_at, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			cached_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := d.db.ExecContext(ctx, query, contact.UserID, encryptedName); err != nil {
		return fmt.Errorf("failed to save contact: %w", err)
	}
	return nil
}

// GetContact retrieves a cached contact by MAX user ID. Returns nil when
// the contact was never cached.
func (d *Database) GetContact(ctx context.Context, userID int64) (*models.Contact, error) {
	query := `
		SELECT user_id, display_name, cached_at, updated_at
		FROM contacts
		WHERE user_id = ?
	`

	var contact models.Contact
	var encryptedName string
	err := d.db.QueryRowContext(ctx, query, userID).Scan(
		&contact.UserID, &encryptedName, &contact.CachedAt, &contact.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan contact: %w", err)
	}

	contact.DisplayName, err = d.encryptor.DecryptIfEnabled(encryptedName)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt display name: %w", err)
	}

	return &contact, nil
}

// CleanupOldContacts removes contacts cached longer ago than retentionDays.
func (d *Database) CleanupOldContacts(retentionDays int) error {
	query := fmt.Sprintf(
		"DELETE FROM contacts WHERE cached_at < datetime('now', '-%d days')",
		retentionDays,
	)
	if _, err := d.db.Exec(query); err != nil {
		return fmt.Errorf("failed to cleanup old contacts: %w", err)
	}
	return nil
}
