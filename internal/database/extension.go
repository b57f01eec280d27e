package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/corepbx/internal/database/models"
)

// extensionRepo implements ExtensionRepository.
type extensionRepo struct {
	db *DB
}

// NewExtensionRepository creates a new ExtensionRepository.
func NewExtensionRepository(db *DB) ExtensionRepository {
	return &extensionRepo{db: db}
}

// Create inserts a new extension.
func (r *extensionRepo) Create(ctx context.Context, ext *models.Extension) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO extensions (extension, display_name, credential_hash, capabilities,
		 voicemail_pin_hash, email, max_registrations, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		 RETURNING id`,
		ext.Extension, ext.DisplayName, ext.CredentialHash, ext.Capabilities,
		ext.VoicemailPINHash, ext.Email, ext.MaxRegistrations,
	).Scan(&ext.ID)
	if err != nil {
		return fmt.Errorf("inserting extension: %w", err)
	}
	return nil
}

// GetByID returns an extension by ID.
func (r *extensionRepo) GetByID(ctx context.Context, id int64) (*models.Extension, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, extension, display_name, credential_hash, capabilities,
		 voicemail_pin_hash, email, max_registrations, created_at, updated_at
		 FROM extensions WHERE id = $1`, id,
	))
}

// GetByExtension returns an extension by its extension number.
func (r *extensionRepo) GetByExtension(ctx context.Context, ext string) (*models.Extension, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, extension, display_name, credential_hash, capabilities,
		 voicemail_pin_hash, email, max_registrations, created_at, updated_at
		 FROM extensions WHERE extension = $1`, ext,
	))
}

// List returns all extensions ordered by extension number.
func (r *extensionRepo) List(ctx context.Context) ([]models.Extension, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, extension, display_name, credential_hash, capabilities,
		 voicemail_pin_hash, email, max_registrations, created_at, updated_at
		 FROM extensions ORDER BY extension`)
	if err != nil {
		return nil, fmt.Errorf("querying extensions: %w", err)
	}
	defer rows.Close()

	var exts []models.Extension
	for rows.Next() {
		var e models.Extension
		if err := rows.Scan(&e.ID, &e.Extension, &e.DisplayName, &e.CredentialHash,
			&e.Capabilities, &e.VoicemailPINHash, &e.Email, &e.MaxRegistrations,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning extension row: %w", err)
		}
		exts = append(exts, e)
	}
	return exts, rows.Err()
}

// Update modifies an existing extension.
func (r *extensionRepo) Update(ctx context.Context, ext *models.Extension) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE extensions SET extension = $1, display_name = $2, credential_hash = $3,
		 capabilities = $4, voicemail_pin_hash = $5, email = $6, max_registrations = $7,
		 updated_at = now()
		 WHERE id = $8`,
		ext.Extension, ext.DisplayName, ext.CredentialHash, ext.Capabilities,
		ext.VoicemailPINHash, ext.Email, ext.MaxRegistrations, ext.ID,
	)
	if err != nil {
		return fmt.Errorf("updating extension: %w", err)
	}
	return nil
}

// Delete removes an extension by ID.
func (r *extensionRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM extensions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting extension: %w", err)
	}
	return nil
}

func (r *extensionRepo) scanOne(row *sql.Row) (*models.Extension, error) {
	var e models.Extension
	err := row.Scan(&e.ID, &e.Extension, &e.DisplayName, &e.CredentialHash,
		&e.Capabilities, &e.VoicemailPINHash, &e.Email, &e.MaxRegistrations,
		&e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning extension: %w", err)
	}
	return &e, nil
}
