package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/corepbx/internal/database/models"
)

// registeredPhoneRepo implements RegisteredPhoneRepository.
type registeredPhoneRepo struct {
	db *DB
}

// NewRegisteredPhoneRepository creates a new RegisteredPhoneRepository.
func NewRegisteredPhoneRepository(db *DB) RegisteredPhoneRepository {
	return &registeredPhoneRepo{db: db}
}

// Upsert inserts or refreshes a registered phone binding, keyed by
// (extension, contact_uri) as the SIP REGISTER refresh path does.
func (r *registeredPhoneRepo) Upsert(ctx context.Context, phone *models.RegisteredPhone) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO registered_phones
		 (extension, contact_uri, transport, mac, ip, port, user_agent,
		  first_registered, last_registered, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now(), $8)
		 ON CONFLICT (extension, contact_uri) DO UPDATE SET
		   transport = excluded.transport,
		   mac = excluded.mac,
		   ip = excluded.ip,
		   port = excluded.port,
		   user_agent = excluded.user_agent,
		   last_registered = now(),
		   expires_at = excluded.expires_at
		 RETURNING id, first_registered`,
		phone.Extension, phone.ContactURI, phone.Transport, nullableString(phone.MAC),
		nullableString(phone.IP), phone.Port, phone.UserAgent, phone.ExpiresAt,
	).Scan(&phone.ID, &phone.FirstRegistered)
	if err != nil {
		return fmt.Errorf("upserting registered phone: %w", err)
	}
	return nil
}

// List returns every live registration binding, most recently refreshed first.
func (r *registeredPhoneRepo) List(ctx context.Context) ([]models.RegisteredPhone, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, extension, contact_uri, transport, COALESCE(mac, ''), COALESCE(ip, ''),
		 COALESCE(port, 0), user_agent, first_registered, last_registered, expires_at
		 FROM registered_phones ORDER BY last_registered DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying registered phones: %w", err)
	}
	defer rows.Close()
	return scanRegisteredPhones(rows)
}

// GetByExtension returns all live bindings for an extension.
func (r *registeredPhoneRepo) GetByExtension(ctx context.Context, extension string) ([]models.RegisteredPhone, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, extension, contact_uri, transport, COALESCE(mac, ''), COALESCE(ip, ''),
		 COALESCE(port, 0), user_agent, first_registered, last_registered, expires_at
		 FROM registered_phones WHERE extension = $1 ORDER BY last_registered DESC`, extension,
	)
	if err != nil {
		return nil, fmt.Errorf("querying registered phones by extension: %w", err)
	}
	defer rows.Close()
	return scanRegisteredPhones(rows)
}

// GetByMAC returns the registered phone for a given normalized MAC address.
func (r *registeredPhoneRepo) GetByMAC(ctx context.Context, mac string) (*models.RegisteredPhone, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, extension, contact_uri, transport, COALESCE(mac, ''), COALESCE(ip, ''),
		 COALESCE(port, 0), user_agent, first_registered, last_registered, expires_at
		 FROM registered_phones WHERE mac = $1 ORDER BY last_registered DESC LIMIT 1`, mac,
	)
	var p models.RegisteredPhone
	err := row.Scan(&p.ID, &p.Extension, &p.ContactURI, &p.Transport, &p.MAC, &p.IP,
		&p.Port, &p.UserAgent, &p.FirstRegistered, &p.LastRegistered, &p.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying registered phone by mac: %w", err)
	}
	return &p, nil
}

// GetByIP returns all bindings whose learned source IP matches ip, used by
// the phone-lookup-by-ip admin endpoint.
func (r *registeredPhoneRepo) GetByIP(ctx context.Context, ip string) ([]models.RegisteredPhone, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, extension, contact_uri, transport, COALESCE(mac, ''), COALESCE(ip, ''),
		 COALESCE(port, 0), user_agent, first_registered, last_registered, expires_at
		 FROM registered_phones WHERE ip = $1 ORDER BY last_registered DESC`, ip,
	)
	if err != nil {
		return nil, fmt.Errorf("querying registered phones by ip: %w", err)
	}
	defer rows.Close()
	return scanRegisteredPhones(rows)
}

// DeleteByExtensionAndContact removes a binding. Used on Expires: 0 unregister.
func (r *registeredPhoneRepo) DeleteByExtensionAndContact(ctx context.Context, extension, contactURI string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM registered_phones WHERE extension = $1 AND contact_uri = $2`,
		extension, contactURI)
	if err != nil {
		return fmt.Errorf("deleting registered phone: %w", err)
	}
	return nil
}

// DeleteExpired removes all bindings whose expiry has passed.
func (r *registeredPhoneRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM registered_phones WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("deleting expired registered phones: %w", err)
	}
	return result.RowsAffected()
}

// DeleteIncomplete removes rows missing MAC, IP, or extension. Run once at
// startup so the router's in-memory inventory never reflects a binding it
// cannot actually dial.
func (r *registeredPhoneRepo) DeleteIncomplete(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM registered_phones
		 WHERE mac IS NULL OR mac = '' OR ip IS NULL OR ip = '' OR extension IS NULL OR extension = ''`)
	if err != nil {
		return 0, fmt.Errorf("deleting incomplete registered phones: %w", err)
	}
	return result.RowsAffected()
}

// CountByExtension returns the number of live bindings for an extension.
func (r *registeredPhoneRepo) CountByExtension(ctx context.Context, extension string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM registered_phones WHERE extension = $1`, extension,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting registered phones: %w", err)
	}
	return count, nil
}

// Count returns the total number of live bindings.
func (r *registeredPhoneRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registered_phones`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting registered phones: %w", err)
	}
	return count, nil
}

func scanRegisteredPhones(rows *sql.Rows) ([]models.RegisteredPhone, error) {
	var phones []models.RegisteredPhone
	for rows.Next() {
		var p models.RegisteredPhone
		if err := rows.Scan(&p.ID, &p.Extension, &p.ContactURI, &p.Transport, &p.MAC, &p.IP,
			&p.Port, &p.UserAgent, &p.FirstRegistered, &p.LastRegistered, &p.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning registered phone row: %w", err)
		}
		phones = append(phones, p)
	}
	return phones, rows.Err()
}

// nullableString converts an empty string to a SQL NULL so optional MAC/IP
// columns stay NULL instead of empty-string when unknown.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
