package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/corepbx/internal/database/models"
)

// provisionedDeviceRepo implements ProvisionedDeviceRepository.
type provisionedDeviceRepo struct {
	db *DB
}

// NewProvisionedDeviceRepository creates a new ProvisionedDeviceRepository.
func NewProvisionedDeviceRepository(db *DB) ProvisionedDeviceRepository {
	return &provisionedDeviceRepo{db: db}
}

// Create inserts a new provisioned device binding.
func (r *provisionedDeviceRepo) Create(ctx context.Context, dev *models.ProvisionedDevice) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO provisioned_devices (mac, extension, vendor, model, config_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 RETURNING id, created_at`,
		dev.MAC, dev.Extension, dev.Vendor, dev.Model, dev.ConfigURL,
	).Scan(&dev.ID, &dev.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting provisioned device: %w", err)
	}
	return nil
}

// GetByMAC returns a provisioned device by its normalized MAC address.
func (r *provisionedDeviceRepo) GetByMAC(ctx context.Context, mac string) (*models.ProvisionedDevice, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, mac, extension, vendor, model, config_url, created_at, last_provisioned
		 FROM provisioned_devices WHERE mac = $1`, mac,
	))
}

// List returns all provisioned devices.
func (r *provisionedDeviceRepo) List(ctx context.Context) ([]models.ProvisionedDevice, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, mac, extension, vendor, model, config_url, created_at, last_provisioned
		 FROM provisioned_devices ORDER BY mac`)
	if err != nil {
		return nil, fmt.Errorf("querying provisioned devices: %w", err)
	}
	defer rows.Close()
	return scanProvisionedDevices(rows)
}

// ListByExtension returns all devices pre-declared for a given extension.
func (r *provisionedDeviceRepo) ListByExtension(ctx context.Context, ext string) ([]models.ProvisionedDevice, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, mac, extension, vendor, model, config_url, created_at, last_provisioned
		 FROM provisioned_devices WHERE extension = $1 ORDER BY mac`, ext)
	if err != nil {
		return nil, fmt.Errorf("querying provisioned devices by extension: %w", err)
	}
	defer rows.Close()
	return scanProvisionedDevices(rows)
}

// Update modifies an existing provisioned device.
func (r *provisionedDeviceRepo) Update(ctx context.Context, dev *models.ProvisionedDevice) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE provisioned_devices SET extension = $1, vendor = $2, model = $3, config_url = $4
		 WHERE mac = $5`,
		dev.Extension, dev.Vendor, dev.Model, dev.ConfigURL, dev.MAC,
	)
	if err != nil {
		return fmt.Errorf("updating provisioned device: %w", err)
	}
	return nil
}

// Delete removes a provisioned device by MAC.
func (r *provisionedDeviceRepo) Delete(ctx context.Context, mac string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM provisioned_devices WHERE mac = $1`, mac)
	if err != nil {
		return fmt.Errorf("deleting provisioned device: %w", err)
	}
	return nil
}

// MarkProvisioned records that a device just fetched its configuration.
func (r *provisionedDeviceRepo) MarkProvisioned(ctx context.Context, mac string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE provisioned_devices SET last_provisioned = now() WHERE mac = $1`, mac)
	if err != nil {
		return fmt.Errorf("marking device provisioned: %w", err)
	}
	return nil
}

func (r *provisionedDeviceRepo) scanOne(row *sql.Row) (*models.ProvisionedDevice, error) {
	var d models.ProvisionedDevice
	err := row.Scan(&d.ID, &d.MAC, &d.Extension, &d.Vendor, &d.Model, &d.ConfigURL,
		&d.CreatedAt, &d.LastProvisioned)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning provisioned device: %w", err)
	}
	return &d, nil
}

func scanProvisionedDevices(rows *sql.Rows) ([]models.ProvisionedDevice, error) {
	var devices []models.ProvisionedDevice
	for rows.Next() {
		var d models.ProvisionedDevice
		if err := rows.Scan(&d.ID, &d.MAC, &d.Extension, &d.Vendor, &d.Model, &d.ConfigURL,
			&d.CreatedAt, &d.LastProvisioned); err != nil {
			return nil, fmt.Errorf("scanning provisioned device row: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
