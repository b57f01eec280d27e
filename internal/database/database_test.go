package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/flowpbx/corepbx/internal/database/models"
)

// testDB opens the PostgreSQL database used by integration tests and closes
// it when the test ends. Integration tests only run when TEST_DATABASE_URL
// is set; otherwise the calling test is skipped.
func testDB(t *testing.T) *DB {
	t.Helper()
	raw := os.Getenv("TEST_DATABASE_URL")
	if raw == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database integration test")
	}

	sqlDB, err := Open(parseTestDSN(raw))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return sqlDB
}

// parseTestDSN builds the integration-test DSN from the TEST_DB_HOST,
// TEST_DB_NAME, TEST_DB_USER and TEST_DB_PASSWORD environment variables, on
// port 5432. raw (the TEST_DATABASE_URL value) is not parsed; it only decides
// in testDB whether integration tests run.
func parseTestDSN(raw string) DSN {
	return DSN{
		Host:     os.Getenv("TEST_DB_HOST"),
		Port:     5432,
		Name:     os.Getenv("TEST_DB_NAME"),
		User:     os.Getenv("TEST_DB_USER"),
		Password: os.Getenv("TEST_DB_PASSWORD"),
	}
}

func TestOpenAndMigrate(t *testing.T) {
	db := testDB(t)

	tables := []string{
		"schema_migrations", "system_config", "admin_users", "extensions",
		"registered_phones", "provisioned_devices", "call_detail_records",
	}
	for _, table := range tables {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM information_schema.tables WHERE table_name = $1", table,
		).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}

	var migrationCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&migrationCount); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if migrationCount != 1 {
		t.Errorf("migration count = %d, want 1", migrationCount)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	raw := os.Getenv("TEST_DATABASE_URL")
	if raw == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database integration test")
	}

	db1, err := Open(parseTestDSN(raw))
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(parseTestDSN(raw))
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func TestSystemConfigRepository(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	repo, err := NewSystemConfigRepository(ctx, db)
	if err != nil {
		t.Fatalf("NewSystemConfigRepository() error: %v", err)
	}

	val, err := repo.Get(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get(nonexistent) = %q, want empty", val)
	}

	if err := repo.Set(ctx, "sip.udp_port", "5060"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	val, err = repo.Get(ctx, "sip.udp_port")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "5060" {
		t.Errorf("Get(sip.udp_port) = %q, want 5060", val)
	}

	if err := repo.Set(ctx, "sip.udp_port", "5080"); err != nil {
		t.Fatalf("Set() update error: %v", err)
	}
	val, err = repo.Get(ctx, "sip.udp_port")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "5080" {
		t.Errorf("Get(sip.udp_port) = %q, want 5080", val)
	}
}

func TestRegisteredPhoneIncompleteCleanup(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	repo := NewRegisteredPhoneRepository(db)

	complete := exampleRegisteredPhone("6001", "10.0.0.1", "aabbccddeeff")
	if err := repo.Upsert(ctx, complete); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	incompleteMAC := exampleRegisteredPhone("6002", "10.0.0.2", "")
	if err := repo.Upsert(ctx, incompleteMAC); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	deleted, err := repo.DeleteIncomplete(ctx)
	if err != nil {
		t.Fatalf("DeleteIncomplete() error: %v", err)
	}
	if deleted < 1 {
		t.Errorf("DeleteIncomplete() deleted = %d, want at least 1", deleted)
	}

	remaining, err := repo.GetByExtension(ctx, "6001")
	if err != nil {
		t.Fatalf("GetByExtension() error: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("GetByExtension(6001) = %d rows, want 1", len(remaining))
	}
}

func exampleRegisteredPhone(extension, ip, mac string) *models.RegisteredPhone {
	return &models.RegisteredPhone{
		Extension:  extension,
		ContactURI: "sip:" + extension + "@" + ip + ":5060",
		Transport:  "udp",
		MAC:        mac,
		IP:         ip,
		Port:       5060,
		UserAgent:  "test-agent/1.0",
		ExpiresAt:  time.Now().Add(time.Hour),
	}
}
