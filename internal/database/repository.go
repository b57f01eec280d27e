package database

import (
	"context"

	"github.com/flowpbx/corepbx/internal/database/models"
)

// SystemConfigRepository manages key-value system configuration.
type SystemConfigRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	GetAll(ctx context.Context) ([]models.SystemConfig, error)
}

// AdminUserRepository manages admin REST API accounts.
type AdminUserRepository interface {
	Create(ctx context.Context, user *models.AdminUser) error
	GetByID(ctx context.Context, id int64) (*models.AdminUser, error)
	GetByUsername(ctx context.Context, username string) (*models.AdminUser, error)
	List(ctx context.Context) ([]models.AdminUser, error)
	Update(ctx context.Context, user *models.AdminUser) error
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
}

// ExtensionRepository manages PBX extension account records.
type ExtensionRepository interface {
	Create(ctx context.Context, ext *models.Extension) error
	GetByID(ctx context.Context, id int64) (*models.Extension, error)
	GetByExtension(ctx context.Context, ext string) (*models.Extension, error)
	List(ctx context.Context) ([]models.Extension, error)
	Update(ctx context.Context, ext *models.Extension) error
	Delete(ctx context.Context, id int64) error
}

// ProvisionedDeviceRepository manages pre-declared MAC-to-extension bindings
// used by the provisioning HTTP server.
type ProvisionedDeviceRepository interface {
	Create(ctx context.Context, dev *models.ProvisionedDevice) error
	GetByMAC(ctx context.Context, mac string) (*models.ProvisionedDevice, error)
	List(ctx context.Context) ([]models.ProvisionedDevice, error)
	ListByExtension(ctx context.Context, ext string) ([]models.ProvisionedDevice, error)
	Update(ctx context.Context, dev *models.ProvisionedDevice) error
	Delete(ctx context.Context, mac string) error
	MarkProvisioned(ctx context.Context, mac string) error
}

// CDRListFilter specifies filtering and pagination for CDR list queries.
type CDRListFilter struct {
	Limit     int
	Offset    int
	Search    string // matches caller_ext, callee_ext, or call_id
	StartDate string // RFC3339 or YYYY-MM-DD
	EndDate   string // RFC3339 or YYYY-MM-DD
}

// CDRRepository is the default (in-process) CDRSink collaborator
// implementation's storage layer. It is not part of the core's owned
// schema; the core only writes through the CDRSink interface.
type CDRRepository interface {
	Create(ctx context.Context, cdr *models.CDR) error
	GetByID(ctx context.Context, id int64) (*models.CDR, error)
	GetByCallID(ctx context.Context, callID string) (*models.CDR, error)
	Update(ctx context.Context, cdr *models.CDR) error
	List(ctx context.Context, filter CDRListFilter) ([]models.CDR, int, error)
	ListRecent(ctx context.Context, limit int) ([]models.CDR, error)
}

// RegisteredPhoneRepository manages live SIP REGISTER bindings.
type RegisteredPhoneRepository interface {
	Upsert(ctx context.Context, phone *models.RegisteredPhone) error
	List(ctx context.Context) ([]models.RegisteredPhone, error)
	GetByExtension(ctx context.Context, extension string) ([]models.RegisteredPhone, error)
	GetByMAC(ctx context.Context, mac string) (*models.RegisteredPhone, error)
	GetByIP(ctx context.Context, ip string) ([]models.RegisteredPhone, error)
	DeleteByExtensionAndContact(ctx context.Context, extension, contactURI string) error
	DeleteExpired(ctx context.Context) (int64, error)
	DeleteIncomplete(ctx context.Context) (int64, error)
	CountByExtension(ctx context.Context, extension string) (int64, error)
	Count(ctx context.Context) (int64, error)
}
