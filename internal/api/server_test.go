package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flowpbx/corepbx/internal/api/middleware"
	"github.com/flowpbx/corepbx/internal/config"
	"github.com/flowpbx/corepbx/internal/database/models"
	"github.com/go-chi/chi/v5"
)

// fakeExtensionRepo is an in-memory database.ExtensionRepository for tests.
type fakeExtensionRepo struct {
	byExt map[string]*models.Extension
}

func newFakeExtensionRepo() *fakeExtensionRepo {
	return &fakeExtensionRepo{byExt: make(map[string]*models.Extension)}
}

func (f *fakeExtensionRepo) Create(ctx context.Context, e *models.Extension) error {
	f.byExt[e.Extension] = e
	return nil
}
func (f *fakeExtensionRepo) GetByID(ctx context.Context, id int64) (*models.Extension, error) {
	for _, e := range f.byExt {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, nil
}
func (f *fakeExtensionRepo) GetByExtension(ctx context.Context, ext string) (*models.Extension, error) {
	return f.byExt[ext], nil
}
func (f *fakeExtensionRepo) List(ctx context.Context) ([]models.Extension, error) {
	out := make([]models.Extension, 0, len(f.byExt))
	for _, e := range f.byExt {
		out = append(out, *e)
	}
	return out, nil
}
func (f *fakeExtensionRepo) Update(ctx context.Context, e *models.Extension) error {
	f.byExt[e.Extension] = e
	return nil
}
func (f *fakeExtensionRepo) Delete(ctx context.Context, id int64) error {
	for ext, e := range f.byExt {
		if e.ID == id {
			delete(f.byExt, ext)
		}
	}
	return nil
}

// fakePhoneRepo is an in-memory database.RegisteredPhoneRepository for tests.
type fakePhoneRepo struct {
	phones []models.RegisteredPhone
}

func (f *fakePhoneRepo) Upsert(ctx context.Context, p *models.RegisteredPhone) error {
	f.phones = append(f.phones, *p)
	return nil
}
func (f *fakePhoneRepo) List(ctx context.Context) ([]models.RegisteredPhone, error) {
	return f.phones, nil
}
func (f *fakePhoneRepo) GetByExtension(ctx context.Context, extension string) ([]models.RegisteredPhone, error) {
	var out []models.RegisteredPhone
	for _, p := range f.phones {
		if p.Extension == extension {
			out = append(out, p)
		}
	}
	return out, nil
}
func (f *fakePhoneRepo) GetByMAC(ctx context.Context, mac string) (*models.RegisteredPhone, error) {
	for i := range f.phones {
		if f.phones[i].MAC == mac {
			return &f.phones[i], nil
		}
	}
	return nil, nil
}
func (f *fakePhoneRepo) GetByIP(ctx context.Context, ip string) ([]models.RegisteredPhone, error) {
	var out []models.RegisteredPhone
	for _, p := range f.phones {
		if p.IP == ip {
			out = append(out, p)
		}
	}
	return out, nil
}
func (f *fakePhoneRepo) DeleteByExtensionAndContact(ctx context.Context, extension, contactURI string) error {
	return nil
}
func (f *fakePhoneRepo) DeleteExpired(ctx context.Context) (int64, error)    { return 0, nil }
func (f *fakePhoneRepo) DeleteIncomplete(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakePhoneRepo) CountByExtension(ctx context.Context, extension string) (int64, error) {
	return 0, nil
}
func (f *fakePhoneRepo) Count(ctx context.Context) (int64, error) { return int64(len(f.phones)), nil }

// fakeDeviceRepo is an in-memory database.ProvisionedDeviceRepository for tests.
type fakeDeviceRepo struct {
	byMAC map[string]*models.ProvisionedDevice
}

func newFakeDeviceRepo() *fakeDeviceRepo {
	return &fakeDeviceRepo{byMAC: make(map[string]*models.ProvisionedDevice)}
}

func (f *fakeDeviceRepo) Create(ctx context.Context, d *models.ProvisionedDevice) error {
	f.byMAC[d.MAC] = d
	return nil
}
func (f *fakeDeviceRepo) GetByMAC(ctx context.Context, mac string) (*models.ProvisionedDevice, error) {
	return f.byMAC[mac], nil
}
func (f *fakeDeviceRepo) List(ctx context.Context) ([]models.ProvisionedDevice, error) {
	out := make([]models.ProvisionedDevice, 0, len(f.byMAC))
	for _, d := range f.byMAC {
		out = append(out, *d)
	}
	return out, nil
}
func (f *fakeDeviceRepo) ListByExtension(ctx context.Context, ext string) ([]models.ProvisionedDevice, error) {
	var out []models.ProvisionedDevice
	for _, d := range f.byMAC {
		if d.Extension == ext {
			out = append(out, *d)
		}
	}
	return out, nil
}
func (f *fakeDeviceRepo) Update(ctx context.Context, d *models.ProvisionedDevice) error {
	f.byMAC[d.MAC] = d
	return nil
}
func (f *fakeDeviceRepo) Delete(ctx context.Context, mac string) error {
	delete(f.byMAC, mac)
	return nil
}
func (f *fakeDeviceRepo) MarkProvisioned(ctx context.Context, mac string) error { return nil }

// newTestServer builds a Server with fake repositories and a live router,
// bypassing NewServer (which requires a real *database.DB).
func newTestServer() (*Server, *fakeExtensionRepo, *fakePhoneRepo, *fakeDeviceRepo) {
	exts := newFakeExtensionRepo()
	phones := &fakePhoneRepo{}
	devices := newFakeDeviceRepo()

	s := &Server{
		router:             chi.NewRouter(),
		cfg:                &config.Config{SessionSecretKey: testSecret},
		sessions:           middleware.NewSessionStore(),
		extensions:         exts,
		phones:             phones,
		provisionedDevices: devices,
		qosMgr:             nil,
		authLimiter:        middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig()),
	}
	s.routes()
	return s, exts, phones, devices
}

const testSecret = "0123456789abcdef0123456789abcdef"

func bearerRequest(method, path, token string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestRegisteredPhonesRequiresBearerToken(t *testing.T) {
	s, _, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/registered-phones", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", rr.Code)
	}
}

func TestRegisteredPhonesWithValidToken(t *testing.T) {
	s, _, phones, _ := newTestServer()
	phones.phones = append(phones.phones, models.RegisteredPhone{
		Extension: "6001", ContactURI: "sip:6001@10.0.0.5:5060", MAC: "aabbccddeeff",
	})

	token, _, err := middleware.GenerateAdminToken([]byte(testSecret), "6001", true)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error: %v", err)
	}

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, bearerRequest(http.MethodGet, "/api/registered-phones", token))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var got struct {
		Data []registeredPhoneResponse `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(got.Data) != 1 || got.Data[0].Extension != "6001" {
		t.Fatalf("unexpected response: %+v", got.Data)
	}
}

func TestCreateProvisionedDeviceRequiresAdminRole(t *testing.T) {
	s, exts, _, _ := newTestServer()
	exts.byExt["6001"] = &models.Extension{ID: 1, Extension: "6001"}

	// Non-admin bearer token.
	token, _, err := middleware.GenerateAdminToken([]byte(testSecret), "6001", false)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error: %v", err)
	}

	body := `{"mac":"aa:bb:cc:dd:ee:ff","extension":"6001","vendor":"yealink","model":"t46s"}`
	req := httptest.NewRequest(http.MethodPost, "/api/provisioning/devices/", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin token, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCreateProvisionedDeviceAsAdmin(t *testing.T) {
	s, exts, _, devices := newTestServer()
	exts.byExt["6001"] = &models.Extension{ID: 1, Extension: "6001"}

	token, _, err := middleware.GenerateAdminToken([]byte(testSecret), "admin", true)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error: %v", err)
	}

	body := `{"mac":"aa:bb:cc:dd:ee:ff","extension":"6001","vendor":"yealink","model":"t46s"}`
	req := httptest.NewRequest(http.MethodPost, "/api/provisioning/devices/", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if _, ok := devices.byMAC["aabbccddeeff"]; !ok {
		t.Fatal("expected device to be stored under normalized MAC")
	}
}

func TestQoSMetricsWithNilManager(t *testing.T) {
	s, _, _, _ := newTestServer()

	token, _, err := middleware.GenerateAdminToken([]byte(testSecret), "6001", true)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error: %v", err)
	}

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, bearerRequest(http.MethodGet, "/api/qos/metrics", token))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}
