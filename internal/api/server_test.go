package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nerrad567/cblk-core/internal/audit"
	"github.com/nerrad567/cblk-core/internal/auth"
	"github.com/nerrad567/cblk-core/internal/blockdev"
	"github.com/nerrad567/cblk-core/internal/infrastructure/config"
	"github.com/nerrad567/cblk-core/internal/infrastructure/logging"
	"github.com/nerrad567/cblk-core/internal/mempool"
)

const (
	testOperator = "operator"
	testPassword = "correct horse battery staple"
	testSecret   = "test-secret-at-least-32-characters!!"
)

// testEnv bundles the server under test with handles the tests need to
// poke at device state directly.
type testEnv struct {
	server  *Server
	router  http.Handler
	manager *blockdev.Manager
	pools   map[string]*mempool.Pool
	repo    audit.Repository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	pools := make(map[string]*mempool.Pool)
	manager, err := blockdev.NewManager(blockdev.ManagerConfig{
		Count:    2,
		Cores:    2,
		PageSize: 4096,
	}, func(d *blockdev.Device) blockdev.DataPath {
		pool, perr := mempool.New(mempool.Config{PageSize: 4096, OnFirstUse: d.OnFirstUse})
		if perr != nil {
			t.Fatalf("mempool.New: %v", perr)
		}
		pools[d.Name()] = pool
		return pool
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	srv, err := New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS:     config.WebSocketConfig{PushInterval: 2, PingInterval: 30, PongTimeout: 60, MaxMessageSize: 8192},
		Security: config.SecurityConfig{
			JWT:      config.JWTConfig{Secret: testSecret, AccessTokenTTL: 15},
			Operator: config.OperatorConfig{Username: testOperator, PasswordHash: hash},
		},
		Logger:    logger,
		Manager:   manager,
		AuditRepo: newTestAuditRepo(t),
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv.hub = NewHub(srv.wsCfg, logger)

	return &testEnv{
		server:  srv,
		router:  srv.buildRouter(),
		manager: manager,
		pools:   pools,
		repo:    srv.auditRepo,
	}
}

// newTestAuditRepo creates a temp-file SQLite audit repository with the
// audit_logs schema applied.
func newTestAuditRepo(t *testing.T) audit.Repository {
	t.Helper()

	path := filepath.Join(t.TempDir(), "audit.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `CREATE TABLE audit_logs (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		entity_type TEXT,
		entity_id TEXT,
		user_id TEXT,
		source TEXT NOT NULL,
		outcome TEXT NOT NULL DEFAULT 'success',
		details TEXT,
		created_at TEXT NOT NULL
	) STRICT;`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating audit_logs table: %v", err)
	}

	return audit.NewSQLiteRepository(db)
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()

	body, _ := json.Marshal(map[string]string{
		"username": testOperator,
		"password": testPassword,
	})
	rec := e.do(t, http.MethodPost, "/api/v1/auth/login", "", string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("login: got status %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("login returned empty access token")
	}
	return resp.AccessToken
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

func TestLoginDeniedBadPassword(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(map[string]string{
		"username": testOperator,
		"password": "wrong",
	})
	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", string(body))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want 401", rec.Code)
	}
}

func TestLoginDeniedUnknownUser(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(map[string]string{
		"username": "intruder",
		"password": testPassword,
	})
	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", string(body))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want 401", rec.Code)
	}
}

func TestListDevices(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/devices", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}

	var resp struct {
		Devices []deviceSummary `json:"devices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(resp.Devices))
	}
	if resp.Devices[0].Name != "cblk0" {
		t.Errorf("first device = %q, want cblk0", resp.Devices[0].Name)
	}
	if resp.Devices[0].Initialized {
		t.Error("fresh device reports initialized")
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/devices/cblk99", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rec.Code)
	}
}

func TestAttrWriteRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/v1/devices/cblk0/attrs/capacity", "", "1048576")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want 401", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/api/v1/devices/cblk0/attrs/capacity", "not-a-jwt", "1048576")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: got status %d, want 401", rec.Code)
	}
}

func TestAttrWriteReadRoundtrip(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	rec := env.do(t, http.MethodPut, "/api/v1/devices/cblk0/attrs/capacity", token, "1048576\n")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("write capacity: got status %d, want 204: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/devices/cblk0/attrs/capacity", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("read capacity: got status %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "1048576\n" {
		t.Errorf("capacity = %q, want %q", got, "1048576\n")
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/devices/cblk0/attrs/initialized", "", "")
	if got := rec.Body.String(); got != "0\n" {
		t.Errorf("initialized = %q, want %q", got, "0\n")
	}
}

func TestAttrWriteErrors(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	tests := []struct {
		name   string
		device string
		attr   string
		value  string
		setup  func()
		want   int
	}{
		{
			name: "unknown attribute", device: "cblk0",
			attr: "no-such-attr", value: "1",
			want: http.StatusNotFound,
		},
		{
			name: "read-only attribute", device: "cblk0",
			attr: "count.reads", value: "1",
			want: http.StatusMethodNotAllowed,
		},
		{
			name: "malformed decimal", device: "cblk0",
			attr: "capacity", value: "lots",
			want: http.StatusBadRequest,
		},
		{
			name: "unconfirmed reset", device: "cblk0",
			attr: "reset", value: "0",
			want: http.StatusBadRequest,
		},
		{
			name: "capacity on active device", device: "cblk1",
			attr: "capacity", value: "2097152",
			setup: func() {
				// First page allocation flips the device active.
				env.pools["cblk1"].AllocPages(1)
			},
			want: http.StatusConflict,
		},
		{
			name: "reset while held open", device: "cblk1",
			attr: "reset", value: "1",
			setup: func() {
				env.pools["cblk1"].Open()
			},
			want: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			rec := env.do(t, http.MethodPut, "/api/v1/devices/"+tt.device+"/attrs/"+tt.attr, token, tt.value)
			if rec.Code != tt.want {
				t.Errorf("got status %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestAttrWriteOversizedBody(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	// A leading valid decimal must not be accepted once the body exceeds
	// the attribute value limit, even when the overflow is whitespace.
	value := "1" + strings.Repeat(" ", 63) + "junk"
	rec := env.do(t, http.MethodPut, "/api/v1/devices/cblk0/attrs/capacity", token, value)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400: %s", rec.Code, rec.Body.String())
	}

	// Capacity must be untouched by the rejected write.
	rec = env.do(t, http.MethodGet, "/api/v1/devices/cblk0/attrs/capacity", "", "")
	if got := rec.Body.String(); got != "0\n" {
		t.Errorf("capacity = %q, want %q", got, "0\n")
	}

	// A body exactly at the limit still succeeds.
	value = "4096" + strings.Repeat(" ", 60)
	rec = env.do(t, http.MethodPut, "/api/v1/devices/cblk0/attrs/capacity", token, value)
	if rec.Code != http.StatusNoContent {
		t.Errorf("at-limit write: got status %d, want 204: %s", rec.Code, rec.Body.String())
	}
}

func TestAttrReadWriteOnly(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/devices/cblk0/attrs/reset", "", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("got status %d, want 405", rec.Code)
	}
}

func TestListAttrs(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/devices/cblk0/attrs", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}

	var resp struct {
		Attrs []string `json:"attrs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	want := map[string]bool{"capacity": true, "initialized": true, "reset": true, "count.reads": true}
	found := 0
	for _, name := range resp.Attrs {
		if want[name] {
			found++
		}
	}
	if found != len(want) {
		t.Errorf("attrs %v missing expected names", resp.Attrs)
	}
}

func TestDeviceStats(t *testing.T) {
	env := newTestEnv(t)

	dev, err := env.manager.Get("cblk0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	dev.Counters().Add(0, blockdev.StatReads, 7)
	dev.Counters().Add(1, blockdev.StatWrites, 3)

	rec := env.do(t, http.MethodGet, "/api/v1/devices/cblk0/stats", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}

	var stats deviceStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if stats.Device != "cblk0" {
		t.Errorf("device = %q, want cblk0", stats.Device)
	}
	if stats.Counters["reads"] != 7 {
		t.Errorf("reads = %d, want 7", stats.Counters["reads"])
	}
	if stats.Counters["writes"] != 3 {
		t.Errorf("writes = %d, want 3", stats.Counters["writes"])
	}
	if stats.InvariantTripped {
		t.Error("invariant reported tripped on healthy counters")
	}
}

func TestAllDeviceStats(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/devices/stats", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}

	var resp struct {
		Devices []deviceStats `json:"devices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Devices) != 2 {
		t.Errorf("got %d devices, want 2", len(resp.Devices))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	env.pools["cblk0"].AllocPages(1)

	rec := env.do(t, http.MethodGet, "/api/v1/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}

	var metrics SystemMetrics
	if err := json.Unmarshal(rec.Body.Bytes(), &metrics); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if metrics.Devices.Total != 2 {
		t.Errorf("devices.total = %d, want 2", metrics.Devices.Total)
	}
	if metrics.Devices.Active != 1 {
		t.Errorf("devices.active = %d, want 1", metrics.Devices.Active)
	}
	if metrics.Version != "test" {
		t.Errorf("version = %q, want test", metrics.Version)
	}
}

func TestAuditTrailEndpoint(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	// Drain audit entries synchronously so the login above is persisted.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env.server.drainAuditLog(ctx)

	rec := env.do(t, http.MethodGet, "/api/v1/audit?action=login", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var result audit.ListResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if result.Total != 1 {
		t.Fatalf("total = %d, want 1", result.Total)
	}
	entry := result.Entries[0]
	if entry.Action != audit.ActionLogin {
		t.Errorf("action = %q, want %q", entry.Action, audit.ActionLogin)
	}
	if entry.Outcome != audit.OutcomeSuccess {
		t.Errorf("outcome = %q, want %q", entry.Outcome, audit.OutcomeSuccess)
	}
	if entry.UserID != testOperator {
		t.Errorf("user_id = %q, want %q", entry.UserID, testOperator)
	}
}

func TestAuditRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/audit", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want 401", rec.Code)
	}
}

func TestAttrWriteAudited(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	rec := env.do(t, http.MethodPut, "/api/v1/devices/cblk0/attrs/capacity", token, "4096")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("write capacity: got status %d, want 204", rec.Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env.server.drainAuditLog(ctx)

	result, err := env.repo.List(context.Background(), audit.Filter{Action: audit.ActionSetCapacity})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if result.Total != 1 {
		t.Fatalf("total = %d, want 1", result.Total)
	}
	entry := result.Entries[0]
	if entry.EntityID != "cblk0" {
		t.Errorf("entity_id = %q, want cblk0", entry.EntityID)
	}
	if entry.UserID != testOperator {
		t.Errorf("user_id = %q, want %q", entry.UserID, testOperator)
	}
	if entry.Details["value"] != "4096" {
		t.Errorf("details.value = %v, want 4096", entry.Details["value"])
	}
}

func TestWSTicketFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}

	var resp struct {
		Ticket string `json:"ticket"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Ticket == "" {
		t.Fatal("empty ticket")
	}

	entry, ok := env.server.validateTicket(resp.Ticket)
	if !ok {
		t.Fatal("freshly issued ticket failed validation")
	}
	if entry.userID != testOperator {
		t.Errorf("ticket userID = %q, want %q", entry.userID, testOperator)
	}

	// Tickets are single-use.
	if _, ok := env.server.validateTicket(resp.Ticket); ok {
		t.Error("ticket validated twice")
	}
}

func TestWSTicketRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want 401", rec.Code)
	}
}
