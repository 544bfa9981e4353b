package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/carecore/internal/config"
	"github.com/ehr/carecore/internal/domain/membership"
	"github.com/ehr/carecore/internal/platform/auth"
	"github.com/ehr/carecore/internal/platform/db"
	"github.com/ehr/carecore/internal/platform/docstore"
	"github.com/ehr/carecore/internal/platform/lease"
	"github.com/ehr/carecore/internal/platform/metrics"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                "development",
		StoreBackend:       config.BackendMemory,
		DefaultTenant:      "default",
		AllocMaxAttempts:   3,
		ReconcileBatchSize: 50,
		ReconcileLeaseTTL:  time.Minute,
		RequestTimeout:     5 * time.Second,
		BodyLimit:          "1M",
	}
}

type testApp struct {
	store *docstore.Memory
	svcs  *services
	serve func(req *http.Request) *httptest.ResponseRecorder
}

func newTestApp(t *testing.T, cfg *config.Config) *testApp {
	t.Helper()
	store := docstore.NewMemory()
	m := metrics.New()
	svcs := buildServices(cfg, store, lease.Noop{}, m, zerolog.Nop())
	e := newServer(cfg, zerolog.Nop(), store, m, svcs)
	return &testApp{
		store: store,
		svcs:  svcs,
		serve: func(req *http.Request) *httptest.ResponseRecorder {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			return rec
		},
	}
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestServer_Health(t *testing.T) {
	app := newTestApp(t, testConfig())
	rec := app.serve(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["backend"] != config.BackendMemory {
		t.Errorf("expected memory backend, got %v", body["backend"])
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
}

func TestServer_DevModeTenantScoping(t *testing.T) {
	app := newTestApp(t, testConfig())

	req := jsonRequest(http.MethodPost, "/api/v1/members", `{"name":"Ada"}`)
	req.Header.Set("X-Tenant-ID", "acme")
	rec := app.serve(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var m membership.Member
	json.Unmarshal(rec.Body.Bytes(), &m)
	if m.Code != "AAA00" {
		t.Errorf("expected AAA00, got %s", m.Code)
	}

	if _, err := app.store.FindByID(db.WithTenant(context.Background(), "acme"), "member", m.ID); err != nil {
		t.Errorf("expected member in tenant acme: %v", err)
	}
	if _, err := app.store.FindByID(context.Background(), "member", m.ID); err == nil {
		t.Error("member leaked into the default tenant")
	}
}

func TestServer_MetricsExposed(t *testing.T) {
	app := newTestApp(t, testConfig())
	app.serve(jsonRequest(http.MethodPost, "/api/v1/staff/doctor", `{"name":"Dr A"}`))

	rec := app.serve(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "carecore_code_allocations_total") {
		t.Error("expected allocation counter in metrics output")
	}
}

func TestServer_JWTMode(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.AuthSigningKey = strings.Repeat("k", 32)
	cfg.AuthIssuer = "carecore"
	app := newTestApp(t, cfg)

	if rec := app.serve(jsonRequest(http.MethodPost, "/api/v1/members", `{"name":"Ada"}`)); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
	if rec := app.serve(httptest.NewRequest(http.MethodGet, "/health", nil)); rec.Code != http.StatusOK {
		t.Errorf("expected public health endpoint, got %d", rec.Code)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "coordinator-1",
			Issuer:    "carecore",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "acme",
		Roles:    []string{auth.RoleCoordinator},
	})
	signed, err := token.SignedString([]byte(cfg.AuthSigningKey))
	if err != nil {
		t.Fatal(err)
	}

	req := jsonRequest(http.MethodPost, "/api/v1/members", `{"name":"Ada"}`)
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("X-Tenant-ID", "other")
	rec := app.serve(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var m membership.Member
	json.Unmarshal(rec.Body.Bytes(), &m)
	if _, err := app.store.FindByID(db.WithTenant(context.Background(), "acme"), "member", m.ID); err != nil {
		t.Errorf("expected token tenant to win over header: %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/reconcile", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	if rec := app.serve(req); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for coordinator reconcile, got %d", rec.Code)
	}
}

func TestReconcileLoop_RunsOncePerTenant(t *testing.T) {
	app := newTestApp(t, testConfig())
	ctx := db.WithTenant(context.Background(), "acme")

	doc := &membership.Staff{Role: membership.RoleDoctor, Name: "Dr A"}
	if err := app.svcs.membership.CreateStaff(ctx, doc); err != nil {
		t.Fatal(err)
	}
	m := &membership.Member{Name: "m"}
	if err := app.svcs.membership.CreateMember(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := app.svcs.membership.AssignStaff(ctx, m.ID, membership.RoleDoctor, doc.ID); err != nil {
		t.Fatal(err)
	}
	// Drift the cached counter so the pass has something to repair.
	if err := app.store.UpdateByID(ctx, "doctor", doc.ID, docstore.Patch{
		Set: map[string]any{"total_assigned_members": 7},
	}); err != nil {
		t.Fatal(err)
	}

	if err := reconcileLoop(context.Background(), app.svcs.membership, []string{"acme", "default"}, 0, zerolog.Nop()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st, err := app.svcs.membership.GetStaff(ctx, membership.RoleDoctor, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalAssignedMembers == nil || *st.TotalAssignedMembers != 1 {
		t.Errorf("expected counter repaired to 1, got %v", st.TotalAssignedMembers)
	}
}

func TestReconcileLoop_StopsOnCancel(t *testing.T) {
	app := newTestApp(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- reconcileLoop(ctx, app.svcs.membership, []string{"default"}, 10*time.Millisecond, zerolog.Nop())
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconcile loop did not stop")
	}
}

func TestCommands_Registered(t *testing.T) {
	tests := []struct {
		cmd  *cobra.Command
		subs []string
	}{
		{migrateCmd(), []string{"up", "status"}},
		{tenantCmd(), []string{"create"}},
	}
	for _, tt := range tests {
		for _, name := range tt.subs {
			if sub, _, err := tt.cmd.Find([]string{name}); err != nil || sub.Name() != name {
				t.Errorf("%s: expected subcommand %s", tt.cmd.Name(), name)
			}
		}
	}
	if f := reconcileCmd().Flags().Lookup("interval"); f == nil || f.DefValue != "0s" {
		t.Errorf("expected --interval flag defaulting to 0s, got %v", f)
	}
}
