package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gatehouse/internal/config"
	"gatehouse/internal/db"
	"gatehouse/internal/domain"
	"gatehouse/internal/engine"
	"gatehouse/internal/engine/auth"
	"gatehouse/internal/migrate"
)

const testJWTSecret = "test-secret"

var (
	guardHeaders    = map[string]string{"X-Actor-Id": "guard-1", "X-Actor-Role": "guard"}
	residentHeaders = map[string]string{"X-Actor-Id": "res-1", "X-Actor-Role": "resident"}
	adminHeaders    = map[string]string{"X-Actor-Id": "admin-1", "X-Actor-Role": "admin"}
	systemHeaders   = map[string]string{"X-Actor-Id": "sweeper", "X-Actor-Role": "system"}
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("gate-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if _, err := e.InitGate(ctx, "gate-1", "Main Gate", auth.Actor{ID: "admin-1", Role: auth.RoleAdmin}); err != nil {
		t.Fatalf("init gate: %v", err)
	}
	if err := e.Repo.UpsertResident(ctx, domain.Resident{
		ID: "res-1", Flat: "A-101", Name: "Asha",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("seed resident: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestEntryLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/gates/gate-1/entries", map[string]any{
		"kind":         "guest",
		"visitor_name": "Ravi",
		"flat":         "A-101",
	}, guardHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create entry status %d: %s", res.StatusCode, string(data))
	}
	var created EntryResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if created.State != "waiting" || created.LegacyKind != "GUEST" {
		t.Fatalf("created entry: %+v", created)
	}
	entryID := created.ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/entries/"+entryID+"/call", nil, guardHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("call status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/entries/"+entryID+"/approve", nil, residentHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/entries/"+entryID+"/checkin", nil, guardHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("checkin status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/entries/"+entryID+"/checkout", nil, guardHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("checkout status %d: %s", res.StatusCode, string(data))
	}
	var final EntryResponse
	_ = json.Unmarshal(data, &final)
	if final.State != "checked_out" || final.StateLabel != "Checked out" {
		t.Fatalf("final entry: %+v", final)
	}

	// a closed visit refuses further transitions with the conflict envelope
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/entries/"+entryID+"/checkin", nil, guardHeaders)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("checkin after checkout status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("error code = %s, want invalid_transition", code)
	}
}

func TestGatepassFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	now := time.Now().UTC()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/gatepasses", map[string]any{
		"kind":          "cab",
		"visitor_name":  "Airport cab",
		"visitor_phone": "+917000000001",
		"flat":          "A-101",
		"valid_from":    now.Add(-time.Minute).Format(time.RFC3339),
		"valid_until":   now.Add(2 * time.Hour).Format(time.RFC3339),
	}, residentHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("issue pass status %d: %s", res.StatusCode, string(data))
	}
	var pass domain.Gatepass
	_ = json.Unmarshal(data, &pass)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/gates/gate-1/entries", map[string]any{
		"kind":          "cab",
		"visitor_name":  "Airport cab",
		"visitor_phone": "+917000000001",
		"flat":          "A-101",
	}, guardHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create entry status %d: %s", res.StatusCode, string(data))
	}
	var entry EntryResponse
	_ = json.Unmarshal(data, &entry)
	if entry.State != "approved" || entry.PreApprovalRef == nil || *entry.PreApprovalRef != pass.ID {
		t.Fatalf("pre-approved entry: %+v", entry)
	}
	if entry.LegacyKind != "OTHER" {
		t.Fatalf("legacy kind = %s, want OTHER", entry.LegacyKind)
	}
}

func TestPermissionAndValidationErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// residents cannot create entries
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/gates/gate-1/entries", map[string]any{
		"kind": "guest", "visitor_name": "x", "flat": "A-101",
	}, residentHeaders)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("resident create: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/gates/gate-1/entries", map[string]any{
		"kind": "drone", "visitor_name": "x", "flat": "A-101",
	}, guardHeaders)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad kind: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/entries/ge-missing", nil, guardHeaders)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("missing entry: %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/gates/gate-1/sweep", nil, systemHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("system sweep status %d", res.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated: %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health without auth: %d", res.StatusCode)
	}

	claims := jwt.MapClaims{
		"sub":  "res-1",
		"role": "resident",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt me: %d %s", res.StatusCode, string(data))
	}
	var me map[string]string
	_ = json.Unmarshal(data, &me)
	if me["actor_id"] != "res-1" || me["role"] != "resident" || me["source"] != "jwt" {
		t.Fatalf("me = %v", me)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("bad token: %d %s", res.StatusCode, string(data))
	}
}

func TestGateAdminSurface(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/gates", map[string]any{
		"id": "gate-2", "name": "Service Gate",
	}, adminHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create gate: %d %s", res.StatusCode, string(data))
	}

	// guards cannot register gates
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/gates", map[string]any{
		"id": "gate-3",
	}, guardHeaders)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("guard create gate: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/gates/gate-2/config", nil, adminHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("gate config: %d %s", res.StatusCode, string(data))
	}
	var cfg GateConfigResponse
	_ = json.Unmarshal(data, &cfg)
	if cfg.RingTimeoutSeconds != 60 || cfg.MaxAttempts != 3 {
		t.Fatalf("config = %+v", cfg)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/residents/res-9", map[string]any{
		"flat": "B-202", "name": "Kiran",
	}, adminHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upsert resident: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=gate", nil, adminHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events: %d %s", res.StatusCode, string(data))
	}
	var evts []EventResponse
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts) == 0 {
		t.Fatalf("expected gate.init events")
	}
}
