package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"tabletop/internal/aar"
	"tabletop/internal/config"
	"tabletop/internal/db"
	"tabletop/internal/domain"
	"tabletop/internal/engine"
	"tabletop/internal/migrate"
	"tabletop/internal/store"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ring, err := aar.NewKeyring(map[string][]byte{"k1": []byte("0123456789abcdef")}, "k1")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	cfg := config.Default("k1", hex.EncodeToString([]byte("0123456789abcdef")))
	e := engine.New(store.NewSQLite(conn), ring, cfg, nil)
	e.Scheduler.MinuteScale = time.Second

	handler, err := New(Config{
		Engine: e,
		Auth:   AuthConfig{JWTSecret: testJWTSecret},
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
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func token(t *testing.T, actorID, role, tenantID string) string {
	t.Helper()
	tok, err := IssueToken(testJWTSecret, actorID, role, tenantID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func doJSON(t *testing.T, ts *testServer, method, path, bearer string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+"/v0"+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	payload, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, payload
}

func offsetMinutes(minutes float64) *float64 { return &minutes }

func apiScenario() domain.Scenario {
	return domain.Scenario{
		ID:              "phish-201",
		Title:           "Spear phishing the finance team",
		Description:     "Finance team targeted by a spear phishing campaign",
		DurationMinutes: 45,
		Roles:           []string{"incident_commander"},
		Injects: []domain.Inject{
			{
				ID:                "i1",
				Type:              domain.InjectEmail,
				Severity:          domain.SeverityWarning,
				TimeOffsetMinutes: offsetMinutes(0),
				TargetRoles:       []string{"incident_commander"},
				Content:           "Wire transfer request from a spoofed CFO address.",
			},
		},
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	res, body := doJSON(t, ts, http.MethodGet, "/health", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, body %s", res.StatusCode, body)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	ts := newTestServer(t)
	res, body := doJSON(t, ts, http.MethodGet, "/scenarios", "", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, body %s", res.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, body)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestScenarioImportAndSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	fac := token(t, "fac-1", "facilitator", "acme")

	res, body := doJSON(t, ts, http.MethodPost, "/scenarios", fac,
		ValidateScenarioRequest{Scenario: apiScenario()})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("import status = %d, body %s", res.StatusCode, body)
	}

	res, body = doJSON(t, ts, http.MethodPost, "/sessions", fac, CreateSessionRequest{
		ScenarioID:   "phish-201",
		Participants: []domain.Participant{{Name: "Ada", Role: "incident_commander"}},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d, body %s", res.StatusCode, body)
	}
	var created SessionResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if created.Session.Status != domain.StatusPending {
		t.Fatalf("new session status = %s", created.Session.Status)
	}
	id := created.Session.ID

	// Illegal transition maps to 409 with a typed code.
	res, body = doJSON(t, ts, http.MethodPost, "/sessions/"+id+"/transition", fac,
		TransitionRequest{Status: domain.StatusPaused})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("illegal transition status = %d, body %s", res.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}

	res, body = doJSON(t, ts, http.MethodPost, "/sessions/"+id+"/transition", fac,
		TransitionRequest{Status: domain.StatusActive})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activate status = %d, body %s", res.StatusCode, body)
	}

	res, body = doJSON(t, ts, http.MethodPost, "/sessions/"+id+"/transition", fac,
		TransitionRequest{Status: domain.StatusCompleted})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d, body %s", res.StatusCode, body)
	}

	res, body = doJSON(t, ts, http.MethodGet, "/sessions/"+id+"/audit", fac, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status = %d, body %s", res.StatusCode, body)
	}
	var trail AuditTrailResponse
	if err := json.Unmarshal(body, &trail); err != nil {
		t.Fatalf("decode trail: %v", err)
	}
	if len(trail.Events) == 0 {
		t.Fatal("empty audit trail after lifecycle")
	}
}

func TestRetentionPolicyEndpoint(t *testing.T) {
	ts := newTestServer(t)
	fac := token(t, "fac-1", "facilitator", "acme")

	res, body := doJSON(t, ts, http.MethodGet, "/retention/policy", fac, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("policy status = %d, body %s", res.StatusCode, body)
	}
	var policy RetentionPolicyResponse
	if err := json.Unmarshal(body, &policy); err != nil {
		t.Fatalf("decode policy: %v", err)
	}
	if policy.RetentionDays != 90 || !policy.AutoDeleteEnabled {
		t.Fatalf("policy = %+v, want 90-day auto-delete", policy)
	}

	res, _ = doJSON(t, ts, http.MethodGet, "/retention/policy", "", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated policy status = %d", res.StatusCode)
	}
}

func TestParticipantCannotTransition(t *testing.T) {
	ts := newTestServer(t)
	fac := token(t, "fac-1", "facilitator", "acme")
	part := token(t, "p-1", "incident_commander", "acme")

	if res, body := doJSON(t, ts, http.MethodPost, "/scenarios", fac,
		ValidateScenarioRequest{Scenario: apiScenario()}); res.StatusCode != http.StatusCreated {
		t.Fatalf("import: %d %s", res.StatusCode, body)
	}
	res, body := doJSON(t, ts, http.MethodPost, "/sessions", fac,
		CreateSessionRequest{ScenarioID: "phish-201"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, body)
	}
	var created SessionResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	res, body = doJSON(t, ts, http.MethodPost, "/sessions/"+created.Session.ID+"/transition", part,
		TransitionRequest{Status: domain.StatusActive})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("participant transition status = %d, body %s", res.StatusCode, body)
	}
}

func TestTenantIsolation(t *testing.T) {
	ts := newTestServer(t)
	acme := token(t, "fac-1", "facilitator", "acme")
	rival := token(t, "fac-2", "facilitator", "rival")

	if res, body := doJSON(t, ts, http.MethodPost, "/scenarios", acme,
		ValidateScenarioRequest{Scenario: apiScenario()}); res.StatusCode != http.StatusCreated {
		t.Fatalf("import: %d %s", res.StatusCode, body)
	}
	res, body := doJSON(t, ts, http.MethodPost, "/sessions", acme,
		CreateSessionRequest{ScenarioID: "phish-201"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, body)
	}
	var created SessionResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	res, body = doJSON(t, ts, http.MethodGet, "/sessions/"+created.Session.ID, rival, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-tenant get status = %d, body %s", res.StatusCode, body)
	}
	res, body = doJSON(t, ts, http.MethodGet, "/sessions", rival, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, body %s", res.StatusCode, body)
	}
	var listed SessionListResponse
	if err := json.Unmarshal(body, &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Sessions) != 0 {
		t.Fatalf("rival tenant sees %d sessions", len(listed.Sessions))
	}
}

func TestVerifyAAREndpoint(t *testing.T) {
	ts := newTestServer(t)
	fac := token(t, "fac-1", "facilitator", "acme")

	if res, body := doJSON(t, ts, http.MethodPost, "/scenarios", fac,
		ValidateScenarioRequest{Scenario: apiScenario()}); res.StatusCode != http.StatusCreated {
		t.Fatalf("import: %d %s", res.StatusCode, body)
	}
	res, body := doJSON(t, ts, http.MethodPost, "/sessions", fac,
		CreateSessionRequest{ScenarioID: "phish-201"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, body)
	}
	var created SessionResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id := created.Session.ID
	for _, status := range []domain.SessionStatus{domain.StatusActive, domain.StatusCompleted} {
		if res, body := doJSON(t, ts, http.MethodPost, "/sessions/"+id+"/transition", fac,
			TransitionRequest{Status: status}); res.StatusCode != http.StatusOK {
			t.Fatalf("transition to %s: %d %s", status, res.StatusCode, body)
		}
	}

	res, body = doJSON(t, ts, http.MethodPost, "/sessions/"+id+"/aar", fac, GenerateAARRequest{})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("generate status = %d, body %s", res.StatusCode, body)
	}
	var report domain.AAR
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}

	res, body = doJSON(t, ts, http.MethodPost, "/aar/verify", fac,
		VerifyAARRequest{Content: report.Content, Signature: report.Signature})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d, body %s", res.StatusCode, body)
	}
	var verdict VerifyAARResponse
	if err := json.Unmarshal(body, &verdict); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if !verdict.Valid {
		t.Fatal("untampered report reported invalid")
	}

	tampered := report.Content
	tampered.Findings = append(tampered.Findings, "injected finding")
	res, body = doJSON(t, ts, http.MethodPost, "/aar/verify", fac,
		VerifyAARRequest{Content: tampered, Signature: report.Signature})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d, body %s", res.StatusCode, body)
	}
	if err := json.Unmarshal(body, &verdict); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if verdict.Valid {
		t.Fatal("tampered report reported valid")
	}
}

func TestPurgeEndpointIdempotent(t *testing.T) {
	ts := newTestServer(t)
	fac := token(t, "fac-1", "facilitator", "acme")

	if res, body := doJSON(t, ts, http.MethodPost, "/scenarios", fac,
		ValidateScenarioRequest{Scenario: apiScenario()}); res.StatusCode != http.StatusCreated {
		t.Fatalf("import: %d %s", res.StatusCode, body)
	}
	res, body := doJSON(t, ts, http.MethodPost, "/sessions", fac,
		CreateSessionRequest{ScenarioID: "phish-201"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, body)
	}
	var created SessionResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id := created.Session.ID

	for i := 0; i < 2; i++ {
		res, body = doJSON(t, ts, http.MethodDelete, "/sessions/"+id, fac, nil)
		if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
			t.Fatalf("purge %d status = %d, body %s", i, res.StatusCode, body)
		}
	}
	res, body = doJSON(t, ts, http.MethodGet, "/sessions/"+id, fac, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get after purge status = %d, body %s", res.StatusCode, body)
	}
}
