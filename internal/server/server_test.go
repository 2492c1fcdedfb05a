package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"shoptrack/internal/config"
	"shoptrack/internal/db"
	"shoptrack/internal/domain"
	"shoptrack/internal/engine"
	"shoptrack/internal/migrate"
)

const testJWTSecret = "test-secret"

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
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.Vocab.Seed(context.Background(), time.Now().UTC().Format(time.RFC3339)); err != nil {
		t.Fatalf("seed vocabulary: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
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

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func authHeaders(t *testing.T, subject string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, subject)}
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

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/assets", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Errorf("code = %q", envelope.Error.Code)
	}
}

func TestAssetLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "7")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/assets", map[string]any{
		"label":    "Bandsaw",
		"status":   "Operational",
		"owner_id": 7,
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create asset status %d: %s", res.StatusCode, string(data))
	}
	var asset domain.Asset
	if err := json.Unmarshal(data, &asset); err != nil {
		t.Fatalf("unmarshal asset: %v", err)
	}
	if asset.StatusLabel != "Operational" {
		t.Fatalf("status = %q", asset.StatusLabel)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assets/"+itoa(asset.ID)+"/reports", map[string]any{
		"classification": "broken_nonfuctional",
		"description":    "blade snapped",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("report status %d: %s", res.StatusCode, string(data))
	}
	var outcome engine.ReportOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if !outcome.Escalated || outcome.NewStatus != "Out of Service" {
		t.Fatalf("outcome = %+v", outcome)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/assets/"+itoa(asset.ID)+"/log", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list log status %d: %s", res.StatusCode, string(data))
	}
	var entries []domain.LogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Details != "Member Report (user #7): blade snapped" {
		t.Errorf("details = %q", entries[0].Details)
	}
}

func TestUnknownStatusRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeaders(t, "7")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/assets", map[string]any{
		"label":  "Press",
		"status": "Bogus",
	}, headers)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuthenticatesReporter(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "7")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/assets", map[string]any{
		"label": "Sensor rig", "status": "Operational", "owner_id": 7,
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create asset status %d: %s", res.StatusCode, string(data))
	}
	var asset domain.Asset
	if err := json.Unmarshal(data, &asset); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": 9, "name": "monitor",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key status %d: %s", res.StatusCode, string(data))
	}
	var key CreatedAPIKey
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatal(err)
	}
	if key.Key == "" {
		t.Fatalf("plaintext key not returned")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assets/"+itoa(asset.ID)+"/log", map[string]any{
		"summary": "Automated check",
	}, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("log via api key status %d: %s", res.StatusCode, string(data))
	}
	var created LogEntryWithSync
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}
	if created.Entry.UserID != 9 {
		t.Errorf("entry user = %d, want api key actor 9", created.Entry.UserID)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
