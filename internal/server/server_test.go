package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"cadence/internal/config"
	"cadence/internal/db"
	"cadence/internal/dispatch"
	"cadence/internal/engine"
	"cadence/internal/migrate"
	"cadence/internal/sweep"
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
	cfg := config.Default("prog-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, dispatch.StaticTemplates{}, dispatch.LogSender{}, nil)
	if _, err := e.InitProgram(context.Background(), cfg.Program.ID, "", "tester", cfg); err != nil {
		t.Fatalf("init program: %v", err)
	}
	s := sweep.Sweeper{Repo: e.Repo, Dispatcher: e.Dispatcher, Config: cfg}
	handler, err := New(Config{
		Engine:   e,
		Sweeper:  s,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret"},
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

func login(t *testing.T, srv *testServer, actorID string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": actorID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var out DevLoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/rounds", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rounds", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", res.StatusCode)
	}
}

func TestRoundLifecycleViaAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := login(t, srv, "operator")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rounds/screening/activate", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activate: %d %s", res.StatusCode, string(data))
	}
	var rd RoundResponse
	if err := json.Unmarshal(data, &rd); err != nil {
		t.Fatalf("unmarshal round: %v", err)
	}
	if rd.Status != "active" {
		t.Fatalf("expected active round, got %s", rd.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/participants", map[string]any{
		"type":  "startup",
		"name":  "Acme",
		"email": "team@acme.example",
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", res.StatusCode, string(data))
	}
	var p ParticipantResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal participant: %v", err)
	}

	// completion blocked until someone is selected
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rounds/screening/complete", nil, auth)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "validation_failed" || envelope.Error.Message == "" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/participants/"+p.ID+"/status", map[string]any{
		"round":  "screening",
		"status": "selected",
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set status: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rounds/screening/complete", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rounds/pitching/activate", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activate pitching: %d %s", res.StatusCode, string(data))
	}
}

func TestPostEventDrivesWorkflow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := login(t, srv, "operator")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/participants", map[string]any{
		"type":  "juror",
		"name":  "Ada",
		"email": "ada@example.com",
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", res.StatusCode, string(data))
	}
	var p ParticipantResponse
	_ = json.Unmarshal(data, &p)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"type":           "juror_onboarded",
		"participant_id": p.ID,
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("post event: %d %s", res.StatusCode, string(data))
	}
	var result engine.EventResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Outcome != "started" {
		t.Fatalf("expected started, got %s", result.Outcome)
	}
	if result.Attempt == nil || result.Attempt.AttemptStatus != "sent" {
		t.Fatalf("expected inline sent attempt, got %+v", result.Attempt)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflows/"+p.ID+"/juror", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get workflow: %d %s", res.StatusCode, string(data))
	}
	var wf WorkflowResponse
	_ = json.Unmarshal(data, &wf)
	if wf.CurrentStage != "onboarding" || wf.StageStatus != "completed" {
		t.Fatalf("unexpected workflow: %+v", wf)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/participants/"+p.ID+"/progress", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress: %d %s", res.StatusCode, string(data))
	}
}

func TestUnknownParticipantIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := login(t, srv, "operator")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/participants/nope", nil, auth)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("unexpected code %s", envelope.Error.Code)
	}
}

func TestSweepEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := login(t, srv, "operator")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sweep", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sweep: %d %s", res.StatusCode, string(data))
	}
	var result sweep.Result
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Claimed != 0 {
		t.Fatalf("expected empty sweep, got %+v", result)
	}
}
