package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/engine"
	"flowline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.AllowLegacyActorHeader = true
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/api/v1",
		Auth: AuthConfig{
			JWTSecret:              cfg.Auth.JWTSecret,
			AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
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
	t.Cleanup(testSrv.Close)
	return testSrv
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

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func TestWorkflowLifecycleHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/workflows", map[string]any{
		"title":          "Q4 Plan",
		"budget_floor":   100,
		"budget_ceiling": 500,
		"total_budget":   1000000,
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create workflow status %d: %s", res.StatusCode, string(data))
	}
	var created WorkflowResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}
	if created.ID != 1 {
		t.Fatalf("expected workflow id 1, got %d", created.ID)
	}
	if created.Owner != "alice" {
		t.Fatalf("expected owner alice, got %s", created.Owner)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/workflows/1/contributors", map[string]any{
		"principal": "bob",
		"tier":      2,
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("enroll status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/workflows/1/tasks", map[string]any{
		"title":    "Draft report",
		"assignee": "bob",
	}, asActor("bob"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("spawn task status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.ID != 1 || task.State != "created" {
		t.Fatalf("unexpected task: id=%d state=%s", task.ID, task.State)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/workflows/1/tasks/1/transition", map[string]any{
		"state": "active",
	}, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.State != "active" {
		t.Fatalf("expected state active, got %s", task.State)
	}

	// active to done skips review
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/workflows/1/tasks/1/transition", map[string]any{
		"state": "done",
	}, asActor("bob"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_state_transition" {
		t.Fatalf("expected invalid_state_transition, got %s", envelope.Error.Code)
	}
}

func TestErrorEnvelopeNotFound(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/workflows/42", nil, asActor("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %s", envelope.Error.Code)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/workflows", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
}

func TestDevLoginAndJWT(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/dev/login", map[string]any{
		"actor_id": "alice",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected a token")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me map[string]string
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me["actor_id"] != "alice" || me["source"] != "jwt" {
		t.Fatalf("unexpected principal: %v", me)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/apikeys", map[string]any{
		"actor_id": "carol",
		"name":     "ci",
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal api key: %v", err)
	}
	if key.Key == "" {
		t.Fatal("expected plaintext key on creation")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/me", nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me map[string]string
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me["actor_id"] != "carol" || me["source"] != "api_key" {
		t.Fatalf("unexpected principal: %v", me)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/api/v1/apikeys/"+key.ID, nil, asActor("alice"))
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/me", nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key should be rejected, got %d", res.StatusCode)
	}
}

func TestPrerequisiteCycleHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/workflows", map[string]any{
		"title":          "Pipeline",
		"budget_floor":   1,
		"budget_ceiling": 2,
		"total_budget":   100,
	}, asActor("alice"))
	for _, title := range []string{"one", "two"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/workflows/1/tasks", map[string]any{
			"title": title,
		}, asActor("alice"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("spawn %s status %d: %s", title, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/workflows/1/tasks/2/prerequisites", map[string]any{
		"prerequisite_id": 1,
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("establish status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/workflows/1/tasks/1/prerequisites", map[string]any{
		"prerequisite_id": 2,
	}, asActor("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "cyclic_dependency" {
		t.Fatalf("expected cyclic_dependency, got %s", envelope.Error.Code)
	}
}

func TestOpenAPIConcurrentFetch(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	const n = 8
	bodies := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/openapi.json", nil)
			if err != nil {
				t.Errorf("new request: %v", err)
				return
			}
			req.Header.Set("X-Actor-Id", "alice")
			res, err := client.Do(req)
			if err != nil {
				t.Errorf("fetch openapi: %v", err)
				return
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				t.Errorf("openapi status %d", res.StatusCode)
				return
			}
			data, err := io.ReadAll(res.Body)
			if err != nil {
				t.Errorf("read openapi: %v", err)
				return
			}
			bodies[i] = data
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if len(bodies[i]) == 0 {
			t.Fatalf("request %d returned an empty document", i)
		}
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("request %d returned a different document", i)
		}
	}
}
