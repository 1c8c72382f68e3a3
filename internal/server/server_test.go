package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"sitetrack/internal/config"
	"sitetrack/internal/db"
	"sitetrack/internal/domain"
	"sitetrack/internal/engine"
	"sitetrack/internal/logging"
	"sitetrack/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, logging.Nop())
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	for _, u := range []engine.UserCreateOptions{
		{ID: "admin", Email: "admin@example.com", Role: "ADMIN"},
		{ID: "manager", Email: "manager@example.com", Role: "SITE_MANAGER"},
		{ID: "super", Email: "super@example.com", Role: "SUPERVISOR"},
		{ID: "worker", Email: "worker@example.com", Role: "WORKER"},
	} {
		if _, err := e.CreateUser(ctx, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/api",
		Auth: AuthConfig{
			JWTSecret:       testSecret,
			TokenTTL:        time.Hour,
			AllowUserHeader: true,
			AllowDevLogin:   true,
		},
		Routes: cfg.RouteTable(),
		Rules:  cfg.RouteRules(),
		Log:    logging.Nop(),
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(userID string) map[string]string {
	return map[string]string{"X-User-Id": userID}
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

func expectStatus(t *testing.T, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d: %s", res.Request.Method, res.Request.URL.Path, want, res.StatusCode, string(data))
	}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	return env.Error.Code
}

func createProject(t *testing.T, srv *testServer, id string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/projects", map[string]any{
		"id":   id,
		"name": "Riverside " + id,
	}, as("manager"))
	expectStatus(t, res, data, http.StatusCreated)
}

func TestRouteGate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/projects", nil, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	expectStatus(t, res, data, http.StatusUnauthorized)

	// /api/users carries a SUPERVISOR minimum in the default rules
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/users", nil, as("worker"))
	expectStatus(t, res, data, http.StatusForbidden)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/users", nil, as("super"))
	expectStatus(t, res, data, http.StatusOK)
	var users []domain.User
	if err := json.Unmarshal(data, &users); err != nil {
		t.Fatal(err)
	}
	if len(users) != 4 {
		t.Fatalf("expected 4 users, got %d", len(users))
	}
}

func TestDevLoginAndAPIKey(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/dev/login", map[string]any{"userId": "super"}, nil)
	expectStatus(t, res, data, http.StatusOK)
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatal(err)
	}
	if login.Token == "" {
		t.Fatalf("expected token")
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	expectStatus(t, res, data, http.StatusOK)
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatal(err)
	}
	if me.UserID != "super" || me.Role != domain.RoleSupervisor || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/me/api-keys", map[string]any{"name": "tablet"}, as("worker"))
	expectStatus(t, res, data, http.StatusCreated)
	var issued APIKeyResponse
	if err := json.Unmarshal(data, &issued); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/me", nil, map[string]string{"X-Api-Key": issued.Secret})
	expectStatus(t, res, data, http.StatusOK)
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatal(err)
	}
	if me.UserID != "worker" || me.Source != "api_key" || me.ProjectIDs == nil || len(me.ProjectIDs) != 0 {
		t.Fatalf("unexpected principal %+v", me)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/me", nil, map[string]string{"X-Api-Key": "st_unknown"})
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestProjectStatsResponse(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/projects", map[string]any{"name": "Nope"}, as("super"))
	expectStatus(t, res, data, http.StatusForbidden)

	createProject(t, srv, "p1")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/projects/p1/buildings/bulk", map[string]any{
		"buildings":         2,
		"floorsPerBuilding": 3,
		"unitsPerFloor":     4,
	}, as("manager"))
	expectStatus(t, res, data, http.StatusCreated)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/projects/p1", nil, as("admin"))
	expectStatus(t, res, data, http.StatusOK)
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	var project map[string]any
	if err := json.Unmarshal(raw["project"], &project); err != nil {
		t.Fatalf("missing project key: %v: %s", err, string(data))
	}
	if project["id"] != "p1" || project["name"] != "Riverside p1" {
		t.Fatalf("unexpected project fields: %v", project)
	}
	stats, _ := project["stats"].(map[string]any)
	if stats["totalFloors"] != float64(6) || stats["totalUnits"] != float64(24) || stats["completionPercentage"] != float64(0) {
		t.Fatalf("unexpected stats: %v", stats)
	}
	counts, _ := project["_count"].(map[string]any)
	if counts["buildings"] != float64(2) {
		t.Fatalf("unexpected counts: %v", counts)
	}
	if buildings, _ := project["buildings"].([]any); len(buildings) != 2 {
		t.Fatalf("expected 2 buildings in tree")
	}

	// unassigned workers cannot read the project
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/projects/p1", nil, as("worker"))
	expectStatus(t, res, data, http.StatusForbidden)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/projects/missing", nil, as("admin"))
	expectStatus(t, res, data, http.StatusNotFound)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/projects/p1/buildings/bulk", map[string]any{
		"buildings":         0,
		"floorsPerBuilding": 3,
		"unitsPerFloor":     4,
	}, as("manager"))
	expectStatus(t, res, data, http.StatusBadRequest)
}

func TestTaskLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createProject(t, srv, "p1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/projects/p1/tasks", map[string]any{
		"title":      "Install windows",
		"assigneeId": "worker",
		"startDate":  "2023-12-20T07:30:00Z",
	}, as("manager"))
	expectStatus(t, res, data, http.StatusCreated)
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskPending {
		t.Fatalf("expected PENDING, got %s", task.Status)
	}

	// unrelated supervisor is neither assignee nor assigned to the project
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/tasks/"+task.ID+"/start", nil, as("super"))
	expectStatus(t, res, data, http.StatusForbidden)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/tasks/"+task.ID+"/start", nil, as("worker"))
	expectStatus(t, res, data, http.StatusOK)
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskInProgress || task.StartDate == nil || *task.StartDate != "2023-12-20T07:30:00Z" {
		t.Fatalf("unexpected started task %+v", task)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/tasks/"+task.ID+"/start", nil, as("worker"))
	expectStatus(t, res, data, http.StatusConflict)
	if code := errorCode(t, data); code != "already_in_progress" {
		t.Fatalf("expected already_in_progress, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/tasks/"+task.ID+"/complete", nil, as("worker"))
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/tasks/"+task.ID+"/start", nil, as("admin"))
	expectStatus(t, res, data, http.StatusConflict)
	if code := errorCode(t, data); code != "already_completed" {
		t.Fatalf("expected already_completed, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/tasks/missing/start", nil, as("admin"))
	expectStatus(t, res, data, http.StatusNotFound)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/projects/p1/events?entityKind=task", nil, as("admin"))
	expectStatus(t, res, data, http.StatusOK)
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 3 || page.Items[0].Type != "task.completed" {
		t.Fatalf("unexpected task events %+v", page.Items)
	}
}

func TestUserAdministration(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	body := map[string]any{"email": "new@example.com", "role": "WORKER"}
	// site managers cannot create users; ADMIN is required exactly
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/users", body, as("manager"))
	expectStatus(t, res, data, http.StatusForbidden)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/users", body, as("admin"))
	expectStatus(t, res, data, http.StatusCreated)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/users", body, as("admin"))
	expectStatus(t, res, data, http.StatusConflict)

	createProject(t, srv, "p1")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/projects/p1/assignments", map[string]any{"userId": "worker"}, as("super"))
	expectStatus(t, res, data, http.StatusForbidden)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/projects/p1/assignments", map[string]any{"userId": "worker"}, as("manager"))
	expectStatus(t, res, data, http.StatusCreated)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/projects", nil, as("worker"))
	expectStatus(t, res, data, http.StatusOK)
	var projects []domain.Project
	if err := json.Unmarshal(data, &projects); err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 || projects[0].ID != "p1" {
		t.Fatalf("unexpected projects for worker: %+v", projects)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/api/projects/p1", nil, as("manager"))
	expectStatus(t, res, data, http.StatusForbidden)
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/api/projects/p1", nil, as("admin"))
	expectStatus(t, res, data, http.StatusNoContent)
}

func TestWeeklyProgressEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createProject(t, srv, "p1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/projects/p1/buildings/bulk", map[string]any{
		"buildings": 1, "floorsPerBuilding": 2, "unitsPerFloor": 2,
	}, as("manager"))
	expectStatus(t, res, data, http.StatusCreated)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/projects/p1/activities", map[string]any{"name": "Screed"}, as("manager"))
	expectStatus(t, res, data, http.StatusCreated)
	var act domain.ConstructionActivity
	if err := json.Unmarshal(data, &act); err != nil {
		t.Fatal(err)
	}

	update := map[string]any{"activityId": act.ID, "weekStart": "2024-01-08", "status": "IN_PROGRESS", "progress": 25}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/api/projects/p1/progress", update, as("worker"))
	expectStatus(t, res, data, http.StatusForbidden)
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/api/projects/p1/progress", update, as("manager"))
	expectStatus(t, res, data, http.StatusOK)
	var out UpdateProgressResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Updated != 4 {
		t.Fatalf("expected 4 records updated, got %d", out.Updated)
	}

	update["weekStart"] = "2024-01-10"
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/api/projects/p1/progress", update, as("manager"))
	expectStatus(t, res, data, http.StatusBadRequest)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/projects/p1/progress?weekStart=2024-01-08", nil, as("manager"))
	expectStatus(t, res, data, http.StatusOK)
	var records []domain.WorkRecord
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 4 || records[0].Progress != 25 {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestMetricsAndDocs(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodGet, srv.URL+"/api/health", nil, nil)
	doJSON(t, client, http.MethodGet, srv.URL+"/api/users", nil, as("worker"))
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	text := string(data)
	for _, want := range []string{"sitetrack_http_requests_total", `sitetrack_access_decisions_total{kind="route",outcome="deny"} 1`} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/openapi.json", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if !strings.Contains(string(data), "/api/tasks/{id}/start") {
		t.Fatalf("openapi missing start operation")
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/docs", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
}
