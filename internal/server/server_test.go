package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"techo/internal/config"
	"techo/internal/db"
	"techo/internal/engine"
	"techo/internal/migrate"
	"techo/internal/report"
	"techo/internal/storage"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()

	Engine engine.Engine
	UnitID string
	keys   map[string]string
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// as returns headers authenticating with the API key issued to actorID.
func (s *testServer) as(actorID string) map[string]string {
	return map[string]string{"X-Api-Key": s.keys[actorID]}
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }
	e.Store = storage.NewLocalStore(t.TempDir(), "http://files.test")
	ctx := context.Background()

	if _, err := e.BootstrapActor(ctx, "admin-1", "Ana Admin"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	admin, err := e.ResolveActor(ctx, "admin-1")
	if err != nil {
		t.Fatalf("resolve admin: %v", err)
	}
	for _, a := range []struct{ id, name, role string }{
		{"tech-1", "Tomás Técnico", "tecnico"},
		{"ben-1", "Berta Vecina", "beneficiaria"},
	} {
		if _, err := e.RegisterActor(ctx, admin, a.id, a.name, a.role); err != nil {
			t.Fatalf("register %s: %v", a.id, err)
		}
	}
	keys := map[string]string{}
	for _, id := range []string{"admin-1", "tech-1", "ben-1"} {
		_, plain, err := e.IssueAPIKey(ctx, admin, id, "test")
		if err != nil {
			t.Fatalf("issue key %s: %v", id, err)
		}
		keys[id] = plain
	}
	project, err := e.CreateProject(ctx, admin, engine.ProjectDraft{Name: "Villa Esperanza"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	unit, err := e.CreateHousingUnit(ctx, admin, engine.HousingUnitDraft{ProjectID: project.ID, BeneficiaryID: "ben-1", HandoverAt: "2024-06-01"})
	if err != nil {
		t.Fatalf("create unit: %v", err)
	}

	handler, err := New(Config{
		Engine:  e,
		Reports: report.Service{Engine: e, Store: e.Store},
		Auth:    AuthConfig{JWTSecret: testSecret, DevTokens: true},
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
		URL:    "http://" + ln.Addr().String() + "/v1",
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
		Engine: e,
		UnitID: unit.ID,
		keys:   keys,
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

type errorResponse struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorResponse {
	t.Helper()
	var out errorResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return out
}

type incidentBody struct {
	ID           string  `json:"id"`
	Status       string  `json:"status"`
	Priority     string  `json:"priority"`
	Category     *string `json:"category"`
	ReporterID   string  `json:"reporter_id"`
	AssigneeID   *string `json:"assignee_id"`
	SourceFormID *string `json:"source_form_id"`
}

func createIncident(t *testing.T, srv *testServer, actorID, description string) incidentBody {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/incidents", map[string]any{
		"housing_unit_id": srv.UnitID,
		"description":     description,
	}, srv.as(actorID))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create incident: %d %s", res.StatusCode, data)
	}
	var inc incidentBody
	if err := json.Unmarshal(data, &inc); err != nil {
		t.Fatalf("decode incident: %v", err)
	}
	return inc
}

func TestAuthenticationRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/incidents", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Error.Code != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/incidents", nil, map[string]string{"X-Api-Key": "bogus"})
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Error.Code != "invalid_credentials" {
		t.Fatalf("expected 401 invalid_credentials, got %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/me", nil, srv.as("tech-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, data)
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.ActorID != "tech-1" || me.Role != "tecnico" || me.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", me)
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	bodies := make([][]byte, 8)
	errs := make([]error, 8)
	var wg sync.WaitGroup
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := range bodies {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("request %d returned a different document", i)
		}
	}
	if !bytes.Contains(bodies[0], []byte(`"list-incidents"`)) {
		t.Fatalf("openapi document lacks incident routes: %.200s", bodies[0])
	}
}

func TestDevTokenSyncsActorFromClaims(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/auth/dev/token", map[string]any{
		"actor_id": "ben-jwt",
		"name":     "Rosa Vecina",
		"role":     "Beneficiaria",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("mint token: %d %s", res.StatusCode, data)
	}
	var tok DevTokenResponse
	if err := json.Unmarshal(data, &tok); err != nil || tok.Token == "" {
		t.Fatalf("decode token: %v %s", err, data)
	}
	bearer := map[string]string{"Authorization": "Bearer " + tok.Token}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/me", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with jwt: %d %s", res.StatusCode, data)
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.ActorID != "ben-jwt" || me.Role != "beneficiario" || me.Source != "jwt" || me.Name != "Rosa Vecina" {
		t.Fatalf("unexpected jwt principal: %+v", me)
	}
	if _, err := srv.Engine.ResolveActor(context.Background(), "ben-jwt"); err != nil {
		t.Fatalf("actor should be persisted after first use: %v", err)
	}

	wrong, err := SignDevToken("another-secret", "ben-jwt", "", "beneficiario")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/me", nil, map[string]string{"Authorization": "Bearer " + wrong})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("token signed with another secret must be rejected, got %d", res.StatusCode)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	inc := createIncident(t, srv, "ben-1", "Filtración en el baño")
	if inc.Status != "abierta" || inc.ReporterID != "ben-1" {
		t.Fatalf("unexpected incident: %+v", inc)
	}

	// Forbidden responses never carry details.
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/dashboard", nil, srv.as("ben-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, data)
	}
	forbidden := decodeError(t, data)
	if forbidden.Error.Code != "forbidden" || forbidden.Error.Message != "not permitted" || len(forbidden.Error.Details) != 0 {
		t.Fatalf("unexpected forbidden body: %s", data)
	}
	if strings.Contains(string(data), "dashboard.read") {
		t.Fatalf("forbidden body leaks the action: %s", data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/incidents/"+inc.ID+"/transitions", map[string]any{"to": "en_espera"}, srv.as("admin-1"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, data)
	}
	illegal := decodeError(t, data)
	if illegal.Error.Code != "invalid_transition" || illegal.Error.Details["from"] != "abierta" || illegal.Error.Details["to"] != "en_espera" {
		t.Fatalf("unexpected transition error: %s", data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/incidents/"+inc.ID+"/transitions", map[string]any{"to": "descartada"}, srv.as("admin-1"))
	if res.StatusCode != http.StatusUnprocessableEntity || decodeError(t, data).Error.Code != "comment_required" {
		t.Fatalf("expected comment_required, got %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/incidents", map[string]any{
		"housing_unit_id": srv.UnitID,
		"description":     "   ",
	}, srv.as("ben-1"))
	if res.StatusCode != http.StatusBadRequest || decodeError(t, data).Error.Code != "description_required" {
		t.Fatalf("expected 400 description_required, got %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/incidents/missing", nil, srv.as("admin-1"))
	if res.StatusCode != http.StatusNotFound || decodeError(t, data).Error.Code != "not_found" {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/incidents/"+inc.ID+"/report", nil, srv.as("admin-1"))
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 without a renderer, got %d %s", res.StatusCode, data)
	}
	upstream := decodeError(t, data)
	if upstream.Error.Code != "upstream_unavailable" || upstream.Error.Details["service"] != "renderer" || upstream.Error.Details["retryable"] != true {
		t.Fatalf("unexpected upstream error: %s", data)
	}
}

func TestIncidentLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	inc := createIncident(t, srv, "ben-1", "Enchufe suelto en la cocina")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/incidents/"+inc.ID, nil, srv.as("ben-1"))
	if res.StatusCode != http.StatusOK || !bytes.Contains(data, []byte(`"respond_by"`)) {
		t.Fatalf("detail should carry deadlines: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/incidents/"+inc.ID, map[string]any{"category": "electrica"}, srv.as("admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("edit: %d %s", res.StatusCode, data)
	}
	var edited incidentBody
	if err := json.Unmarshal(data, &edited); err != nil || edited.Category == nil || *edited.Category != "electrica" {
		t.Fatalf("category not set: %v %s", err, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/incidents/"+inc.ID, map[string]any{"category": nil}, srv.as("admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("clear category: %d %s", res.StatusCode, data)
	}
	edited = incidentBody{}
	if err := json.Unmarshal(data, &edited); err != nil || edited.Category != nil {
		t.Fatalf("category should be cleared: %v %s", err, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/incidents/"+inc.ID+"/assignee", map[string]any{"technician_id": "tech-1"}, srv.as("admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign: %d %s", res.StatusCode, data)
	}

	for _, step := range []struct {
		actor, to, comment string
	}{
		{"tech-1", "en_proceso", ""},
		{"tech-1", "resuelta", ""},
		{"ben-1", "cerrada", ""},
	} {
		res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/incidents/"+inc.ID+"/transitions", map[string]any{"to": step.to, "comment": step.comment}, srv.as(step.actor))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("move to %s: %d %s", step.to, res.StatusCode, data)
		}
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/incidents/"+inc.ID+"/transitions", nil, srv.as("admin-1"))
	if res.StatusCode != http.StatusOK || strings.TrimSpace(string(data)) != "[]" {
		t.Fatalf("closed incidents have no moves: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/incidents/"+inc.ID+"/history", nil, srv.as("ben-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", res.StatusCode, data)
	}
	var history struct {
		Items []struct {
			Type string `json:"type"`
		} `json:"items"`
		HasMore bool `json:"has_more"`
	}
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	want := []string{"created", "edited", "edited", "assignment_change", "status_change", "status_change", "status_change"}
	if len(history.Items) != len(want) || history.HasMore {
		t.Fatalf("unexpected history: %s", data)
	}
	for i, typ := range want {
		if history.Items[i].Type != typ {
			t.Fatalf("event %d: want %s got %s", i, typ, history.Items[i].Type)
		}
	}
}

func TestMediaUpload(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	inc := createIncident(t, srv, "ben-1", "Muro agrietado")

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/incidents/"+inc.ID+"/media?filename=grieta.png", bytes.NewReader([]byte("\x89PNG fake")))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("X-Api-Key", srv.keys["ben-1"])
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upload: %d %s", res.StatusCode, data)
	}
	var media struct {
		IncidentID string `json:"incident_id"`
		URL        string `json:"url"`
	}
	if err := json.Unmarshal(data, &media); err != nil {
		t.Fatalf("decode media: %v", err)
	}
	if media.IncidentID != inc.ID || !strings.HasPrefix(media.URL, "http://files.test/incidents/"+inc.ID+"/") || !strings.HasSuffix(media.URL, ".png") {
		t.Fatalf("unexpected media: %s", data)
	}
}

func TestChecklistReviewOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/housing-units/"+srv.UnitID+"/form", nil, srv.as("ben-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open form: %d %s", res.StatusCode, data)
	}
	var form struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Items  []struct {
			ID   string `json:"id"`
			Code string `json:"code"`
		} `json:"items"`
		Progress struct {
			Answered int `json:"answered"`
			Total    int `json:"total"`
		} `json:"progress"`
	}
	if err := json.Unmarshal(data, &form); err != nil {
		t.Fatalf("decode form: %v", err)
	}
	if form.Status != "borrador" || len(form.Items) == 0 || form.Progress.Total != len(form.Items) || form.Progress.Answered != 0 {
		t.Fatalf("unexpected new form: %s", data)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/housing-units/"+srv.UnitID+"/form", nil, srv.as("ben-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reopening returns the existing form with 200, got %d", res.StatusCode)
	}

	itemURL := func(code string) string { return srv.URL + "/forms/" + form.ID + "/items/" + code }
	for i, it := range form.Items {
		body := map[string]any{"ok": true}
		if i == 2 {
			body = map[string]any{"ok": false, "severity": "mayor", "comment": "Se filtra al llover", "create_incident": true}
		}
		res, data = doJSON(t, srv.Client(), http.MethodPatch, itemURL(it.Code), body, srv.as("ben-1"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("answer %s: %d %s", it.Code, res.StatusCode, data)
		}
	}
	// Reset and re-answer one item to exercise explicit null.
	res, data = doJSON(t, srv.Client(), http.MethodPatch, itemURL(form.Items[0].Code), map[string]any{"ok": nil}, srv.as("ben-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reset item: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/forms/"+form.ID+"/submit", nil, srv.as("ben-1"))
	if res.StatusCode != http.StatusUnprocessableEntity || decodeError(t, data).Error.Code != "incomplete_checklist" {
		t.Fatalf("expected incomplete_checklist, got %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPatch, itemURL(form.Items[0].Code), map[string]any{"ok": true}, srv.as("ben-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("re-answer: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/forms/"+form.ID+"/submit", nil, srv.as("ben-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/forms/"+form.ID+"/review", map[string]any{"comment": "Visita realizada"}, srv.as("tech-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review: %d %s", res.StatusCode, data)
	}
	var review struct {
		Form struct {
			Status string `json:"status"`
		} `json:"form"`
		Incidents []incidentBody `json:"incidents"`
	}
	if err := json.Unmarshal(data, &review); err != nil {
		t.Fatalf("decode review: %v", err)
	}
	if review.Form.Status != "revisada" || len(review.Incidents) != 1 {
		t.Fatalf("unexpected review result: %s", data)
	}
	got := review.Incidents[0]
	if got.Priority != "alta" || got.ReporterID != "ben-1" || got.SourceFormID == nil || *got.SourceFormID != form.ID {
		t.Fatalf("unexpected fanned-out incident: %+v", got)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, itemURL(form.Items[1].Code), map[string]any{"ok": false}, srv.as("ben-1"))
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "precondition_failed" {
		t.Fatalf("reviewed forms are frozen, got %d %s", res.StatusCode, data)
	}
}

func TestExportIncidentsWorkbook(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createIncident(t, srv, "ben-1", "Puerta descuadrada")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/incidents/export.xlsx", nil, srv.as("admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export: %d %s", res.StatusCode, data)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(res.Header.Get("Content-Disposition"), ".xlsx") {
		t.Fatalf("expected attachment disposition, got %q", res.Header.Get("Content-Disposition"))
	}
	// XLSX files are zip archives.
	if len(data) < 4 || string(data[:2]) != "PK" {
		t.Fatalf("body is not a workbook")
	}
}
