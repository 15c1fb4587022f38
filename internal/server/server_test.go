package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"docketline/internal/adapters"
	"docketline/internal/config"
	"docketline/internal/db"
	"docketline/internal/dispatch"
	"docketline/internal/engine"
	"docketline/internal/migrate"
)

type fakeAdapter struct {
	target string
	result adapters.Result
}

func (f *fakeAdapter) Target() string { return f.target }
func (f *fakeAdapter) Deliver(ctx context.Context, p adapters.Payload) (adapters.Result, error) {
	return f.result, nil
}

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, fakes ...adapters.Adapter) (*testServer, func()) {
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
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if _, err := e.CreateCase(ctx, "case-1", "Smith v. Jones", "", "tester"); err != nil {
		t.Fatalf("create case: %v", err)
	}
	if _, err := e.SeedRoutingPolicies(ctx, "tester"); err != nil {
		t.Fatalf("seed policies: %v", err)
	}
	reg := adapters.NewRegistry(cfg)
	for _, f := range fakes {
		reg.Register(f)
	}
	handler, err := New(Config{
		Engine:     e,
		Dispatcher: dispatch.New(e, reg),
		BasePath:   "/v0",
		Auth:       AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
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
	req.Header.Set("X-Actor-Id", "tester")
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

func TestEnvelopeDispatchFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, &fakeAdapter{
		target: adapters.TargetVerify,
		result: adapters.Result{Success: true, StatusCode: 201, ExternalID: "ver-1"},
	})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/envelopes", map[string]any{
		"case_id":          "case-1",
		"title":            "Exhibit A",
		"content_hash":     "deadbeef",
		"visibility_scope": "case_team",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create envelope status %d: %s", res.StatusCode, string(data))
	}
	var env EnvelopeResponse
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/envelopes/"+env.ID+"/status", map[string]any{
		"status": "submitted",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}

	// case_team/submitted routes to chitty_verify by default policy
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/envelopes/"+env.ID+"/targets", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("targets status %d: %s", res.StatusCode, string(data))
	}
	var targets TargetsResponse
	_ = json.Unmarshal(data, &targets)
	if len(targets.Targets) != 1 || targets.Targets[0] != adapters.TargetVerify {
		t.Fatalf("unexpected targets: %+v", targets)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/envelopes/"+env.ID+"/dispatch", nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("dispatch status %d: %s", res.StatusCode, string(data))
	}
	var created []DistributionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal distributions: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 distribution, got %d", len(created))
	}

	// replaying the request creates nothing
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/envelopes/"+env.ID+"/dispatch", nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("redispatch status %d: %s", res.StatusCode, string(data))
	}
	var replay []DistributionResponse
	_ = json.Unmarshal(data, &replay)
	if len(replay) != 0 {
		t.Fatalf("replay created %d distributions", len(replay))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/dispatch/run", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run status %d: %s", res.StatusCode, string(data))
	}
	var run DispatchRunResponse
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if run.Materialized != 1 || run.Delivered != 1 {
		t.Fatalf("unexpected run result: %+v", run)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/distributions/"+created[0].ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get distribution status %d: %s", res.StatusCode, string(data))
	}
	var dist DistributionResponse
	_ = json.Unmarshal(data, &dist)
	if dist.Status != "dispatched" || dist.ExternalID == nil || *dist.ExternalID != "ver-1" {
		t.Fatalf("unexpected distribution: %+v", dist)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/distributions/"+created[0].ID+"/message", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get message status %d: %s", res.StatusCode, string(data))
	}
	var msg OutboundMessageResponse
	_ = json.Unmarshal(data, &msg)
	if msg.Status != "delivered" || msg.AttemptCount != 1 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestErrorEnvelopeNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/envelopes/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if body.Error.Code != "not_found" {
		t.Fatalf("error code: %q", body.Error.Code)
	}
}

func TestInvalidTransitionIs422(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/envelopes", map[string]any{
		"case_id":          "case-1",
		"title":            "Exhibit B",
		"content_hash":     "cafef00d",
		"visibility_scope": "case_team",
	}, nil)
	var env EnvelopeResponse
	_ = json.Unmarshal(data, &env)

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/envelopes/"+env.ID+"/status", map[string]any{
		"status": "approved",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &body)
	if body.Error.Code != "invalid_transition" {
		t.Fatalf("error code: %q", body.Error.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/cases", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	// health stays open
	res2, err := srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res2.StatusCode)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "alex",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("no token: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me struct {
		ActorID string `json:"actor_id"`
		Source  string `json:"source"`
	}
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "alex" || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}
}

func TestPermissionsEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/envelopes", map[string]any{
		"case_id":          "case-1",
		"title":            "Exhibit C",
		"content_hash":     "feedface",
		"visibility_scope": "attorney_only",
	}, nil)
	var env EnvelopeResponse
	_ = json.Unmarshal(data, &env)

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/envelopes/"+env.ID+"/participants", map[string]any{
		"actor_id":    "paralegal",
		"permissions": []string{"view", "comment"},
	}, nil)
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("grant status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/envelopes/"+env.ID+"/permissions/paralegal", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	var perms PermissionsResponse
	_ = json.Unmarshal(data, &perms)
	if !perms.CanView || !perms.CanComment || perms.CanApprove {
		t.Fatalf("unexpected permissions: %+v", perms)
	}

	// an override replaces the grant outright
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/envelopes/"+env.ID+"/overrides", map[string]any{
		"actor_id": "paralegal",
		"can_view": true,
	}, nil)
	if res.StatusCode >= 300 {
		t.Fatalf("override status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/envelopes/"+env.ID+"/permissions/paralegal", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &perms)
	if !perms.CanView || perms.CanComment {
		t.Fatalf("override must replace grant: %+v", perms)
	}
}
