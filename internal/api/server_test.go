package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lorawan-server/sc-gateway/internal/config"
	"github.com/lorawan-server/sc-gateway/internal/gateway"
	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/internal/nodes"
	"github.com/lorawan-server/sc-gateway/internal/storage"
	"github.com/lorawan-server/sc-gateway/pkg/crypto"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

type fakeGateway struct {
	status   gateway.Status
	history  []models.HistoryEntry
	nodes    []models.TrustedNodeEntry
	capacity int
}

func (f *fakeGateway) Status() gateway.Status           { return f.status }
func (f *fakeGateway) History() []models.HistoryEntry   { return f.history }
func (f *fakeGateway) Nodes() []models.TrustedNodeEntry { return f.nodes }

func (f *fakeGateway) AddNode(e models.TrustedNodeEntry) (models.TrustedNodeEntry, error) {
	for _, n := range f.nodes {
		if n.DeviceAddress == e.DeviceAddress {
			return models.TrustedNodeEntry{}, nodes.ErrDuplicate
		}
	}
	if len(f.nodes) >= f.capacity {
		return models.TrustedNodeEntry{}, nodes.ErrTableFull
	}
	e.Configured = true
	f.nodes = append(f.nodes, e)
	return e, nil
}

type testServer struct {
	srv   *RESTServer
	rt    *config.Runtime
	store *storage.FileStore
	gw    *fakeGateway
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg, err := config.Parse([]byte("gateway:\n  eui: \"aa555a0000000001\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	hash, err := crypto.HashPassword("letmein")
	if err != nil {
		t.Fatal(err)
	}
	cfg.API.AdminPasswordHash = hash
	cfg.JWT.Secret = "api-test"
	if mutate != nil {
		mutate(cfg)
	}

	store, err := storage.NewFileStore(t.TempDir(), 100)
	if err != nil {
		t.Fatal(err)
	}
	rt := config.NewRuntime(cfg, store)

	gw := &fakeGateway{
		status: gateway.Status{EUI: "aa555a0000000001", RadioState: "SCAN", Mode: "passthrough"},
		history: []models.HistoryEntry{
			{ID: "1", DeviceAddress: lorawan.DevAddr{0xa1, 0xb2, 0xc3, 0xd4}, Name: "sensor-1", FrameCounter: 9},
		},
		nodes: []models.TrustedNodeEntry{
			{DeviceAddress: lorawan.DevAddr{0xa1, 0xb2, 0xc3, 0xd4}, FriendlyName: "sensor-1", Configured: true,
				LastSeen: time.Unix(1700000000, 0), SeenSFMask: lorawan.SF7.Bit() | lorawan.SF9.Bit()},
			{DeviceAddress: lorawan.DevAddr{0x26, 0x01, 0x00, 0x01}},
		},
		capacity: 3,
	}
	return &testServer{srv: NewRESTServer(rt, gw, store), rt: rt, store: store, gw: gw}
}

func (ts *testServer) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) login(t *testing.T) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", `{"password":"letmein"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.AccessToken == "" || resp.TokenType != "Bearer" {
		t.Fatalf("login response = %s", rec.Body)
	}
	return resp.AccessToken
}

func TestReadOnlyEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/health", `"status":"ok"`},
		{"/api/v1/status", `"radioState":"SCAN"`},
		{"/api/v1/stats/history", `"name":"sensor-1"`},
		{"/api/v1/config", `"forwarding_mode":"passthrough"`},
		{"/api/v1/config", `"keepalive_interval":"55s"`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, tt.path, "", "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("body %s does not contain %s", rec.Body, tt.want)
			}
		})
	}
}

func TestListNodes(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/api/v1/nodes", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Nodes []nodeView `json:"nodes"`
		Total int        `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 2 {
		t.Fatalf("total = %d", resp.Total)
	}
	n := resp.Nodes[0]
	if n.DevAddr != "a1b2c3d4" || !n.Configured || n.LastSeen == nil {
		t.Errorf("node = %+v", n)
	}
	if len(n.SpreadingFactors) != 2 || n.SpreadingFactors[0] != lorawan.SF7 || n.SpreadingFactors[1] != lorawan.SF9 {
		t.Errorf("sfs = %v", n.SpreadingFactors)
	}
	if resp.Nodes[1].LastSeen != nil {
		t.Errorf("unseen node has lastSeen")
	}
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t, nil)

	if rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", `{"password":"wrong"}`, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", `{`, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body: %d", rec.Code)
	}
	ts.login(t)
}

func TestUpdateConfig(t *testing.T) {
	ts := newTestServer(t, nil)
	sub := ts.rt.Subscribe()

	body := `{"forwarding_mode":"strict","stat_interval":"30s"}`
	if rec := ts.do(t, http.MethodPut, "/api/v1/config", body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("without token: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPut, "/api/v1/config", body, "bogus"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rec.Code)
	}

	token := ts.login(t)
	rec := ts.do(t, http.MethodPut, "/api/v1/config", body, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"stat_interval":"30s"`) {
		t.Errorf("body = %s", rec.Body)
	}

	select {
	case next := <-sub:
		if next.Forwarding.Mode != config.ModeStrict || next.Statistics.Interval != 30*time.Second {
			t.Errorf("broadcast config = %+v", next.Forwarding)
		}
	default:
		t.Error("no configuration broadcast")
	}

	v, err := ts.store.ReadConfig(context.Background(), config.KeyStatInterval)
	if err != nil || v != "30s" {
		t.Errorf("stored = %q, %v", v, err)
	}
}

func TestUpdateConfigRejects(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.login(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty", `{}`},
		{"unknown field", `{"frequency_hz":1}`},
		{"invalid sf", `{"spreading_factor":13}`},
		{"invalid mode", `{"forwarding_mode":"loose"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPut, "/api/v1/config", tt.body, token)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, body %s", rec.Code, rec.Body)
			}
		})
	}

	if ts.rt.Current().Radio.SpreadingFactor != lorawan.SF9 {
		t.Error("rejected patch changed the configuration")
	}
}

func TestStatsLog(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	for _, l := range []string{"stat a", "stat b", "stat c"} {
		if err := ts.store.AppendLog(ctx, l); err != nil {
			t.Fatal(err)
		}
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/stats/log?limit=2", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Lines []string `json:"lines"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Lines) != 2 || resp.Lines[0] != "stat b" || resp.Lines[1] != "stat c" {
		t.Errorf("lines = %v", resp.Lines)
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.API.RateLimit = 0.001
		c.API.RateBurst = 2
	})

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = ts.do(t, http.MethodGet, "/api/v1/health", "", "").Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("default collectors missing")
	}
}

func TestAddNode(t *testing.T) {
	ts := newTestServer(t, nil)
	body := `{"devAddr":"26011234","name":"pump","nwkSKey":"000102030405060708090a0b0c0d0e0f","appSKey":"0f0e0d0c0b0a09080706050403020100"}`

	if rec := ts.do(t, http.MethodPost, "/api/v1/nodes", body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated add: status %d", rec.Code)
	}

	token := ts.login(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/nodes", body, token)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var got nodeView
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.DevAddr != "26011234" || got.Name != "pump" || !got.Configured {
		t.Errorf("node = %+v", got)
	}
	added := ts.gw.nodes[len(ts.gw.nodes)-1]
	if added.NwkSKey[1] != 0x01 || added.AppSKey[0] != 0x0f {
		t.Errorf("keys not decoded: %v %v", added.NwkSKey, added.AppSKey)
	}

	if rec := ts.do(t, http.MethodPost, "/api/v1/nodes", body, token); rec.Code != http.StatusConflict {
		t.Errorf("duplicate: status %d", rec.Code)
	}
	full := `{"devAddr":"26019999","name":"extra"}`
	if rec := ts.do(t, http.MethodPost, "/api/v1/nodes", full, token); rec.Code != http.StatusConflict {
		t.Errorf("full table: status %d", rec.Code)
	}
	if len(ts.gw.nodes) != 3 {
		t.Errorf("nodes = %d, want 3", len(ts.gw.nodes))
	}

	for _, bad := range []string{`{`, `{"name":"no-addr"}`, `{"devAddr":"zz"}`} {
		if rec := ts.do(t, http.MethodPost, "/api/v1/nodes", bad, token); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d", bad, rec.Code)
		}
	}
}
