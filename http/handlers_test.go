package http

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"modelkit/db"
	"modelkit/hub"
	"modelkit/ml"
	"modelkit/ml/zoo"
	"modelkit/monitoring"
)

const testClass = "HTTPTestModel"

type testEnv struct {
	api     *API
	hub     *hub.Hub
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	catalog, err := db.Open(filepath.Join(dir, "catalog.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	h, err := hub.New(hub.Config{Dir: filepath.Join(dir, "ckpt")}, catalog, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		h.Close()
		catalog.Close()
	})

	if err := ml.Register(zoo.ModelClass(testClass)); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ml.Unregister(testClass) })

	m, err := ml.New(testClass, ml.Params{
		ml.KeyNNModule: map[string]interface{}{
			"model_name": "mlp_tiny", "in_chans": 3, "num_classes": 2, "seed": 1,
		},
		ml.KeyOptimizer: ml.Component("SGD", map[string]interface{}{"lr": 0.1}),
		ml.KeyLoss:      "CrossEntropyLoss",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Save(context.Background(), "mlp", m); err != nil {
		t.Fatal(err)
	}

	api := NewAPI(APIConfig{
		Hub:     h,
		Catalog: catalog,
		Metrics: monitoring.NewModelMetrics(monitoring.NewMetricsCollector()),
	})
	t.Cleanup(api.Close)
	return &testEnv{api: api, hub: h, handler: NewHandler(DefaultServerConfig(), api, nil)}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/api/health", nil)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}

	body := decodeBody(t, rr)
	if body["status"] != "ok" {
		t.Errorf("handler returned unexpected body: got %v", rr.Body.String())
	}
	system, ok := body["system"].(map[string]interface{})
	if !ok || system["goroutines"] == nil || system["uptime"] == nil {
		t.Errorf("system stats = %v", body["system"])
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}
}

func TestModelClassesHandler(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/api/model-classes", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), testClass) || !strings.Contains(rr.Body.String(), "mlp_small") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestLoadHandler(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name       string
		path       string
		body       interface{}
		wantStatus int
		check      func(t *testing.T, got map[string]interface{})
	}{
		{
			name:       "no overrides",
			path:       "/api/checkpoints/mlp/load",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, got map[string]interface{}) {
				if got["train_ready"] != true || got["predict_ready"] != true {
					t.Errorf("readiness = %v/%v", got["predict_ready"], got["train_ready"])
				}
				if got["model_name"] != testClass || got["device"] != "cpu" {
					t.Errorf("got %v", got)
				}
			},
		},
		{
			name:       "null removes optimizer and loss",
			path:       "/api/checkpoints/mlp/load",
			body:       `{"optimizer": null, "loss": null}`,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, got map[string]interface{}) {
				if got["predict_ready"] != true || got["train_ready"] != false {
					t.Errorf("readiness = %v/%v", got["predict_ready"], got["train_ready"])
				}
				params := got["params"].(map[string]interface{})
				if _, ok := params["optimizer"]; ok {
					t.Error("optimizer still in params")
				}
				if _, ok := params["loss"]; ok {
					t.Error("loss still in params")
				}
			},
		},
		{
			name:       "device and extra params",
			path:       "/api/checkpoints/mlp/load",
			body:       map[string]interface{}{"device": "cuda:1", "params": map[string]interface{}{"note": "x"}},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, got map[string]interface{}) {
				if got["device"] != "cuda:1" {
					t.Errorf("device = %v", got["device"])
				}
				if got["params"].(map[string]interface{})["note"] != "x" {
					t.Errorf("params = %v", got["params"])
				}
			},
		},
		{
			name:       "optimizer override",
			path:       "/api/checkpoints/mlp/load",
			body:       `{"optimizer": ["Adam", {"lr": 0.01}]}`,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, got map[string]interface{}) {
				opt := got["params"].(map[string]interface{})["optimizer"].([]interface{})
				if opt[0] != "Adam" {
					t.Errorf("optimizer = %v", opt)
				}
			},
		},
		{name: "unregistered class", path: "/api/checkpoints/mlp/load", body: `{"model_name": "Missing"}`, wantStatus: http.StatusNotFound},
		{name: "bad device", path: "/api/checkpoints/mlp/load", body: `{"device": "tpu"}`, wantStatus: http.StatusUnprocessableEntity},
		{name: "network removed", path: "/api/checkpoints/mlp/load", body: `{"nn_module": null}`, wantStatus: http.StatusUnprocessableEntity},
		{name: "unknown field", path: "/api/checkpoints/mlp/load", body: `{"bogus": 1}`, wantStatus: http.StatusBadRequest},
		{name: "invalid json", path: "/api/checkpoints/mlp/load", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "missing checkpoint", path: "/api/checkpoints/nope/load", wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "POST", tt.path, tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			got := decodeBody(t, rr)
			if tt.check != nil {
				tt.check(t, got)
			} else if got["error"] == "" {
				t.Error("error response without message")
			}
		})
	}
}

func TestPredictHandler(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"ok", `{"inputs": [[0.1, 0.2, 0.3], [1, 0, -1]]}`, http.StatusOK},
		{"ragged", `{"inputs": [[0.1, 0.2, 0.3], [1]]}`, http.StatusBadRequest},
		{"empty", `{"inputs": []}`, http.StatusBadRequest},
		{"wrong width", `{"inputs": [[1, 2, 3, 4]]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		rr := env.do(t, "POST", "/api/checkpoints/mlp/predict", tt.body)
		if rr.Code != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d (%s)", tt.name, rr.Code, tt.wantStatus, rr.Body.String())
			continue
		}
		if tt.wantStatus != http.StatusOK {
			continue
		}
		var resp struct {
			Outputs [][]float64 `json:"outputs"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if len(resp.Outputs) != 2 || len(resp.Outputs[0]) != 2 {
			t.Errorf("%s: outputs = %v", tt.name, resp.Outputs)
		}
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/api/checkpoints", nil)
	var list struct {
		Checkpoints []db.Entry `json:"checkpoints"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Checkpoints) != 1 || list.Checkpoints[0].Name != "mlp" || list.Checkpoints[0].Arch != "mlp_tiny" {
		t.Fatalf("list = %+v", list.Checkpoints)
	}

	rr = env.do(t, "POST", "/api/checkpoints/mlp/publish", `{"published": true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("publish status = %d (%s)", rr.Code, rr.Body.String())
	}
	rr = env.do(t, "GET", "/api/checkpoints/mlp", nil)
	if got := decodeBody(t, rr); got["published"] != true {
		t.Errorf("entry not published: %v", got)
	}

	rr = env.do(t, "DELETE", "/api/checkpoints/mlp", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	if rr := env.do(t, "GET", "/api/checkpoints/mlp", nil); rr.Code != http.StatusNotFound {
		t.Errorf("after delete status = %d", rr.Code)
	}
	if rr := env.do(t, "DELETE", "/api/checkpoints/mlp", nil); rr.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rr.Code)
	}
}

func TestMetricsHandler(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/api/checkpoints/mlp/load", nil)
	env.do(t, "POST", "/api/checkpoints/nope/load", nil)

	rr := env.do(t, "GET", "/api/metrics", nil)
	body := rr.Body.String()
	for _, want := range []string{monitoring.MetricOpTotal, monitoring.MetricOpErrors, `op="load"`} {
		if !strings.Contains(body, want) {
			t.Errorf("prometheus output missing %q:\n%s", want, body)
		}
	}

	rr = env.do(t, "GET", "/api/metrics?format=json", nil)
	if !json.Valid(rr.Body.Bytes()) {
		t.Errorf("json output invalid: %s", rr.Body.String())
	}
}

func TestTrainHandler(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]interface{}{
		"inputs":     [][]float64{{0, 0, 1}, {0, 1, 1}, {1, 0, 1}, {1, 1, 1}, {0, 0, 0}, {1, 1, 0}},
		"targets":    [][]float64{{0}, {1}, {1}, {0}, {0}, {0}},
		"epochs":     5,
		"test_ratio": 0.34,
		"seed":       7,
		"save_as":    "mlp-trained",
	}
	rr := env.do(t, "POST", "/api/checkpoints/mlp/train", body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", rr.Code, rr.Body.String())
	}
	var resp trainResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.TrainRows != 4 || resp.ValRows != 2 {
		t.Errorf("split = %d/%d", resp.TrainRows, resp.ValRows)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		rr := env.do(t, "GET", "/api/training/"+resp.Run, nil)
		if rr.Code == http.StatusOK {
			got := decodeBody(t, rr)
			if got["active"] == false {
				if epochs := got["epochs"].([]interface{}); len(epochs) != 5 {
					t.Errorf("logged %d epochs", len(epochs))
				}
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("training did not finish")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if rr := env.do(t, "GET", "/api/checkpoints/mlp-trained", nil); rr.Code != http.StatusOK {
		t.Errorf("trained checkpoint not saved: %d", rr.Code)
	}
	ckpt, err := env.hub.Checkpoint("mlp-trained")
	if err != nil {
		t.Fatal(err)
	}
	if ckpt.OptimizerState == nil {
		t.Error("optimizer state not saved")
	}
}

func TestTrainHandlerLogsRequestID(t *testing.T) {
	env := newTestEnv(t)
	core, logs := observer.New(zap.InfoLevel)
	env.api.logger = zap.New(core)

	body := `{"inputs": [[0, 0, 1], [1, 1, 0]], "targets": [[0], [1]], "epochs": 2, "save_as": "mlp-logged"}`
	req := httptest.NewRequest("POST", "/api/checkpoints/mlp/train", strings.NewReader(body))
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", rr.Code, rr.Body.String())
	}
	env.api.runs.Wait()

	for _, msg := range []string{"training started", "training finished"} {
		entries := logs.FilterMessage(msg).FilterField(zap.String("request_id", "req-42")).All()
		if len(entries) != 1 {
			t.Errorf("%q logged %d times with the request id", msg, len(entries))
		}
	}
}

func TestTrainHandlerErrors(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{"no inputs", "/api/checkpoints/mlp/train", `{"epochs": 1}`, http.StatusBadRequest},
		{"target count", "/api/checkpoints/mlp/train", `{"inputs": [[1,2,3]], "targets": [], "epochs": 1}`, http.StatusBadRequest},
		{"no epochs", "/api/checkpoints/mlp/train", `{"inputs": [[1,2,3]], "targets": [[0]]}`, http.StatusBadRequest},
		{"bad save name", "/api/checkpoints/mlp/train", `{"inputs": [[1,2,3]], "targets": [[0]], "epochs": 1, "save_as": "a/b"}`, http.StatusBadRequest},
		{"missing checkpoint", "/api/checkpoints/nope/train", `{"inputs": [[1,2,3]], "targets": [[0]], "epochs": 1}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		if rr := env.do(t, "POST", tt.path, tt.body); rr.Code != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d (%s)", tt.name, rr.Code, tt.wantStatus, rr.Body.String())
		}
	}
	if rr := env.do(t, "GET", "/api/training/unknown-run", nil); rr.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d", rr.Code)
	}
}

func TestGzipMiddleware(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("GET", "/api/checkpoints", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rr.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rr.Body)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"mlp"`) {
		t.Errorf("decompressed body = %s", data)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "internal server error") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	release := make(chan struct{})
	lateWrite := make(chan error, 1)
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, err := w.Write([]byte("late"))
		lateWrite <- err
	})
	rr := httptest.NewRecorder()
	TimeoutMiddleware(20*time.Millisecond)(slow).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	close(release)

	if rr.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"error":"request timeout"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
	if err := <-lateWrite; err != http.ErrHandlerTimeout {
		t.Errorf("write after timeout returned %v", err)
	}

	fast := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Handler", "fast")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	})
	rr = httptest.NewRecorder()
	TimeoutMiddleware(time.Second)(fast).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusCreated || rr.Header().Get("X-Handler") != "fast" || rr.Body.String() != "ok" {
		t.Errorf("fast handler: status %d header %q body %q", rr.Code, rr.Header().Get("X-Handler"), rr.Body.String())
	}

	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	rr = httptest.NewRecorder()
	Chain(RecoveryMiddleware(zap.NewNop()), TimeoutMiddleware(time.Second))(panicky).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("panic inside timeout: status = %d", rr.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := CORSMiddleware([]string{"https://example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	tests := []struct {
		method     string
		origin     string
		wantStatus int
		wantAllow  string
	}{
		{"OPTIONS", "https://example.com", http.StatusNoContent, "https://example.com"},
		{"GET", "https://example.com", http.StatusTeapot, "https://example.com"},
		{"GET", "https://evil.com", http.StatusTeapot, ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, "/", nil)
		req.Header.Set("Origin", tt.origin)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != tt.wantStatus || rr.Header().Get("Access-Control-Allow-Origin") != tt.wantAllow {
			t.Errorf("%s %s: status %d allow %q", tt.method, tt.origin, rr.Code, rr.Header().Get("Access-Control-Allow-Origin"))
		}
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	env := newTestEnv(t)
	cfg := DefaultServerConfig()
	cfg.MaxBodyBytes = 16
	handler := NewHandler(cfg, env.api, nil)

	req := httptest.NewRequest("POST", "/api/checkpoints/mlp/predict", strings.NewReader(`{"inputs": [[0.1, 0.2, 0.3]]}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest && rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestAlertsHandlers(t *testing.T) {
	env := newTestEnv(t)
	alert := &monitoring.Alert{Level: monitoring.Warning, Title: "validation loss diverging", Run: "r1"}
	if err := env.api.alerts.SendAlert(context.Background(), alert); err != nil {
		t.Fatal(err)
	}

	rr := env.do(t, "GET", "/api/alerts", nil)
	var resp struct {
		Alerts []monitoring.Alert    `json:"alerts"`
		Stats  monitoring.AlertStats `json:"stats"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Alerts) != 1 || resp.Alerts[0].ID != alert.ID || resp.Stats.TotalAlerts != 1 {
		t.Fatalf("alerts = %+v", resp)
	}

	if rr := env.do(t, "POST", "/api/alerts/"+alert.ID+"/resolve", nil); rr.Code != http.StatusOK {
		t.Fatalf("resolve status = %d", rr.Code)
	}
	if rr := env.do(t, "POST", "/api/alerts/missing/resolve", nil); rr.Code != http.StatusNotFound {
		t.Errorf("resolve missing status = %d", rr.Code)
	}
	rr = env.do(t, "GET", "/api/alerts", nil)
	if !strings.Contains(rr.Body.String(), `"alerts":[]`) {
		t.Errorf("resolved alert still listed: %s", rr.Body.String())
	}
}
