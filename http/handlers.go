package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"modelkit/db"
	"modelkit/hub"
	"modelkit/ml"
	"modelkit/ml/nn"
	"modelkit/ml/zoo"
	"modelkit/monitoring"
)

// API 模型服务的HTTP处理器
type API struct {
	hub     *hub.Hub
	catalog *db.Catalog
	metrics *monitoring.ModelMetrics
	stream  *monitoring.TrainingStream
	alerts  *monitoring.AlertSystem
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup
	mu     sync.Mutex
	active map[string]string // run -> checkpoint
}

// APIConfig 处理器依赖，Metrics、Stream 和 Alerts 可以为空
type APIConfig struct {
	Hub     *hub.Hub
	Catalog *db.Catalog
	Metrics *monitoring.ModelMetrics
	Stream  *monitoring.TrainingStream
	Alerts  *monitoring.AlertSystem
	Logger  *zap.Logger
}

// NewAPI 创建处理器
func NewAPI(cfg APIConfig) *API {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = monitoring.NewModelMetrics(monitoring.NewMetricsCollector())
	}
	alerts := cfg.Alerts
	if alerts == nil {
		alerts = monitoring.NewAlertSystem(monitoring.DefaultAlertConfig(), logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &API{
		hub:     cfg.Hub,
		catalog: cfg.Catalog,
		metrics: metrics,
		stream:  cfg.Stream,
		alerts:  alerts,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[string]string),
	}
}

// Register 注册路由
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("GET /api/model-classes", a.handleModelClasses)
	mux.HandleFunc("GET /api/checkpoints", a.handleListCheckpoints)
	mux.HandleFunc("GET /api/checkpoints/{name}", a.handleGetCheckpoint)
	mux.HandleFunc("DELETE /api/checkpoints/{name}", a.handleDeleteCheckpoint)
	mux.HandleFunc("POST /api/checkpoints/{name}/load", a.handleLoad)
	mux.HandleFunc("POST /api/checkpoints/{name}/predict", a.handlePredict)
	mux.HandleFunc("POST /api/checkpoints/{name}/publish", a.handlePublish)
	mux.HandleFunc("POST /api/checkpoints/{name}/train", a.handleTrain)
	mux.HandleFunc("GET /api/training/{run}", a.handleTrainingLog)
	mux.HandleFunc("POST /api/reindex", a.handleReindex)
	mux.HandleFunc("GET /api/metrics", a.handleMetrics)
	mux.HandleFunc("GET /api/alerts", a.handleAlerts)
	mux.HandleFunc("POST /api/alerts/{id}/resolve", a.handleResolveAlert)
}

// Close 取消进行中的训练并等待结束
func (a *API) Close() {
	a.cancel()
	a.runs.Wait()
}

// handleHealth 健康检查，附带运行时状态
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"system": a.metrics.Collector().GetSystemStats(),
	})
}

// requestLogger 带请求ID的日志
func (a *API) requestLogger(r *http.Request) *zap.Logger {
	if id := GetRequestID(r.Context()); id != "" {
		return a.logger.With(zap.String("request_id", id))
	}
	return a.logger
}

// modelClassInfo 已注册模型类及其可选组件
type modelClassInfo struct {
	Name                 string   `json:"name"`
	NNModules            []string `json:"nn_modules"`
	Optimizers           []string `json:"optimizers"`
	Losses               []string `json:"losses"`
	PredictionTransforms []string `json:"prediction_transforms"`
}

func (a *API) handleModelClasses(w http.ResponseWriter, r *http.Request) {
	names := ml.RegisteredNames()
	classes := make([]modelClassInfo, 0, len(names))
	for _, name := range names {
		class, err := ml.Lookup(name)
		if err != nil {
			continue
		}
		classes = append(classes, modelClassInfo{
			Name:                 class.Name,
			NNModules:            keysOf(class.NNModule),
			Optimizers:           keysOf(orDefault(class.Optimizer, ml.DefaultOptimizers)),
			Losses:               keysOf(orDefault(class.Loss, ml.DefaultLosses)),
			PredictionTransforms: keysOf(orDefault(class.PredictionTransform, ml.DefaultTransforms)),
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"model_classes": classes,
		"archs":         zoo.ArchNames(),
	})
}

func (a *API) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	entries, err := a.hub.List(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if entries == nil {
		entries = []db.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"checkpoints": entries})
}

func (a *API) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	entry, err := a.hub.Entry(r.Context(), r.PathValue("name"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (a *API) handleDeleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	done := a.metrics.Track("delete", name)
	err := a.hub.Delete(r.Context(), name)
	done(err)
	if err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadResponse 加载结果
type loadResponse struct {
	Name          string    `json:"name"`
	ModelName     string    `json:"model_name"`
	Params        ml.Params `json:"params"`
	Device        string    `json:"device"`
	NumParameters int       `json:"num_parameters"`
	PredictReady  bool      `json:"predict_ready"`
	TrainReady    bool      `json:"train_ready"`
}

// handleLoad 按请求体中的覆盖项加载检查点，返回最终参数和就绪状态
//
// 组件键为 null 时从参数中删除该组件；params 中为 null 的键被删除。
func (a *API) handleLoad(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	opts, err := decodeLoadOptions(r.Body)
	if err != nil {
		respondError(w, err)
		return
	}
	done := a.metrics.Track("load", name)
	m, err := a.hub.Load(r.Context(), name, opts...)
	done(err)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, loadResponse{
		Name:          name,
		ModelName:     m.Name(),
		Params:        m.Params(),
		Device:        m.Device().String(),
		NumParameters: m.NumParameters(),
		PredictReady:  m.PredictReady(),
		TrainReady:    m.TrainReady(),
	})
}

var componentOptions = map[string]func(interface{}) ml.LoadOption{
	ml.KeyNNModule:            ml.WithNNModule,
	ml.KeyOptimizer:           ml.WithOptimizer,
	ml.KeyLoss:                ml.WithLoss,
	ml.KeyPredictionTransform: ml.WithPredictionTransform,
}

// decodeLoadOptions 把请求体转换成加载选项，空请求体表示不覆盖
func decodeLoadOptions(body io.Reader) ([]ml.LoadOption, error) {
	var fields map[string]json.RawMessage
	if err := json.NewDecoder(body).Decode(&fields); err != nil && !errors.Is(err, io.EOF) {
		return nil, badRequest("invalid JSON body: %v", err)
	}

	var opts []ml.LoadOption
	for _, key := range keysOf(fields) {
		raw := fields[key]
		if with, ok := componentOptions[key]; ok {
			var v interface{}
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, badRequest("%s: %v", key, err)
			}
			opts = append(opts, with(v))
			continue
		}
		switch key {
		case ml.KeyDevice:
			var v interface{}
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, badRequest("device: %v", err)
			}
			if v != nil {
				opts = append(opts, ml.WithDevice(v))
			}
		case "model_name":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, badRequest("model_name must be a string")
			}
			opts = append(opts, ml.WithModelName(s))
		case "strict":
			var strict bool
			if err := json.Unmarshal(raw, &strict); err != nil {
				return nil, badRequest("strict must be a boolean")
			}
			opts = append(opts, ml.WithStrictStateDict(strict))
		case "params":
			var extra map[string]interface{}
			if err := json.Unmarshal(raw, &extra); err != nil {
				return nil, badRequest("params must be an object")
			}
			var removed []string
			for _, k := range keysOf(extra) {
				if extra[k] == nil {
					removed = append(removed, k)
					continue
				}
				opts = append(opts, ml.WithParam(k, extra[k]))
			}
			if len(removed) > 0 {
				opts = append(opts, ml.WithChangeParams(func(p ml.Params) ml.Params {
					for _, k := range removed {
						delete(p, k)
					}
					return p
				}))
			}
		default:
			return nil, badRequest("unknown field %q", key)
		}
	}
	return opts, nil
}

// predictRequest 预测请求，每行一个样本
type predictRequest struct {
	Inputs    [][]float64 `json:"inputs"`
	ModelName string      `json:"model_name,omitempty"`
}

func (a *API) handlePredict(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, badRequest("invalid JSON body: %v", err))
		return
	}
	input, err := denseFromRows(req.Inputs)
	if err != nil {
		respondError(w, err)
		return
	}

	opts := []ml.LoadOption{ml.WithOptimizer(nil), ml.WithLoss(nil)}
	if req.ModelName != "" {
		opts = append(opts, ml.WithModelName(req.ModelName))
	}
	done := a.metrics.Track("predict", name)
	m, err := a.hub.Load(r.Context(), name, opts...)
	var out *mat.Dense
	if err == nil {
		out, err = m.Predict(input)
	}
	done(err)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"model_name": m.Name(),
		"outputs":    rowsOf(out),
	})
}

func (a *API) handlePublish(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	req := struct {
		Published *bool `json:"published"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, badRequest("invalid JSON body: %v", err))
		return
	}
	published := req.Published == nil || *req.Published
	if err := a.hub.Publish(r.Context(), name, published); err != nil {
		respondError(w, err)
		return
	}
	entry, err := a.hub.Entry(r.Context(), name)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (a *API) handleTrainingLog(w http.ResponseWriter, r *http.Request) {
	run := r.PathValue("run")
	records, err := a.catalog.TrainingLog(r.Context(), run)
	if err != nil {
		respondError(w, err)
		return
	}
	if len(records) == 0 && !a.isActive(run) {
		respondError(w, fmt.Errorf("%w: training run %s", db.ErrNotFound, run))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"run":    run,
		"active": a.isActive(run),
		"epochs": records,
	})
}

func (a *API) handleReindex(w http.ResponseWriter, r *http.Request) {
	added, removed, err := a.hub.Reindex(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"added": added, "removed": removed})
}

// handleMetrics 默认输出 Prometheus 文本格式，format=json 时输出 JSON
func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	collector := a.metrics.Collector()
	if r.URL.Query().Get("format") == "json" {
		data, err := collector.ExportJSON()
		if err != nil {
			respondError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	io.WriteString(w, collector.ExportPrometheus())
}

func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": a.alerts.GetActiveAlerts(),
		"stats":  a.alerts.GetStats(),
	})
}

func (a *API) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.alerts.ResolveAlert(id); err != nil {
		respondError(w, fmt.Errorf("%w: %v", db.ErrNotFound, err))
		return
	}
	alert, _ := a.alerts.GetAlert(id)
	respondJSON(w, http.StatusOK, alert)
}

// apiError 带状态码的请求错误
type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string { return e.msg }

func badRequest(format string, args ...interface{}) error {
	return &apiError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

// statusOf 把领域错误映射为HTTP状态码
func statusOf(err error) int {
	var apiErr *apiError
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.status
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, hub.ErrInvalidName),
		errors.Is(err, ml.ErrForward),
		errors.Is(err, ml.ErrEmptyBatch):
		return http.StatusBadRequest
	case errors.Is(err, hub.ErrNotFound),
		errors.Is(err, db.ErrNotFound),
		errors.Is(err, ml.ErrModelNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, ml.ErrNotPredictReady),
		errors.Is(err, ml.ErrNotTrainReady):
		return http.StatusConflict
	case errors.Is(err, ml.ErrInvalidParams),
		errors.Is(err, ml.ErrInvalidDevice),
		errors.Is(err, nn.ErrStateDictMismatch),
		errors.Is(err, zoo.ErrUnknownArch),
		errors.Is(err, zoo.ErrNoPretrainedWeights):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode JSON", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, err error) {
	writeError(w, statusOf(err), err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// denseFromRows 把二维数组转为矩阵，要求每行长度一致
func denseFromRows(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, badRequest("inputs must be a non-empty 2D array")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, badRequest("inputs row %d has %d values, want %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}

func rowsOf(m *mat.Dense) [][]float64 {
	r, _ := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = append([]float64(nil), m.RawRowView(i)...)
	}
	return rows
}

func keysOf[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orDefault[V any](m, def map[string]V) map[string]V {
	if m == nil {
		return def
	}
	return m
}

func (a *API) isActive(run string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[run]
	return ok
}

func runID(name string) string {
	return fmt.Sprintf("%s-%s", name, time.Now().Format("20060102-150405.000"))
}
