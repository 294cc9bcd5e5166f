package http

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"net/http"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"modelkit/db"
	"modelkit/ml"
)

// TrainingConfig 训练请求
type TrainingConfig struct {
	Inputs    [][]float64 `json:"inputs"`
	Targets   [][]float64 `json:"targets"`
	Epochs    int         `json:"epochs"`
	BatchSize int         `json:"batch_size"`
	TestRatio float64     `json:"test_ratio"`
	Seed      int64       `json:"seed"`
	Patience  int         `json:"patience"`
	SaveAs    string      `json:"save_as"`
}

func (c TrainingConfig) validate() error {
	if len(c.Inputs) == 0 {
		return badRequest("inputs are required")
	}
	if len(c.Targets) != len(c.Inputs) {
		return badRequest("got %d targets for %d inputs", len(c.Targets), len(c.Inputs))
	}
	if c.Epochs <= 0 {
		return badRequest("epochs must be positive")
	}
	if c.TestRatio < 0 || c.TestRatio >= 1 {
		return badRequest("test_ratio must be in [0, 1)")
	}
	return nil
}

// trainResponse 训练已开始
type trainResponse struct {
	Run       string `json:"run"`
	Name      string `json:"name"`
	SaveAs    string `json:"save_as"`
	TrainRows int    `json:"train_rows"`
	ValRows   int    `json:"val_rows"`
}

// handleTrain 加载检查点并在后台训练，完成后保存到 save_as（默认覆盖原检查点）
//
// 每轮结果写入训练日志并推送到 /api/ws/training 的 run 频道。
func (a *API) handleTrain(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var config TrainingConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		respondError(w, badRequest("invalid JSON body: %v", err))
		return
	}
	if err := config.validate(); err != nil {
		respondError(w, err)
		return
	}
	if config.SaveAs == "" {
		config.SaveAs = name
	}
	if _, err := a.hub.Path(config.SaveAs); err != nil {
		respondError(w, err)
		return
	}

	inputs, err := denseFromRows(config.Inputs)
	if err != nil {
		respondError(w, err)
		return
	}
	targets, err := denseFromRows(config.Targets)
	if err != nil {
		respondError(w, err)
		return
	}
	m, err := a.hub.Load(r.Context(), name)
	if err != nil {
		respondError(w, err)
		return
	}
	if !m.TrainReady() {
		respondError(w, ml.ErrNotTrainReady)
		return
	}

	trainX, trainY, valX, valY := splitDataset(inputs, targets, config.TestRatio, config.Seed)
	train := &ml.SliceLoader{Inputs: trainX, Targets: trainY, BatchSize: config.BatchSize, Shuffle: true, Seed: config.Seed}
	var val ml.DataLoader
	if valX != nil {
		val = &ml.SliceLoader{Inputs: valX, Targets: valY, BatchSize: config.BatchSize}
	}

	run := runID(name)
	a.mu.Lock()
	a.active[run] = name
	a.mu.Unlock()

	logger := a.requestLogger(r).With(zap.String("run", run), zap.String("model_name", m.Name()))
	logger.Info("training started", zap.String("checkpoint", name), zap.Int("epochs", config.Epochs))
	a.runs.Add(1)
	go a.train(logger, run, m, train, val, config)

	resp := trainResponse{Run: run, Name: name, SaveAs: config.SaveAs}
	resp.TrainRows, _ = trainX.Dims()
	if valX != nil {
		resp.ValRows, _ = valX.Dims()
	}
	respondJSON(w, http.StatusAccepted, resp)
}

func (a *API) train(logger *zap.Logger, run string, m *ml.Model, train, val ml.DataLoader, config TrainingConfig) {
	defer a.runs.Done()
	defer func() {
		a.mu.Lock()
		delete(a.active, run)
		a.mu.Unlock()
	}()

	callbacks := a.trainingCallbacks(run, val != nil, config.Patience)

	done := a.metrics.Track("train", config.SaveAs)
	history, err := m.Fit(a.ctx, train, val, ml.FitConfig{Epochs: config.Epochs, Callbacks: callbacks})
	if err == nil {
		_, err = a.hub.Save(a.ctx, config.SaveAs, m, ml.WithOptimizerState())
	}
	done(err)
	if err != nil {
		if errors.Is(err, a.ctx.Err()) {
			logger.Warn("training cancelled", zap.Int("epochs_completed", len(history)))
			return
		}
		logger.Error("training failed", zap.Error(err))
		return
	}
	logger.Info("training finished", zap.Int("epochs", len(history)), zap.String("save_as", config.SaveAs))
}

// trainingCallbacks 训练日志、告警、推送，patience > 0 时加上早停
func (a *API) trainingCallbacks(run string, hasVal bool, patience int) []ml.Callback {
	callbacks := []ml.Callback{
		&db.EpochLogger{Catalog: a.catalog, Run: run},
		a.alerts.TrainingCallback(run),
	}
	if a.stream != nil {
		callbacks = append(callbacks, a.stream.Callback(run))
	}
	if patience > 0 {
		monitor := "train_loss"
		if hasVal {
			monitor = "val_loss"
		}
		callbacks = append(callbacks, &ml.EarlyStopping{Monitor: monitor, Patience: patience})
	}
	return callbacks
}

// splitDataset 按比例随机切分训练集和验证集，比例为 0 或验证集为空时不切分
func splitDataset(inputs, targets *mat.Dense, testRatio float64, seed int64) (trainX, trainY, testX, testY *mat.Dense) {
	n, _ := inputs.Dims()
	split := int(math.Round(float64(n) * (1 - testRatio)))
	if testRatio <= 0 || split >= n || split <= 0 {
		return inputs, targets, nil, nil
	}
	rnd := rand.New(rand.NewSource(seed))
	indices := rnd.Perm(n)
	return pickRows(inputs, indices[:split]), pickRows(targets, indices[:split]),
		pickRows(inputs, indices[split:]), pickRows(targets, indices[split:])
}

func pickRows(m *mat.Dense, rows []int) *mat.Dense {
	_, cols := m.Dims()
	out := mat.NewDense(len(rows), cols, nil)
	for i, idx := range rows {
		out.SetRow(i, m.RawRowView(idx))
	}
	return out
}
