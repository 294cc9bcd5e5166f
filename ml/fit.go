package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DataLoader 按轮次产出批次
type DataLoader interface {
	Batches(epoch int) ([]Batch, error)
}

// SliceLoader 把内存中的数据集切成批次，可按轮次打乱
type SliceLoader struct {
	Inputs    *mat.Dense
	Targets   *mat.Dense
	BatchSize int
	Shuffle   bool
	Seed      int64
}

// Batches 实现 DataLoader
func (l *SliceLoader) Batches(epoch int) ([]Batch, error) {
	if l.Inputs == nil || l.Targets == nil || l.Inputs.IsEmpty() {
		return nil, ErrEmptyBatch
	}
	n, inCols := l.Inputs.Dims()
	tn, tCols := l.Targets.Dims()
	if tn != n {
		return nil, fmt.Errorf("inputs have %d rows but targets have %d", n, tn)
	}
	size := l.BatchSize
	if size <= 0 || size > n {
		size = n
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.Shuffle {
		rng := rand.New(rand.NewSource(l.Seed + int64(epoch)))
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	batches := make([]Batch, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		in := mat.NewDense(end-start, inCols, nil)
		tgt := mat.NewDense(end-start, tCols, nil)
		for i, idx := range order[start:end] {
			in.SetRow(i, l.Inputs.RawRowView(idx))
			tgt.SetRow(i, l.Targets.RawRowView(idx))
		}
		batches = append(batches, Batch{Input: in, Target: tgt})
	}
	return batches, nil
}

// State 训练过程状态，传递给回调
type State struct {
	Model   *Model
	Epoch   int
	Epochs  int
	Metrics map[string]float64
	Stop    bool
	Logger  *zap.Logger
}

// Callback 训练回调
type Callback interface {
	OnEpochStart(ctx context.Context, state *State) error
	OnEpochComplete(ctx context.Context, state *State) error
}

// CallbackFuncs 用函数实现回调，未设置的函数忽略
type CallbackFuncs struct {
	EpochStart    func(ctx context.Context, state *State) error
	EpochComplete func(ctx context.Context, state *State) error
}

func (c CallbackFuncs) OnEpochStart(ctx context.Context, state *State) error {
	if c.EpochStart == nil {
		return nil
	}
	return c.EpochStart(ctx, state)
}

func (c CallbackFuncs) OnEpochComplete(ctx context.Context, state *State) error {
	if c.EpochComplete == nil {
		return nil
	}
	return c.EpochComplete(ctx, state)
}

// FitConfig 训练配置
type FitConfig struct {
	Epochs    int
	Callbacks []Callback
}

// History 每轮的指标
type History []map[string]float64

// Fit 训练若干轮，每轮计算 train_loss，有验证集时计算 val_loss 和分类准确率 val_accuracy
func (m *Model) Fit(ctx context.Context, train, val DataLoader, cfg FitConfig) (History, error) {
	if !m.TrainReady() {
		return nil, ErrNotTrainReady
	}
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("%w: epochs must be positive, got %d", ErrInvalidParams, cfg.Epochs)
	}
	state := &State{Model: m, Epochs: cfg.Epochs, Logger: m.logger}
	history := make(History, 0, cfg.Epochs)

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		state.Epoch = epoch
		state.Metrics = make(map[string]float64)
		for _, cb := range cfg.Callbacks {
			if err := cb.OnEpochStart(ctx, state); err != nil {
				return history, err
			}
		}

		start := time.Now()
		trainLoss, _, err := m.runEpoch(ctx, train, epoch, true)
		if err != nil {
			return history, err
		}
		state.Metrics["train_loss"] = trainLoss
		if lr, err := m.GetLR(); err == nil {
			state.Metrics["lr"] = lr
		}
		if val != nil {
			valLoss, valAcc, err := m.runEpoch(ctx, val, epoch, false)
			if err != nil {
				return history, err
			}
			state.Metrics["val_loss"] = valLoss
			if !math.IsNaN(valAcc) {
				state.Metrics["val_accuracy"] = valAcc
			}
		}

		m.logger.Info("epoch complete",
			zap.Int("epoch", epoch),
			zap.Duration("elapsed", time.Since(start)),
			zap.Any("metrics", state.Metrics))

		for _, cb := range cfg.Callbacks {
			if err := cb.OnEpochComplete(ctx, state); err != nil {
				return history, err
			}
		}
		history = append(history, copyMetrics(state.Metrics))
		if state.Stop {
			m.logger.Info("training stopped by callback", zap.Int("epoch", epoch))
			break
		}
	}
	return history, nil
}

// runEpoch 返回平均损失和分类准确率（无法计算准确率时为 NaN）
func (m *Model) runEpoch(ctx context.Context, loader DataLoader, epoch int, training bool) (float64, float64, error) {
	batches, err := loader.Batches(epoch)
	if err != nil {
		return 0, 0, err
	}
	var lossSum float64
	var samples, correct int
	accuracy := true
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		var out StepOutput
		if training {
			out, err = m.TrainStep(batch)
		} else {
			out, err = m.ValStep(batch)
		}
		if err != nil {
			return 0, 0, err
		}
		n, _ := batch.Input.Dims()
		lossSum += out.Loss * float64(n)
		samples += n
		if hits, ok := classHits(out.Output, batch.Target); ok {
			correct += hits
		} else {
			accuracy = false
		}
	}
	if samples == 0 {
		return 0, 0, ErrEmptyBatch
	}
	acc := math.NaN()
	if accuracy {
		acc = float64(correct) / float64(samples)
	}
	return lossSum / float64(samples), acc, nil
}

// classHits 输出多列且目标为类别下标时统计命中数
func classHits(output, target *mat.Dense) (int, bool) {
	n, k := output.Dims()
	_, tc := target.Dims()
	if k < 2 || tc != 1 {
		return 0, false
	}
	hits := 0
	for i := 0; i < n; i++ {
		if floats.MaxIdx(output.RawRowView(i)) == int(target.At(i, 0)) {
			hits++
		}
	}
	return hits, true
}

func copyMetrics(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// monitorBetter 判断指标是否改进，mode 为 "min" 或 "max"
func monitorBetter(mode string, current, best float64) bool {
	if mode == "max" {
		return current > best
	}
	return current < best
}

func monitorInit(mode string) float64 {
	if mode == "max" {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

// ModelCheckpoint 监控指标改进时保存模型
//
// FileFormat 支持 {epoch} 和 {monitor} 占位符，默认 "model-{epoch}-{monitor}.mk"。
// MaxSaves 大于 0 时只保留最近的若干个文件。
type ModelCheckpoint struct {
	Dir            string
	FileFormat     string
	Monitor        string
	Mode           string
	MaxSaves       int
	OptimizerState bool

	best  float64
	init  bool
	saved []string
}

func (c *ModelCheckpoint) OnEpochStart(context.Context, *State) error { return nil }

func (c *ModelCheckpoint) OnEpochComplete(_ context.Context, state *State) error {
	monitor := c.Monitor
	if monitor == "" {
		monitor = "val_loss"
	}
	value, ok := state.Metrics[monitor]
	if !ok {
		return fmt.Errorf("checkpoint: metric %q not found", monitor)
	}
	if !c.init {
		c.best = monitorInit(c.Mode)
		c.init = true
	}
	if !monitorBetter(c.Mode, value, c.best) {
		return nil
	}
	c.best = value

	format := c.FileFormat
	if format == "" {
		format = "model-{epoch}-{monitor}.mk"
	}
	name := strings.NewReplacer(
		"{epoch}", fmt.Sprintf("%03d", state.Epoch),
		"{monitor}", fmt.Sprintf("%.6f", value),
	).Replace(format)
	path := filepath.Join(c.Dir, name)

	var opts []SaveOption
	if c.OptimizerState {
		opts = append(opts, WithOptimizerState())
	}
	if err := state.Model.Save(path, opts...); err != nil {
		return err
	}
	c.saved = append(c.saved, path)
	if c.MaxSaves > 0 && len(c.saved) > c.MaxSaves {
		stale := c.saved[0]
		c.saved = c.saved[1:]
		if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
			state.Logger.Warn("remove stale checkpoint", zap.String("path", stale), zap.Error(err))
		}
	}
	return nil
}

// Saved 返回当前保留的检查点路径
func (c *ModelCheckpoint) Saved() []string { return append([]string(nil), c.saved...) }

// EarlyStopping 指标连续 Patience 轮未改进时停止训练
type EarlyStopping struct {
	Monitor  string
	Mode     string
	Patience int

	best  float64
	init  bool
	waits int
}

func (e *EarlyStopping) OnEpochStart(context.Context, *State) error { return nil }

func (e *EarlyStopping) OnEpochComplete(_ context.Context, state *State) error {
	monitor := e.Monitor
	if monitor == "" {
		monitor = "val_loss"
	}
	value, ok := state.Metrics[monitor]
	if !ok {
		return fmt.Errorf("early stopping: metric %q not found", monitor)
	}
	if !e.init {
		e.best = monitorInit(e.Mode)
		e.init = true
	}
	if monitorBetter(e.Mode, value, e.best) {
		e.best = value
		e.waits = 0
		return nil
	}
	e.waits++
	if e.waits >= e.Patience {
		state.Stop = true
	}
	return nil
}
