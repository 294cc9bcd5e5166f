package ml

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"modelkit/ml/nn"
)

// CheckpointFormatVersion 当前检查点格式版本
const CheckpointFormatVersion = 1

// Checkpoint 模型检查点：模型类名、参数字典、网络状态，以及可选的优化器状态
type Checkpoint struct {
	FormatVersion  int                `json:"format_version"`
	ModelName      string             `json:"model_name"`
	Params         Params             `json:"params"`
	NNStateDict    nn.StateDict       `json:"nn_state_dict"`
	OptimizerState *nn.OptimizerState `json:"optimizer_state,omitempty"`
	SavedAt        time.Time          `json:"saved_at"`
}

// NumParameters 状态字典中的参数总数
func (c *Checkpoint) NumParameters() int {
	total := 0
	for _, t := range c.NNStateDict {
		total += len(t.Data)
	}
	return total
}

type saveOptions struct {
	optimizerState bool
}

// SaveOption 保存选项
type SaveOption func(*saveOptions)

// WithOptimizerState 同时保存优化器状态
func WithOptimizerState() SaveOption {
	return func(o *saveOptions) { o.optimizerState = true }
}

// Checkpoint 生成当前模型的检查点
func (m *Model) Checkpoint(opts ...SaveOption) (*Checkpoint, error) {
	if m.nnModule == nil {
		return nil, fmt.Errorf("%w: nothing to save without nn_module", ErrNotPredictReady)
	}
	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}
	ckpt := &Checkpoint{
		FormatVersion: CheckpointFormatVersion,
		ModelName:     m.class.Name,
		Params:        m.params.Clone(),
		NNStateDict:   nn.StateDictOf(m.nnModule),
		SavedAt:       time.Now().UTC(),
	}
	if o.optimizerState && m.optimizer != nil {
		state := m.optimizer.State()
		ckpt.OptimizerState = &state
	}
	return ckpt, nil
}

// Save 保存模型到文件
func (m *Model) Save(path string, opts ...SaveOption) error {
	ckpt, err := m.Checkpoint(opts...)
	if err != nil {
		return err
	}
	if err := WriteCheckpoint(path, ckpt); err != nil {
		return err
	}
	m.logger.Info("model saved", zap.String("path", path), zap.Int("num_parameters", ckpt.NumParameters()))
	return nil
}

// EncodeCheckpoint 以 gzip 压缩的 JSON 写出检查点
func EncodeCheckpoint(w io.Writer, ckpt *Checkpoint) (err error) {
	zw := gzip.NewWriter(w)
	defer func() {
		err = multierr.Append(err, zw.Close())
	}()
	if err := json.NewEncoder(zw).Encode(ckpt); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return nil
}

// DecodeCheckpoint 读取并校验检查点
func DecodeCheckpoint(r io.Reader) (*Checkpoint, error) {
	zr, err := gzip.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}
	defer zr.Close()

	var ckpt Checkpoint
	if err := json.NewDecoder(zr).Decode(&ckpt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}
	if ckpt.FormatVersion != CheckpointFormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrInvalidCheckpoint, ckpt.FormatVersion)
	}
	if ckpt.ModelName == "" {
		return nil, fmt.Errorf("%w: missing model_name", ErrInvalidCheckpoint)
	}
	if ckpt.Params == nil {
		ckpt.Params = Params{}
	}
	return &ckpt, nil
}

// WriteCheckpoint 先写临时文件再重命名，避免读到写了一半的检查点
func WriteCheckpoint(path string, ckpt *Checkpoint) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	err = EncodeCheckpoint(bw, ckpt)
	err = multierr.Combine(err, bw.Flush(), tmp.Close())
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadCheckpoint 从文件读取检查点
func ReadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ckpt, err := DecodeCheckpoint(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ckpt, nil
}
