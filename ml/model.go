package ml

import (
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"modelkit/ml/nn"
)

// Batch 一个批次的输入和目标
type Batch struct {
	Input  *mat.Dense
	Target *mat.Dense
}

// StepOutput 单步训练或验证的结果
type StepOutput struct {
	Loss       float64
	Output     *mat.Dense // 网络原始输出
	Prediction *mat.Dense // 经过预测变换后的输出
	Target     *mat.Dense
}

// Model 模型包装：网络加上优化器、损失函数、预测变换和设备配置
//
// Model 不是并发安全的，并发使用需要调用方加锁。
type Model struct {
	class  *ModelClass
	params Params

	nnModule            nn.Module
	optimizer           nn.Optimizer
	loss                nn.Loss
	predictionTransform nn.Transform
	device              Device

	training       bool
	skipPretrained bool
	logger         *zap.Logger
}

// Option 模型选项
type Option func(*Model)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(m *Model) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// withoutPretrained 构建网络时不拉取预训练权重，保存的参数不变
func withoutPretrained() Option {
	return func(m *Model) { m.skipPretrained = true }
}

// New 按注册名称创建模型
func New(className string, params Params, opts ...Option) (*Model, error) {
	class, err := Lookup(className)
	if err != nil {
		return nil, err
	}
	return NewModel(class, params, opts...)
}

// NewModel 根据模型类和参数构建模型，新模型处于训练模式
func NewModel(class *ModelClass, params Params, opts ...Option) (*Model, error) {
	if err := class.validate(); err != nil {
		return nil, err
	}
	m := &Model{
		class:  class,
		params: params.Clone(),
		logger: zap.L(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("model_name", class.Name))
	if err := m.build(); err != nil {
		return nil, fmt.Errorf("build %s: %w", class.Name, err)
	}
	m.Train()
	return m, nil
}

func (m *Model) build() error {
	device, err := ParseDevice(m.params[KeyDevice])
	if err != nil {
		return err
	}
	m.device = device

	spec, ok, err := parseComponent(KeyNNModule, m.params[KeyNNModule], sortedKeys(m.class.NNModule))
	if err != nil {
		return err
	}
	if ok {
		factory, found := m.class.NNModule[spec.name]
		if !found {
			return unknownComponent(KeyNNModule, spec.name, sortedKeys(m.class.NNModule))
		}
		if m.skipPretrained && spec.kwargs.Has(KwargPretrained) {
			spec.kwargs[KwargPretrained] = false
		}
		if m.nnModule, err = factory(spec.kwargs); err != nil {
			return fmt.Errorf("build nn_module: %w", err)
		}
	}

	spec, ok, err = parseComponent(KeyOptimizer, m.params[KeyOptimizer], sortedKeys(m.class.optimizers()))
	if err != nil {
		return err
	}
	if ok {
		if m.nnModule == nil {
			return fmt.Errorf("%w: optimizer requires nn_module", ErrInvalidParams)
		}
		factory, found := m.class.optimizers()[spec.name]
		if !found {
			return unknownComponent(KeyOptimizer, spec.name, sortedKeys(m.class.optimizers()))
		}
		if m.optimizer, err = factory(m.nnModule.Parameters(), spec.kwargs); err != nil {
			return fmt.Errorf("build optimizer: %w", err)
		}
	}

	spec, ok, err = parseComponent(KeyLoss, m.params[KeyLoss], sortedKeys(m.class.losses()))
	if err != nil {
		return err
	}
	if ok {
		factory, found := m.class.losses()[spec.name]
		if !found {
			return unknownComponent(KeyLoss, spec.name, sortedKeys(m.class.losses()))
		}
		if m.loss, err = factory(spec.kwargs); err != nil {
			return fmt.Errorf("build loss: %w", err)
		}
	}

	m.predictionTransform = nn.Identity
	spec, ok, err = parseComponent(KeyPredictionTransform, m.params[KeyPredictionTransform], sortedKeys(m.class.transforms()))
	if err != nil {
		return err
	}
	if ok {
		factory, found := m.class.transforms()[spec.name]
		if !found {
			return unknownComponent(KeyPredictionTransform, spec.name, sortedKeys(m.class.transforms()))
		}
		if m.predictionTransform, err = factory(spec.kwargs); err != nil {
			return fmt.Errorf("build prediction_transform: %w", err)
		}
	}

	m.logger.Debug("model built",
		zap.Stringer("device", m.device),
		zap.Bool("predict_ready", m.PredictReady()),
		zap.Bool("train_ready", m.TrainReady()))
	return nil
}

func unknownComponent(key, name string, available []string) error {
	return fmt.Errorf("%w: unknown %s %q (available: %v)", ErrInvalidParams, key, name, available)
}

// Name 模型类名称
func (m *Model) Name() string { return m.class.Name }

// Class 模型类
func (m *Model) Class() *ModelClass { return m.class }

// Params 返回参数字典的副本
func (m *Model) Params() Params { return m.params.Clone() }

// NNModule 返回网络，未构建时为 nil
func (m *Model) NNModule() nn.Module { return m.nnModule }

// Optimizer 返回优化器，未构建时为 nil
func (m *Model) Optimizer() nn.Optimizer { return m.optimizer }

// Loss 返回损失函数，未构建时为 nil
func (m *Model) Loss() nn.Loss { return m.loss }

// PredictionTransform 返回预测变换
func (m *Model) PredictionTransform() nn.Transform { return m.predictionTransform }

// Device 返回设备
func (m *Model) Device() Device { return m.device }

// PredictReady 网络已构建即可预测
func (m *Model) PredictReady() bool { return m.nnModule != nil }

// TrainReady 可预测且优化器和损失函数都已构建
func (m *Model) TrainReady() bool {
	return m.PredictReady() && m.optimizer != nil && m.loss != nil
}

// Training 是否处于训练模式
func (m *Model) Training() bool { return m.training }

// Train 切换到训练模式
func (m *Model) Train() {
	m.training = true
	if m.nnModule != nil {
		m.nnModule.SetTraining(true)
	}
}

// Eval 切换到推理模式
func (m *Model) Eval() {
	m.training = false
	if m.nnModule != nil {
		m.nnModule.SetTraining(false)
	}
}

// GetLR 返回学习率
func (m *Model) GetLR() (float64, error) {
	if m.optimizer == nil {
		return 0, fmt.Errorf("%w: no optimizer", ErrNotTrainReady)
	}
	return m.optimizer.LR(), nil
}

// SetLR 设置学习率
func (m *Model) SetLR(lr float64) error {
	if m.optimizer == nil {
		return fmt.Errorf("%w: no optimizer", ErrNotTrainReady)
	}
	if lr < 0 {
		return fmt.Errorf("%w: negative learning rate %v", ErrInvalidParams, lr)
	}
	m.optimizer.SetLR(lr)
	return nil
}

// NumParameters 网络参数总数
func (m *Model) NumParameters() int {
	if m.nnModule == nil {
		return 0
	}
	return nn.CountParameters(m.nnModule)
}

// Predict 推理模式下前向计算并做预测变换
func (m *Model) Predict(input *mat.Dense) (*mat.Dense, error) {
	if !m.PredictReady() {
		return nil, ErrNotPredictReady
	}
	if m.training {
		m.Eval()
	}
	out, err := m.forward(input)
	if err != nil {
		return nil, err
	}
	return m.predictionTransform(out), nil
}

// TrainStep 前向、计算损失、反向传播并更新参数
func (m *Model) TrainStep(batch Batch) (StepOutput, error) {
	if !m.TrainReady() {
		return StepOutput{}, ErrNotTrainReady
	}
	if !m.training {
		m.Train()
	}
	m.optimizer.ZeroGrad()
	out, err := m.forward(batch.Input)
	if err != nil {
		return StepOutput{}, err
	}
	loss, grad, err := m.loss.Compute(out, batch.Target)
	if err != nil {
		return StepOutput{}, err
	}
	if err := m.backward(grad); err != nil {
		return StepOutput{}, err
	}
	m.optimizer.Step()
	return StepOutput{Loss: loss, Output: out, Prediction: m.predictionTransform(out), Target: batch.Target}, nil
}

// ValStep 推理模式下计算损失，不更新参数
func (m *Model) ValStep(batch Batch) (StepOutput, error) {
	if !m.PredictReady() || m.loss == nil {
		return StepOutput{}, fmt.Errorf("%w: validation needs nn_module and loss", ErrNotTrainReady)
	}
	if m.training {
		m.Eval()
	}
	out, err := m.forward(batch.Input)
	if err != nil {
		return StepOutput{}, err
	}
	loss, _, err := m.loss.Compute(out, batch.Target)
	if err != nil {
		return StepOutput{}, err
	}
	return StepOutput{Loss: loss, Output: out, Prediction: m.predictionTransform(out), Target: batch.Target}, nil
}

// forward 捕获 gonum 在形状不匹配时的 panic
func (m *Model) forward(input *mat.Dense) (out *mat.Dense, err error) {
	if input == nil || input.IsEmpty() {
		return nil, ErrEmptyBatch
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrForward, r)
		}
	}()
	return m.nnModule.Forward(input), nil
}

func (m *Model) backward(grad *mat.Dense) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: backward: %v", ErrForward, r)
		}
	}()
	m.nnModule.Backward(grad)
	return nil
}
