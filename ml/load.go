package ml

import (
	"fmt"

	"go.uber.org/zap"

	"modelkit/ml/nn"
)

// override 参数覆盖；value 为 nil 表示删除该键
type override struct {
	key   string
	value interface{}
}

type loadOptions struct {
	components      []override
	device          interface{}
	extra           []override
	modelName       string
	changeParams    func(Params) Params
	changeStateDict func(nn.StateDict) nn.StateDict
	strict          bool
	logger          *zap.Logger
}

// LoadOption 加载选项
type LoadOption func(*loadOptions)

func withComponent(key string, value interface{}) LoadOption {
	return func(o *loadOptions) {
		o.components = append(o.components, override{key: key, value: value})
	}
}

// WithNNModule 覆盖 nn_module 参数，nil 表示删除
func WithNNModule(value interface{}) LoadOption { return withComponent(KeyNNModule, value) }

// WithOptimizer 覆盖 optimizer 参数，nil 表示不构建优化器
func WithOptimizer(value interface{}) LoadOption { return withComponent(KeyOptimizer, value) }

// WithLoss 覆盖 loss 参数，nil 表示不构建损失函数
func WithLoss(value interface{}) LoadOption { return withComponent(KeyLoss, value) }

// WithPredictionTransform 覆盖 prediction_transform 参数，nil 表示删除
func WithPredictionTransform(value interface{}) LoadOption {
	return withComponent(KeyPredictionTransform, value)
}

// WithDevice 覆盖设备，nil 表示沿用保存的设备
func WithDevice(value interface{}) LoadOption {
	return func(o *loadOptions) { o.device = value }
}

// WithParam 设置任意参数键，nil 值也会写入
func WithParam(key string, value interface{}) LoadOption {
	return func(o *loadOptions) {
		o.extra = append(o.extra, override{key: key, value: value})
	}
}

// WithModelName 用另一个已注册的模型类加载
func WithModelName(name string) LoadOption {
	return func(o *loadOptions) { o.modelName = name }
}

// WithChangeParams 在构建模型前改写参数字典
func WithChangeParams(fn func(Params) Params) LoadOption {
	return func(o *loadOptions) { o.changeParams = fn }
}

// WithChangeStateDict 在载入网络前改写状态字典
func WithChangeStateDict(fn func(nn.StateDict) nn.StateDict) LoadOption {
	return func(o *loadOptions) { o.changeStateDict = fn }
}

// WithStrictStateDict 为 false 时忽略缺失和多余的状态键，默认 true
func WithStrictStateDict(strict bool) LoadOption {
	return func(o *loadOptions) { o.strict = strict }
}

// WithLoadLogger 设置加载后模型使用的日志
func WithLoadLogger(logger *zap.Logger) LoadOption {
	return func(o *loadOptions) { o.logger = logger }
}

// LoadModel 从文件加载模型
func LoadModel(path string, opts ...LoadOption) (*Model, error) {
	ckpt, err := ReadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	m, err := LoadCheckpoint(ckpt, opts...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	m.logger.Info("model loaded", zap.String("path", path))
	return m, nil
}

// LoadCheckpoint 从检查点构建模型，不修改 ckpt
//
// 处理顺序：确定模型类，应用组件覆盖、设备和额外参数，调用 change_params，
// 构建模型（不拉取预训练权重，网络权重以检查点为准），调用 change_state_dict 后载入网络状态，
// 恢复优化器状态，最后切换到推理模式。
func LoadCheckpoint(ckpt *Checkpoint, opts ...LoadOption) (*Model, error) {
	if ckpt == nil {
		return nil, fmt.Errorf("%w: nil checkpoint", ErrInvalidCheckpoint)
	}
	o := loadOptions{strict: true, logger: zap.L()}
	for _, opt := range opts {
		opt(&o)
	}

	modelName := ckpt.ModelName
	if o.modelName != "" {
		modelName = o.modelName
	}
	class, err := Lookup(modelName)
	if err != nil {
		return nil, err
	}

	params := ckpt.Params.Clone()
	for _, ov := range o.components {
		if ov.value == nil {
			delete(params, ov.key)
			continue
		}
		params[ov.key] = deepCopy(ov.value)
	}
	if o.device != nil {
		device, err := ParseDevice(o.device)
		if err != nil {
			return nil, err
		}
		params[KeyDevice] = device.Value()
	}
	for _, ov := range o.extra {
		params[ov.key] = deepCopy(ov.value)
	}
	if o.changeParams != nil {
		params = o.changeParams(params)
		if params == nil {
			return nil, fmt.Errorf("%w: change params function returned nil", ErrInvalidParams)
		}
	}

	m, err := NewModel(class, params, WithLogger(o.logger), withoutPretrained())
	if err != nil {
		return nil, err
	}
	if m.nnModule == nil {
		return nil, fmt.Errorf("%w: checkpoint has a state dict but params build no nn_module", ErrInvalidParams)
	}

	state := ckpt.NNStateDict.Clone()
	if o.changeStateDict != nil {
		state = o.changeStateDict(state)
	}
	if err := nn.LoadStateDict(m.nnModule, state, o.strict); err != nil {
		return nil, fmt.Errorf("load nn_state_dict: %w", err)
	}

	if ckpt.OptimizerState != nil && m.optimizer != nil {
		if err := m.optimizer.LoadState(*ckpt.OptimizerState); err != nil {
			m.logger.Warn("optimizer state not restored", zap.Error(err))
		}
	}

	m.Eval()
	return m, nil
}
