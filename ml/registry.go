package ml

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"modelkit/ml/nn"
)

// NNModuleFactory 网络构造器
type NNModuleFactory func(kwargs nn.Kwargs) (nn.Module, error)

// OptimizerFactory 优化器构造器，params 为网络参数
type OptimizerFactory func(params []*nn.Parameter, kwargs nn.Kwargs) (nn.Optimizer, error)

// LossFactory 损失函数构造器
type LossFactory func(kwargs nn.Kwargs) (nn.Loss, error)

// TransformFactory 预测变换构造器
type TransformFactory func(kwargs nn.Kwargs) (nn.Transform, error)

// ModelClass 模型类：把网络构造器和优化器、损失函数、预测变换的可选构造器组合在一起
//
// Optimizer、Loss、PredictionTransform 为 nil 时使用内置的默认构造器集合。
type ModelClass struct {
	Name                string
	NNModule            map[string]NNModuleFactory
	Optimizer           map[string]OptimizerFactory
	Loss                map[string]LossFactory
	PredictionTransform map[string]TransformFactory
}

// DefaultOptimizers 内置优化器
var DefaultOptimizers = map[string]OptimizerFactory{
	"SGD": func(params []*nn.Parameter, kw nn.Kwargs) (nn.Optimizer, error) {
		o, err := nn.NewSGD(params, kw)
		if err != nil {
			return nil, err
		}
		return o, nil
	},
	"Adam": func(params []*nn.Parameter, kw nn.Kwargs) (nn.Optimizer, error) {
		o, err := nn.NewAdam(params, kw)
		if err != nil {
			return nil, err
		}
		return o, nil
	},
	"AdamW": func(params []*nn.Parameter, kw nn.Kwargs) (nn.Optimizer, error) {
		o, err := nn.NewAdamW(params, kw)
		if err != nil {
			return nil, err
		}
		return o, nil
	},
}

// DefaultLosses 内置损失函数
var DefaultLosses = map[string]LossFactory{
	"CrossEntropyLoss": func(kw nn.Kwargs) (nn.Loss, error) {
		l, err := nn.NewCrossEntropyLoss(kw)
		if err != nil {
			return nil, err
		}
		return l, nil
	},
	"MSELoss":           noKwargsLoss("MSELoss", nn.MSELoss{}),
	"BCEWithLogitsLoss": noKwargsLoss("BCEWithLogitsLoss", nn.BCEWithLogitsLoss{}),
}

// DefaultTransforms 内置预测变换
var DefaultTransforms = map[string]TransformFactory{
	"Identity": noKwargsTransform("Identity", nn.Identity),
	"Softmax":  noKwargsTransform("Softmax", nn.Softmax),
	"Sigmoid":  noKwargsTransform("Sigmoid", nn.Sigmoid),
	"Argmax":   noKwargsTransform("Argmax", nn.Argmax),
}

func noKwargsLoss(name string, loss nn.Loss) LossFactory {
	return func(kw nn.Kwargs) (nn.Loss, error) {
		if err := kw.CheckKnown(); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return loss, nil
	}
}

func noKwargsTransform(name string, t nn.Transform) TransformFactory {
	return func(kw nn.Kwargs) (nn.Transform, error) {
		if err := kw.CheckKnown(); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return t, nil
	}
}

func (c *ModelClass) optimizers() map[string]OptimizerFactory {
	if c.Optimizer == nil {
		return DefaultOptimizers
	}
	return c.Optimizer
}

func (c *ModelClass) losses() map[string]LossFactory {
	if c.Loss == nil {
		return DefaultLosses
	}
	return c.Loss
}

func (c *ModelClass) transforms() map[string]TransformFactory {
	if c.PredictionTransform == nil {
		return DefaultTransforms
	}
	return c.PredictionTransform
}

func (c *ModelClass) validate() error {
	if c == nil {
		return fmt.Errorf("model class is nil")
	}
	if c.Name == "" {
		return fmt.Errorf("model class name cannot be empty")
	}
	if len(c.NNModule) == 0 {
		return fmt.Errorf("model class %s has no nn_module constructor", c.Name)
	}
	return nil
}

// registry 进程级模型类注册表
var registry = struct {
	sync.RWMutex
	classes map[string]*ModelClass
}{classes: make(map[string]*ModelClass)}

// Register 注册模型类，名称重复时报错
func Register(class *ModelClass) error {
	if err := class.validate(); err != nil {
		return err
	}
	registry.Lock()
	defer registry.Unlock()
	if _, exists := registry.classes[class.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModel, class.Name)
	}
	registry.classes[class.Name] = class
	zap.L().Debug("registered model class", zap.String("model_name", class.Name))
	return nil
}

// MustRegister 注册模型类，失败时 panic
func MustRegister(class *ModelClass) *ModelClass {
	if err := Register(class); err != nil {
		panic(err)
	}
	return class
}

// Unregister 移除模型类
func Unregister(name string) bool {
	registry.Lock()
	defer registry.Unlock()
	if _, exists := registry.classes[name]; !exists {
		return false
	}
	delete(registry.classes, name)
	return true
}

// Lookup 按名称查找模型类
func Lookup(name string) (*ModelClass, error) {
	registry.RLock()
	defer registry.RUnlock()
	class, ok := registry.classes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModelNotRegistered, name)
	}
	return class, nil
}

// RegisteredNames 返回已注册的模型类名称
func RegisteredNames() []string {
	registry.RLock()
	defer registry.RUnlock()
	names := make([]string, 0, len(registry.classes))
	for name := range registry.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
