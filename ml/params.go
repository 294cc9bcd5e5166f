package ml

import (
	"fmt"
	"sort"

	"modelkit/ml/nn"
)

// 参数字典中有特殊含义的键
const (
	KeyNNModule            = "nn_module"
	KeyOptimizer           = "optimizer"
	KeyLoss                = "loss"
	KeyPredictionTransform = "prediction_transform"
	KeyDevice              = "device"
)

// KwargPretrained nn_module 构造器约定的预训练开关；从检查点加载时强制为 false
const KwargPretrained = "pretrained"

// Params 模型参数字典
//
// 组件键（nn_module、optimizer、loss、prediction_transform）的取值可以是：
// 名称字符串、[名称, kwargs] 二元列表，或者在该组件只有一个构造器时直接给 kwargs。
// 其它键原样保存。
type Params map[string]interface{}

// Component 构造 [名称, kwargs] 形式的组件参数
func Component(name string, kwargs map[string]interface{}) []interface{} {
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	return []interface{}{name, kwargs}
}

// Clone 深拷贝
func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = deepCopy(v)
	}
	return out
}

// Sub 返回嵌套的字典参数，不存在或不是字典时返回 nil
func (p Params) Sub(key string) Params {
	m, ok := asMap(p[key])
	if !ok {
		return nil
	}
	return Params(m)
}

// Kwargs 以 nn.Kwargs 视图访问，便于使用带类型的读取方法
func (p Params) Kwargs() nn.Kwargs { return nn.Kwargs(p) }

// Keys 返回排序后的键
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func deepCopy(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case Params:
		return map[string]interface{}(val.Clone())
	case nn.Kwargs:
		return deepCopy(map[string]interface{}(val))
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case []float64:
		return append([]float64(nil), val...)
	case []int:
		return append([]int(nil), val...)
	}
	return v
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Params:
		return m, true
	case nn.Kwargs:
		return m, true
	}
	return nil, false
}

// componentSpec 解析后的组件参数
type componentSpec struct {
	name   string
	kwargs nn.Kwargs
}

// parseComponent 解析组件参数；ok 为 false 表示未设置
func parseComponent(key string, value interface{}, available []string) (spec componentSpec, ok bool, err error) {
	switch v := value.(type) {
	case nil:
		return componentSpec{}, false, nil
	case string:
		return componentSpec{name: v, kwargs: nn.Kwargs{}}, true, nil
	case []interface{}:
		if len(v) < 1 || len(v) > 2 {
			return componentSpec{}, false, fmt.Errorf("%w: %s expects [name, kwargs], got %d elements", ErrInvalidParams, key, len(v))
		}
		name, isString := v[0].(string)
		if !isString {
			return componentSpec{}, false, fmt.Errorf("%w: %s name must be a string, got %T", ErrInvalidParams, key, v[0])
		}
		spec = componentSpec{name: name, kwargs: nn.Kwargs{}}
		if len(v) == 2 && v[1] != nil {
			kwargs, isMap := asMap(v[1])
			if !isMap {
				return componentSpec{}, false, fmt.Errorf("%w: %s kwargs must be a map, got %T", ErrInvalidParams, key, v[1])
			}
			spec.kwargs = nn.Kwargs(deepCopy(kwargs).(map[string]interface{}))
		}
		return spec, true, nil
	case []string:
		if len(v) != 1 {
			return componentSpec{}, false, fmt.Errorf("%w: %s expects [name, kwargs]", ErrInvalidParams, key)
		}
		return componentSpec{name: v[0], kwargs: nn.Kwargs{}}, true, nil
	}
	if kwargs, isMap := asMap(value); isMap {
		if len(available) != 1 {
			return componentSpec{}, false, fmt.Errorf("%w: %s has %d constructors %v, kwargs alone are ambiguous",
				ErrInvalidParams, key, len(available), available)
		}
		return componentSpec{name: available[0], kwargs: nn.Kwargs(deepCopy(kwargs).(map[string]interface{}))}, true, nil
	}
	return componentSpec{}, false, fmt.Errorf("%w: unsupported %s value of type %T", ErrInvalidParams, key, value)
}
