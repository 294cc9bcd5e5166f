package nn

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kwargs 构造参数，键为参数名
type Kwargs map[string]interface{}

// Has 判断参数是否存在且非空
func (k Kwargs) Has(key string) bool {
	v, ok := k[key]
	return ok && v != nil
}

// Float 读取浮点参数
func (k Kwargs) Float(key string, def float64) (float64, error) {
	v, ok := k[key]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return def, fmt.Errorf("kwarg %q: expected number, got %T", key, v)
	}
	return f, nil
}

// Int 读取整数参数，拒绝带小数部分的数值
func (k Kwargs) Int(key string, def int) (int, error) {
	v, ok := k[key]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return def, fmt.Errorf("kwarg %q: expected integer, got %T", key, v)
	}
	// -MinInt 是 2 的幂，能精确表示为 float64；MaxInt 不能
	if f < float64(math.MinInt) || f >= -float64(math.MinInt) {
		return def, fmt.Errorf("kwarg %q: %v is out of integer range", key, f)
	}
	if f != math.Trunc(f) {
		return def, fmt.Errorf("kwarg %q: expected integer, got %v", key, f)
	}
	return int(f), nil
}

// Bool 读取布尔参数
func (k Kwargs) Bool(key string, def bool) (bool, error) {
	v, ok := k[key]
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return def, fmt.Errorf("kwarg %q: %w", key, err)
		}
		return parsed, nil
	}
	return def, fmt.Errorf("kwarg %q: expected bool, got %T", key, v)
}

// String 读取字符串参数
func (k Kwargs) String(key string, def string) (string, error) {
	v, ok := k[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return def, fmt.Errorf("kwarg %q: expected string, got %T", key, v)
	}
	return s, nil
}

// Floats 读取浮点数组参数，例如 betas
func (k Kwargs) Floats(key string, def []float64) ([]float64, error) {
	v, ok := k[key]
	if !ok || v == nil {
		return def, nil
	}
	switch vals := v.(type) {
	case []float64:
		return append([]float64(nil), vals...), nil
	case []interface{}:
		out := make([]float64, len(vals))
		for i, item := range vals {
			f, ok := toFloat(item)
			if !ok {
				return def, fmt.Errorf("kwarg %q[%d]: expected number, got %T", key, i, item)
			}
			out[i] = f
		}
		return out, nil
	}
	return def, fmt.Errorf("kwarg %q: expected list of numbers, got %T", key, v)
}

// Keys 返回排序后的参数名
func (k Kwargs) Keys() []string {
	keys := make([]string, 0, len(k))
	for key := range k {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// CheckKnown 拒绝未知参数
func (k Kwargs) CheckKnown(known ...string) error {
	allowed := make(map[string]bool, len(known))
	for _, name := range known {
		allowed[name] = true
	}
	for _, key := range k.Keys() {
		if !allowed[key] {
			return fmt.Errorf("unexpected kwarg %q", key)
		}
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
