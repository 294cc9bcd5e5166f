package ml

import (
	"fmt"
	"regexp"
	"strings"
)

var deviceRe = regexp.MustCompile(`^(cpu|cuda)(:[0-9]+)?$`)

// Device 模型所在设备。多个设备时必须全部是 cuda，用于数据并行的描述
//
// 计算总是在 CPU 上进行，设备仅被校验并随参数保存。
type Device struct {
	names []string
}

// CPU 默认设备
var CPU = Device{names: []string{"cpu"}}

// ParseDevice 解析 device 参数：nil、字符串或字符串列表
func ParseDevice(v interface{}) (Device, error) {
	var names []string
	switch val := v.(type) {
	case nil:
		return CPU, nil
	case Device:
		return val, nil
	case string:
		names = []string{val}
	case []string:
		names = val
	case []interface{}:
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return Device{}, fmt.Errorf("%w: list item %v is %T, not a string", ErrInvalidDevice, item, item)
			}
			names = append(names, s)
		}
	default:
		return Device{}, fmt.Errorf("%w: unsupported value of type %T", ErrInvalidDevice, v)
	}
	if len(names) == 0 {
		return Device{}, fmt.Errorf("%w: empty device list", ErrInvalidDevice)
	}
	for _, name := range names {
		if !deviceRe.MatchString(name) {
			return Device{}, fmt.Errorf("%w: %q", ErrInvalidDevice, name)
		}
		if len(names) > 1 && !strings.HasPrefix(name, "cuda") {
			return Device{}, fmt.Errorf("%w: multi-device lists must be cuda devices, got %q", ErrInvalidDevice, name)
		}
	}
	return Device{names: append([]string(nil), names...)}, nil
}

// Names 返回设备名列表
func (d Device) Names() []string { return append([]string(nil), d.names...) }

// IsCUDA 是否为 cuda 设备
func (d Device) IsCUDA() bool {
	return len(d.names) > 0 && strings.HasPrefix(d.names[0], "cuda")
}

// Multi 是否为多设备
func (d Device) Multi() bool { return len(d.names) > 1 }

func (d Device) String() string {
	if len(d.names) == 0 {
		return "cpu"
	}
	return strings.Join(d.names, ",")
}

// Value 转换回参数字典中的取值
func (d Device) Value() interface{} {
	if len(d.names) == 1 {
		return d.names[0]
	}
	out := make([]interface{}, len(d.names))
	for i, name := range d.names {
		out[i] = name
	}
	return out
}
