package nn

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
)

// ErrStateDictMismatch 状态字典与模块参数不匹配
var ErrStateDictMismatch = errors.New("state dict mismatch")

// Tensor 序列化用的张量：形状加行优先数据
type Tensor struct {
	Shape []int
	Data  []float64
}

// TensorOf 从矩阵复制出张量
func TensorOf(m *mat.Dense) Tensor {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		data = append(data, m.RawRowView(i)...)
	}
	return Tensor{Shape: []int{r, c}, Data: data}
}

// Dense 转换为矩阵（复制数据）
func (t Tensor) Dense() (*mat.Dense, error) {
	if len(t.Shape) != 2 || t.Shape[0] <= 0 || t.Shape[1] <= 0 {
		return nil, fmt.Errorf("tensor shape %v is not a 2-d matrix", t.Shape)
	}
	if len(t.Data) != t.Shape[0]*t.Shape[1] {
		return nil, fmt.Errorf("tensor shape %v does not match %d values", t.Shape, len(t.Data))
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], append([]float64(nil), t.Data...)), nil
}

// SameShape 判断形状是否一致
func (t Tensor) SameShape(other Tensor) bool {
	if len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

type tensorJSON struct {
	Shape []int  `json:"shape"`
	Data  string `json:"data"`
}

// MarshalJSON 数据编码为 base64 的小端 float64
func (t Tensor) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 8*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return json.Marshal(tensorJSON{Shape: t.Shape, Data: base64.StdEncoding.EncodeToString(buf)})
}

func (t *Tensor) UnmarshalJSON(b []byte) error {
	var raw tensorJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	buf, err := base64.StdEncoding.DecodeString(raw.Data)
	if err != nil {
		return fmt.Errorf("decode tensor data: %w", err)
	}
	if len(buf)%8 != 0 {
		return fmt.Errorf("tensor data length %d is not a multiple of 8", len(buf))
	}
	n := 1
	for _, d := range raw.Shape {
		n *= d
	}
	if len(buf)/8 != n {
		return fmt.Errorf("tensor shape %v does not match %d values", raw.Shape, len(buf)/8)
	}
	t.Shape = raw.Shape
	t.Data = make([]float64, n)
	for i := range t.Data {
		t.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return nil
}

// StateDict 参数名到张量的映射
type StateDict map[string]Tensor

// Keys 返回排序后的键
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone 深拷贝
func (sd StateDict) Clone() StateDict {
	out := make(StateDict, len(sd))
	for k, t := range sd {
		out[k] = Tensor{
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float64(nil), t.Data...),
		}
	}
	return out
}

// StateDictOf 导出模块参数
func StateDictOf(m Module) StateDict {
	params := m.Parameters()
	sd := make(StateDict, len(params))
	for _, p := range params {
		sd[p.Name] = TensorOf(p.Value)
	}
	return sd
}

// LoadStateDict 把状态字典写入模块参数
//
// 形状不一致总是报错；strict 为 true 时缺失或多余的键也报错。
func LoadStateDict(m Module, sd StateDict, strict bool) error {
	var errs error
	seen := make(map[string]bool, len(sd))
	for _, p := range m.Parameters() {
		t, ok := sd[p.Name]
		if !ok {
			if strict {
				errs = multierr.Append(errs, fmt.Errorf("%w: missing key %q", ErrStateDictMismatch, p.Name))
			}
			continue
		}
		seen[p.Name] = true
		r, c := p.Value.Dims()
		if !t.SameShape(Tensor{Shape: []int{r, c}}) {
			errs = multierr.Append(errs, fmt.Errorf("%w: %q has shape %v, expected [%d %d]",
				ErrStateDictMismatch, p.Name, t.Shape, r, c))
			continue
		}
		value, err := t.Dense()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%q: %w", p.Name, err))
			continue
		}
		p.Value.Copy(value)
	}
	if strict {
		for _, k := range sd.Keys() {
			if !seen[k] {
				errs = multierr.Append(errs, fmt.Errorf("%w: unexpected key %q", ErrStateDictMismatch, k))
			}
		}
	}
	return errs
}
