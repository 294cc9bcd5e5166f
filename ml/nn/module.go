// Package nn 提供基于 gonum 的稠密神经网络组件：层、优化器、损失函数和预测变换
//
// 所有张量都是 batch x features 的二维矩阵，计算在 CPU 上完成。
package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Parameter 可训练参数
type Parameter struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParameter 创建参数，梯度初始化为零
func NewParameter(name string, value *mat.Dense) *Parameter {
	r, c := value.Dims()
	return &Parameter{
		Name:  name,
		Value: value,
		Grad:  mat.NewDense(r, c, nil),
	}
}

// ZeroGrad 清空梯度
func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

// Size 返回参数元素个数
func (p *Parameter) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

// Module 网络模块接口
//
// 输入输出均为 batch x features 的矩阵。Backward 必须在 Forward 之后调用，
// 它把梯度累加到参数的 Grad 上并返回对输入的梯度。
type Module interface {
	Forward(x *mat.Dense) *mat.Dense
	Backward(grad *mat.Dense) *mat.Dense
	Parameters() []*Parameter
	SetTraining(training bool)
}

// CountParameters 统计模块参数总数
func CountParameters(m Module) int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.Size()
	}
	return total
}

// Linear 全连接层，权重形状为 in x out
type Linear struct {
	Weight *Parameter
	Bias   *Parameter

	input *mat.Dense
}

// NewLinear 创建全连接层，权重按 U(-1/sqrt(in), 1/sqrt(in)) 初始化
func NewLinear(in, out int, rng *rand.Rand) *Linear {
	bound := 1 / math.Sqrt(float64(in))
	w := make([]float64, in*out)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * bound
	}
	b := make([]float64, out)
	for i := range b {
		b[i] = (rng.Float64()*2 - 1) * bound
	}
	return &Linear{
		Weight: NewParameter("weight", mat.NewDense(in, out, w)),
		Bias:   NewParameter("bias", mat.NewDense(1, out, b)),
	}
}

func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	l.input = x
	r, _ := x.Dims()
	_, out := l.Weight.Value.Dims()
	y := mat.NewDense(r, out, nil)
	y.Mul(x, l.Weight.Value)
	bias := l.Bias.Value.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(y.RawRowView(i), bias)
	}
	return y
}

func (l *Linear) Backward(grad *mat.Dense) *mat.Dense {
	var dw mat.Dense
	dw.Mul(l.input.T(), grad)
	l.Weight.Grad.Add(l.Weight.Grad, &dw)

	db := l.Bias.Grad.RawRowView(0)
	r, _ := grad.Dims()
	for i := 0; i < r; i++ {
		floats.Add(db, grad.RawRowView(i))
	}

	var dx mat.Dense
	dx.Mul(grad, l.Weight.Value.T())
	return &dx
}

func (l *Linear) Parameters() []*Parameter { return []*Parameter{l.Weight, l.Bias} }

func (l *Linear) SetTraining(bool) {}

// activation 逐元素激活函数，derivative 由输入和输出计算导数
type activation struct {
	fn         func(x float64) float64
	derivative func(x, y float64) float64

	input  *mat.Dense
	output *mat.Dense
}

func (a *activation) Forward(x *mat.Dense) *mat.Dense {
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 { return a.fn(v) }, x)
	a.input, a.output = x, &y
	return &y
}

func (a *activation) Backward(grad *mat.Dense) *mat.Dense {
	var dx mat.Dense
	dx.Apply(func(i, j int, g float64) float64 {
		return g * a.derivative(a.input.At(i, j), a.output.At(i, j))
	}, grad)
	return &dx
}

func (a *activation) Parameters() []*Parameter { return nil }

func (a *activation) SetTraining(bool) {}

// NewReLU 创建 ReLU 激活
func NewReLU() Module {
	return &activation{
		fn: func(x float64) float64 { return math.Max(x, 0) },
		derivative: func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		},
	}
}

// NewTanh 创建 Tanh 激活
func NewTanh() Module {
	return &activation{
		fn:         math.Tanh,
		derivative: func(_, y float64) float64 { return 1 - y*y },
	}
}

// NewSigmoid 创建 Sigmoid 激活
func NewSigmoid() Module {
	return &activation{
		fn:         sigmoid,
		derivative: func(_, y float64) float64 { return y * (1 - y) },
	}
}

const geluC = 0.7978845608028654 // sqrt(2/pi)

// NewGELU 创建 GELU 激活（tanh 近似）
func NewGELU() Module {
	return &activation{
		fn: func(x float64) float64 {
			return 0.5 * x * (1 + math.Tanh(geluC*(x+0.044715*x*x*x)))
		},
		derivative: func(x, _ float64) float64 {
			t := math.Tanh(geluC * (x + 0.044715*x*x*x))
			return 0.5*(1+t) + 0.5*x*(1-t*t)*geluC*(1+3*0.044715*x*x)
		},
	}
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Dropout 训练时按概率 p 置零并按 1/(1-p) 缩放
type Dropout struct {
	P float64

	rng      *rand.Rand
	training bool
	mask     *mat.Dense
}

// NewDropout 创建 Dropout 层
func NewDropout(p float64, rng *rand.Rand) *Dropout {
	return &Dropout{P: p, rng: rng, training: true}
}

func (d *Dropout) Forward(x *mat.Dense) *mat.Dense {
	d.mask = nil
	if !d.training || d.P <= 0 {
		return x
	}
	r, c := x.Dims()
	scale := 1 / (1 - d.P)
	d.mask = mat.NewDense(r, c, nil)
	d.mask.Apply(func(_, _ int, _ float64) float64 {
		if d.rng.Float64() < d.P {
			return 0
		}
		return scale
	}, d.mask)
	var y mat.Dense
	y.MulElem(x, d.mask)
	return &y
}

func (d *Dropout) Backward(grad *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return grad
	}
	var dx mat.Dense
	dx.MulElem(grad, d.mask)
	return &dx
}

func (d *Dropout) Parameters() []*Parameter { return nil }

func (d *Dropout) SetTraining(training bool) { d.training = training }

// Residual 残差块 out = x + droppath(body(x))，body 必须保持维度
type Residual struct {
	Body     Module
	DropPath float64

	rng      *rand.Rand
	training bool
	keep     []float64
}

// NewResidual 创建残差块，dropPath 为整块随机丢弃概率
func NewResidual(body Module, dropPath float64, rng *rand.Rand) *Residual {
	return &Residual{Body: body, DropPath: dropPath, rng: rng, training: true}
}

func (r *Residual) Forward(x *mat.Dense) *mat.Dense {
	y := r.Body.Forward(x)
	r.keep = nil
	if r.training && r.DropPath > 0 {
		y = mat.DenseCopyOf(y)
		rows, _ := y.Dims()
		r.keep = make([]float64, rows)
		scale := 1 / (1 - r.DropPath)
		for i := range r.keep {
			if r.rng.Float64() >= r.DropPath {
				r.keep[i] = scale
			}
			floats.Scale(r.keep[i], y.RawRowView(i))
		}
	}
	var out mat.Dense
	out.Add(x, y)
	return &out
}

func (r *Residual) Backward(grad *mat.Dense) *mat.Dense {
	bodyGrad := grad
	if r.keep != nil {
		bodyGrad = mat.DenseCopyOf(grad)
		for i, k := range r.keep {
			floats.Scale(k, bodyGrad.RawRowView(i))
		}
	}
	var dx mat.Dense
	dx.Add(grad, r.Body.Backward(bodyGrad))
	return &dx
}

func (r *Residual) Parameters() []*Parameter { return r.Body.Parameters() }

func (r *Residual) SetTraining(training bool) {
	r.training = training
	r.Body.SetTraining(training)
}

// Sequential 顺序容器，参数名以层序号为前缀，例如 "0.weight"
type Sequential struct {
	Layers []Module
}

// NewSequential 创建顺序容器
func NewSequential(layers ...Module) *Sequential {
	for i, layer := range layers {
		for _, p := range layer.Parameters() {
			p.Name = fmt.Sprintf("%d.%s", i, p.Name)
		}
	}
	return &Sequential{Layers: layers}
}

func (s *Sequential) Forward(x *mat.Dense) *mat.Dense {
	for _, layer := range s.Layers {
		x = layer.Forward(x)
	}
	return x
}

func (s *Sequential) Backward(grad *mat.Dense) *mat.Dense {
	for i := len(s.Layers) - 1; i >= 0; i-- {
		grad = s.Layers[i].Backward(grad)
	}
	return grad
}

func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, layer := range s.Layers {
		params = append(params, layer.Parameters()...)
	}
	return params
}

func (s *Sequential) SetTraining(training bool) {
	for _, layer := range s.Layers {
		layer.SetTraining(training)
	}
}
