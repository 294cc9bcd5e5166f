package nn

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Optimizer 优化器接口
type Optimizer interface {
	Step()
	ZeroGrad()
	LR() float64
	SetLR(lr float64)
	State() OptimizerState
	LoadState(state OptimizerState) error
}

// OptimizerState 可序列化的优化器状态，Buffers 的键为 "<buffer>/<param>"
type OptimizerState struct {
	Type    string    `json:"type"`
	Steps   int       `json:"steps"`
	LR      float64   `json:"lr"`
	Buffers StateDict `json:"buffers,omitempty"`
}

// baseOptimizer 保存参数和按名称索引的缓冲区
type baseOptimizer struct {
	kind    string
	params  []*Parameter
	lr      float64
	steps   int
	buffers map[string]*mat.Dense
}

func newBaseOptimizer(kind string, params []*Parameter, lr float64) (baseOptimizer, error) {
	if len(params) == 0 {
		return baseOptimizer{}, fmt.Errorf("%s: optimizer got an empty parameter list", kind)
	}
	if lr < 0 {
		return baseOptimizer{}, fmt.Errorf("%s: invalid learning rate %v", kind, lr)
	}
	return baseOptimizer{kind: kind, params: params, lr: lr, buffers: make(map[string]*mat.Dense)}, nil
}

func (o *baseOptimizer) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

func (o *baseOptimizer) LR() float64 { return o.lr }

func (o *baseOptimizer) SetLR(lr float64) { o.lr = lr }

func (o *baseOptimizer) buffer(name string, p *Parameter) *mat.Dense {
	key := name + "/" + p.Name
	buf, ok := o.buffers[key]
	if !ok {
		r, c := p.Value.Dims()
		buf = mat.NewDense(r, c, nil)
		o.buffers[key] = buf
	}
	return buf
}

func (o *baseOptimizer) State() OptimizerState {
	state := OptimizerState{Type: o.kind, Steps: o.steps, LR: o.lr, Buffers: make(StateDict, len(o.buffers))}
	for key, buf := range o.buffers {
		state.Buffers[key] = TensorOf(buf)
	}
	return state
}

func (o *baseOptimizer) LoadState(state OptimizerState) error {
	if state.Type != o.kind {
		return fmt.Errorf("optimizer state is for %s, not %s", state.Type, o.kind)
	}
	shapes := make(map[string][2]int, len(o.params))
	for _, p := range o.params {
		r, c := p.Value.Dims()
		shapes[p.Name] = [2]int{r, c}
	}
	buffers := make(map[string]*mat.Dense, len(state.Buffers))
	for key, t := range state.Buffers {
		bufName, paramName, found := strings.Cut(key, "/")
		shape, ok := shapes[paramName]
		if !found || bufName == "" || !ok {
			return fmt.Errorf("%w: optimizer buffer %q has no parameter", ErrStateDictMismatch, key)
		}
		if !t.SameShape(Tensor{Shape: shape[:]}) {
			return fmt.Errorf("%w: optimizer buffer %q has shape %v", ErrStateDictMismatch, key, t.Shape)
		}
		dense, err := t.Dense()
		if err != nil {
			return fmt.Errorf("optimizer buffer %q: %w", key, err)
		}
		buffers[key] = dense
	}
	o.buffers = buffers
	o.steps = state.Steps
	o.lr = state.LR
	return nil
}

// SGD 随机梯度下降，支持动量和 L2 权重衰减
type SGD struct {
	baseOptimizer
	Momentum    float64
	WeightDecay float64
}

// NewSGD 创建 SGD，kwargs: lr, momentum, weight_decay
func NewSGD(params []*Parameter, kw Kwargs) (*SGD, error) {
	if err := kw.CheckKnown("lr", "momentum", "weight_decay"); err != nil {
		return nil, fmt.Errorf("SGD: %w", err)
	}
	lr, err := kw.Float("lr", 1e-3)
	if err != nil {
		return nil, err
	}
	momentum, err := kw.Float("momentum", 0)
	if err != nil {
		return nil, err
	}
	wd, err := kw.Float("weight_decay", 0)
	if err != nil {
		return nil, err
	}
	if momentum < 0 || wd < 0 {
		return nil, fmt.Errorf("SGD: momentum and weight_decay must be non-negative")
	}
	base, err := newBaseOptimizer("SGD", params, lr)
	if err != nil {
		return nil, err
	}
	return &SGD{baseOptimizer: base, Momentum: momentum, WeightDecay: wd}, nil
}

func (o *SGD) Step() {
	o.steps++
	for _, p := range o.params {
		g := decayedGrad(p, o.WeightDecay)
		if o.Momentum > 0 {
			v := o.buffer("momentum", p)
			v.Scale(o.Momentum, v)
			v.Add(v, g)
			g = v
		}
		var update mat.Dense
		update.Scale(o.lr, g)
		p.Value.Sub(p.Value, &update)
	}
}

// Adam 优化器；decoupled 为 true 时即 AdamW
type Adam struct {
	baseOptimizer
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	decoupled bool
}

// NewAdam 创建 Adam，kwargs: lr, betas, eps, weight_decay
func NewAdam(params []*Parameter, kw Kwargs) (*Adam, error) {
	return newAdam("Adam", params, kw, 0, false)
}

// NewAdamW 创建 AdamW，权重衰减与梯度解耦
func NewAdamW(params []*Parameter, kw Kwargs) (*Adam, error) {
	return newAdam("AdamW", params, kw, 0.01, true)
}

func newAdam(kind string, params []*Parameter, kw Kwargs, defaultWD float64, decoupled bool) (*Adam, error) {
	if err := kw.CheckKnown("lr", "betas", "eps", "weight_decay"); err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	lr, err := kw.Float("lr", 1e-3)
	if err != nil {
		return nil, err
	}
	betas, err := kw.Floats("betas", []float64{0.9, 0.999})
	if err != nil {
		return nil, err
	}
	if len(betas) != 2 || betas[0] < 0 || betas[0] >= 1 || betas[1] < 0 || betas[1] >= 1 {
		return nil, fmt.Errorf("%s: invalid betas %v", kind, betas)
	}
	eps, err := kw.Float("eps", 1e-8)
	if err != nil {
		return nil, err
	}
	wd, err := kw.Float("weight_decay", defaultWD)
	if err != nil {
		return nil, err
	}
	if eps < 0 || wd < 0 {
		return nil, fmt.Errorf("%s: eps and weight_decay must be non-negative", kind)
	}
	base, err := newBaseOptimizer(kind, params, lr)
	if err != nil {
		return nil, err
	}
	return &Adam{
		baseOptimizer: base,
		Beta1:         betas[0],
		Beta2:         betas[1],
		Eps:           eps,
		WeightDecay:   wd,
		decoupled:     decoupled,
	}, nil
}

func (o *Adam) Step() {
	o.steps++
	c1 := 1 - math.Pow(o.Beta1, float64(o.steps))
	c2 := 1 - math.Pow(o.Beta2, float64(o.steps))
	for _, p := range o.params {
		g := p.Grad
		if o.decoupled {
			if o.WeightDecay > 0 {
				p.Value.Scale(1-o.lr*o.WeightDecay, p.Value)
			}
		} else {
			g = decayedGrad(p, o.WeightDecay)
		}
		m := o.buffer("exp_avg", p)
		v := o.buffer("exp_avg_sq", p)
		m.Apply(func(i, j int, mv float64) float64 {
			return o.Beta1*mv + (1-o.Beta1)*g.At(i, j)
		}, m)
		v.Apply(func(i, j int, vv float64) float64 {
			gv := g.At(i, j)
			return o.Beta2*vv + (1-o.Beta2)*gv*gv
		}, v)
		p.Value.Apply(func(i, j int, w float64) float64 {
			mhat := m.At(i, j) / c1
			vhat := v.At(i, j) / c2
			return w - o.lr*mhat/(math.Sqrt(vhat)+o.Eps)
		}, p.Value)
	}
}

func decayedGrad(p *Parameter, wd float64) *mat.Dense {
	if wd == 0 {
		return p.Grad
	}
	var g mat.Dense
	g.Scale(wd, p.Value)
	g.Add(&g, p.Grad)
	return &g
}
