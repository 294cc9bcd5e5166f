package nn

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// minimize 用给定优化器最小化 sum((w - 3)^2)
func minimize(t *testing.T, newOpt func([]*Parameter) (Optimizer, error), steps int) *Parameter {
	t.Helper()
	p := NewParameter("w", mat.NewDense(1, 2, []float64{0, 10}))
	opt, err := newOpt([]*Parameter{p})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < steps; i++ {
		opt.ZeroGrad()
		p.Grad.Apply(func(_, j int, _ float64) float64 { return 2 * (p.Value.At(0, j) - 3) }, p.Grad)
		opt.Step()
	}
	return p
}

func TestOptimizersConverge(t *testing.T) {
	tests := []struct {
		name   string
		newOpt func([]*Parameter) (Optimizer, error)
	}{
		{"sgd", func(ps []*Parameter) (Optimizer, error) { return NewSGD(ps, Kwargs{"lr": 0.1}) }},
		{"sgd momentum", func(ps []*Parameter) (Optimizer, error) {
			return NewSGD(ps, Kwargs{"lr": 0.05, "momentum": 0.9})
		}},
		{"adam", func(ps []*Parameter) (Optimizer, error) { return NewAdam(ps, Kwargs{"lr": 0.1}) }},
		{"adamw", func(ps []*Parameter) (Optimizer, error) {
			return NewAdamW(ps, Kwargs{"lr": 0.1, "weight_decay": 0})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := minimize(t, tt.newOpt, 500)
			for j := 0; j < 2; j++ {
				if got := p.Value.At(0, j); math.Abs(got-3) > 5e-2 {
					t.Errorf("w[%d] = %v, want 3", j, got)
				}
			}
		})
	}
}

func TestOptimizerKwargsValidation(t *testing.T) {
	p := []*Parameter{NewParameter("w", mat.NewDense(1, 1, nil))}
	if _, err := NewSGD(p, Kwargs{"lr": -1}); err == nil {
		t.Error("negative lr must be rejected")
	}
	if _, err := NewAdam(p, Kwargs{"betas": []interface{}{0.9}}); err == nil {
		t.Error("single beta must be rejected")
	}
	if _, err := NewAdam(p, Kwargs{"amsgrad": true}); err == nil {
		t.Error("unknown kwarg must be rejected")
	}
	if _, err := NewSGD(nil, Kwargs{}); err == nil {
		t.Error("empty parameter list must be rejected")
	}
	opt, err := NewAdam(p, Kwargs{"lr": 0.01, "betas": []interface{}{0.8, 0.99}})
	if err != nil {
		t.Fatal(err)
	}
	if opt.Beta1 != 0.8 || opt.Beta2 != 0.99 || opt.LR() != 0.01 {
		t.Errorf("unexpected adam config: %+v", opt)
	}
}

func TestOptimizerStateRoundTrip(t *testing.T) {
	newParams := func() []*Parameter {
		return []*Parameter{NewParameter("0.weight", mat.NewDense(2, 2, []float64{1, 2, 3, 4}))}
	}
	params := newParams()
	opt, _ := NewAdam(params, Kwargs{"lr": 0.01})
	params[0].Grad.Apply(func(_, _ int, _ float64) float64 { return 1 }, params[0].Grad)
	opt.Step()
	opt.Step()

	raw, err := json.Marshal(opt.State())
	if err != nil {
		t.Fatal(err)
	}
	var state OptimizerState
	if err := json.Unmarshal(raw, &state); err != nil {
		t.Fatal(err)
	}

	restored, _ := NewAdam(newParams(), Kwargs{})
	if err := restored.LoadState(state); err != nil {
		t.Fatal(err)
	}
	if restored.steps != 2 || restored.LR() != 0.01 {
		t.Errorf("steps=%d lr=%v", restored.steps, restored.LR())
	}
	for key, buf := range opt.buffers {
		if !mat.Equal(buf, restored.buffers[key]) {
			t.Errorf("buffer %s differs after restore", key)
		}
	}

	sgd, _ := NewSGD(newParams(), Kwargs{})
	if err := sgd.LoadState(state); err == nil {
		t.Error("loading adam state into sgd must fail")
	}

	other, _ := NewAdam([]*Parameter{NewParameter("0.weight", mat.NewDense(3, 1, nil))}, Kwargs{})
	if err := other.LoadState(state); !errors.Is(err, ErrStateDictMismatch) {
		t.Errorf("expected shape mismatch, got %v", err)
	}
}

func TestStateDictLoad(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	src := NewSequential(NewLinear(2, 3, rng), NewReLU(), NewLinear(3, 1, rng))
	dst := NewSequential(NewLinear(2, 3, rng), NewReLU(), NewLinear(3, 1, rng))

	raw, err := json.Marshal(StateDictOf(src))
	if err != nil {
		t.Fatal(err)
	}
	var sd StateDict
	if err := json.Unmarshal(raw, &sd); err != nil {
		t.Fatal(err)
	}
	if err := LoadStateDict(dst, sd, true); err != nil {
		t.Fatal(err)
	}
	x := randomDense(rng, 4, 2)
	if !mat.Equal(src.Forward(x), dst.Forward(x)) {
		t.Fatal("loaded module must reproduce the source outputs")
	}

	delete(sd, "2.bias")
	sd["extra"] = Tensor{Shape: []int{1, 1}, Data: []float64{0}}
	if err := LoadStateDict(dst, sd, true); !errors.Is(err, ErrStateDictMismatch) {
		t.Errorf("strict load: expected mismatch, got %v", err)
	}
	if err := LoadStateDict(dst, sd, false); err != nil {
		t.Errorf("non-strict load: %v", err)
	}

	sd["0.weight"] = Tensor{Shape: []int{3, 2}, Data: make([]float64, 6)}
	if err := LoadStateDict(dst, sd, false); !errors.Is(err, ErrStateDictMismatch) {
		t.Errorf("shape mismatch must fail even when not strict, got %v", err)
	}
}

func TestTensorUnmarshalRejectsBadData(t *testing.T) {
	var tensor Tensor
	if err := json.Unmarshal([]byte(`{"shape":[2,2],"data":"AAAAAAAAAAA="}`), &tensor); err == nil {
		t.Error("data shorter than shape must be rejected")
	}
	if err := json.Unmarshal([]byte(`{"shape":[1],"data":"not base64"}`), &tensor); err == nil {
		t.Error("invalid base64 must be rejected")
	}
}
