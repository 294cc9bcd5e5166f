package ml

import (
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"modelkit/ml/nn"
)

// mlpFactory kwargs: in, hidden, out, seed
func mlpFactory(kw nn.Kwargs) (nn.Module, error) {
	in, err := kw.Int("in", 2)
	if err != nil {
		return nil, err
	}
	hidden, err := kw.Int("hidden", 8)
	if err != nil {
		return nil, err
	}
	out, err := kw.Int("out", 2)
	if err != nil {
		return nil, err
	}
	seed, err := kw.Int("seed", 1)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(int64(seed)))
	return nn.NewSequential(nn.NewLinear(in, hidden, rng), nn.NewTanh(), nn.NewLinear(hidden, out, rng)), nil
}

// registerTestClass 注册一个只有 mlp 构造器的模型类，测试结束时注销
func registerTestClass(t *testing.T, name string) *ModelClass {
	t.Helper()
	class := &ModelClass{
		Name:     name,
		NNModule: map[string]NNModuleFactory{"mlp": mlpFactory},
	}
	if err := Register(class); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	t.Cleanup(func() { Unregister(name) })
	return class
}

func testParams() Params {
	return Params{
		KeyNNModule: map[string]interface{}{"in": 2, "hidden": 8, "out": 2},
		KeyOptimizer: Component("Adam", map[string]interface{}{
			"lr": 0.05,
		}),
		KeyLoss:   "CrossEntropyLoss",
		KeyDevice: "cpu",
	}
}

// xorData 四个点的异或分类数据
func xorData() (*mat.Dense, *mat.Dense) {
	inputs := mat.NewDense(4, 2, []float64{0, 0, 0, 1, 1, 0, 1, 1})
	targets := mat.NewDense(4, 1, []float64{0, 1, 1, 0})
	return inputs, targets
}
