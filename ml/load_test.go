package ml_test

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"gonum.org/v1/gonum/mat"

	"modelkit/ml"
	"modelkit/ml/nn"
	"modelkit/ml/zoo"
)

// registerZooClasses 注册以 zoo.CreateModel 为网络的模型类
func registerZooClasses(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := ml.Register(zoo.ModelClass(name)); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		name := name
		t.Cleanup(func() { ml.Unregister(name) })
	}
}

// countingSource 记录被请求次数的预训练权重来源
type countingSource struct {
	weights map[string]nn.StateDict
	calls   int
}

func (s *countingSource) Pretrained(arch string) (nn.StateDict, error) {
	s.calls++
	sd, ok := s.weights[arch]
	if !ok {
		return nil, fmt.Errorf("no published %s", arch)
	}
	return sd.Clone(), nil
}

// usePretrained 以 seed 99 的网络作为 arch 的预训练权重，返回恢复函数
func usePretrained(t *testing.T, arch string, inChans, numClasses int) (*countingSource, func()) {
	t.Helper()
	donor, err := zoo.CreateModel(nn.Kwargs{"model_name": arch, "in_chans": inChans, "num_classes": numClasses, "seed": 99})
	if err != nil {
		t.Fatal(err)
	}
	src := &countingSource{weights: map[string]nn.StateDict{arch: nn.StateDictOf(donor)}}
	return src, zoo.SetPretrainedSource(src)
}

func zooParams() ml.Params {
	return ml.Params{
		ml.KeyNNModule: map[string]interface{}{
			"model_name":     "mlp_small",
			"pretrained":     true,
			"num_classes":    10,
			"in_chans":       1,
			"drop_rate":      0.2,
			"drop_path_rate": 0.2,
		},
		ml.KeyOptimizer: ml.Component("Adam", map[string]interface{}{"lr": 0.01}),
		ml.KeyLoss:      "CrossEntropyLoss",
		ml.KeyDevice:    "cuda",
	}
}

func sameWeights(t *testing.T, a, b *ml.Model) {
	t.Helper()
	sa, sb := nn.StateDictOf(a.NNModule()), nn.StateDictOf(b.NNModule())
	if !reflect.DeepEqual(sa, sb) {
		t.Fatal("state dicts differ")
	}
}

func TestSaveLoadScenario(t *testing.T) {
	registerZooClasses(t, "TimmModel", "OtherTimmModel")
	path := filepath.Join(t.TempDir(), "model.mk")

	_, restore := usePretrained(t, "mlp_small", 1, 10)
	model, err := ml.New("TimmModel", zooParams())
	restore()
	if err != nil {
		t.Fatal(err)
	}
	if err := model.Save(path); err != nil {
		t.Fatal(err)
	}
	// 以下加载都没有预训练来源，网络权重只来自检查点

	t.Run("plain", func(t *testing.T) {
		loaded, err := ml.LoadModel(path)
		if err != nil {
			t.Fatal(err)
		}
		if loaded.Name() != "TimmModel" {
			t.Errorf("name = %s", loaded.Name())
		}
		stored, err := ml.ReadCheckpoint(path)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(loaded.Params(), stored.Params) {
			t.Errorf("params differ:\n%v\n%v", loaded.Params(), stored.Params)
		}
		if stored.Params.Sub(ml.KeyNNModule)["model_name"] != "mlp_small" {
			t.Errorf("stored nn_module params = %v", stored.Params.Sub(ml.KeyNNModule))
		}
		if !loaded.TrainReady() || loaded.Training() {
			t.Error("loaded model must be train ready and in eval mode")
		}
		if loaded.Device().String() != "cuda" {
			t.Errorf("device = %s", loaded.Device())
		}
		sameWeights(t, model, loaded)
	})

	t.Run("nn_module override", func(t *testing.T) {
		override := map[string]interface{}{
			"model_name":     "mlp_small",
			"pretrained":     true,
			"num_classes":    10,
			"in_chans":       1,
			"drop_rate":      0.0,
			"drop_path_rate": 0.0,
		}
		loaded, err := ml.LoadModel(path, ml.WithNNModule(override), ml.WithDevice("cpu"))
		if err != nil {
			t.Fatal(err)
		}
		got := loaded.Params().Sub(ml.KeyNNModule)
		if got.Kwargs()["drop_rate"] != 0.0 {
			t.Errorf("nn_module params not overridden: %v", got)
		}
		if loaded.Device().String() != "cpu" {
			t.Errorf("device = %s", loaded.Device())
		}
		sameWeights(t, model, loaded)
	})

	t.Run("without optimizer and loss", func(t *testing.T) {
		changeParams := func(p ml.Params) ml.Params {
			p["nn_module"].(map[string]interface{})["pretrained"] = true
			return p
		}
		loaded, err := ml.LoadModel(path,
			ml.WithOptimizer(nil),
			ml.WithLoss(nil),
			ml.WithChangeParams(changeParams))
		if err != nil {
			t.Fatal(err)
		}
		params := loaded.Params()
		if _, ok := params[ml.KeyOptimizer]; ok {
			t.Error("optimizer key must be removed")
		}
		if _, ok := params[ml.KeyLoss]; ok {
			t.Error("loss key must be removed")
		}
		if loaded.Optimizer() != nil || loaded.Loss() != nil {
			t.Error("optimizer and loss must not be built")
		}
		if !loaded.PredictReady() || loaded.TrainReady() {
			t.Error("expected predict ready and not train ready")
		}
		if params.Sub(ml.KeyNNModule)["pretrained"] != true {
			t.Error("change params result not applied")
		}
		sameWeights(t, model, loaded)
	})

	t.Run("another model class", func(t *testing.T) {
		loaded, err := ml.LoadModel(path, ml.WithModelName("OtherTimmModel"))
		if err != nil {
			t.Fatal(err)
		}
		if loaded.Name() != "OtherTimmModel" {
			t.Errorf("name = %s", loaded.Name())
		}
		sameWeights(t, model, loaded)
	})

	t.Run("unregistered model class", func(t *testing.T) {
		_, err := ml.LoadModel(path, ml.WithModelName("MissingModel"))
		if !errors.Is(err, ml.ErrModelNotRegistered) {
			t.Errorf("expected ErrModelNotRegistered, got %v", err)
		}
	})
}

func TestLoadSkipsPretrainedFetch(t *testing.T) {
	registerZooClasses(t, "PretrainedModel")
	src, restore := usePretrained(t, "mlp_tiny", 2, 3)
	defer restore()

	params := ml.Params{
		ml.KeyNNModule: map[string]interface{}{"model_name": "mlp_tiny", "in_chans": 2, "num_classes": 3, "pretrained": true},
	}
	model, err := ml.New("PretrainedModel", params)
	if err != nil {
		t.Fatal(err)
	}
	if src.calls != 1 {
		t.Fatalf("building with pretrained=true fetched weights %d times", src.calls)
	}
	ckpt, err := model.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}

	// 来源里的权重换掉后，加载结果仍应等于检查点
	src.weights = nil
	loaded, err := ml.LoadCheckpoint(ckpt)
	if err != nil {
		t.Fatal(err)
	}
	if src.calls != 1 {
		t.Errorf("load fetched pretrained weights (%d calls)", src.calls)
	}
	if loaded.Params().Sub(ml.KeyNNModule)["pretrained"] != true {
		t.Error("stored pretrained flag must be kept")
	}
	sameWeights(t, model, loaded)

	// 直接构建仍然需要预训练权重
	if _, err := ml.New("PretrainedModel", params); !errors.Is(err, zoo.ErrNoPretrainedWeights) {
		t.Errorf("expected ErrNoPretrainedWeights, got %v", err)
	}
}

func TestLoadComponentAndParamOverrides(t *testing.T) {
	registerZooClasses(t, "TransformModel")
	params := ml.Params{
		ml.KeyNNModule:            map[string]interface{}{"model_name": "linear", "in_chans": 2, "num_classes": 3},
		ml.KeyPredictionTransform: "Softmax",
		"num_epochs":              10,
	}
	model, err := ml.New("TransformModel", params)
	if err != nil {
		t.Fatal(err)
	}
	ckpt, err := model.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}
	input := mat.NewDense(2, 2, []float64{1, -2, 0.5, 3})

	rowSum := func(m *mat.Dense, i int) float64 {
		return mat.Sum(m.RowView(i))
	}

	tests := []struct {
		name      string
		opts      []ml.LoadOption
		transform interface{} // 期望的 prediction_transform 参数，nil 表示已删除
		softmax   bool
	}{
		{"stored", nil, "Softmax", true},
		{"replace", []ml.LoadOption{ml.WithPredictionTransform("Identity")}, "Identity", false},
		{"delete", []ml.LoadOption{ml.WithPredictionTransform(nil)}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loaded, err := ml.LoadCheckpoint(ckpt, tt.opts...)
			if err != nil {
				t.Fatal(err)
			}
			got, ok := loaded.Params()[ml.KeyPredictionTransform]
			if tt.transform == nil && ok {
				t.Errorf("prediction_transform = %v, want removed", got)
			}
			if tt.transform != nil && got != tt.transform {
				t.Errorf("prediction_transform = %v, want %v", got, tt.transform)
			}
			out, err := loaded.Predict(input)
			if err != nil {
				t.Fatal(err)
			}
			logits := loaded.NNModule().Forward(input)
			for i := 0; i < 2; i++ {
				sum := rowSum(out, i)
				if tt.softmax && math.Abs(sum-1) > 1e-9 {
					t.Errorf("row %d sums to %v, want 1", i, sum)
				}
				if !tt.softmax && !mat.EqualApprox(out.RowView(i), logits.RowView(i), 1e-12) {
					t.Errorf("row %d: identity output differs from logits", i)
				}
			}
		})
	}

	loaded, err := ml.LoadCheckpoint(ckpt,
		ml.WithParam("num_epochs", 20),
		ml.WithParam("dataset", "mnist"))
	if err != nil {
		t.Fatal(err)
	}
	got := loaded.Params()
	if got["num_epochs"] != 20 || got["dataset"] != "mnist" {
		t.Errorf("params = %v", got)
	}
	if ckpt.Params["num_epochs"] == 20 {
		t.Error("WithParam modified the checkpoint")
	}
}

func TestLoadRestoresOptimizerState(t *testing.T) {
	registerZooClasses(t, "OptimStateModel")
	path := filepath.Join(t.TempDir(), "optim.mk")
	params := ml.Params{
		ml.KeyNNModule:  map[string]interface{}{"model_name": "mlp_tiny", "num_classes": 2, "in_chans": 2},
		ml.KeyOptimizer: ml.Component("Adam", map[string]interface{}{"lr": 0.01}),
		ml.KeyLoss:      "CrossEntropyLoss",
	}
	model, err := ml.New("OptimStateModel", params)
	if err != nil {
		t.Fatal(err)
	}
	batch := ml.Batch{
		Input:  mat.NewDense(2, 2, []float64{0, 1, 1, 0}),
		Target: mat.NewDense(2, 1, []float64{0, 1}),
	}
	for i := 0; i < 3; i++ {
		if _, err := model.TrainStep(batch); err != nil {
			t.Fatal(err)
		}
	}
	if err := model.SetLR(0.005); err != nil {
		t.Fatal(err)
	}
	if err := model.Save(path, ml.WithOptimizerState()); err != nil {
		t.Fatal(err)
	}

	loaded, err := ml.LoadModel(path)
	if err != nil {
		t.Fatal(err)
	}
	if lr, _ := loaded.GetLR(); lr != 0.005 {
		t.Errorf("restored lr = %v", lr)
	}
	want, got := model.Optimizer().State(), loaded.Optimizer().State()
	if got.Steps != want.Steps {
		t.Errorf("steps = %d, want %d", got.Steps, want.Steps)
	}
	if !reflect.DeepEqual(got.Buffers, want.Buffers) {
		t.Error("optimizer buffers differ")
	}

	// 换成 SGD 时 Adam 状态无法恢复，加载仍然成功
	loaded, err = ml.LoadModel(path, ml.WithOptimizer("SGD"))
	if err != nil {
		t.Fatalf("mismatched optimizer state must not fail the load: %v", err)
	}
	if !loaded.TrainReady() {
		t.Error("expected train ready")
	}
}

func TestLoadChangeStateDict(t *testing.T) {
	registerZooClasses(t, "StateDictModel")
	path := filepath.Join(t.TempDir(), "sd.mk")
	params := ml.Params{
		ml.KeyNNModule: map[string]interface{}{"model_name": "linear", "num_classes": 3, "in_chans": 2},
	}
	model, err := ml.New("StateDictModel", params)
	if err != nil {
		t.Fatal(err)
	}
	if err := model.Save(path); err != nil {
		t.Fatal(err)
	}

	// 换一个分类头：丢弃旧的头部权重，非严格加载
	loaded, err := ml.LoadModel(path,
		ml.WithChangeParams(func(p ml.Params) ml.Params {
			p.Sub(ml.KeyNNModule)["num_classes"] = 5
			return p
		}),
		ml.WithChangeStateDict(func(sd nn.StateDict) nn.StateDict {
			delete(sd, "1.weight")
			delete(sd, "1.bias")
			return sd
		}),
		ml.WithStrictStateDict(false))
	if err != nil {
		t.Fatal(err)
	}
	out, err := loaded.Predict(mat.NewDense(1, 2, []float64{1, 2}))
	if err != nil {
		t.Fatal(err)
	}
	if _, c := out.Dims(); c != 5 {
		t.Errorf("output columns = %d", c)
	}

	_, err = ml.LoadModel(path, ml.WithChangeParams(func(p ml.Params) ml.Params {
		p.Sub(ml.KeyNNModule)["num_classes"] = 5
		return p
	}))
	if !errors.Is(err, nn.ErrStateDictMismatch) {
		t.Errorf("strict load with new head: expected ErrStateDictMismatch, got %v", err)
	}

	// 检查点本身不应被修改
	ckpt, err := ml.ReadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ckpt.NNStateDict["1.weight"]; !ok {
		t.Error("checkpoint on disk lost its head weights")
	}
}

func TestLoadInvalidCheckpoint(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.mk")
	if err := os.WriteFile(garbage, []byte("not a checkpoint"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ml.LoadModel(garbage); !errors.Is(err, ml.ErrInvalidCheckpoint) {
		t.Errorf("expected ErrInvalidCheckpoint, got %v", err)
	}
	if _, err := ml.LoadModel(filepath.Join(dir, "missing.mk")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
	if _, err := ml.LoadCheckpoint(nil); !errors.Is(err, ml.ErrInvalidCheckpoint) {
		t.Errorf("expected ErrInvalidCheckpoint for nil, got %v", err)
	}
}

func TestLoadRejectsRemovedNetwork(t *testing.T) {
	registerZooClasses(t, "NoNetModel")
	model, err := ml.New("NoNetModel", ml.Params{
		ml.KeyNNModule: map[string]interface{}{"model_name": "linear", "num_classes": 2, "in_chans": 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	ckpt, err := model.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ml.LoadCheckpoint(ckpt, ml.WithNNModule(nil)); !errors.Is(err, ml.ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams, got %v", err)
	}
	if _, err := ml.LoadCheckpoint(ckpt, ml.WithDevice("tpu:0")); !errors.Is(err, ml.ErrInvalidDevice) {
		t.Errorf("expected ErrInvalidDevice, got %v", err)
	}
}
