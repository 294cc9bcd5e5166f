// example_load_model 保存一个模型，再用不同的覆盖项重新加载
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"go.uber.org/zap"

	"modelkit/ml"
	"modelkit/ml/nn"
	"modelkit/ml/zoo"
)

// memorySource 内存中的预训练权重
type memorySource map[string]nn.StateDict

func (s memorySource) Pretrained(arch string) (nn.StateDict, error) {
	sd, ok := s[arch]
	if !ok {
		return nil, fmt.Errorf("no weights for %s", arch)
	}
	return sd.Clone(), nil
}

func main() {
	dir := flag.String("dir", "", "directory for the checkpoint (default: a temp dir)")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if *dir == "" {
		tmp, err := os.MkdirTemp("", "modelkit-example-")
		if err != nil {
			logger.Fatal("create temp dir", zap.Error(err))
		}
		defer os.RemoveAll(tmp)
		*dir = tmp
	}

	ml.MustRegister(zoo.ModelClass("TimmModel"))
	ml.MustRegister(zoo.ModelClass("AnotherModel"))

	// 预训练权重只在首次构建时使用，加载时以检查点为准
	base, err := zoo.CreateModel(nn.Kwargs{"model_name": "mlp_small", "num_classes": 1000, "in_chans": 1})
	if err != nil {
		logger.Fatal("create base network", zap.Error(err))
	}
	restore := zoo.SetPretrainedSource(memorySource{"mlp_small": nn.StateDictOf(base)})

	params := ml.Params{
		ml.KeyNNModule: map[string]interface{}{
			"model_name":     "mlp_small",
			"pretrained":     true,
			"num_classes":    10,
			"in_chans":       1,
			"drop_rate":      0.2,
			"drop_path_rate": 0.1,
		},
		ml.KeyOptimizer: ml.Component("Adam", map[string]interface{}{"lr": 0.01}),
		ml.KeyLoss:      "CrossEntropyLoss",
		ml.KeyDevice:    "cuda",
	}
	model, err := ml.New("TimmModel", params)
	restore()
	if err != nil {
		logger.Fatal("create model", zap.Error(err))
	}

	path := filepath.Join(*dir, "model.mk")
	if err := model.Save(path); err != nil {
		logger.Fatal("save model", zap.Error(err))
	}
	logger.Info("model saved", zap.String("path", path), zap.Int("num_parameters", model.NumParameters()))

	// 原样加载
	stored, err := ml.ReadCheckpoint(path)
	if err != nil {
		logger.Fatal("read checkpoint", zap.Error(err))
	}
	loaded := load(logger, path)
	check(logger, reflect.DeepEqual(loaded.Params(), stored.Params), "params round trip")
	check(logger, loaded.TrainReady(), "plain load is train ready")

	// 覆盖网络参数和设备
	nnModule := params.Clone().Sub(ml.KeyNNModule)
	nnModule["drop_rate"] = 0.0
	nnModule["drop_path_rate"] = 0.0
	loaded = load(logger, path, ml.WithNNModule(map[string]interface{}(nnModule)), ml.WithDevice("cpu"))
	check(logger, loaded.Params().Sub(ml.KeyNNModule)["drop_rate"] == 0.0, "nn_module override applied")
	check(logger, loaded.Device().String() == "cpu", "device override applied")

	// 去掉优化器和损失函数，只用于推理
	loaded = load(logger, path,
		ml.WithOptimizer(nil),
		ml.WithLoss(nil),
		ml.WithChangeParams(func(p ml.Params) ml.Params {
			p.Sub(ml.KeyNNModule)["pretrained"] = true
			p["inference_only"] = true
			return p
		}),
	)
	check(logger, loaded.PredictReady() && !loaded.TrainReady(), "inference load is predict ready only")
	_, hasOptimizer := loaded.Params()[ml.KeyOptimizer]
	check(logger, !hasOptimizer && loaded.Params()["inference_only"] == true, "params rewritten")

	// 换成另一个模型类
	loaded = load(logger, path, ml.WithModelName("AnotherModel"))
	check(logger, loaded.Name() == "AnotherModel", "model class switched")

	logger.Info("all load scenarios passed")
}

func load(logger *zap.Logger, path string, opts ...ml.LoadOption) *ml.Model {
	m, err := ml.LoadModel(path, opts...)
	if err != nil {
		logger.Fatal("load model", zap.Error(err))
	}
	logger.Info("model loaded",
		zap.String("model_name", m.Name()),
		zap.Strings("params", m.Params().Keys()),
		zap.Bool("predict_ready", m.PredictReady()),
		zap.Bool("train_ready", m.TrainReady()))
	return m
}

func check(logger *zap.Logger, ok bool, what string) {
	if !ok {
		logger.Fatal("check failed", zap.String("check", what))
	}
}
