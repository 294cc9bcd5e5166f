// Package zoo 提供按名称构建的预定义网络结构，用法类似 timm.create_model
package zoo

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"

	"modelkit/ml"
	"modelkit/ml/nn"
)

var (
	// ErrUnknownArch 未知网络结构
	ErrUnknownArch = errors.New("unknown architecture")
	// ErrNoPretrainedWeights 没有可用的预训练权重
	ErrNoPretrainedWeights = errors.New("no pretrained weights")
)

// Arch 网络结构：stem 之后接 Depth 个残差块，宽度为 Hidden；Hidden 为 0 表示单层线性
type Arch struct {
	Hidden int
	Depth  int
}

var archs = map[string]Arch{
	"linear":    {},
	"mlp_tiny":  {Hidden: 16, Depth: 1},
	"mlp_small": {Hidden: 64, Depth: 2},
	"mlp_base":  {Hidden: 128, Depth: 4},
}

// ArchNames 返回所有结构名
func ArchNames() []string {
	names := make([]string, 0, len(archs))
	for name := range archs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PretrainedSource 预训练权重来源
type PretrainedSource interface {
	Pretrained(arch string) (nn.StateDict, error)
}

var (
	sourceMu sync.RWMutex
	source   PretrainedSource
)

// SetPretrainedSource 设置全局预训练权重来源，返回恢复函数
func SetPretrainedSource(src PretrainedSource) (restore func()) {
	sourceMu.Lock()
	prev := source
	source = src
	sourceMu.Unlock()
	return func() {
		sourceMu.Lock()
		source = prev
		sourceMu.Unlock()
	}
}

func pretrainedSource() PretrainedSource {
	sourceMu.RLock()
	defer sourceMu.RUnlock()
	return source
}

var createModelKwargs = []string{
	"model_name", "num_classes", "in_chans", "drop_rate", "drop_path_rate", "pretrained", "seed",
}

// CreateModel 根据 kwargs 构建网络
//
// kwargs: model_name（必填）、num_classes、in_chans、drop_rate、drop_path_rate、pretrained、seed。
// 第 i 个残差块的 drop path 概率按 drop_path_rate*i/depth 线性递增。
func CreateModel(kw nn.Kwargs) (nn.Module, error) {
	if err := kw.CheckKnown(createModelKwargs...); err != nil {
		return nil, fmt.Errorf("create_model: %w", err)
	}
	name, err := kw.String("model_name", "")
	if err != nil {
		return nil, err
	}
	arch, ok := archs[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownArch, name, ArchNames())
	}
	numClasses, err := kw.Int("num_classes", 1000)
	if err != nil {
		return nil, err
	}
	inChans, err := kw.Int("in_chans", 3)
	if err != nil {
		return nil, err
	}
	if numClasses <= 0 || inChans <= 0 {
		return nil, fmt.Errorf("create_model: num_classes and in_chans must be positive")
	}
	dropRate, err := kw.Float("drop_rate", 0)
	if err != nil {
		return nil, err
	}
	dropPathRate, err := kw.Float("drop_path_rate", 0)
	if err != nil {
		return nil, err
	}
	if dropRate < 0 || dropRate >= 1 || dropPathRate < 0 || dropPathRate >= 1 {
		return nil, fmt.Errorf("create_model: drop rates must be in [0, 1)")
	}
	pretrained, err := kw.Bool("pretrained", false)
	if err != nil {
		return nil, err
	}
	seed, err := kw.Int("seed", int(nameSeed(name)))
	if err != nil {
		return nil, err
	}

	module := build(arch, inChans, numClasses, dropRate, dropPathRate, rand.New(rand.NewSource(int64(seed))))
	if pretrained {
		if err := loadPretrained(module, name); err != nil {
			return nil, err
		}
	}
	return module, nil
}

func build(arch Arch, in, classes int, dropRate, dropPathRate float64, rng *rand.Rand) *nn.Sequential {
	if arch.Hidden == 0 {
		return nn.NewSequential(nn.NewDropout(dropRate, rng), nn.NewLinear(in, classes, rng))
	}
	layers := []nn.Module{nn.NewLinear(in, arch.Hidden, rng), nn.NewGELU()}
	for i := 0; i < arch.Depth; i++ {
		body := nn.NewSequential(nn.NewLinear(arch.Hidden, arch.Hidden, rng), nn.NewGELU())
		layers = append(layers, nn.NewResidual(body, dropPathRate*float64(i)/float64(arch.Depth), rng))
	}
	layers = append(layers, nn.NewDropout(dropRate, rng), nn.NewLinear(arch.Hidden, classes, rng))
	return nn.NewSequential(layers...)
}

// loadPretrained 载入预训练权重，形状不一致的分类头保留随机初始化
func loadPretrained(module nn.Module, name string) error {
	src := pretrainedSource()
	if src == nil {
		return fmt.Errorf("%w for %q: no pretrained source configured", ErrNoPretrainedWeights, name)
	}
	sd, err := src.Pretrained(name)
	if err != nil {
		return fmt.Errorf("%w for %q: %v", ErrNoPretrainedWeights, name, err)
	}
	current := nn.StateDictOf(module)
	filtered := make(nn.StateDict, len(sd))
	for key, t := range sd {
		if cur, ok := current[key]; ok && cur.SameShape(t) {
			filtered[key] = t
		}
	}
	return nn.LoadStateDict(module, filtered, false)
}

func nameSeed(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return h.Sum32() & 0x7fffffff
}

// ModelClass 返回一个以 CreateModel 为 nn_module 的模型类，未注册
func ModelClass(name string) *ml.ModelClass {
	return &ml.ModelClass{
		Name: name,
		NNModule: map[string]ml.NNModuleFactory{
			"create_model": CreateModel,
		},
	}
}
