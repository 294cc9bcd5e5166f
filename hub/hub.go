// Package hub 管理一个目录下的模型检查点：按名称保存和加载，
// 解析后的检查点放在 LRU 缓存中，文件变化时由 fsnotify 使缓存失效，元数据记录在 sqlite 目录表中。
package hub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"modelkit/db"
	"modelkit/ml"
	"modelkit/ml/nn"
)

// Ext 检查点文件扩展名
const Ext = ".mk"

var (
	// ErrInvalidName 名称只能包含字母、数字、点、下划线和连字符
	ErrInvalidName = errors.New("invalid checkpoint name")
	// ErrNotFound 检查点不存在
	ErrNotFound = errors.New("checkpoint not found")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Config 仓库配置
type Config struct {
	Dir       string `yaml:"dir"`
	CacheSize int    `yaml:"cache_size"`
	Watch     bool   `yaml:"watch"`
}

// Hub 检查点仓库，并发安全
type Hub struct {
	dir     string
	catalog *db.Catalog
	cache   *lru.Cache[string, *ml.Checkpoint]
	logger  *zap.Logger

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// New 创建仓库，目录不存在时创建
func New(cfg Config, catalog *db.Catalog, logger *zap.Logger) (*Hub, error) {
	if catalog == nil {
		return nil, errors.New("hub: catalog is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dir == "" {
		return nil, errors.New("hub: dir is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 16
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("hub: create dir: %w", err)
	}
	cache, err := lru.New[string, *ml.Checkpoint](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	h := &Hub{
		dir:     dir,
		catalog: catalog,
		cache:   cache,
		logger:  logger.With(zap.String("hub_dir", dir)),
	}
	if cfg.Watch {
		if err := h.startWatcher(); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Dir 仓库目录
func (h *Hub) Dir() string { return h.dir }

// Path 返回名称对应的文件路径
func (h *Hub) Path(name string) (string, error) {
	if !namePattern.MatchString(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(h.dir, name+Ext), nil
}

// Save 保存模型并写入目录表
func (h *Hub) Save(ctx context.Context, name string, m *ml.Model, opts ...ml.SaveOption) (db.Entry, error) {
	path, err := h.Path(name)
	if err != nil {
		return db.Entry{}, err
	}
	ckpt, err := m.Checkpoint(opts...)
	if err != nil {
		return db.Entry{}, err
	}
	if err := ml.WriteCheckpoint(path, ckpt); err != nil {
		return db.Entry{}, err
	}
	h.cache.Remove(name)

	entry := entryOf(name, path, ckpt)
	if prev, err := h.catalog.GetCheckpoint(ctx, name); err == nil {
		entry.Published = prev.Published
	}
	if err := h.catalog.UpsertCheckpoint(ctx, entry); err != nil {
		return db.Entry{}, fmt.Errorf("record %s: %w", name, err)
	}
	h.logger.Info("checkpoint saved",
		zap.String("name", name),
		zap.String("model_name", ckpt.ModelName),
		zap.Int("num_parameters", entry.NumParameters))
	return entry, nil
}

func entryOf(name, path string, ckpt *ml.Checkpoint) db.Entry {
	return db.Entry{
		Name:          name,
		Path:          path,
		ModelName:     ckpt.ModelName,
		Arch:          archOf(ckpt.Params),
		Params:        ckpt.Params,
		NumParameters: ckpt.NumParameters(),
		SavedAt:       ckpt.SavedAt,
	}
}

// archOf 取 nn_module 参数中的 model_name，没有时为空
func archOf(p ml.Params) string {
	var kwargs ml.Params
	switch v := p[ml.KeyNNModule].(type) {
	case []interface{}:
		if len(v) == 2 {
			if m, ok := v[1].(map[string]interface{}); ok {
				kwargs = m
			}
		}
	default:
		kwargs = p.Sub(ml.KeyNNModule)
	}
	arch, _ := kwargs["model_name"].(string)
	return arch
}

// Checkpoint 读取检查点，优先使用缓存；返回值由缓存共享，调用方不得修改
func (h *Hub) Checkpoint(name string) (*ml.Checkpoint, error) {
	if ckpt, ok := h.cache.Get(name); ok {
		return ckpt, nil
	}
	path, err := h.Path(name)
	if err != nil {
		return nil, err
	}
	ckpt, err := ml.ReadCheckpoint(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	h.cache.Add(name, ckpt)
	return ckpt, nil
}

// Load 按名称加载模型，opts 与 ml.LoadModel 相同
func (h *Hub) Load(ctx context.Context, name string, opts ...ml.LoadOption) (*ml.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ckpt, err := h.Checkpoint(name)
	if err != nil {
		return nil, err
	}
	opts = append([]ml.LoadOption{ml.WithLoadLogger(h.logger)}, opts...)
	m, err := ml.LoadCheckpoint(ckpt, opts...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	h.logger.Debug("checkpoint loaded", zap.String("name", name), zap.String("model_name", m.Name()))
	return m, nil
}

// List 返回目录表中的全部检查点
func (h *Hub) List(ctx context.Context) ([]db.Entry, error) {
	return h.catalog.ListCheckpoints(ctx)
}

// Entry 返回单个检查点的目录表记录
func (h *Hub) Entry(ctx context.Context, name string) (db.Entry, error) {
	e, err := h.catalog.GetCheckpoint(ctx, name)
	if errors.Is(err, db.ErrNotFound) {
		return db.Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return e, err
}

// Delete 删除文件、缓存和目录表记录
func (h *Hub) Delete(ctx context.Context, name string) error {
	path, err := h.Path(name)
	if err != nil {
		return err
	}
	h.cache.Remove(name)
	fileErr := os.Remove(path)
	rowErr := h.catalog.DeleteCheckpoint(ctx, name)
	if errors.Is(fileErr, os.ErrNotExist) && errors.Is(rowErr, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if errors.Is(fileErr, os.ErrNotExist) {
		fileErr = nil
	}
	if errors.Is(rowErr, db.ErrNotFound) {
		rowErr = nil
	}
	return multierr.Append(fileErr, rowErr)
}

// Publish 把检查点标记为其网络结构的预训练权重
func (h *Hub) Publish(ctx context.Context, name string, published bool) error {
	e, err := h.Entry(ctx, name)
	if err != nil {
		return err
	}
	if published && e.Arch == "" {
		return fmt.Errorf("publish %s: nn_module params have no model_name", name)
	}
	if err := h.catalog.SetPublished(ctx, name, published); err != nil {
		return err
	}
	h.logger.Info("checkpoint publish state changed",
		zap.String("name", name), zap.String("arch", e.Arch), zap.Bool("published", published))
	return nil
}

// Pretrained 返回最新发布的该结构检查点的网络状态，实现 zoo.PretrainedSource
func (h *Hub) Pretrained(arch string) (nn.StateDict, error) {
	e, err := h.catalog.LatestPublished(context.Background(), arch)
	if err != nil {
		return nil, err
	}
	ckpt, err := h.Checkpoint(e.Name)
	if err != nil {
		return nil, err
	}
	return ckpt.NNStateDict.Clone(), nil
}

// Reindex 扫描目录，把目录表里缺失或过期的检查点补上，删除文件已不存在的记录
func (h *Hub) Reindex(ctx context.Context) (added, removed int, err error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "*"+Ext))
	if err != nil {
		return 0, 0, err
	}
	onDisk := make(map[string]bool, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return added, removed, err
		}
		name := strings.TrimSuffix(filepath.Base(path), Ext)
		if _, err := h.Path(name); err != nil {
			continue
		}
		onDisk[name] = true
		ckpt, err := ml.ReadCheckpoint(path)
		if err != nil {
			h.logger.Warn("skip unreadable checkpoint", zap.String("path", path), zap.Error(err))
			continue
		}
		prev, getErr := h.catalog.GetCheckpoint(ctx, name)
		if getErr == nil && prev.SavedAt.Equal(ckpt.SavedAt) {
			continue
		}
		entry := entryOf(name, path, ckpt)
		entry.Published = getErr == nil && prev.Published
		if err := h.catalog.UpsertCheckpoint(ctx, entry); err != nil {
			return added, removed, err
		}
		h.cache.Remove(name)
		added++
	}

	entries, err := h.catalog.ListCheckpoints(ctx)
	if err != nil {
		return added, removed, err
	}
	for _, e := range entries {
		if onDisk[e.Name] {
			continue
		}
		if err := h.catalog.DeleteCheckpoint(ctx, e.Name); err != nil && !errors.Is(err, db.ErrNotFound) {
			return added, removed, err
		}
		removed++
	}
	h.logger.Info("reindexed", zap.Int("added", added), zap.Int("removed", removed))
	return added, removed, nil
}

// CachedNames 当前缓存中的检查点名称
func (h *Hub) CachedNames() []string {
	return h.cache.Keys()
}

// Close 停止文件监听
func (h *Hub) Close() error {
	if h.watcher == nil {
		return nil
	}
	err := h.watcher.Close()
	h.wg.Wait()
	return err
}

func (h *Hub) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("hub: create watcher: %w", err)
	}
	if err := watcher.Add(h.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("hub: watch %s: %w", h.dir, err)
	}
	h.watcher = watcher
	h.wg.Add(1)
	go h.watch()
	return nil
}

// watch 文件被改写、删除或重命名时使缓存失效
func (h *Hub) watch() {
	defer h.wg.Done()
	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != Ext {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				name := strings.TrimSuffix(filepath.Base(event.Name), Ext)
				if h.cache.Remove(name) {
					h.logger.Debug("cache invalidated", zap.String("name", name), zap.Stringer("op", event.Op))
				}
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn("watcher error", zap.Error(err))
		}
	}
}
