package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"modelkit/ml"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	Info     AlertLevel = "info"
	Warning  AlertLevel = "warning"
	Error    AlertLevel = "error"
	Critical AlertLevel = "critical"
)

var levelRank = map[AlertLevel]int{Info: 0, Warning: 1, Error: 2, Critical: 3}

// Alert 告警结构
type Alert struct {
	ID         string                 `json:"id"`
	Level      AlertLevel             `json:"level"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Model      string                 `json:"model,omitempty"`
	Run        string                 `json:"run,omitempty"`
	Value      float64                `json:"value,omitempty"`
	Threshold  float64                `json:"threshold,omitempty"`
	Source     string                 `json:"source"`
	Timestamp  time.Time              `json:"timestamp"`
	Resolved   bool                   `json:"resolved"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// MarshalJSON 把 NaN 和无穷大的值输出为字符串
func (a Alert) MarshalJSON() ([]byte, error) {
	type plain Alert
	out := struct {
		plain
		Value interface{} `json:"value,omitempty"`
	}{plain: plain(a)}
	if a.Value != 0 {
		out.Value = jsonFloat(a.Value)
	}
	return json.Marshal(out)
}

// AlertConfig 告警配置；WebhookURL 为空时只记录不发送
type AlertConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	MinLevel   AlertLevel    `yaml:"min_level"`
	Cooldown   time.Duration `yaml:"cooldown"`
	MaxPerHour int           `yaml:"max_per_hour"`
	// DivergenceRatio 验证损失超过历史最佳值的倍数时告警，0 表示不检查
	DivergenceRatio float64 `yaml:"divergence_ratio"`
}

// DefaultAlertConfig 默认告警配置
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		MinLevel:        Warning,
		Cooldown:        time.Minute,
		MaxPerHour:      30,
		DivergenceRatio: 3,
	}
}

// Validate 校验配置
func (c AlertConfig) Validate() error {
	if _, ok := levelRank[c.MinLevel]; c.MinLevel != "" && !ok {
		return fmt.Errorf("alerts.min_level: unknown level %q", c.MinLevel)
	}
	if c.DivergenceRatio != 0 && c.DivergenceRatio <= 1 {
		return fmt.Errorf("alerts.divergence_ratio must be greater than 1, got %g", c.DivergenceRatio)
	}
	return nil
}

// AlertStats 告警统计
type AlertStats struct {
	TotalAlerts    int64                `json:"total_alerts"`
	ActiveAlerts   int64                `json:"active_alerts"`
	ResolvedAlerts int64                `json:"resolved_alerts"`
	Sent           int64                `json:"sent"`
	Suppressed     int64                `json:"suppressed"`
	ByLevel        map[AlertLevel]int64 `json:"by_level"`
	LastAlert      time.Time            `json:"last_alert"`
}

// rateTracker 限流追踪器
type rateTracker struct {
	windowStart time.Time
	count       int
	lastSent    map[string]time.Time // 标题 -> 上次发送时间
}

// AlertSystem 告警系统，记录告警并按级别和限流规则推送到 webhook
type AlertSystem struct {
	mu         sync.RWMutex
	cfg        AlertConfig
	alerts     map[string]*Alert
	httpClient *http.Client
	logger     *zap.Logger
	rate       rateTracker
	stats      AlertStats
	seq        uint64
}

// NewAlertSystem 创建告警系统
func NewAlertSystem(cfg AlertConfig, logger *zap.Logger) *AlertSystem {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinLevel == "" {
		cfg.MinLevel = Warning
	}
	return &AlertSystem{
		cfg:        cfg,
		alerts:     make(map[string]*Alert),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		rate:       rateTracker{lastSent: make(map[string]time.Time)},
		stats:      AlertStats{ByLevel: make(map[AlertLevel]int64)},
	}
}

// SendAlert 记录告警，满足级别和限流条件时推送到 webhook
func (a *AlertSystem) SendAlert(ctx context.Context, alert *Alert) error {
	if alert == nil {
		return fmt.Errorf("alert is nil")
	}
	if alert.ID == "" {
		alert.ID = fmt.Sprintf("alert_%d_%d", time.Now().UnixNano(), atomic.AddUint64(&a.seq, 1))
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	a.mu.Lock()
	a.alerts[alert.ID] = alert
	a.stats.TotalAlerts++
	a.stats.ActiveAlerts++
	a.stats.ByLevel[alert.Level]++
	a.stats.LastAlert = alert.Timestamp
	send := a.shouldSend(alert)
	if send {
		a.stats.Sent++
	} else {
		a.stats.Suppressed++
	}
	a.mu.Unlock()

	a.logger.Warn("alert raised",
		zap.String("id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("title", alert.Title),
		zap.String("run", alert.Run),
		zap.String("message", alert.Message))
	if !send {
		return nil
	}
	return a.sendWebhookRequest(ctx, alert)
}

// shouldSend 检查级别、每小时上限和同标题冷却时间，调用方持有锁
func (a *AlertSystem) shouldSend(alert *Alert) bool {
	if a.cfg.WebhookURL == "" || levelRank[alert.Level] < levelRank[a.cfg.MinLevel] {
		return false
	}
	now := time.Now()
	if now.Sub(a.rate.windowStart) >= time.Hour {
		a.rate.windowStart = now
		a.rate.count = 0
	}
	if a.cfg.MaxPerHour > 0 && a.rate.count >= a.cfg.MaxPerHour {
		return false
	}
	if last, ok := a.rate.lastSent[alert.Title]; ok && a.cfg.Cooldown > 0 && now.Sub(last) < a.cfg.Cooldown {
		return false
	}
	a.rate.count++
	a.rate.lastSent[alert.Title] = now
	return true
}

// sendWebhookRequest 发送Webhook请求
func (a *AlertSystem) sendWebhookRequest(ctx context.Context, alert *Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// GetAlert 获取告警
func (a *AlertSystem) GetAlert(id string) (Alert, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	alert, ok := a.alerts[id]
	if !ok {
		return Alert{}, false
	}
	return *alert, true
}

// GetActiveAlerts 未解决的告警，按时间排序
func (a *AlertSystem) GetActiveAlerts() []Alert {
	a.mu.RLock()
	defer a.mu.RUnlock()
	active := make([]Alert, 0, len(a.alerts))
	for _, alert := range a.alerts {
		if !alert.Resolved {
			active = append(active, *alert)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Timestamp.Before(active[j].Timestamp) })
	return active
}

// ResolveAlert 标记告警已解决
func (a *AlertSystem) ResolveAlert(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	alert, ok := a.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s not found", id)
	}
	if alert.Resolved {
		return nil
	}
	now := time.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	a.stats.ActiveAlerts--
	a.stats.ResolvedAlerts++
	return nil
}

// GetStats 获取统计信息
func (a *AlertSystem) GetStats() AlertStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	stats := a.stats
	stats.ByLevel = make(map[AlertLevel]int64, len(a.stats.ByLevel))
	for k, v := range a.stats.ByLevel {
		stats.ByLevel[k] = v
	}
	return stats
}

// TrainingCallback 监控训练指标的 ml.Callback
//
// 损失出现 NaN 或无穷大时发出 critical 告警并停止训练；验证损失超过历史最佳值
// DivergenceRatio 倍时发出一次 warning 告警。
func (a *AlertSystem) TrainingCallback(run string) ml.Callback {
	return &alertCallback{alerts: a, run: run, best: math.Inf(1)}
}

type alertCallback struct {
	alerts   *AlertSystem
	run      string
	best     float64
	diverged bool
}

func (c *alertCallback) OnEpochStart(context.Context, *ml.State) error { return nil }

func (c *alertCallback) OnEpochComplete(ctx context.Context, state *ml.State) error {
	for _, key := range []string{"train_loss", "val_loss"} {
		v, ok := state.Metrics[key]
		if !ok || !(math.IsNaN(v) || math.IsInf(v, 0)) {
			continue
		}
		state.Stop = true
		return c.send(ctx, state, &Alert{
			Level:   Critical,
			Title:   "training loss is not finite",
			Message: fmt.Sprintf("%s is %v at epoch %d, training stopped", key, v, state.Epoch),
			Value:   v,
			Metadata: map[string]interface{}{
				"metric": key,
				"epoch":  state.Epoch,
			},
		})
	}

	val, ok := state.Metrics["val_loss"]
	if !ok {
		return nil
	}
	ratio := c.alerts.cfg.DivergenceRatio
	if ratio > 0 && !c.diverged && !math.IsInf(c.best, 1) && val > c.best*ratio {
		c.diverged = true
		if err := c.send(ctx, state, &Alert{
			Level:     Warning,
			Title:     "validation loss diverging",
			Message:   fmt.Sprintf("val_loss %.6g at epoch %d exceeds %.6g x best %.6g", val, state.Epoch, ratio, c.best),
			Value:     val,
			Threshold: c.best * ratio,
		}); err != nil {
			return err
		}
	}
	if val < c.best {
		c.best = val
	}
	return nil
}

// send 发送失败只记录日志，不中断训练
func (c *alertCallback) send(ctx context.Context, state *ml.State, alert *Alert) error {
	alert.Model = state.Model.Name()
	alert.Run = c.run
	alert.Source = "training"
	if err := c.alerts.SendAlert(ctx, alert); err != nil {
		state.Logger.Warn("alert delivery failed", zap.String("run", c.run), zap.Error(err))
	}
	return nil
}
