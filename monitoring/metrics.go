package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricType 指标类型
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// maxHistory 每个指标保留的最大样本数
const maxHistory = 1000

// Metric 指标
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Help      string            `json:"help,omitempty"`
}

// MetricsCollector 指标收集器
type MetricsCollector struct {
	metrics     map[string][]*Metric
	counters    map[string]float64
	metricsLock sync.RWMutex

	startTime time.Time
}

// NewMetricsCollector 创建指标收集器
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics:   make(map[string][]*Metric),
		counters:  make(map[string]float64),
		startTime: time.Now(),
	}
}

// Start 定期收集系统指标，直到 ctx 结束
func (mc *MetricsCollector) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc.collectSystemMetrics()
		}
	}
}

// RecordMetric 记录指标
func (mc *MetricsCollector) RecordMetric(metric *Metric) {
	mc.metricsLock.Lock()
	defer mc.metricsLock.Unlock()

	metric.Timestamp = time.Now()
	history := append(mc.metrics[metric.Name], metric)
	// 超出上限时丢掉最旧的 10%
	if len(history) > maxHistory {
		history = history[maxHistory/10:]
	}
	mc.metrics[metric.Name] = history
}

// GetMetric 获取指标
func (mc *MetricsCollector) GetMetric(name string) ([]*Metric, error) {
	mc.metricsLock.RLock()
	defer mc.metricsLock.RUnlock()

	metrics, ok := mc.metrics[name]
	if !ok {
		return nil, fmt.Errorf("metric %s not found", name)
	}
	return copyMetrics(metrics), nil
}

// GetAllMetrics 获取所有指标
func (mc *MetricsCollector) GetAllMetrics() map[string][]*Metric {
	mc.metricsLock.RLock()
	defer mc.metricsLock.RUnlock()

	result := make(map[string][]*Metric, len(mc.metrics))
	for name, metrics := range mc.metrics {
		result[name] = copyMetrics(metrics)
	}
	return result
}

func copyMetrics(metrics []*Metric) []*Metric {
	out := make([]*Metric, len(metrics))
	for i, m := range metrics {
		metricCopy := *m
		out[i] = &metricCopy
	}
	return out
}

// MetricSummary 指标摘要
type MetricSummary struct {
	Name    string    `json:"name"`
	Count   int       `json:"count"`
	Latest  float64   `json:"latest"`
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
	Average float64   `json:"average"`
	Updated time.Time `json:"updated"`
}

// GetMetricSummary 获取指标摘要
func (mc *MetricsCollector) GetMetricSummary(name string) (MetricSummary, error) {
	metrics, err := mc.GetMetric(name)
	if err != nil {
		return MetricSummary{}, err
	}
	summary := MetricSummary{Name: name, Count: len(metrics)}
	if len(metrics) == 0 {
		return summary, nil
	}
	last := metrics[len(metrics)-1]
	summary.Latest = last.Value
	summary.Updated = last.Timestamp
	summary.Min, summary.Max = metrics[0].Value, metrics[0].Value

	sum := 0.0
	for _, m := range metrics {
		sum += m.Value
		if m.Value < summary.Min {
			summary.Min = m.Value
		}
		if m.Value > summary.Max {
			summary.Max = m.Value
		}
	}
	summary.Average = sum / float64(len(metrics))
	return summary, nil
}

// collectSystemMetrics 收集内存和协程指标
func (mc *MetricsCollector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mc.SetGauge("memory_heap_alloc", float64(m.HeapAlloc), nil)
	mc.SetGauge("memory_heap_sys", float64(m.HeapSys), nil)
	mc.SetGauge("system_goroutines", float64(runtime.NumGoroutine()), nil)
}

// IncrCounter 增加计数器，记录的是累计值
func (mc *MetricsCollector) IncrCounter(name string, value float64, labels map[string]string) {
	key := name + labelString(labels)
	mc.metricsLock.Lock()
	mc.counters[key] += value
	total := mc.counters[key]
	mc.metricsLock.Unlock()

	mc.RecordMetric(&Metric{
		Name:   name,
		Type:   MetricTypeCounter,
		Value:  total,
		Labels: labels,
	})
}

// SetGauge 设置仪表
func (mc *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	mc.RecordMetric(&Metric{
		Name:   name,
		Type:   MetricTypeGauge,
		Value:  value,
		Labels: labels,
	})
}

// ObserveDuration 以秒为单位记录耗时
func (mc *MetricsCollector) ObserveDuration(name string, d time.Duration, labels map[string]string) {
	mc.RecordMetric(&Metric{
		Name:   name,
		Type:   MetricTypeHistogram,
		Value:  d.Seconds(),
		Labels: labels,
	})
}

// ExportPrometheus 导出Prometheus文本格式，每个指标输出最新值
func (mc *MetricsCollector) ExportPrometheus() string {
	metrics := mc.GetAllMetrics()
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		list := metrics[name]
		if len(list) == 0 {
			continue
		}
		metric := list[len(list)-1]
		help := metric.Help
		if help == "" {
			help = fmt.Sprintf("Metric %s", name)
		}
		typ := metric.Type
		if typ == MetricTypeHistogram {
			// 只导出最近一次观测值
			typ = MetricTypeGauge
		}
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, typ)
		fmt.Fprintf(&b, "%s%s %g %d\n", name, labelString(metric.Labels), metric.Value, metric.Timestamp.UnixMilli())
	}
	return b.String()
}

func labelString(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// ExportJSON 导出JSON格式
func (mc *MetricsCollector) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(mc.GetAllMetrics(), "", "  ")
}

// GetUptime 获取运行时间
func (mc *MetricsCollector) GetUptime() time.Duration {
	return time.Since(mc.startTime)
}

// GetSystemStats 获取系统统计
func (mc *MetricsCollector) GetSystemStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"uptime":     mc.GetUptime().String(),
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"alloc":       m.Alloc,
			"sys":         m.Sys,
			"heap_alloc":  m.HeapAlloc,
			"heap_inuse":  m.HeapInuse,
			"gc_count":    m.NumGC,
			"gc_pause_ns": m.PauseTotalNs,
		},
		"num_cpu": runtime.NumCPU(),
	}
}

// 模型操作指标名
const (
	MetricOpTotal    = "model_operations_total"
	MetricOpErrors   = "model_operation_errors_total"
	MetricOpDuration = "model_operation_duration_seconds"
)

// ModelMetrics 模型保存、加载、预测的业务指标
type ModelMetrics struct {
	collector *MetricsCollector
}

// NewModelMetrics 创建模型指标
func NewModelMetrics(collector *MetricsCollector) *ModelMetrics {
	return &ModelMetrics{collector: collector}
}

// Collector 底层收集器
func (mm *ModelMetrics) Collector() *MetricsCollector { return mm.collector }

// Observe 记录一次操作，op 为 save、load、predict 等
func (mm *ModelMetrics) Observe(op, model string, d time.Duration, err error) {
	labels := map[string]string{"op": op, "model": model}
	mm.collector.IncrCounter(MetricOpTotal, 1, labels)
	mm.collector.ObserveDuration(MetricOpDuration, d, labels)
	if err != nil {
		mm.collector.IncrCounter(MetricOpErrors, 1, labels)
	}
}

// Track 返回一个在操作结束时调用的函数
//
//	done := metrics.Track("load", name)
//	m, err := hub.Load(ctx, name)
//	done(err)
func (mm *ModelMetrics) Track(op, model string) func(error) {
	start := time.Now()
	return func(err error) {
		mm.Observe(op, model, time.Since(start), err)
	}
}
