package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricHits     = "shellcache_hits_total"
	MetricMisses   = "shellcache_misses_total"
	MetricHitRate  = "shellcache_hit_ratio"
	MetricOutcomes = "shellcache_outcomes_total"
)

// Source 返回当前生效 worker 的计数快照。
type Source func() Snapshot

// Exporter 把计数器适配为 prometheus.Collector。hits/misses 在每次抓取时从 Source
// 读取，因此切换 worker 后指标随之归零。
type Exporter struct {
	source   Source
	hits     *prometheus.Desc
	misses   *prometheus.Desc
	hitRate  *prometheus.Desc
	outcomes *prometheus.CounterVec
}

// Compile-time check that Exporter implements prometheus.Collector.
var _ prometheus.Collector = (*Exporter)(nil)

// NewExporter 创建导出器；source 为 nil 时始终导出零值。
func NewExporter(source Source) *Exporter {
	if source == nil {
		source = func() Snapshot { return Snapshot{} }
	}
	return &Exporter{
		source:  source,
		hits:    prometheus.NewDesc(MetricHits, "Cache hits recorded by the active worker.", nil, nil),
		misses:  prometheus.NewDesc(MetricMisses, "Cache misses recorded by the active worker.", nil, nil),
		hitRate: prometheus.NewDesc(MetricHitRate, "hits / (hits + misses) for the active worker.", nil, nil),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricOutcomes,
			Help: "Intercepted requests by resource class and outcome.",
		}, []string{"class", "outcome"}),
	}
}

// Register 将导出器注册到 registry；nil 时使用 prometheus.DefaultRegisterer。
func (e *Exporter) Register(registry prometheus.Registerer) error {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	return registry.Register(e)
}

// ObserveOutcome 按类别与结果累计一次拦截请求。
func (e *Exporter) ObserveOutcome(class, outcome string) {
	e.outcomes.WithLabelValues(class, outcome).Inc()
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.hits
	ch <- e.misses
	ch <- e.hitRate
	e.outcomes.Describe(ch)
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	snap := e.source()
	ch <- prometheus.MustNewConstMetric(e.hits, prometheus.CounterValue, float64(snap.Hits))
	ch <- prometheus.MustNewConstMetric(e.misses, prometheus.CounterValue, float64(snap.Misses))
	if rate, ok := snap.Rate(); ok {
		ch <- prometheus.MustNewConstMetric(e.hitRate, prometheus.GaugeValue, rate)
	}
	e.outcomes.Collect(ch)
}
