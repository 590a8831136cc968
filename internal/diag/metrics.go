package diag

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 指标（Prometheus）：
// - dynquery_op_total{comp,stage,result}
// - dynquery_error_total{comp,code}
// - dynquery_op_duration_ms{comp,stage}
// - dynquery_enrich_failures_total
// - dynquery_stale_batches_total
// - dynquery_materialized_items
// - dynquery_generation
var (
	opTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dynquery_op_total",
		Help: "组件操作计数",
	}, []string{"comp", "stage", "result"})

	errorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dynquery_error_total",
		Help: "按分类统计的错误计数",
	}, []string{"comp", "code"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dynquery_op_duration_ms",
		Help:    "阶段耗时（毫秒）",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"comp", "stage"})

	enrichFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dynquery_enrich_failures_total",
		Help: "被隔离丢弃的单项富化失败",
	})

	staleBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dynquery_stale_batches_total",
		Help: "被新快照取代而丢弃的批次",
	})

	materializedItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dynquery_materialized_items",
		Help: "物化列表当前条目数",
	})

	generation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dynquery_generation",
		Help: "最近提交的快照代数",
	})
)

// Register 在给定 registry（nil 为默认）上注册全部指标；重复注册忽略。
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{opTotal, errorTotal, opDuration, enrichFailures, staleBatches, materializedItems, generation} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	errorTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// IncEnrichFailure 累加被隔离的富化失败。
func IncEnrichFailure() { enrichFailures.Inc() }

// IncStale 累加被取代的批次。
func IncStale() { staleBatches.Inc() }

// SetMaterialized 设置物化列表条目数。
func SetMaterialized(n int) { materializedItems.Set(float64(n)) }

// SetGeneration 设置最近提交代数。
func SetGeneration(gen uint64) { generation.Set(float64(gen)) }
