package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
)

const (
	operationsMetric = "oms_repository_operations_total"
	durationMetric   = "oms_repository_operation_duration_seconds"
)

// latency в миллисекундах.
type latency struct {
	Min float64 `json:"min"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Max float64 `json:"max"`
}

// opReport собирается из метрик сервиса; P95 оценивается по бакетам гистограммы.
type opReport struct {
	Calls int64            `json:"calls"`
	Kinds map[string]int64 `json:"kinds"`
	AvgMs float64          `json:"avg_ms"`
	P95Ms float64          `json:"p95_ms"`
}

func (o opReport) failed() int64 {
	return o.Calls - o.Kinds[string(domain.KindNone)]
}

type report struct {
	Storage        string              `json:"storage"`
	Mode           loadMode            `json:"mode"`
	Target         string              `json:"target"`
	StartedAt      time.Time           `json:"started_at"`
	ElapsedSeconds float64             `json:"elapsed_seconds"`
	Scenarios      int64               `json:"scenarios"`
	Failed         int64               `json:"failed"`
	FailureRate    float64             `json:"failure_rate"`
	Throughput     float64             `json:"scenarios_per_second"`
	ScenarioKinds  map[string]int64    `json:"scenario_kinds"`
	LatencyMs      latency             `json:"scenario_latency_ms"`
	Ops            map[string]opReport `json:"ops"`
}

// scenarioLog копит длительности и исходы сценариев из всех воркеров.
type scenarioLog struct {
	mu      sync.Mutex
	samples []time.Duration
	kinds   map[string]int64
	failed  int64
}

func (l *scenarioLog) add(elapsed time.Duration, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.samples = append(l.samples, elapsed)
	l.kinds[string(domain.KindOf(err))]++
	if err != nil {
		l.failed++
	}
}

func (l *scenarioLog) report(cfg config, started time.Time, elapsed time.Duration, ops map[string]opReport) report {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := int64(len(l.samples))
	r := report{
		Storage:        cfg.app.StorageDriver,
		Mode:           cfg.mode,
		Target:         cfg.target(),
		StartedAt:      started.UTC(),
		ElapsedSeconds: elapsed.Seconds(),
		Scenarios:      total,
		Failed:         l.failed,
		ScenarioKinds:  maps.Clone(l.kinds),
		LatencyMs:      summarize(l.samples),
		Ops:            ops,
	}
	if total > 0 {
		r.FailureRate = float64(l.failed) / float64(total)
	}
	if elapsed > 0 {
		r.Throughput = float64(total) / elapsed.Seconds()
	}
	return r
}

func summarize(samples []time.Duration) latency {
	if len(samples) == 0 {
		return latency{}
	}

	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var sum time.Duration
	for _, s := range sorted {
		sum += s
	}
	return latency{
		Min: ms(sorted[0]),
		Avg: ms(sum / time.Duration(len(sorted))),
		P50: ms(quantile(sorted, 0.50)),
		P95: ms(quantile(sorted, 0.95)),
		P99: ms(quantile(sorted, 0.99)),
		Max: ms(sorted[len(sorted)-1]),
	}
}

// quantile интерполирует линейно между соседними рангами отсортированной выборки.
func quantile(sorted []time.Duration, q float64) time.Duration {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}

	rank := q * float64(len(sorted)-1)
	lower := int(rank)
	if lower >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lower)
	return sorted[lower] + time.Duration(frac*float64(sorted[lower+1]-sorted[lower]))
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// opsFromRegistry читает счётчики и гистограмму операций сервиса.
func opsFromRegistry(gatherer prometheus.Gatherer) (map[string]opReport, error) {
	families, err := gatherer.Gather()
	if err != nil {
		return nil, err
	}

	ops := make(map[string]opReport)
	entry := func(op string) opReport {
		if r, ok := ops[op]; ok {
			return r
		}
		return opReport{Kinds: make(map[string]int64)}
	}

	for _, family := range families {
		for _, metric := range family.GetMetric() {
			op := labelValue(metric, "op")
			if op == "" {
				continue
			}
			switch family.GetName() {
			case operationsMetric:
				r := entry(op)
				count := int64(metric.GetCounter().GetValue())
				r.Calls += count
				r.Kinds[labelValue(metric, "result")] += count
				ops[op] = r
			case durationMetric:
				h := metric.GetHistogram()
				r := entry(op)
				if h.GetSampleCount() > 0 {
					r.AvgMs = h.GetSampleSum() / float64(h.GetSampleCount()) * 1000
				}
				r.P95Ms = bucketQuantile(0.95, h) * 1000
				ops[op] = r
			}
		}
	}
	return ops, nil
}

func labelValue(metric *dto.Metric, name string) string {
	for _, pair := range metric.GetLabel() {
		if pair.GetName() == name {
			return pair.GetValue()
		}
	}
	return ""
}

// bucketQuantile повторяет histogram_quantile: линейная интерполяция внутри
// бакета, в который попадает ранг. Значения выше последней границы
// сводятся к ней.
func bucketQuantile(q float64, h *dto.Histogram) float64 {
	total := float64(h.GetSampleCount())
	if total == 0 {
		return 0
	}
	rank := q * total

	var lowerBound, lowerCount float64
	for _, bucket := range h.GetBucket() {
		upperBound, upperCount := bucket.GetUpperBound(), float64(bucket.GetCumulativeCount())
		if upperCount >= rank {
			if upperCount == lowerCount {
				return upperBound
			}
			return lowerBound + (upperBound-lowerBound)*(rank-lowerCount)/(upperCount-lowerCount)
		}
		lowerBound, lowerCount = upperBound, upperCount
	}
	return lowerBound
}

// saveReport пишет отчёт только внутрь текущего каталога.
func saveReport(path string, r report) error {
	if !filepath.IsLocal(path) {
		return fmt.Errorf("report path %q must be relative and stay inside the working directory", path)
	}

	// #nosec G304 -- путь задаёт оператор флагом -output.
	file, err := os.Create(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

func (r report) print(w io.Writer) {
	_, _ = fmt.Fprintf(w, "orders load test: storage=%s mode=%s target=%s\n", r.Storage, r.Mode, r.Target)
	_, _ = fmt.Fprintf(w, "scenarios=%d failed=%d failure_rate=%.4f elapsed=%.2fs throughput=%.1f/s\n",
		r.Scenarios, r.Failed, r.FailureRate, r.ElapsedSeconds, r.Throughput)
	_, _ = fmt.Fprintf(w, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		r.LatencyMs.Min, r.LatencyMs.Avg, r.LatencyMs.P50, r.LatencyMs.P95, r.LatencyMs.P99, r.LatencyMs.Max)

	for _, name := range slices.Sorted(maps.Keys(r.Ops)) {
		op := r.Ops[name]
		_, _ = fmt.Fprintf(w, "op %s: calls=%d failed=%d avg=%.2fms p95~%.2fms kinds=%s\n",
			name, op.Calls, op.failed(), op.AvgMs, op.P95Ms, formatKinds(op.Kinds))
	}
}

func formatKinds(kinds map[string]int64) string {
	parts := make([]string, 0, len(kinds))
	for _, kind := range slices.Sorted(maps.Keys(kinds)) {
		parts = append(parts, fmt.Sprintf("%s:%d", kind, kinds[kind]))
	}
	return strings.Join(parts, ",")
}
