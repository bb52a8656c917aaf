// Package metrics implements the Metric Emitter component: translating
// per-step and per-test outcomes into monitoring values for the
// preprocessing sink, plus a Prometheus-mirrored self-observability
// surface so the poller's own health can be scraped independently of
// whatever the monitored targets report.
package metrics

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/webpoller/engine/internal/sink"
	"github.com/webpoller/engine/pkg/models"
)

// maxItemsPerKind bounds how many item bindings of one kind a test or
// step may have; anything beyond this is the "this should never happen"
// branch — truncated and logged, never treated as fatal.
const maxItemsPerKind = 3

// Collectors are the self-observability gauges/counters/histograms this
// package registers exactly once via registerOnce.
type Collectors struct {
	StepsTotal   *prometheus.CounterVec
	TestsTotal   *prometheus.CounterVec
	StepLatency  *prometheus.HistogramVec
	EmittedItems *prometheus.HistogramVec
}

var (
	registerOnce sync.Once
	collectors   *Collectors
)

// Register builds and registers the Prometheus collectors against reg,
// idempotently — later calls return the same Collectors regardless of
// the registry argument, matching the teacher's sync.Once guard.
func Register(reg prometheus.Registerer) *Collectors {
	registerOnce.Do(func() {
		collectors = &Collectors{
			StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "webpoller_steps_total",
				Help: "Number of scenario steps executed, by outcome.",
			}, []string{"outcome"}),
			TestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "webpoller_tests_total",
				Help: "Number of scenario tests executed, by outcome.",
			}, []string{"outcome"}),
			StepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "webpoller_step_duration_seconds",
				Help:    "Per-step HTTP round-trip duration.",
				Buckets: prometheus.DefBuckets,
			}, []string{"outcome"}),
			EmittedItems: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "webpoller_emitted_items",
				Help:    "Number of item values emitted per test or step kind.",
				Buckets: []float64{0, 1, 2, 3},
			}, []string{"scope"}),
		}
		reg.MustRegister(
			collectors.StepsTotal,
			collectors.TestsTotal,
			collectors.StepLatency,
			collectors.EmittedItems,
		)
	})
	return collectors
}

// Emitter is the Metric Emitter: it filters item bindings, resolves
// values, forwards them to the sink, and mirrors counts into the
// Prometheus collectors and a latency histogram.
type Emitter struct {
	sink       sink.Sink
	collectors *Collectors
	latency    *hdrhistogram.Histogram

	mu sync.Mutex
}

// NewEmitter returns an Emitter backed by s, optionally mirroring into
// collectors (pass nil to skip Prometheus observability entirely).
func NewEmitter(s sink.Sink, collectors *Collectors) *Emitter {
	return &Emitter{
		sink:       s,
		collectors: collectors,
		latency:    hdrhistogram.New(1, 30_000_000, 3),
	}
}

// ItemResolver looks up the bindings configured for a step or test and
// reports whether each is eligible for emission (active, host monitored,
// not in no-data maintenance). It stands in for the item cache collaborator
// of §5/§6, which this engine treats as an external dependency.
type ItemResolver interface {
	Bindings(parentID int64) []models.ItemBinding
	Eligible(itemID int64) bool
}

// EmitStep emits the per-step item values (rspcode, time, speed) for one
// completed step attempt, skipping ineligible items and truncating any
// kind bound to more than maxItemsPerKind items.
func (e *Emitter) EmitStep(resolver ItemResolver, hostID int64, result models.StepResult, when time.Time) {
	outcome := "ok"
	if result.Err != nil {
		outcome = "error"
	}

	values := map[string]string{
		"rspcode": strconv.FormatInt(result.Stats.ResponseCode, 10),
		"time":    strconv.FormatFloat(result.Stats.TotalTime.Seconds(), 'f', -1, 64),
		"speed":   strconv.FormatFloat(result.Stats.SpeedDownload, 'f', -1, 64),
	}

	e.emitBindings(resolver, result.Step.ID, hostID, values, when, "step")

	if e.collectors != nil {
		e.collectors.StepsTotal.WithLabelValues(outcome).Inc()
		e.collectors.StepLatency.WithLabelValues(outcome).Observe(result.Stats.TotalTime.Seconds())
	}

	e.mu.Lock()
	_ = e.latency.RecordValue(result.Stats.TotalTime.Microseconds())
	e.mu.Unlock()
}

// EmitTest emits the per-test item values (speed, laststep, lasterror)
// once per execution, normalizing the LastFailedStepNotStarted sentinel
// to 1 before it reaches the sink.
func (e *Emitter) EmitTest(resolver ItemResolver, result models.TestResult, when time.Time) {
	lastFailedStep := result.LastFailedStep
	if lastFailedStep == models.LastFailedStepNotStarted {
		lastFailedStep = 1
	}

	values := map[string]string{
		"speed":    strconv.FormatFloat(result.Speed, 'f', -1, 64),
		"laststep": strconv.Itoa(lastFailedStep),
	}
	if result.LastError != "" {
		values["lasterror"] = result.LastError
	}

	e.emitBindings(resolver, result.Test.ID, result.Test.HostID, values, when, "test")

	outcome := "ok"
	if result.LastError != "" {
		outcome = "error"
	}
	if e.collectors != nil {
		e.collectors.TestsTotal.WithLabelValues(outcome).Inc()
	}

	e.sink.Flush()
}

func (e *Emitter) emitBindings(resolver ItemResolver, parentID, hostID int64, values map[string]string, when time.Time, scope string) {
	bindings := resolver.Bindings(parentID)
	byKind := make(map[string][]models.ItemBinding)
	var kinds []string
	for _, b := range bindings {
		if _, seen := byKind[b.Kind]; !seen {
			kinds = append(kinds, b.Kind)
		}
		byKind[b.Kind] = append(byKind[b.Kind], b)
	}

	emitted := 0
	for _, kind := range kinds {
		group := byKind[kind]
		if len(group) > maxItemsPerKind {
			slog.Warn("more than expected item bindings for one kind, truncating",
				"kind", kind, "parent_id", parentID, "count", len(group), "max", maxItemsPerKind)
			group = group[:maxItemsPerKind]
		}
		value, ok := values[kind]
		if !ok {
			continue
		}
		for _, b := range group {
			if !resolver.Eligible(b.ItemID) {
				continue
			}
			e.sink.Submit(sink.Value{
				ItemID:    b.ItemID,
				HostID:    hostID,
				Kind:      kind,
				Value:     value,
				Timestamp: when,
			})
			emitted++
		}
	}

	if e.collectors != nil {
		e.collectors.EmittedItems.WithLabelValues(scope).Observe(float64(emitted))
	}
}
