// Package metrics computes and exposes EIDOS's intelligence metrics: the
// compounding rate (the north star — did reused memory actually lead to
// success?) plus the supporting reuse, effectiveness, loop-suppression, and
// distillation-quality numbers that explain it.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vibeship/eidos/internal/eidos/store"
)

// staleAfter bounds how long an in-progress episode may sit without step
// activity before the health report counts it as stale.
const staleAfter = 30 * time.Minute

// compoundingRateTarget is the north-star threshold from the original
// weekly-report status line: below this, the system is not compounding.
const compoundingRateTarget = 40.0

// loopRetryThreshold flags episodes whose retry count before succeeding
// exceeded this as evidence loop suppression isn't working.
const loopRetryThreshold = 3

// AnalyticsStore is the subset of store.Store the metrics calculator reads.
type AnalyticsStore interface {
	Counts(staleCutoff time.Time) (store.CountsSnapshot, error)
	CompoundingRate() (store.CompoundingSnapshot, error)
	ReuseRate() (store.ReuseSnapshot, error)
	MemoryEffectiveness() (store.EffectivenessSnapshot, error)
	LoopSuppression(threshold int) (store.LoopSnapshot, error)
	DistillationQuality() ([]store.DistillationQualityRow, error)
}

// Health is the full health snapshot returned by get_eidos_health: the
// north-star compounding rate plus every supporting metric.
type Health struct {
	Counts               store.CountsSnapshot
	CompoundingRatePct   float64
	CompoundingStatus    string
	Compounding          store.CompoundingSnapshot
	ReuseRatePct         float64
	Reuse                store.ReuseSnapshot
	WithMemoryRatePct    float64
	WithoutMemoryRatePct float64
	MemoryAdvantagePct   float64
	Effectiveness        store.EffectivenessSnapshot
	Loops                store.LoopSnapshot
	Distillations        []store.DistillationQualityRow
}

// Calculator computes and exposes EIDOS health metrics, both as a
// point-in-time snapshot and as Prometheus gauges registered for scraping.
type Calculator struct {
	store AnalyticsStore

	compoundingRate *prometheus.GaugeVec
	reuseRate       *prometheus.GaugeVec
	effectiveness   *prometheus.GaugeVec
	distillQuality  *prometheus.GaugeVec
}

// New constructs a Calculator and its Prometheus gauge vectors. Register
// the returned Calculator's collectors with a registry via Collectors().
func New(analyticsStore AnalyticsStore) *Calculator {
	return &Calculator{
		store: analyticsStore,
		compoundingRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "eidos",
			Name:      "compounding_rate_pct",
			Help:      "Percentage of completed episodes where reused memory led to success.",
		}, nil),
		reuseRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "eidos",
			Name:      "memory_reuse_rate_pct",
			Help:      "Percentage of steps in completed episodes that cited retrieved memory.",
		}, nil),
		effectiveness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "eidos",
			Name:      "memory_effectiveness_rate_pct",
			Help:      "Success rate of completed episodes, split by whether memory was cited.",
		}, []string{"memory_cited"}),
		distillQuality: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "eidos",
			Name:      "distillation_effectiveness_pct",
			Help:      "Percentage of uses of a distillation kind that were reported as having helped.",
		}, []string{"kind"}),
	}
}

// Collectors returns every gauge vector this calculator updates, for
// registration with a prometheus.Registerer.
func (c *Calculator) Collectors() []prometheus.Collector {
	return []prometheus.Collector{c.compoundingRate, c.reuseRate, c.effectiveness, c.distillQuality}
}

// Snapshot computes the full health report and refreshes the Prometheus
// gauges to match, so a scrape taken right after Snapshot always agrees
// with the returned Health.
func (c *Calculator) Snapshot() (Health, error) {
	counts, err := c.store.Counts(time.Now().Add(-staleAfter))
	if err != nil {
		return Health{}, fmt.Errorf("metrics: snapshot: %w", err)
	}
	compounding, err := c.store.CompoundingRate()
	if err != nil {
		return Health{}, fmt.Errorf("metrics: snapshot: %w", err)
	}
	reuse, err := c.store.ReuseRate()
	if err != nil {
		return Health{}, fmt.Errorf("metrics: snapshot: %w", err)
	}
	effectiveness, err := c.store.MemoryEffectiveness()
	if err != nil {
		return Health{}, fmt.Errorf("metrics: snapshot: %w", err)
	}
	loops, err := c.store.LoopSuppression(loopRetryThreshold)
	if err != nil {
		return Health{}, fmt.Errorf("metrics: snapshot: %w", err)
	}
	distillations, err := c.store.DistillationQuality()
	if err != nil {
		return Health{}, fmt.Errorf("metrics: snapshot: %w", err)
	}

	h := Health{
		Counts:        counts,
		Compounding:   compounding,
		Reuse:         reuse,
		Effectiveness: effectiveness,
		Loops:         loops,
		Distillations: distillations,
	}

	h.CompoundingRatePct = pct(compounding.MemoryLedToSuccess, compounding.TotalEpisodes)
	if h.CompoundingRatePct >= compoundingRateTarget {
		h.CompoundingStatus = "on_track"
	} else {
		h.CompoundingStatus = "below_target"
	}
	h.ReuseRatePct = pct(reuse.StepsCitingMemory, reuse.TotalSteps)
	h.WithMemoryRatePct = pct(effectiveness.WithMemorySuccesses, effectiveness.WithMemoryEpisodes)
	h.WithoutMemoryRatePct = pct(effectiveness.WithoutMemorySuccesses, effectiveness.WithoutMemoryEpisodes)
	h.MemoryAdvantagePct = h.WithMemoryRatePct - h.WithoutMemoryRatePct

	c.compoundingRate.WithLabelValues().Set(h.CompoundingRatePct)
	c.reuseRate.WithLabelValues().Set(h.ReuseRatePct)
	c.effectiveness.WithLabelValues("true").Set(h.WithMemoryRatePct)
	c.effectiveness.WithLabelValues("false").Set(h.WithoutMemoryRatePct)
	for _, d := range distillations {
		c.distillQuality.WithLabelValues(d.Kind).Set(pct(d.Helped, d.Uses))
	}

	return h, nil
}

func pct(numerator, denominator int) float64 {
	if denominator == 0 {
		return 0
	}
	return 100.0 * float64(numerator) / float64(denominator)
}
