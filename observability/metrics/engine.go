package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type EngineMetrics struct {
	entriesApplied  *prometheus.CounterVec
	entriesRejected *prometheus.CounterVec
	giftTransitions *prometheus.CounterVec
	redemptions     *prometheus.CounterVec
	swapCharges     prometheus.Counter
	expirySweepSize prometheus.Gauge
}

var (
	engineOnce     sync.Once
	engineRegistry *EngineMetrics
)

func Engine() *EngineMetrics {
	engineOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			entriesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_ledger_entries_applied_total",
				Help: "Count of committed ledger entries by reason.",
			}, []string{"reason"}),
			entriesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_ledger_entries_rejected_total",
				Help: "Count of rejected ledger applications by cause.",
			}, []string{"cause"}),
			giftTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_gift_transitions_total",
				Help: "Count of gift state transitions by target state.",
			}, []string{"state"}),
			redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_selection_redemptions_total",
				Help: "Count of slot redemptions by cadence.",
			}, []string{"cadence"}),
			swapCharges: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rewards_selection_paid_swaps_total",
				Help: "Count of selection swaps charged in Claims.",
			}),
			expirySweepSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rewards_gift_expiry_sweep_size",
				Help: "Number of gifts expired by the most recent housekeeping sweep.",
			}),
		}
		prometheus.MustRegister(
			engineRegistry.entriesApplied,
			engineRegistry.entriesRejected,
			engineRegistry.giftTransitions,
			engineRegistry.redemptions,
			engineRegistry.swapCharges,
			engineRegistry.expirySweepSize,
		)
	})
	return engineRegistry
}

func (m *EngineMetrics) EntryApplied(reason string) {
	if m == nil {
		return
	}
	m.entriesApplied.WithLabelValues(reason).Inc()
}

func (m *EngineMetrics) EntryRejected(cause string) {
	if m == nil {
		return
	}
	m.entriesRejected.WithLabelValues(cause).Inc()
}

func (m *EngineMetrics) GiftTransition(state string) {
	if m == nil {
		return
	}
	m.giftTransitions.WithLabelValues(state).Inc()
}

func (m *EngineMetrics) SelectionRedeemed(cadence string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(cadence).Inc()
}

func (m *EngineMetrics) PaidSwap() {
	if m == nil {
		return
	}
	m.swapCharges.Inc()
}

func (m *EngineMetrics) ExpirySweep(expired int) {
	if m == nil {
		return
	}
	m.expirySweepSize.Set(float64(expired))
}
