// Package metrics exposes engine counters on the default prometheus
// registerer. The surrounding application decides whether to serve them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	sendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtc_sends_total",
		Help: "Outbound message send attempts.",
	})

	sendsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtc_sends_failed_total",
		Help: "Outbound message sends that settled as failed.",
	})

	reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtc_channel_reconnects_total",
		Help: "Websocket sessions re-established after a drop.",
	})

	activeCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtc_active_calls",
		Help: "Call sessions currently in a non-terminal state.",
	})

	callOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtc_call_outcomes_total",
		Help: "Terminal call outcomes by end reason.",
	}, []string{"reason"})

	typingExpiries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtc_typing_expiries_total",
		Help: "Typing indicators cleared by timeout rather than a stop signal.",
	})

	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtc_cache_hits_total",
		Help: "Timeline cache reads that returned a snapshot.",
	})

	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtc_cache_misses_total",
		Help: "Timeline cache reads that found nothing.",
	})

	staleSignals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtc_call_stale_signals_total",
		Help: "Call signals discarded for a mismatched call id or sender.",
	})
)

func init() {
	prometheus.MustRegister(
		sendsTotal,
		sendsFailed,
		reconnects,
		activeCalls,
		callOutcomes,
		typingExpiries,
		cacheHits,
		cacheMisses,
		staleSignals,
	)
}

func ObserveSend() { sendsTotal.Inc() }
func ObserveSendFailed() { sendsFailed.Inc() }
func ObserveReconnect() { reconnects.Inc() }
func ObserveCallStarted() { activeCalls.Inc() }

func ObserveCallEnded(reason string) {
	activeCalls.Dec()
	callOutcomes.WithLabelValues(reason).Inc()
}

func ObserveTypingExpiry() { typingExpiries.Inc() }
func ObserveStaleSignal() { staleSignals.Inc() }

func ObserveCacheRead(hit bool) {
	if hit {
		cacheHits.Inc()
		return
	}
	cacheMisses.Inc()
}
