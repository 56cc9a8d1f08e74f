package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	pushConnsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "push_connections",
		Help: "open push connections",
	})
	pushDropsCtr = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_dropped_messages_total",
		Help: "push messages dropped due to backpressure",
	})
	pushSentCtr = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_messages_total",
		Help: "push messages written to connections",
	})
	pollCtr = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "poll_requests_total",
		Help: "successful poll resolutions",
	})
	webhookDeliveredCtr = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "webhook deliveries acknowledged with 2xx",
	})
	webhookFailedCtr = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhook_failures_total",
		Help: "failed webhook delivery attempts",
	})
	webhookQueueGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "webhook_queue_depth",
		Help: "queued webhook deliveries",
	})
	webhookDroppedCtr = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhook_dropped_total",
		Help: "webhook deliveries dropped on dispatch queue overflow",
	})
)

func init() {
	prometheus.MustRegister(
		pushConnsGauge, pushDropsCtr, pushSentCtr, pollCtr,
		webhookDeliveredCtr, webhookFailedCtr, webhookQueueGauge, webhookDroppedCtr,
	)
}
