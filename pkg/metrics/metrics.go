// Package metrics exposes the node counters as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "freakwan_frames_received_total",
		Help: "Radio frames received, CRC failures included.",
	})

	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "freakwan_frames_sent_total",
		Help: "Radio frames handed to the transmitter.",
	})

	FramesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "freakwan_frames_relayed_total",
		Help: "DATA frames enqueued for mesh relaying.",
	})

	DuplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "freakwan_duplicates_dropped_total",
		Help: "DATA frames suppressed by the processed cache.",
	})

	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "freakwan_decode_errors_total",
		Help: "Frames the codec rejected.",
	})

	AcksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "freakwan_acks_received_total",
		Help: "ACK frames matching a message in the processed cache.",
	})

	DutyCyclePerc = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "freakwan_duty_cycle_percent",
		Help: "Transmitter duty cycle over the sliding window.",
	})

	Neighbors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "freakwan_neighbors",
		Help: "Nodes currently in the neighbor table.",
	})

	SendQueueLen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "freakwan_send_queue_length",
		Help: "Messages waiting in the send queue.",
	})
)
