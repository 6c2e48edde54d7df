// Package metrics holds the prometheus collectors for dilated connections.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	In  = "in"
	Out = "out"
)

var (
	registerOnce sync.Once

	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wormhole",
			Subsystem: "dilation",
			Name:      "frames_total",
			Help:      "Frames sent and received.",
		},
		[]string{"direction"},
	)
	records = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wormhole",
			Subsystem: "dilation",
			Name:      "records_total",
			Help:      "Records sent and received, by record type.",
		},
		[]string{"direction", "type"},
	)
	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wormhole",
			Subsystem: "dilation",
			Name:      "errors_total",
			Help:      "Connections torn down, by kind of error.",
		},
		[]string{"kind"},
	)
	subchannelsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wormhole",
			Subsystem: "dilation",
			Name:      "subchannels_open",
			Help:      "Subchannels currently open.",
		},
	)
)

// Register registers the collectors with the default registry. It is safe to
// call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(frames, records, errorsTotal, subchannelsOpen)
	})
}

func Frame(direction string) {
	Register()
	frames.WithLabelValues(direction).Inc()
}

func Record(direction, typ string) {
	Register()
	records.WithLabelValues(direction, typ).Inc()
}

// Error counts a connection failure. Kind is a short name like "framing" or
// "decrypt".
func Error(kind string) {
	Register()
	errorsTotal.WithLabelValues(kind).Inc()
}

func SubchannelOpened() {
	Register()
	subchannelsOpen.Inc()
}

func SubchannelClosed() {
	Register()
	subchannelsOpen.Dec()
}
