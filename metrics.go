package hda

import (
	"github.com/rcrowley/go-metrics"
)

type deviceMetrics struct {
	verbs       metrics.Counter
	timeouts    metrics.Counter
	unsolicited metrics.Counter
	interrupts  metrics.Counter
	buffers     metrics.Counter
	state       metrics.Gauge
}

func newDeviceMetrics(r metrics.Registry) *deviceMetrics {
	return &deviceMetrics{
		verbs:       metrics.GetOrRegisterCounter("hda.verbs", r),
		timeouts:    metrics.GetOrRegisterCounter("hda.verbs.timeout", r),
		unsolicited: metrics.GetOrRegisterCounter("hda.unsolicited", r),
		interrupts:  metrics.GetOrRegisterCounter("hda.interrupts", r),
		buffers:     metrics.GetOrRegisterCounter("hda.buffers.completed", r),
		state:       metrics.GetOrRegisterGauge("hda.state", r),
	}
}
