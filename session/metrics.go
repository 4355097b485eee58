package session

import "github.com/prometheus/client_golang/prometheus"

var FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "workspace_frames_received_total",
	Help: "Inbound collaboration frames by kind",
}, []string{"kind"})

var FramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "workspace_frames_sent_total",
	Help: "Outbound collaboration frames by kind",
}, []string{"kind"})

var SessionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "workspace_session_errors_total",
	Help: "Non-fatal session errors by class",
}, []string{"class"})

var OutQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "workspace_out_queue_depth",
	Help: "Frames waiting in the outbound queue",
}, []string{"document"})

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(FramesReceived, FramesSent, SessionErrors, OutQueueDepth)
}
