package sim

import "github.com/prometheus/client_golang/prometheus"

type serverMetrics struct {
	samples        prometheus.Counter
	heaterCommands prometheus.Counter
	targetCommands prometheus.Counter
	dropped        prometheus.Counter
	temperature    prometheus.Gauge
	heaterOn       prometheus.Gauge
	clients        prometheus.Gauge
}

func newServerMetrics(registry *prometheus.Registry) *serverMetrics {
	m := &serverMetrics{
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brewsim_samples_published_total",
			Help: "Total number of samples published to the feed.",
		}),
		heaterCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brewsim_heater_commands_total",
			Help: "Total number of heater commands accepted.",
		}),
		targetCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brewsim_target_commands_total",
			Help: "Total number of target temperature commands accepted.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brewsim_feed_dropped_total",
			Help: "Total number of samples dropped on slow feed clients.",
		}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brewsim_temperature_celsius",
			Help: "Current kettle temperature.",
		}),
		heaterOn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brewsim_heater_on",
			Help: "Whether the heater is currently on.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brewsim_feed_clients",
			Help: "Number of connected feed clients.",
		}),
	}
	registry.MustRegister(
		m.samples,
		m.heaterCommands,
		m.targetCommands,
		m.dropped,
		m.temperature,
		m.heaterOn,
		m.clients,
	)
	return m
}
