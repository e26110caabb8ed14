package runner

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal status.",
		},
		[]string{"tool", "status"},
	)

	samplesProduced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_task_samples_total",
			Help: "Total number of samples produced.",
		},
		[]string{"tool"},
	)

	taskRunSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_task_run_seconds",
			Help:    "Task run time in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"tool"},
	)

	tasksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_tasks_in_flight",
		Help: "Number of tasks currently driven by this process.",
	})
)

func init() {
	prometheus.MustRegister(tasksFinished)
	prometheus.MustRegister(samplesProduced)
	prometheus.MustRegister(taskRunSeconds)
	prometheus.MustRegister(tasksInFlight)
}
