package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_tasks_created_total",
			Help: "Total tasks accepted, by tool.",
		},
		[]string{"tool"},
	)

	tasksRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_tasks_rejected_total",
			Help: "Total task submissions rejected before creation, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(tasksCreated, tasksRejected)
}
