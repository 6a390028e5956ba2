package telemetry

// This file contains metric declarations for all modules
// It's in the telemetry package to avoid import cycles

func init() {
	// Control loop metrics
	DeclareMetrics("control_loop", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:    "control_loop.startup.duration_ms",
				Type:    "histogram",
				Help:    "Control loop initialization time in milliseconds",
				Labels:  []string{"execution_mode"},
				Unit:    "ms",
				Buckets: []float64{10, 50, 100, 500, 1000, 5000},
			},
			{
				Name:   "control_loop.iteration.count",
				Type:   "gauge",
				Help:   "Current supervisor iteration count",
				Labels: []string{"execution_mode"},
			},
			{
				Name:   "control_loop.health",
				Type:   "gauge",
				Help:   "Supervisor health status (0=halted, 1=running)",
				Labels: []string{"execution_mode"},
			},
			{
				Name:   "control_loop.task.executions",
				Type:   "counter",
				Help:   "Task dispatch count",
				Labels: []string{"task_type", "provider"},
			},
			{
				Name:    "control_loop.task.duration_ms",
				Type:    "histogram",
				Help:    "Task dispatch duration in milliseconds",
				Labels:  []string{"task_type", "provider", "status"},
				Unit:    "ms",
				Buckets: []float64{1, 10, 100, 1000, 10000},
			},
			{
				Name:   "control_loop.task.errors",
				Type:   "counter",
				Help:   "Task dispatch errors",
				Labels: []string{"task_type", "provider", "error_type"},
			},
		},
	})

	// Task queue metrics
	DeclareMetrics("task_queue", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   "task_queue.enqueues",
				Type:   "counter",
				Help:   "Tasks pushed onto the queue",
				Labels: []string{"queue_name"},
			},
			{
				Name:   "task_queue.dequeues",
				Type:   "counter",
				Help:   "Tasks popped off the queue",
				Labels: []string{"queue_name"},
			},
			{
				Name:   "task_queue.drains",
				Type:   "counter",
				Help:   "Full-queue drain operations",
				Labels: []string{"queue_name", "result"},
			},
			{
				Name:    "task_queue.operation.duration_ms",
				Type:    "histogram",
				Help:    "Queue operation duration",
				Labels:  []string{"queue_name", "operation"},
				Unit:    "ms",
				Buckets: []float64{0.1, 1, 10, 100, 1000},
			},
			{
				Name:   "task_queue.exhausted",
				Type:   "counter",
				Help:   "Queue-exhausted transitions",
				Labels: []string{"queue_name"},
			},
			{
				Name:   "task_queue.depth",
				Type:   "gauge",
				Help:   "Current queue depth",
				Labels: []string{"queue_name"},
			},
		},
	})

	// Validation cache metrics
	DeclareMetrics("validation_cache", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   "validation_cache.operations",
				Type:   "counter",
				Help:   "Validation cache operations",
				Labels: []string{"operation"},
			},
			{
				Name:   "validation_cache.size_bytes",
				Type:   "gauge",
				Help:   "Approximate validation cache size in bytes",
				Labels: []string{},
			},
			{
				Name:   "validation_cache.evictions",
				Type:   "counter",
				Help:   "Validation cache evictions",
				Labels: []string{"reason"},
			},
			{
				Name:   "validation_cache.hits",
				Type:   "counter",
				Help:   "Validation cache hits",
				Labels: []string{},
			},
			{
				Name:   "validation_cache.misses",
				Type:   "counter",
				Help:   "Validation cache misses",
				Labels: []string{},
			},
		},
	})
}
