// Package metric provides the Prometheus metrics of the telemetry pipeline.
//
// NewMetricsRegistry builds a private prometheus.Registry holding the pipeline metrics
// (transport state and traffic, normalizer outcomes, store size, geofence evaluations)
// plus Go runtime collectors. Components receive the *Metrics value; a nil *Metrics is
// accepted everywhere and records nothing, which keeps tests free of registry setup.
//
// Components that need their own collectors register them with Register, keyed by
// component and metric name; duplicates return a classified invalid error.
package metric
