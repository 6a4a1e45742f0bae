// Package metrics exposes KAPP's Prometheus metrics: asset counts by
// status, wallet pool utilization, queue depth by state, publish
// latency/outcome, and the health/readiness HTTP handlers. Collector fills
// the gauges by polling AssetStore, WalletPool, and JobQueue on a timer.
package metrics
