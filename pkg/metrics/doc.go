// Package metrics defines Prometheus metrics for the chaser service,
// covering mail delivery, dispatch retries, ledger writes, chase runs,
// audit sinks, and raw-data ingestion.
package metrics
