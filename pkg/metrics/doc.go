/*
Package metrics defines and registers the Prometheus metrics exposed by
Portal: cache size and eviction counts, write-batch flush latency and
size, index queue depth and lag, and permission denials. Metrics are
exposed via Handler() for scraping by a Prometheus server; Portal itself
does not run an HTTP server (packaging/HTTP surfaces are out of scope).
*/
package metrics
