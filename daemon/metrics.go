package daemon

import "github.com/docker/go-metrics"

var (
	requestActions  metrics.LabeledTimer
	requestsCounter metrics.LabeledCounter
	cacheHits       metrics.Counter
	cacheMisses     metrics.Counter
	cacheStores     metrics.Counter
	sessionsCounter metrics.Counter
)

func init() {
	ns := metrics.NewNamespace("lattice", "daemon", nil)
	requestActions = ns.NewLabeledTimer("request_phases", "The number of seconds it takes to run each request phase", "phase")
	for _, p := range []string{
		"map",
		"header_parse",
		"fixup",
		"respond",
		"send",
		"cleanup",
	} {
		requestActions.WithValues(p).Update(0)
	}
	requestsCounter = ns.NewLabeledCounter("requests", "The total number of requests served", "status")
	cacheHits = ns.NewCounter("cache_hits", "The total number of responses served from the response cache")
	cacheMisses = ns.NewCounter("cache_misses", "The total number of cache lookups that required a compile")
	cacheStores = ns.NewCounter("cache_stores", "The total number of responses stored into the cache")
	sessionsCounter = ns.NewCounter("sessions", "The total number of fresh session identifiers issued")
	metrics.Register(ns)
}
