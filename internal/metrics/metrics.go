// Package metrics exposes gidget's internal counters through
// rcrowley/go-metrics. These are purely observational: nothing here changes
// dispatch behavior, deduplicates events, or rate-limits anything — it only
// counts what already happened.
package metrics

import "github.com/rcrowley/go-metrics"

var registry = metrics.NewRegistry()

var (
	// EventsSeen counts every event record decoded off the notification
	// adapter, including ones later found to reference an unknown watch.
	EventsSeen = metrics.NewRegisteredCounter("gidget.events_seen", registry)

	// WorkersSpawned counts workers that got as far as running their
	// command; a worker that fails earlier (e.g. resolving its user) is not
	// counted.
	WorkersSpawned = metrics.NewRegisteredCounter("gidget.workers_spawned", registry)

	// MailSent counts successful mail-transport invocations.
	MailSent = metrics.NewRegisteredCounter("gidget.mail_sent", registry)

	// Unmounts, QueueOverflows, and WatchesRemoved count the three
	// report-only kernel disturbance bits a worker can observe on an event.
	Unmounts       = metrics.NewRegisteredCounter("gidget.unmounts", registry)
	QueueOverflows = metrics.NewRegisteredCounter("gidget.queue_overflows", registry)
	WatchesRemoved = metrics.NewRegisteredCounter("gidget.watches_removed", registry)
)

// Registry exposes the underlying go-metrics registry, e.g. for a future
// /debug endpoint or periodic log dump.
func Registry() metrics.Registry { return registry }
