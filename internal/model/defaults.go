package model

import "time"

// Shared defaults used by the daemon and the client CLI.
const (
	DefaultMailLogPath      = "/var/log/mail.log"
	DefaultQueueInterval    = 30 * time.Second
	DefaultStatsInterval    = 10 * time.Second
	DefaultServicesInterval = 15 * time.Second

	// RecentLogCap bounds AggregatedState.RecentLogs; oldest entries are
	// evicted first.
	RecentLogCap = 1000

	// Subscriber channel capacities. Log volume is bursty, so log
	// subscribers get a deeper buffer than state/snapshot subscribers.
	DefaultSubscriberBuffer    = 64
	DefaultLogSubscriberBuffer = 256
)
