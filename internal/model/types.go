package model

import "time"

// LogLevel classifies a mail-log line by content.
type LogLevel string

const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// LogEntry represents a single classified mail-log line. It is the canonical
// type for transport (socket RPC), aggregation, and export. Immutable once
// created.
type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Source    string // originating service parsed from the syslog line
	Message   string
}

// QueueSnapshot holds per-state mail queue counts at one instant.
// Total always equals Active + Deferred + Hold + Bounce.
type QueueSnapshot struct {
	Timestamp time.Time
	Active    int
	Deferred  int
	Hold      int
	Bounce    int
	Total     int
}

// CPUStats holds aggregate and per-core CPU utilization percentages.
type CPUStats struct {
	UsagePercent float64
	PerCore      []float64
}

// MemoryStats holds memory usage in bytes.
type MemoryStats struct {
	Total     uint64
	Used      uint64
	Available uint64
	SwapTotal uint64
	SwapUsed  uint64
}

// DiskStats holds usage for one mounted filesystem, in bytes.
type DiskStats struct {
	MountPoint string
	Total      uint64
	Used       uint64
	Available  uint64
}

// LoadAverages holds the 1/5/15 minute load averages.
type LoadAverages struct {
	One     float64
	Five    float64
	Fifteen float64
}

// SystemSnapshot is one complete host resource sample.
type SystemSnapshot struct {
	Timestamp time.Time
	CPU       CPUStats
	Memory    MemoryStats
	Disks     []DiskStats
	LoadAvg   LoadAverages
}

// ServiceState describes one systemd unit as reported by the service
// controller. Zero PID/MemoryBytes/UptimeSeconds mean the property was
// unavailable.
type ServiceState struct {
	Name          string
	Active        bool
	Status        string // ActiveState (SubState), e.g. "active (running)"
	PID           int
	MemoryBytes   uint64
	UptimeSeconds uint64
}

// AggregatedState is the single merged view of services, stats, queue, and
// recent logs. Exactly one live instance exists per daemon process, owned by
// the state aggregator; everything else sees clones.
type AggregatedState struct {
	Services    []ServiceState
	LatestStats *SystemSnapshot
	LatestQueue *QueueSnapshot
	RecentLogs  []LogEntry
	LastUpdated time.Time
}
