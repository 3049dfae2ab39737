package model

// StateReader provides read access to the aggregated daemon state.
// Implementations return clones; callers never hold the live state.
type StateReader interface {
	Snapshot() AggregatedState
	RecentLogs(limit int, level LogLevel, source string) []LogEntry
}

// LogTailer returns the last n lines of a log file as classified entries.
// A nonexistent file yields an empty slice, not an error.
type LogTailer interface {
	Tail(path string, n int) ([]LogEntry, error)
}

// QueueChecker produces a point-in-time queue snapshot on demand.
type QueueChecker interface {
	CheckOnce() QueueSnapshot
}

// StatsSampler produces a host snapshot on demand. CollectOnce blocks for
// the duration of the CPU sampling window.
type StatsSampler interface {
	CollectOnce() SystemSnapshot
}

// ServiceAction is a permitted systemctl verb.
type ServiceAction string

const (
	ActionStart   ServiceAction = "start"
	ActionStop    ServiceAction = "stop"
	ActionRestart ServiceAction = "restart"
	ActionReload  ServiceAction = "reload"
	ActionEnable  ServiceAction = "enable"
	ActionDisable ServiceAction = "disable"
)

// ServiceController controls and inspects the mail-stack systemd units.
// Every method rejects names outside the service allow-list.
type ServiceController interface {
	Status(name string) (ServiceState, error)
	Control(name string, action ServiceAction) error
	List() []ServiceState
}

// InstallRunner drives install pipeline runs for the RPC surface.
// One run is active at a time; Events yields the current run's progress.
type InstallRunner interface {
	Start(cfg InstallConfig) error
	Resume(cfg InstallConfig, completedSteps []string) error
	State() []InstallProgress
	Events() <-chan InstallProgress
}
