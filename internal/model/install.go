package model

// InstallConfig is the immutable input to the install pipeline. It is
// validated once, in full, before any step executes.
type InstallConfig struct {
	Hostname      string `yaml:"hostname"`
	MailDomain    string `yaml:"mail_domain"`
	AdminEmail    string `yaml:"admin_email"`
	AdminPassword string `yaml:"admin_password"`
	PHPVersion    string `yaml:"php_version"`
}

// Wire status vocabulary for install progress events.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	// Failed steps carry "failed: {message}".
	StatusFailedPrefix = "failed: "
)

// InstallProgress is the wire-facing projection of one step's state,
// emitted on every status transition during a run.
type InstallProgress struct {
	StepName        string
	StepLabel       string
	Status          string
	ProgressPercent uint8
	Message         string
	StepIndex       int
	TotalSteps      int
}
