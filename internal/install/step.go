// Package install drives the provisioning pipeline that turns a fresh
// Debian/Ubuntu host into a fully configured CeyMail mail server. Steps
// run strictly in order; a failed step halts the pipeline and later
// steps stay pending until a resume.
package install

import (
	"github.com/ceymail/ceymail-mc/internal/model"
)

// StepKind identifies one pipeline step. The set is closed: adding a
// step means adding a constant here and a case to every switch below,
// which the compiler and tests enforce together.
type StepKind int

const (
	StepSystemCheck StepKind = iota
	StepPHPInstall
	StepCorePackages
	StepDomainConfig
	StepDatabaseSetup
	StepSSLCertificates
	StepServiceConfig
	StepDKIMSetup
	StepPermissions
	StepEnableServices
	StepAdminAccount
	StepSummary

	stepCount
)

// NumSteps is the length of the pipeline.
const NumSteps = int(stepCount)

func (k StepKind) Name() string {
	switch k {
	case StepSystemCheck:
		return "system_check"
	case StepPHPInstall:
		return "php_install"
	case StepCorePackages:
		return "core_packages"
	case StepDomainConfig:
		return "domain_config"
	case StepDatabaseSetup:
		return "database_setup"
	case StepSSLCertificates:
		return "ssl_certificates"
	case StepServiceConfig:
		return "service_config"
	case StepDKIMSetup:
		return "dkim_setup"
	case StepPermissions:
		return "permissions"
	case StepEnableServices:
		return "enable_services"
	case StepAdminAccount:
		return "admin_account"
	case StepSummary:
		return "summary"
	}
	return "unknown"
}

func (k StepKind) Label() string {
	switch k {
	case StepSystemCheck:
		return "System Check"
	case StepPHPInstall:
		return "PHP Installation"
	case StepCorePackages:
		return "Core Packages"
	case StepDomainConfig:
		return "Domain Configuration"
	case StepDatabaseSetup:
		return "Database Setup"
	case StepSSLCertificates:
		return "SSL Certificates"
	case StepServiceConfig:
		return "Service Configuration"
	case StepDKIMSetup:
		return "DKIM Setup"
	case StepPermissions:
		return "Permissions"
	case StepEnableServices:
		return "Enable Services"
	case StepAdminAccount:
		return "Admin Account"
	case StepSummary:
		return "Summary"
	}
	return "Unknown"
}

// StepStatus is the lifecycle of one step within a run.
type StepStatus int

const (
	StatusPending StepStatus = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
)

// StepState tracks one step through a run. FailureMessage is set only
// when Status is StatusFailed.
type StepState struct {
	Kind            StepKind
	Status          StepStatus
	ProgressPercent uint8
	Message         string
	FailureMessage  string
}

// Progress projects a step state onto the wire representation.
func (s StepState) Progress(index, total int) model.InstallProgress {
	var status string
	switch s.Status {
	case StatusPending:
		status = model.StatusPending
	case StatusInProgress:
		status = model.StatusInProgress
	case StatusCompleted:
		status = model.StatusCompleted
	case StatusFailed:
		status = model.StatusFailedPrefix + s.FailureMessage
	}
	return model.InstallProgress{
		StepName:        s.Kind.Name(),
		StepLabel:       s.Kind.Label(),
		Status:          status,
		ProgressPercent: s.ProgressPercent,
		Message:         s.Message,
		StepIndex:       index,
		TotalSteps:      total,
	}
}

func newSteps() []StepState {
	steps := make([]StepState, NumSteps)
	for i := range steps {
		steps[i] = StepState{Kind: StepKind(i), Status: StatusPending}
	}
	return steps
}
