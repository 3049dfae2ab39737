package install

import (
	"context"
	"fmt"
	"log"

	"github.com/ceymail/ceymail-mc/internal/model"
	"github.com/ceymail/ceymail-mc/internal/validate"
)

// StepError is a step failure: which step, at which index, and a
// message fit for showing to the operator.
type StepError struct {
	Step    string
	Index   int
	Message string
}

func (e *StepError) Error() string {
	return e.Step + ": " + e.Message
}

// ProgressFunc receives every status transition during a run. It is
// called synchronously; implementations must not block.
type ProgressFunc func(model.InstallProgress)

// credentialStore is what the pipeline needs from the secret backend.
type credentialStore interface {
	Store(name string, value []byte) error
}

// Orchestrator owns the step pipeline for one installation. It is not
// safe for concurrent use; the service layer serializes runs.
type Orchestrator struct {
	cfg   model.InstallConfig
	steps []StepState
	run   commandRunner
	creds credentialStore

	// fsRoot prefixes every absolute path the steps touch, so tests can
	// point the pipeline at a scratch directory.
	fsRoot string
}

// Option adjusts orchestrator construction.
type Option func(*Orchestrator)

// WithCredentialStore persists generated secrets (database password)
// instead of discarding them.
func WithCredentialStore(cs credentialStore) Option {
	return func(o *Orchestrator) { o.creds = cs }
}

func withRunner(r commandRunner) Option {
	return func(o *Orchestrator) { o.run = r }
}

func withFSRoot(root string) Option {
	return func(o *Orchestrator) { o.fsRoot = root }
}

// NewOrchestrator builds a pipeline with every step Pending.
func NewOrchestrator(cfg model.InstallConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		steps:  newSteps(),
		run:    execRunner{},
		fsRoot: "/",
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the immutable install configuration.
func (o *Orchestrator) Config() model.InstallConfig {
	return o.cfg
}

// States returns a copy of all step states.
func (o *Orchestrator) States() []StepState {
	out := make([]StepState, len(o.steps))
	copy(out, o.steps)
	return out
}

// Validate checks the whole configuration in a fixed order: hostname,
// mail domain, admin email, password strength. It has no side effects.
func (o *Orchestrator) Validate() error {
	if err := validate.Hostname(o.cfg.Hostname); err != nil {
		return &StepError{Step: "validation", Index: -1, Message: err.Error()}
	}
	if err := validate.Domain(o.cfg.MailDomain); err != nil {
		return &StepError{Step: "validation", Index: -1, Message: fmt.Sprintf("invalid mail domain: %v", err)}
	}
	if err := validate.Email(o.cfg.AdminEmail); err != nil {
		return &StepError{Step: "validation", Index: -1, Message: fmt.Sprintf("invalid admin email: %v", err)}
	}
	if err := validate.Password(o.cfg.AdminPassword); err != nil {
		return &StepError{Step: "validation", Index: -1, Message: fmt.Sprintf("weak admin password: %v", err)}
	}
	return nil
}

// RunAll executes every step in order. The configuration is validated
// before any step runs, so an invalid config fails with all steps still
// Pending. A step failure halts the pipeline; later steps are not
// attempted.
func (o *Orchestrator) RunAll(ctx context.Context, onProgress ProgressFunc) error {
	if onProgress == nil {
		onProgress = func(model.InstallProgress) {}
	}
	if err := o.Validate(); err != nil {
		return err
	}

	for i := range o.steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		o.steps[i].Status = StatusInProgress
		o.steps[i].ProgressPercent = 0
		onProgress(o.steps[i].Progress(i, NumSteps))

		msg, err := o.execute(ctx, o.steps[i].Kind)
		if err != nil {
			log.Printf("install: step %s failed: %v", o.steps[i].Kind.Name(), err)
			o.steps[i].Status = StatusFailed
			o.steps[i].FailureMessage = err.Error()
			o.steps[i].Message = err.Error()
			onProgress(o.steps[i].Progress(i, NumSteps))
			return &StepError{Step: o.steps[i].Kind.Name(), Index: i, Message: err.Error()}
		}

		o.steps[i].Status = StatusCompleted
		o.steps[i].ProgressPercent = 100
		o.steps[i].Message = msg
		onProgress(o.steps[i].Progress(i, NumSteps))
	}
	return nil
}

// RunStep executes a single step by index and returns its updated
// state. Unlike RunAll it neither validates the configuration nor emits
// progress; callers drive their own reporting.
func (o *Orchestrator) RunStep(ctx context.Context, index int) (StepState, error) {
	if index < 0 || index >= len(o.steps) {
		return StepState{}, &StepError{
			Step:    fmt.Sprintf("index_%d", index),
			Index:   index,
			Message: "step index out of bounds",
		}
	}

	o.steps[index].Status = StatusInProgress
	o.steps[index].ProgressPercent = 0

	msg, err := o.execute(ctx, o.steps[index].Kind)
	if err != nil {
		o.steps[index].Status = StatusFailed
		o.steps[index].FailureMessage = err.Error()
		o.steps[index].Message = err.Error()
		return o.steps[index], &StepError{Step: o.steps[index].Kind.Name(), Index: index, Message: err.Error()}
	}

	o.steps[index].Status = StatusCompleted
	o.steps[index].ProgressPercent = 100
	o.steps[index].Message = msg
	return o.steps[index], nil
}

// Resume continues an interrupted run. Steps named in completed are
// assumed done; execution starts at len(completed) and proceeds through
// the remaining steps, emitting each step's final state, stopping at
// the first failure.
func (o *Orchestrator) Resume(ctx context.Context, completed []string, onProgress ProgressFunc) error {
	if onProgress == nil {
		onProgress = func(model.InstallProgress) {}
	}
	for i := 0; i < len(completed) && i < len(o.steps); i++ {
		o.steps[i].Status = StatusCompleted
		o.steps[i].ProgressPercent = 100
	}

	for i := len(completed); i < len(o.steps); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		state, err := o.RunStep(ctx, i)
		if err != nil {
			return err
		}
		onProgress(state.Progress(i, NumSteps))
	}
	return nil
}

// execute dispatches on the closed step enumeration.
func (o *Orchestrator) execute(ctx context.Context, k StepKind) (string, error) {
	switch k {
	case StepSystemCheck:
		return o.stepSystemCheck(ctx)
	case StepPHPInstall:
		return o.stepPHPInstall(ctx)
	case StepCorePackages:
		return o.stepCorePackages(ctx)
	case StepDomainConfig:
		return o.stepDomainConfig(ctx)
	case StepDatabaseSetup:
		return o.stepDatabaseSetup(ctx)
	case StepSSLCertificates:
		return o.stepSSLCertificates(ctx)
	case StepServiceConfig:
		return o.stepServiceConfig(ctx)
	case StepDKIMSetup:
		return o.stepDKIMSetup(ctx)
	case StepPermissions:
		return o.stepPermissions(ctx)
	case StepEnableServices:
		return o.stepEnableServices(ctx)
	case StepAdminAccount:
		return o.stepAdminAccount(ctx)
	case StepSummary:
		return o.stepSummary(ctx)
	}
	return "", fmt.Errorf("unknown step kind %d", k)
}
