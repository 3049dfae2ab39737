package install

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ceymail/ceymail-mc/internal/journal"
	"github.com/ceymail/ceymail-mc/internal/model"
)

// ErrInstallRunning reports that a run is already in flight.
var ErrInstallRunning = errors.New("an installation is already running")

const (
	// eventBuffer bounds the progress channel; events are dropped, not
	// blocked on, when the consumer lags.
	eventBuffer = 64

	errorStepName   = "error"
	errorStepLabel  = "Error"
	resumeStepName  = "step_%d"
	resumeStepGuard = "step_"
)

// Service serializes install runs and streams their progress. It owns
// the step journal, so interrupted runs can resume from what actually
// finished.
type Service struct {
	mu      sync.Mutex
	running bool
	orch    *Orchestrator

	events chan model.InstallProgress
	jnl    *journal.Journal
	opts   []Option

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewService builds an install service. jnl may be nil, which disables
// resume-from-journal. opts are applied to every orchestrator the
// service creates.
func NewService(jnl *journal.Journal, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		events: make(chan model.InstallProgress, eventBuffer),
		jnl:    jnl,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Events returns the progress stream of the active run. The stream is
// meant for a single consumer; events overflowing the buffer are
// dropped rather than blocking the pipeline.
func (s *Service) Events() <-chan model.InstallProgress {
	return s.events
}

// State projects the current step states. Before any run, every step
// is pending.
func (s *Service) State() []model.InstallProgress {
	s.mu.Lock()
	orch := s.orch
	s.mu.Unlock()

	states := newSteps()
	if orch != nil {
		states = orch.States()
	}

	out := make([]model.InstallProgress, len(states))
	for i, st := range states {
		out[i] = st.Progress(i, NumSteps)
	}
	return out
}

// Start begins a fresh installation. The configuration is validated
// synchronously; an invalid config is rejected before any step runs
// and before stored progress is discarded.
func (s *Service) Start(cfg model.InstallConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrInstallRunning
	}

	orch := NewOrchestrator(cfg, s.opts...)
	if err := orch.Validate(); err != nil {
		return err
	}

	if s.jnl != nil {
		if err := s.jnl.Reset(); err != nil {
			return fmt.Errorf("reset journal: %w", err)
		}
	}

	s.begin(orch)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish()

		err := orch.RunAll(s.ctx, s.record)
		if err != nil {
			log.Printf("install: run failed: %v", err)
			s.emit(model.InstallProgress{
				StepName:   errorStepName,
				StepLabel:  errorStepLabel,
				Status:     model.StatusFailedPrefix + err.Error(),
				Message:    err.Error(),
				TotalSteps: NumSteps,
			})
			return
		}
		s.commit()
		log.Printf("install: run completed")
	}()
	return nil
}

// Resume continues an interrupted installation. When completedSteps is
// nil the journal supplies the steps that already finished. Skipped
// steps are not re-executed and produce no events; each remaining step
// yields one event with its final state.
func (s *Service) Resume(cfg model.InstallConfig, completedSteps []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrInstallRunning
	}

	if completedSteps == nil && s.jnl != nil {
		steps, err := s.jnl.CompletedSteps()
		if err != nil {
			return fmt.Errorf("read journal: %w", err)
		}
		completedSteps = steps
	}

	orch := NewOrchestrator(cfg, s.opts...)
	if err := orch.Validate(); err != nil {
		return err
	}

	s.begin(orch)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish()

		err := orch.Resume(s.ctx, completedSteps, s.record)
		if err != nil {
			index := -1
			var stepErr *StepError
			if errors.As(err, &stepErr) {
				index = stepErr.Index
			}
			log.Printf("install: resume failed at step %d: %v", index, err)
			s.emit(model.InstallProgress{
				StepName:   fmt.Sprintf(resumeStepName, index),
				StepLabel:  errorStepLabel,
				Status:     model.StatusFailedPrefix + err.Error(),
				Message:    err.Error(),
				StepIndex:  index,
				TotalSteps: NumSteps,
			})
			return
		}
		s.commit()
		log.Printf("install: resume completed")
	}()
	return nil
}

// Stop cancels any active run and waits for it to wind down. The
// events channel is closed afterwards.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.events)
	})
}

// begin transitions to running under s.mu, dropping any stale events a
// previous run left in the buffer.
func (s *Service) begin(orch *Orchestrator) {
	for {
		select {
		case <-s.events:
			continue
		default:
		}
		break
	}
	s.orch = orch
	s.running = true
}

func (s *Service) finish() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// record journals step outcomes and forwards every transition to the
// event stream.
func (s *Service) record(p model.InstallProgress) {
	if s.jnl != nil {
		switch {
		case p.Status == model.StatusCompleted:
			s.append(journal.StepRecord{
				Step:       p.StepName,
				Status:     journal.StatusCompleted,
				Message:    p.Message,
				FinishedAt: time.Now().UTC(),
			})
		case strings.HasPrefix(p.Status, model.StatusFailedPrefix):
			s.append(journal.StepRecord{
				Step:       p.StepName,
				Status:     journal.StatusFailed,
				Message:    strings.TrimPrefix(p.Status, model.StatusFailedPrefix),
				FinishedAt: time.Now().UTC(),
			})
		}
	}
	s.emit(p)
}

// append is best effort: a journal write failure must not halt the
// installation it is recording.
func (s *Service) append(rec journal.StepRecord) {
	if _, err := s.jnl.Append(rec); err != nil {
		log.Printf("install: journal append: %v", err)
	}
}

func (s *Service) commit() {
	if s.jnl == nil {
		return
	}
	if err := s.jnl.Commit(s.jnl.LastSeq()); err != nil {
		log.Printf("install: journal commit: %v", err)
	}
}

func (s *Service) emit(p model.InstallProgress) {
	select {
	case s.events <- p:
	default:
	}
}

// Terminal reports whether an event ends a run's progress stream:
// either an error event or the final step completing.
func Terminal(p model.InstallProgress) bool {
	if p.StepName == errorStepName || strings.HasPrefix(p.StepName, resumeStepGuard) {
		return true
	}
	return p.StepIndex == NumSteps-1 && p.Status == model.StatusCompleted
}
