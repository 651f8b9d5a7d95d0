package pipeline

import (
	"context"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/phpack/phpack/internal/events"
	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/types"
)

// Session is one build request fanned out over its target platforms
type Session struct {
	ID        string
	Project   types.Project
	Config    types.BuildConfig
	OutputDir string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	broker *events.Broker
	seq    *events.Sequencer

	mu      deadlock.Mutex
	steps   map[types.Platform][]types.BuildStep
	results map[types.Platform]types.BuildResult
	log     []events.BuildEvent
	// appended is closed and replaced whenever the event log grows
	appended chan struct{}
	report   *types.SessionReport
	done     chan struct{}
}

func newSession(parent context.Context, id string, project types.Project, cfg types.BuildConfig, outputDir string) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:        id,
		Project:   project,
		Config:    cfg,
		OutputDir: outputDir,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		seq:       events.NewSequencer(),
		steps:     make(map[types.Platform][]types.BuildStep, len(cfg.Platforms)),
		results:   make(map[types.Platform]types.BuildResult, len(cfg.Platforms)),
		appended:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, p := range cfg.Platforms {
		s.steps[p] = types.NewBuildSteps()
	}
	return s
}

// Cancel asks every platform task to stop at its next stage boundary
func (s *Session) Cancel() {
	s.cancel()
}

// Done is closed once the session report is available
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until every platform finished or ctx ends
func (s *Session) Wait(ctx context.Context) (*types.SessionReport, error) {
	select {
	case <-s.done:
		return s.Report(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Report returns the aggregated report, or nil while platforms are running
func (s *Session) Report() *types.SessionReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Steps returns a copy of a platform's steps
func (s *Session) Steps(platform types.Platform) []types.BuildStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySteps(s.steps[platform])
}

// Results returns the terminal results reached so far
func (s *Session) Results() []types.BuildResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.BuildResult, 0, len(s.results))
	for _, p := range s.Config.Platforms {
		if r, ok := s.results[p]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Events replays every event of the session from the start and follows
// new ones. The channel is closed after the session finished event or when
// ctx ends. No event is ever dropped; a slow reader only delays itself.
func (s *Session) Events(ctx context.Context) <-chan events.BuildEvent {
	out := make(chan events.BuildEvent, 16)
	go func() {
		defer close(out)
		next := 0
		for {
			s.mu.Lock()
			pending := append([]events.BuildEvent(nil), s.log[next:]...)
			appended := s.appended
			finished := s.report != nil
			s.mu.Unlock()

			for _, e := range pending {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
			next += len(pending)
			if finished && len(pending) == 0 {
				return
			}
			if len(pending) > 0 {
				continue
			}
			select {
			case <-appended:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// publish stamps e, folds it into the step log and hands it to readers
func (s *Session) publish(e *events.BuildEvent) {
	s.mu.Lock()
	s.seq.Stamp(e)
	if steps, ok := s.steps[e.Platform]; ok && e.Stage != "" {
		for i := range steps {
			if steps[i].Stage != e.Stage {
				continue
			}
			if e.Status != "" {
				steps[i].Status = e.Status
			}
			steps[i].Logs = append(steps[i].Logs, e.Logs...)
			if e.Error != "" {
				steps[i].Logs = append(steps[i].Logs, e.Error)
			}
		}
	}
	s.log = append(s.log, *e)
	close(s.appended)
	s.appended = make(chan struct{})
	s.mu.Unlock()

	if s.broker != nil {
		s.broker.Publish(*e)
	}
}

func (s *Session) setResult(r types.BuildResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.Platform] = r
}

// finish freezes the report and wakes every waiter
func (s *Session) finish() *types.SessionReport {
	s.mu.Lock()
	report := &types.SessionReport{
		SessionID:  s.ID,
		ProjectID:  s.Project.ID,
		AppName:    s.Config.AppName,
		AppVersion: s.Config.AppVersion,
		StartedAt:  s.StartedAt,
		FinishedAt: time.Now(),
		Steps:      make(map[types.Platform][]types.BuildStep, len(s.steps)),
	}
	for _, p := range s.Config.Platforms {
		r, ok := s.results[p]
		if !ok {
			r = types.BuildResult{Platform: p, Status: types.BuildStatusFailed, Error: "platform task did not report", ErrorKind: string(fault.KindInternal)}
		}
		report.Results = append(report.Results, r)
		report.Steps[p] = copySteps(s.steps[p])
	}
	s.mu.Unlock()
	return report
}

// seal publishes the final event and releases waiters
func (s *Session) seal(report *types.SessionReport, final *events.BuildEvent) {
	if final != nil {
		s.publish(final)
	}
	s.mu.Lock()
	s.report = report
	close(s.appended)
	s.appended = make(chan struct{})
	s.mu.Unlock()
	close(s.done)
	s.cancel()
}

func copySteps(steps []types.BuildStep) []types.BuildStep {
	out := make([]types.BuildStep, len(steps))
	for i, st := range steps {
		st.Logs = append([]string(nil), st.Logs...)
		out[i] = st
	}
	return out
}
