// Package runner supervises the single generated application that may run at a
// time: it resolves the entry file, provisions the environment, launches the
// program, and records a Problem when the program fails shortly after start.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/appmaker/internal/entrypoint"
	"github.com/loykin/appmaker/internal/history"
	"github.com/loykin/appmaker/internal/logger"
	"github.com/loykin/appmaker/internal/metrics"
	"github.com/loykin/appmaker/internal/problem"
	"github.com/loykin/appmaker/internal/process"
	"github.com/loykin/appmaker/internal/provision"
)

const (
	DefaultGracePeriod = 2 * time.Second
	DefaultStopTimeout = 5 * time.Second
)

// ErrLaunch is returned when the interpreter could not be spawned.
var ErrLaunch = errors.New("failed to launch application")

// State of the supervisor slot.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
)

// Config tunes the supervisor.
type Config struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	SourceExt   string        `mapstructure:"source_ext"`
	OutputTail  int           `mapstructure:"output_tail"`
	PIDFile     string        `mapstructure:"pid_file"` // survives daemon restarts for stale cleanup
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.SourceExt == "" {
		c.SourceExt = entrypoint.DefaultExt
	}
	return c
}

// Projects resolves a project id to its directory.
type Projects interface {
	Dir(id string) (string, error)
}

// Provisioner prepares the interpreter environment of a project directory.
type Provisioner interface {
	Ensure(ctx context.Context, dir string) (provision.Environment, error)
}

// RunStatus is a snapshot of the supervisor.
type RunStatus struct {
	State     State          `json:"state"`
	ProjectID string         `json:"project_id,omitempty"`
	PID       int            `json:"pid,omitempty"`
	Running   bool           `json:"running"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	StoppedAt *time.Time     `json:"stopped_at,omitempty"`
	ExitCode  *int           `json:"exit_code,omitempty"`
	Stdout    []string       `json:"stdout,omitempty"`
	Stderr    []string       `json:"stderr,omitempty"`
	Usage     *metrics.Usage `json:"usage,omitempty"`
}

type run struct {
	gen       uint64
	projectID string
	proc      *process.Process
}

// Supervisor owns the single application slot.
type Supervisor struct {
	cfg      Config
	projects Projects
	prov     Provisioner
	problems *problem.Recorder
	activity *logger.Activity
	history  history.Sink
	runLogs  logger.Config
	log      *slog.Logger

	// mu serializes Run and Stop so terminate-then-launch is atomic.
	mu sync.Mutex

	// smu guards the fields below; held only briefly so Status never waits
	// on provisioning.
	smu   sync.Mutex
	state State
	gen   uint64
	cur   *run
	last  *run
}

type Option func(*Supervisor)

func WithHistory(h history.Sink) Option { return func(s *Supervisor) { s.history = h } }

// WithRunLogs tees every run's output into rotating files under c.Dir.
func WithRunLogs(c logger.Config) Option { return func(s *Supervisor) { s.runLogs = c } }

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.log = l } }

func New(cfg Config, projects Projects, prov Provisioner, problems *problem.Recorder, activity *logger.Activity, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:      cfg.withDefaults(),
		projects: projects,
		prov:     prov,
		problems: problems,
		activity: activity,
		log:      slog.Default(),
		state:    StateIdle,
	}
	for _, o := range opts {
		o(s)
	}
	if s.activity == nil {
		s.activity = logger.NewActivity(0, s.log)
	}
	return s
}

// ReapStale terminates an application left running by a previous daemon.
func (s *Supervisor) ReapStale() {
	if s.cfg.PIDFile == "" {
		return
	}
	found, err := process.KillStale(s.cfg.PIDFile)
	if err != nil {
		s.log.Warn("stale application cleanup failed", "pid_file", s.cfg.PIDFile, "error", err)
		return
	}
	if found {
		s.log.Info("terminated application left by a previous run", "pid_file", s.cfg.PIDFile)
	}
}

// Run terminates any tracked application and launches projectID's entry file.
// It returns once the program is spawned; failures within the grace period are
// reported through the Problem record, not the return value.
func (s *Supervisor) Run(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r := s.current(); r != nil {
		s.activity.Add("stopping previous application", "project", r.projectID)
		if err := s.terminate(r, "superseded"); err != nil {
			s.log.Warn("previous application did not stop cleanly", "project", r.projectID, "error", err)
		}
	}

	s.smu.Lock()
	s.gen++
	gen := s.gen
	s.state = StateStarting
	s.smu.Unlock()

	dir, err := s.projects.Dir(projectID)
	if err != nil {
		s.setIdle()
		metrics.IncRun("not_found")
		return err
	}
	if err := s.problems.Clear(projectID); err != nil {
		s.log.Warn("failed to clear problem", "project", projectID, "error", err)
	}

	s.activity.Add("starting application", "project", projectID)
	entry, err := entrypoint.Resolve(dir, s.cfg.SourceExt)
	if err != nil {
		s.setIdle()
		metrics.IncRun("no_entrypoint")
		if errors.Is(err, entrypoint.ErrNoEntrypoint) {
			s.fail(projectID, problem.New(problem.TypeNoEntrypoint,
				"No entrypoint found for the application", err.Error()))
		}
		return fmt.Errorf("project %s: %w", projectID, err)
	}

	env, err := s.prov.Ensure(ctx, dir)
	if err != nil {
		s.setIdle()
		metrics.IncRun("environment_error")
		typ := problem.TypeEnvironmentCreation
		details := err.Error()
		var pe *provision.Error
		if errors.As(err, &pe) {
			typ = pe.ProblemType()
			details = pe.Output
		}
		s.fail(projectID, problem.New(typ, err.Error(), details))
		return fmt.Errorf("prepare environment for %s: %w", projectID, err)
	}

	proc := process.New(process.Spec{
		Name:       projectID,
		Path:       env.Interpreter,
		Args:       []string{entry},
		WorkDir:    dir,
		Env:        env.Vars,
		PIDFile:    s.cfg.PIDFile,
		OutputTail: s.cfg.OutputTail,
		Log:        s.runLogs,
		OnLine: func(st process.Stream, line string) {
			s.activity.Line("[" + string(st) + "] " + line)
		},
	})
	if err := proc.Start(); err != nil {
		s.setIdle()
		metrics.IncRun("launch_error")
		s.fail(projectID, problem.New(problem.TypeLaunchError, "Failed to start the application", err.Error()))
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	r := &run{gen: gen, projectID: projectID, proc: proc}
	s.smu.Lock()
	s.cur = r
	s.state = StateRunning
	s.smu.Unlock()

	st := proc.Snapshot()
	s.activity.Add("application started", "project", projectID, "pid", st.PID, "entry", entry)
	metrics.IncRun("launched")
	metrics.SetRunning(true)
	s.record(history.Event{Type: history.EventRunStarted, ProjectID: projectID, PID: st.PID, ExitCode: -1})

	go s.watch(r)
	return nil
}

// Stop terminates the tracked application. It reports false when nothing was
// running; that is not an error.
func (s *Supervisor) Stop(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.current()
	if r == nil {
		return false, nil
	}
	s.activity.Add("stopping application", "project", r.projectID)
	return true, s.terminate(r, "stop")
}

// StopProject stops the application only when it belongs to projectID.
func (s *Supervisor) StopProject(ctx context.Context, projectID string) (bool, error) {
	s.mu.Lock()
	r := s.current()
	s.mu.Unlock()
	if r == nil || r.projectID != projectID {
		return false, nil
	}
	return s.Stop(ctx)
}

// Shutdown stops the tracked application; used when the daemon exits.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	_, err := s.Stop(ctx)
	return err
}

// current returns the tracked run when its process is still alive.
func (s *Supervisor) current() *run {
	s.smu.Lock()
	defer s.smu.Unlock()
	if s.cur == nil || s.cur.proc.Exited() {
		return nil
	}
	return s.cur
}

// terminate stops r with the configured escalation and releases the slot.
// Callers hold s.mu.
func (s *Supervisor) terminate(r *run, reason string) error {
	err := r.proc.Stop(s.cfg.StopTimeout)
	metrics.IncStop(reason)
	s.smu.Lock()
	if s.cur == r {
		s.cur = nil
		s.last = r
		s.state = StateIdle
	}
	s.smu.Unlock()
	metrics.SetRunning(false)
	return err
}

// watch waits for the grace period. A program that exits non-zero within it,
// without having been asked to stop, is classified into a Problem. watch then
// follows the program until it exits.
func (s *Supervisor) watch(r *run) {
	done := r.proc.Done()
	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()

	select {
	case <-done:
		s.checkEarlyExit(r)
	case <-grace.C:
		s.log.Debug("application survived grace period", "project", r.projectID)
		<-done
	}

	st := r.proc.Snapshot()
	typ := history.EventRunExited
	if st.Stopped {
		typ = history.EventRunStopped
	} else {
		s.activity.Add("application exited", "project", r.projectID, "exit_code", st.ExitCode)
	}
	s.record(history.Event{Type: typ, ProjectID: r.projectID, PID: st.PID, ExitCode: st.ExitCode})

	s.smu.Lock()
	if s.cur == r {
		s.cur = nil
		s.last = r
		s.state = StateIdle
		metrics.SetRunning(false)
	}
	s.smu.Unlock()
}

func (s *Supervisor) checkEarlyExit(r *run) {
	st := r.proc.Snapshot()
	if st.Stopped || st.ExitCode == 0 {
		return
	}
	stdout, stderr := r.proc.Output()
	p := problem.Classify(stdout, stderr, st.ExitCode)

	s.smu.Lock()
	// A newer Run owns the project's Problem record now.
	if r.gen != s.gen {
		s.smu.Unlock()
		return
	}
	err := s.problems.Save(r.projectID, p)
	s.smu.Unlock()
	s.report(r.projectID, p, err)
}

// fail saves p for projectID and reports it.
func (s *Supervisor) fail(projectID string, p problem.Problem) {
	s.report(projectID, p, s.problems.Save(projectID, p))
}

func (s *Supervisor) report(projectID string, p problem.Problem, saveErr error) {
	if saveErr != nil {
		s.log.Error("failed to save problem", "project", projectID, "error", saveErr)
	}
	metrics.IncProblem(string(p.Type))
	s.activity.Warn("problem detected", "project", projectID, "type", p.Type, "message", p.Message)
	s.record(history.Event{Type: history.EventProblem, ProjectID: projectID, ProblemType: string(p.Type), Message: p.Message})
}

func (s *Supervisor) setIdle() {
	s.smu.Lock()
	s.state = StateIdle
	s.smu.Unlock()
}

// record hands e to the history sink without blocking the caller.
func (s *Supervisor) record(e history.Event) {
	if s.history == nil {
		return
	}
	e.OccurredAt = time.Now().UTC()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.history.Send(ctx, e); err != nil {
			s.log.Debug("history event dropped", "type", e.Type, "error", err)
		}
	}()
}

// Status returns a snapshot of the slot: the live run, or the last finished one.
func (s *Supervisor) Status() RunStatus {
	s.smu.Lock()
	state := s.state
	r := s.cur
	if r == nil {
		r = s.last
	}
	s.smu.Unlock()

	rs := RunStatus{State: state}
	if r == nil {
		return rs
	}
	st := r.proc.Snapshot()
	rs.ProjectID = r.projectID
	rs.PID = st.PID
	rs.Running = st.Running
	rs.StartedAt = &st.StartedAt
	rs.Stdout, rs.Stderr = r.proc.Output()
	if !st.Running {
		rs.StoppedAt = &st.StoppedAt
		code := st.ExitCode
		rs.ExitCode = &code
	} else if u, err := metrics.Sample(int32(st.PID)); err == nil {
		rs.Usage = &u
	}
	return rs
}

// CurrentPID returns the pid of the live application, or 0.
func (s *Supervisor) CurrentPID() int32 {
	r := s.current()
	if r == nil {
		return 0
	}
	return int32(r.proc.Snapshot().PID)
}
