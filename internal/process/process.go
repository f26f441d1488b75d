package process

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// drainTimeout bounds how long exit handling waits for the output readers once
// the child is reaped. A grandchild holding the pipe open must not block it.
const drainTimeout = 500 * time.Millisecond

// killWait bounds the wait for reaping after SIGKILL.
const killWait = 2 * time.Second

var (
	ErrNotStarted   = errors.New("process not started")
	ErrStillRunning = errors.New("process did not exit after kill")
)

// Process is one launched program with its captured output.
type Process struct {
	spec Spec

	mu       sync.Mutex
	cmd      *exec.Cmd
	status   Status
	done     chan struct{} // closed once the child is reaped and output drained
	stopping bool
	closers  []io.Closer

	stdout *lineBuffer
	stderr *lineBuffer
}

func New(spec Spec) *Process {
	return &Process{
		spec:   spec,
		stdout: newLineBuffer(spec.tail()),
		stderr: newLineBuffer(spec.tail()),
	}
}

func (r *Process) Name() string { return r.spec.Name }

// Start launches the program with both output streams piped and returns
// without waiting for it to exit. Two reader goroutines drain the streams
// line by line until EOF; a monitor goroutine reaps the child.
func (r *Process) Start() error {
	r.mu.Lock()
	if r.cmd != nil {
		r.mu.Unlock()
		return errors.New("process already started")
	}
	r.mu.Unlock()

	cmd := r.spec.BuildCommand()
	outR, outW, err := os.Pipe()
	if err != nil {
		return err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	var outTee, errTee io.WriteCloser
	if r.spec.Log.Dir != "" {
		outTee, errTee, _ = r.spec.Log.RunWriters(r.spec.Name)
	}

	if err := cmd.Start(); err != nil {
		for _, c := range []io.Closer{outR, outW, errR, errW} {
			_ = c.Close()
		}
		closeAll(outTee, errTee)
		return err
	}
	// The child owns the write ends now; closing ours lets readers see EOF.
	_ = outW.Close()
	_ = errW.Close()

	r.setStarted(cmd, outTee, errTee)
	r.WritePIDFile()

	var readers sync.WaitGroup
	readers.Add(2)
	go r.capture(outR, Stdout, r.stdout, outTee, &readers)
	go r.capture(errR, Stderr, r.stderr, errTee, &readers)
	go r.monitor(cmd, &readers)
	return nil
}

func (r *Process) setStarted(cmd *exec.Cmd, tees ...io.WriteCloser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmd = cmd
	r.done = make(chan struct{})
	r.status = Status{
		Name:      r.spec.Name,
		Running:   true,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		ExitCode:  -1,
	}
	for _, t := range tees {
		if t != nil {
			r.closers = append(r.closers, t)
		}
	}
}

func (r *Process) monitor(cmd *exec.Cmd, readers *sync.WaitGroup) {
	err := cmd.Wait()

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
	}

	r.mu.Lock()
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	r.status.ExitErr = err
	if cmd.ProcessState != nil {
		r.status.ExitCode = cmd.ProcessState.ExitCode()
	}
	r.status.Stopped = r.stopping
	closers := r.closers
	r.closers = nil
	done := r.done
	r.mu.Unlock()

	// Let late readers finish before closing their tee targets.
	go func() {
		<-drained
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	r.RemovePIDFile()
	close(done)
}

// Done is closed once the program has exited and its output is drained.
// It returns nil before Start.
func (r *Process) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return nil
	}
	return r.done
}

// Exited reports whether the program has been reaped.
func (r *Process) Exited() bool {
	d := r.Done()
	if d == nil {
		return false
	}
	select {
	case <-d:
		return true
	default:
		return false
	}
}

// Stop terminates the program's process group and waits up to wait for it to
// exit before escalating to a forced kill. Stopping an exited program is a no-op.
func (r *Process) Stop(wait time.Duration) error {
	done := r.Done()
	if done == nil {
		return ErrNotStarted
	}
	select {
	case <-done:
		return nil
	default:
	}
	r.mu.Lock()
	r.stopping = true
	pid := r.status.PID
	r.mu.Unlock()

	_ = terminateGroup(pid)
	select {
	case <-done:
		return nil
	case <-time.After(wait):
	}
	_ = killGroup(pid)
	select {
	case <-done:
		return nil
	case <-time.After(killWait):
		return ErrStillRunning
	}
}

// DetectAlive probes liveness of the launched program.
func (r *Process) DetectAlive() bool {
	if r.Exited() {
		return false
	}
	r.mu.Lock()
	pid := r.status.PID
	r.mu.Unlock()
	return processAlive(pid)
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Output returns copies of the captured stdout and stderr lines.
func (r *Process) Output() (stdout, stderr []string) {
	return r.stdout.Lines(), r.stderr.Lines()
}

func closeAll(cs ...io.WriteCloser) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}

// Alive reports whether pid refers to a live, non-zombie process.
func Alive(pid int) bool { return processAlive(pid) }
