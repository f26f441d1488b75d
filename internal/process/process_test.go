package process

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/appmaker/internal/logger"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require /bin/sh on Unix-like systems")
	}
}

func shSpec(name, script string) Spec {
	return Spec{Name: name, Path: "/bin/sh", Args: []string{"-c", script}}
}

func waitDone(t *testing.T, p *Process, d time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(d):
		t.Fatalf("process %s did not exit within %s", p.Name(), d)
	}
}

func TestStartCapturesBothStreams(t *testing.T) {
	requireUnix(t)
	var mu sync.Mutex
	seen := map[Stream][]string{}
	spec := shSpec("cap", "echo out1; echo err1 1>&2; printf 'out2'; exit 3")
	spec.OnLine = func(s Stream, line string) {
		mu.Lock()
		seen[s] = append(seen[s], line)
		mu.Unlock()
	}
	p := New(spec)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, p, 3*time.Second)

	out, errLines := p.Output()
	if strings.Join(out, ",") != "out1,out2" {
		t.Fatalf("stdout = %q", out)
	}
	if strings.Join(errLines, ",") != "err1" {
		t.Fatalf("stderr = %q", errLines)
	}
	st := p.Snapshot()
	if st.Running || st.ExitCode != 3 || st.Stopped {
		t.Fatalf("unexpected status: %+v", st)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen[Stdout]) != 2 || len(seen[Stderr]) != 1 {
		t.Fatalf("OnLine saw %v", seen)
	}
}

func TestStartUsesWorkDirAndEnv(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	spec := shSpec("wd", `pwd; echo "$FOO"`)
	spec.WorkDir = dir
	spec.Env = []string{"FOO=bar", "PATH=/usr/bin:/bin"}
	p := New(spec)
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, 3*time.Second)
	out, _ := p.Output()
	want, _ := filepath.EvalSymlinks(dir)
	if len(out) != 2 || (out[0] != dir && out[0] != want) || out[1] != "bar" {
		t.Fatalf("output = %q", out)
	}
}

func TestStartFailureIsReturned(t *testing.T) {
	p := New(Spec{Name: "missing", Path: filepath.Join(t.TempDir(), "nope")})
	if err := p.Start(); err == nil {
		t.Fatal("expected spawn error")
	}
	if p.Done() != nil {
		t.Fatal("Done should be nil when never started")
	}
	if err := p.Stop(time.Second); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Stop on unstarted = %v", err)
	}
}

func TestStopTerminatesGracefully(t *testing.T) {
	requireUnix(t)
	p := New(shSpec("sleepy", "sleep 30"))
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	if !p.DetectAlive() {
		t.Fatal("expected alive after start")
	}
	start := time.Now()
	if err := p.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("SIGTERM should end sleep promptly")
	}
	st := p.Snapshot()
	if st.Running || !st.Stopped {
		t.Fatalf("status after stop: %+v", st)
	}
	if p.DetectAlive() {
		t.Fatal("still alive after stop")
	}
	// second stop is a no-op
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	requireUnix(t)
	p := New(shSpec("stubborn", `trap '' TERM; while true; do sleep 0.05; done`))
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond) // let the trap install
	start := time.Now()
	if err := p.Stop(300 * time.Millisecond); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if d := time.Since(start); d < 300*time.Millisecond {
		t.Fatalf("kill came before the grace wait: %s", d)
	}
	if p.DetectAlive() {
		t.Fatal("still alive after kill")
	}
}

func TestOutputTailIsBounded(t *testing.T) {
	requireUnix(t)
	spec := shSpec("loud", "i=0; while [ $i -lt 50 ]; do echo line$i; i=$((i+1)); done")
	spec.OutputTail = 10
	p := New(spec)
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, 3*time.Second)
	out, _ := p.Output()
	if len(out) != 10 || out[0] != "line40" || out[9] != "line49" {
		t.Fatalf("tail = %q", out)
	}
}

func TestRunWritersReceiveOutput(t *testing.T) {
	requireUnix(t)
	logs := t.TempDir()
	spec := shSpec("logged", "echo to-out; echo to-err 1>&2")
	spec.Log = logger.Config{Dir: logs}
	p := New(spec)
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, 3*time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for {
		o, _ := os.ReadFile(filepath.Join(logs, "logged.stdout.log"))
		e, _ := os.ReadFile(filepath.Join(logs, "logged.stderr.log"))
		if strings.Contains(string(o), "to-out") && strings.Contains(string(e), "to-err") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("log files missing output: out=%q err=%q", o, e)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
