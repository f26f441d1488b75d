package process

import (
	"os/exec"

	"github.com/loykin/appmaker/internal/logger"
)

// DefaultOutputTail is the number of lines kept per stream when Spec.OutputTail is unset.
const DefaultOutputTail = 2000

// Stream names a child output stream.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Spec describes one launch of a generated program.
type Spec struct {
	Name       string        `json:"name"`     // used for log file names and status
	Path       string        `json:"path"`     // interpreter or executable
	Args       []string      `json:"args"`     // e.g. the entry file
	WorkDir    string        `json:"work_dir"` // project directory
	Env        []string      `json:"env"`      // complete child environment; nil inherits ours
	PIDFile    string        `json:"pid_file"` // optional; records pid and start time for stale cleanup
	OutputTail int           `json:"output_tail"`
	Log        logger.Config `json:"log"` // per-run stdout/stderr files when Log.Dir is set

	// OnLine, when set, receives every captured line. It is called from the
	// reader goroutines and must not block for long.
	OnLine func(s Stream, line string) `json:"-"`
}

// BuildCommand constructs the *exec.Cmd for the spec without a shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- interpreter and entry path come from the provisioner and resolver
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Dir = s.WorkDir
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd)
	return cmd
}

func (s *Spec) tail() int {
	if s.OutputTail <= 0 {
		return DefaultOutputTail
	}
	return s.OutputTail
}
